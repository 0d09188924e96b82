package api

import (
	"net/http" // HTTP status codes
	"strconv"  // String conversion
	"time"     // Time parsing

	"github.com/gin-gonic/gin" // Gin web framework
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"coin_ledger/internal/audit"
	"coin_ledger/internal/domain"
	"coin_ledger/internal/ledger"
	"coin_ledger/internal/store"
)

// MintRequest credits newly issued coin without a proposal
type MintRequest struct {
	UserID      uint            `json:"user_id" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Notes       string          `json:"notes" binding:"max=512"`
	ExternalRef string          `json:"external_ref" binding:"max=128"`
}

// ComplianceProfileRequest replaces a user's identity data
type ComplianceProfileRequest struct {
	Jurisdiction string `json:"jurisdiction" binding:"required,len=2,alpha"`
	Sanctioned   bool   `json:"sanctioned"`
	KYCVerified  bool   `json:"kyc_verified"`
}

// MintHandler issues coin directly; the ledger still enforces the cap
func MintHandler(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		adminID, ok := caller(c)
		if !ok {
			return
		}
		var req MintRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request")
			return
		}
		ctx := c.Request.Context()
		record, err := d.Ledger.Mint(ctx, ledger.MintRequest{
			UserID:      req.UserID,
			Amount:      req.Amount,
			Notes:       req.Notes,
			ExternalRef: req.ExternalRef,
			ActorID:     adminID,
		})
		if err != nil {
			d.respondError(c, err)
			return
		}
		d.invalidate(ctx, req.UserID)
		c.JSON(http.StatusCreated, gin.H{"transaction": record})
	}
}

// UpdateComplianceProfileHandler changes the identity data the compliance
// gate reads and drops the cached identity
func UpdateComplianceProfileHandler(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		adminID, ok := caller(c)
		if !ok {
			return
		}
		userID, ok := parseID(c, "id")
		if !ok {
			return
		}
		var req ComplianceProfileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request")
			return
		}
		profile := store.ComplianceProfile{
			Jurisdiction: normalizeCountry(req.Jurisdiction),
			Sanctioned:   req.Sanctioned,
			KYCVerified:  req.KYCVerified,
		}
		ctx := c.Request.Context()
		var user *domain.User
		err := d.Store.RunInTx(ctx, func(tx store.Tx) error {
			before, err := tx.User(userID)
			if err != nil {
				return err
			}
			if err := tx.UpdateComplianceProfile(userID, profile); err != nil {
				return err
			}
			if user, err = tx.User(userID); err != nil {
				return err
			}
			return d.Audit.Append(tx, audit.Event{
				Type:   domain.EventComplianceProfileUpdated,
				UserID: userID,
				Details: audit.Details{
					"admin_id":     adminID,
					"jurisdiction": [2]string{before.Jurisdiction, user.Jurisdiction},
					"sanctioned":   [2]bool{before.Sanctioned, user.Sanctioned},
					"kyc_verified": [2]bool{before.KYCVerified, user.KYCVerified},
				},
			})
		})
		if err != nil {
			d.respondError(c, err)
			return
		}
		if d.Identities != nil {
			if err := d.Identities.Invalidate(ctx, userID); err != nil {
				d.Log.WithError(err).WithField("user_id", userID).Warn("identity cache invalidation failed")
			}
		}
		d.Log.WithFields(logrus.Fields{"user_id": userID, "admin_id": adminID}).Info("compliance profile updated")
		c.JSON(http.StatusOK, gin.H{"user": user})
	}
}

// ListTransactionsHandler lists all transactions, filtered by user_id, type,
// status, from and to (RFC 3339)
func ListTransactionsHandler(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		page, pageSize := pagination(c)
		filter := store.TransactionFilter{
			Type:   domain.TransactionType(c.Query("type")),
			Status: domain.TransactionStatus(c.Query("status")),
			Offset: (page - 1) * pageSize,
			Limit:  pageSize,
		}
		if v := c.Query("user_id"); v != "" {
			userID, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				badRequest(c, "Invalid user_id")
				return
			}
			wallet, err := d.Ledger.Balance(ctx, uint(userID))
			if err != nil {
				d.respondError(c, err)
				return
			}
			filter.WalletID = &wallet.ID
		}
		var err error
		if filter.From, err = parseTime(c.Query("from")); err != nil {
			badRequest(c, "Invalid from")
			return
		}
		if filter.To, err = parseTime(c.Query("to")); err != nil {
			badRequest(c, "Invalid to")
			return
		}
		txs, total, err := d.Ledger.Transactions(ctx, filter)
		if err != nil {
			d.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, HistoryPage{
			Transactions: txs,
			Page:         page,
			PageSize:     pageSize,
			Total:        total,
			TotalPages:   totalPages(total, pageSize),
		})
	}
}

// ListAuditHandler returns audit entries newest first
func ListAuditHandler(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := store.AuditFilter{
			EventType:  c.Query("event_type"),
			ProposalID: c.Query("proposal_id"),
			Limit:      100,
		}
		if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 1000 {
			filter.Limit = v
		}
		for param, dst := range map[string]**uint{"user_id": &filter.UserID, "transaction_id": &filter.TransactionID} {
			v := c.Query(param)
			if v == "" {
				continue
			}
			id, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				badRequest(c, "Invalid "+param)
				return
			}
			u := uint(id)
			*dst = &u
		}
		entries, err := d.Audit.List(c.Request.Context(), filter)
		if err != nil {
			d.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	}
}

// SupplyHandler reports supply counters and whether balances reconcile
func SupplyHandler(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := d.Ledger.Reconcile(c.Request.Context())
		if err != nil {
			d.respondError(c, err)
			return
		}
		if !report.Balanced {
			d.Log.WithFields(logrus.Fields{
				"issued":   report.Issued.String(),
				"redeemed": report.Redeemed.String(),
				"balances": report.WalletBalances.String(),
				"pending":  report.PendingWithdrawals.String(),
			}).Error("supply does not reconcile")
		}
		c.JSON(http.StatusOK, report)
	}
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
