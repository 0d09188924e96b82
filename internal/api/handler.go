// Package api exposes the ledger over HTTP with gin.
package api

import (
	"context"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"coin_ledger/internal/audit"
	"coin_ledger/internal/domain"
	"coin_ledger/internal/ledger"
	"coin_ledger/internal/middleware"
	"coin_ledger/internal/proposal"
	"coin_ledger/internal/store"
	"coin_ledger/internal/utils"
)

// IdentityCache drops cached compliance identities after a profile change
type IdentityCache interface {
	Invalidate(ctx context.Context, userID uint) error
}

// Deps are the services the handlers call
type Deps struct {
	Store      store.Store
	Ledger     *ledger.Service
	Proposals  *proposal.Workflow
	Audit      *audit.Sink
	Cache      utils.Cache   // Read caches; utils.NopCache when Redis is off
	Identities IdentityCache // Optional
	Log        logrus.FieldLogger

	JWTSecret        string
	SettlementSecret []byte
	AdminUsernames   []string // Registered with the admin role
}

var statusByKind = map[string]int{
	"InsufficientBalance":     http.StatusPaymentRequired,
	"ComplianceViolation":     http.StatusForbidden,
	"SupplyCapExceeded":       http.StatusConflict,
	"DailyMintLimitExceeded":  http.StatusConflict,
	"ApprovalThresholdNotMet": http.StatusConflict,
	"DuplicateExecution":      http.StatusConflict,
	"ComplianceRecordReused":  http.StatusConflict,
	"InvalidState":            http.StatusConflict,
	"WalletNotFound":          http.StatusNotFound,
	"NotFound":                http.StatusNotFound,
	"Unauthorized":            http.StatusForbidden,
	"InvalidAmount":           http.StatusBadRequest,
	"InvalidRequest":          http.StatusBadRequest,
}

// StatusOf maps an error to the HTTP status of its kind
func StatusOf(err error) int {
	if status, ok := statusByKind[domain.ErrorKind(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// respondError writes {"error", "kind"}; internal errors are logged and hidden.
func (d *Deps) respondError(c *gin.Context, err error) {
	kind := domain.ErrorKind(err)
	status := StatusOf(err)
	if status == http.StatusInternalServerError {
		d.Log.WithError(err).WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		}).Error("request failed")
		c.JSON(status, gin.H{"error": "Internal error", "kind": kind})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "kind": domain.ErrorKind(domain.ErrInvalidRequest)})
}

// caller returns the authenticated user or aborts with 401
func caller(c *gin.Context) (uint, bool) {
	id, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
	}
	return id, ok
}

// pagination reads page and page_size, defaulting to 1 and 20
func pagination(c *gin.Context) (page, pageSize int) {
	page, pageSize = 1, utils.HistoryPageSize
	if v, err := strconv.Atoi(c.Query("page_size")); err == nil && v > 0 && v <= 100 {
		pageSize = v
	}
	// (page-1)*pageSize must not overflow the store offset.
	if v, err := strconv.Atoi(c.Query("page")); err == nil && v > 0 && v-1 <= math.MaxInt/pageSize {
		page = v
	}
	return page, pageSize
}

func totalPages(total int64, pageSize int) int {
	return (int(total) + pageSize - 1) / pageSize
}

// invalidate drops cached reads of the given users. Failures only cost
// freshness until the TTL expires.
func (d *Deps) invalidate(ctx context.Context, userIDs ...uint) {
	var keys []string
	for _, id := range userIDs {
		keys = append(keys, utils.WalletKeys(id)...)
	}
	if err := d.Cache.Delete(context.WithoutCancel(ctx), keys...); err != nil {
		d.Log.WithError(err).WithField("user_ids", userIDs).Warn("cache invalidation failed")
	}
}

// InvalidateSender drops the cached wallet and history of the user whose
// wallet record debited. The payout dispatcher calls it after a settlement.
func (d *Deps) InvalidateSender(ctx context.Context, record *domain.Transaction) {
	if record == nil || record.SenderWalletID == nil {
		return
	}
	err := d.Store.View(context.WithoutCancel(ctx), func(tx store.Tx) error {
		wallet, err := tx.Wallet(*record.SenderWalletID)
		if err != nil {
			return err
		}
		d.invalidate(ctx, wallet.OwnerID)
		return nil
	})
	if err != nil {
		d.Log.WithError(err).WithField("tx_id", record.ID).Warn("wallet lookup after settlement failed")
	}
}

func (d *Deps) userByName(ctx context.Context, username string) (*domain.User, error) {
	var user *domain.User
	err := d.Store.View(ctx, func(tx store.Tx) error {
		var err error
		user, err = tx.UserByUsername(username)
		return err
	})
	return user, err
}

func parseID(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		badRequest(c, "Invalid "+name)
		return 0, false
	}
	return uint(v), true
}
