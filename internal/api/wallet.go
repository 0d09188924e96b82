package api

import (
	"fmt"
	"net/http" // HTTP status codes
	"time"     // Time durations

	"github.com/gin-gonic/gin" // Gin web framework
	"github.com/shopspring/decimal"

	"coin_ledger/internal/domain"
	"coin_ledger/internal/ledger"
	"coin_ledger/internal/utils"
)

const readCacheTTL = 60 * time.Second

// TransferRequest moves coin to another user by username
type TransferRequest struct {
	ToUsername string          `json:"to_username" binding:"required"`
	Amount     decimal.Decimal `json:"amount"`
	Notes      string          `json:"notes" binding:"max=512"`
}

// WithdrawRequest sends coin out of the system
type WithdrawRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"destination" binding:"max=128"`
	Notes       string          `json:"notes" binding:"max=512"`
}

// HistoryPage is one page of a transaction listing
type HistoryPage struct {
	Transactions []domain.Transaction `json:"transactions"`
	Page         int                  `json:"page"`
	PageSize     int                  `json:"page_size"`
	Total        int64                `json:"total"`
	TotalPages   int                  `json:"total_pages"`
	Cached       bool                 `json:"cached"`
}

// GetWalletHandler returns the caller's wallet, served from cache when possible
func GetWalletHandler(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := caller(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		key := utils.WalletKey(userID)
		var wallet domain.Wallet
		if found, err := d.Cache.Get(ctx, key, &wallet); err == nil && found {
			c.JSON(http.StatusOK, gin.H{"wallet": wallet, "cached": true})
			return
		}
		fresh, err := d.Ledger.Balance(ctx, userID)
		if err != nil {
			d.respondError(c, err)
			return
		}
		_ = d.Cache.Set(ctx, key, fresh, readCacheTTL)
		c.JSON(http.StatusOK, gin.H{"wallet": fresh, "cached": false})
	}
}

// GetTransactionHistoryHandler pages through the caller's transactions. Only
// the first pages at the default size are cached.
func GetTransactionHistoryHandler(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := caller(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		page, pageSize := pagination(c)
		cacheable := pageSize == utils.HistoryPageSize && page <= utils.HistoryCachedPages
		key := utils.HistoryPageKey(userID, page)

		if cacheable {
			var cached HistoryPage
			if found, err := d.Cache.Get(ctx, key, &cached); err == nil && found {
				cached.Cached = true
				c.JSON(http.StatusOK, cached)
				return
			}
		}
		txs, total, err := d.Ledger.History(ctx, userID, page, pageSize)
		if err != nil {
			d.respondError(c, err)
			return
		}
		resp := HistoryPage{
			Transactions: txs,
			Page:         page,
			PageSize:     pageSize,
			Total:        total,
			TotalPages:   totalPages(total, pageSize),
		}
		if cacheable {
			_ = d.Cache.Set(ctx, key, resp, readCacheTTL)
		}
		c.JSON(http.StatusOK, resp)
	}
}

// TransferHandler moves coin from the caller to another user
func TransferHandler(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := caller(c)
		if !ok {
			return
		}
		var req TransferRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request")
			return
		}
		ctx := c.Request.Context()
		recipient, err := d.userByName(ctx, req.ToUsername)
		if err != nil {
			d.respondError(c, fmt.Errorf("recipient %q: %w", req.ToUsername, err))
			return
		}
		record, err := d.Ledger.Transfer(ctx, ledger.TransferRequest{
			SenderID:    userID,
			RecipientID: recipient.ID,
			Amount:      req.Amount,
			Notes:       req.Notes,
		})
		if err != nil {
			d.respondError(c, err)
			return
		}
		d.invalidate(ctx, userID, recipient.ID)
		c.JSON(http.StatusOK, gin.H{"transaction": record})
	}
}

// WithdrawHandler debits the caller and queues the payout. The response is
// 202 because settlement completes later.
func WithdrawHandler(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := caller(c)
		if !ok {
			return
		}
		var req WithdrawRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request")
			return
		}
		ctx := c.Request.Context()
		record, err := d.Ledger.Withdraw(ctx, ledger.WithdrawRequest{
			UserID:      userID,
			Amount:      req.Amount,
			Notes:       req.Notes,
			Destination: req.Destination,
		})
		if err != nil {
			d.respondError(c, err)
			return
		}
		d.invalidate(ctx, userID)
		c.JSON(http.StatusAccepted, gin.H{"transaction": record})
	}
}
