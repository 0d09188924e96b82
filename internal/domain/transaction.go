package domain

import (
	"time"

	"github.com/shopspring/decimal" // Exact decimal arithmetic for amounts
)

// TransactionType classifies a ledger movement
type TransactionType string

const (
	TransactionMint       TransactionType = "mint"       // New coin credited to a wallet
	TransactionTransfer   TransactionType = "transfer"   // Value moved between two wallets
	TransactionWithdrawal TransactionType = "withdrawal" // Value leaving the system for payout
)

// TransactionStatus is the lifecycle state of a transaction
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"   // Withdrawal awaiting settlement
	StatusCompleted TransactionStatus = "completed" // Final, value moved
	StatusFailed    TransactionStatus = "failed"    // Final, value returned
)

// Transaction Model
type Transaction struct {
	ID                uint              `gorm:"primaryKey" json:"id"`                              // Primary key
	Type              TransactionType   `gorm:"size:16;not null;index" json:"type"`                // mint, transfer, withdrawal
	Status            TransactionStatus `gorm:"size:16;not null;index" json:"status"`              // pending, completed, failed
	Amount            decimal.Decimal   `gorm:"type:decimal(36,8);not null" json:"amount"`         // Always positive
	SenderWalletID    *uint             `gorm:"index" json:"sender_wallet_id,omitempty"`           // Debited wallet, nil for mints
	RecipientWalletID *uint             `gorm:"index" json:"recipient_wallet_id,omitempty"`        // Credited wallet, nil for withdrawals
	CoinType          string            `gorm:"size:16;not null" json:"coin_type"`                 // Coin moved
	USDEquivalent     decimal.Decimal   `gorm:"type:decimal(36,8);not null" json:"usd_equivalent"` // Amount valued at the configured rate
	Notes             string            `gorm:"size:512" json:"notes"`                             // Free-form caller notes
	ExternalRef       string            `gorm:"size:128" json:"external_ref,omitempty"`            // Payment or payout reference
	ProposalID        string            `gorm:"size:36;index" json:"proposal_id,omitempty"`        // Mint proposal that produced this mint
	CreatedAt         time.Time         `gorm:"index" json:"created_at"`                           // Creation time
	UpdatedAt         time.Time         `json:"updated_at"`                                        // Last status change
}

// IsFinal reports whether the status can no longer change
func (t Transaction) IsFinal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}
