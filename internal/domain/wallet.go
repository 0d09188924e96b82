package domain

import (
	"time"

	"github.com/shopspring/decimal" // Exact decimal arithmetic for balances
)

// DefaultCoinType is the platform's internal coin unit
const DefaultCoinType = "AZR"

// Wallet Model
type Wallet struct {
	ID        uint            `gorm:"primaryKey" json:"id"`                                                // Primary key
	OwnerID   uint            `gorm:"not null;uniqueIndex:idx_wallet_owner_coin" json:"owner_id"`          // Foreign key to User
	CoinType  string          `gorm:"size:16;not null;uniqueIndex:idx_wallet_owner_coin" json:"coin_type"` // Coin held by this wallet
	Balance   decimal.Decimal `gorm:"type:decimal(36,8);not null;default:0" json:"balance"`                // Never negative
	CreatedAt time.Time       `json:"created_at"`                                                          // Creation time
	UpdatedAt time.Time       `json:"updated_at"`                                                          // Last balance change
}

// NewWallet returns an empty wallet for the given owner
func NewWallet(ownerID uint, coinType string) *Wallet {
	return &Wallet{
		OwnerID:  ownerID,
		CoinType: coinType,
		Balance:  decimal.Zero,
	}
}

// Supply tracks issuance of one coin type
type Supply struct {
	CoinType  string          `gorm:"primaryKey;size:16" json:"coin_type"`                   // Coin the counters belong to
	Issued    decimal.Decimal `gorm:"type:decimal(36,8);not null;default:0" json:"issued"`   // Sum of completed mints
	Redeemed  decimal.Decimal `gorm:"type:decimal(36,8);not null;default:0" json:"redeemed"` // Sum of settled withdrawals
	UpdatedAt time.Time       `json:"updated_at"`
}

// Circulating is the coin currently held in wallets or in flight to payout
func (s Supply) Circulating() decimal.Decimal {
	return s.Issued.Sub(s.Redeemed)
}
