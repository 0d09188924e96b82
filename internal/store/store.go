// Package store defines the durable, transactional persistence boundary of the
// ledger. Every mutation goes through RunInTx so that a wallet balance change,
// its transaction record and its audit entry commit as one unit.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"coin_ledger/internal/domain"
)

// ErrClosed is returned when a store is used before Open or after Close.
var ErrClosed = errors.New("store is closed")

// Store is a transactional store with an explicit lifecycle. Open must be
// called before use and Close releases the underlying resources.
type Store interface {
	Open(ctx context.Context) error
	Close() error

	// RunInTx runs fn in a transaction. If fn returns an error, nothing fn
	// wrote is persisted and the error is returned unchanged.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn with read access only.
	View(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of operations available inside a transaction. Lookups return
// domain.ErrNotFound when the record does not exist.
type Tx interface {
	CreateUser(user *domain.User) error
	User(id uint) (*domain.User, error)
	UserByUsername(username string) (*domain.User, error)
	UpdateComplianceProfile(id uint, profile ComplianceProfile) error

	CreateWallet(wallet *domain.Wallet) error
	// Wallet loads a wallet for update; inside RunInTx the row stays locked
	// until the transaction ends.
	Wallet(id uint) (*domain.Wallet, error)
	WalletByOwner(ownerID uint, coinType string) (*domain.Wallet, error)
	// Debit fails with domain.ErrInsufficientBalance if the balance is lower
	// than amount and leaves the balance untouched.
	Debit(walletID uint, amount decimal.Decimal) error
	// Credit always succeeds for an existing wallet.
	Credit(walletID uint, amount decimal.Decimal) error
	SumBalances(coinType string) (decimal.Decimal, error)

	CreateTransaction(t *domain.Transaction) error
	Transaction(id uint) (*domain.Transaction, error)
	// SetTransactionStatus moves a transaction from one status to another. It
	// returns domain.ErrInvalidState when the current status is not from.
	SetTransactionStatus(id uint, from, to domain.TransactionStatus, update StatusUpdate) error
	ListTransactions(filter TransactionFilter) ([]domain.Transaction, int64, error)
	SumTransactions(filter TransactionFilter) (decimal.Decimal, error)

	AppendAudit(entry *domain.AuditLogEntry) error
	ListAudit(filter AuditFilter) ([]domain.AuditLogEntry, error)

	// Supply loads the supply counters for update, creating them at zero.
	Supply(coinType string) (*domain.Supply, error)
	AddSupply(coinType string, issued, redeemed decimal.Decimal) error

	CreateProposal(p *domain.MintProposal) error
	Proposal(id string) (*domain.MintProposal, error)
	// ProposalByComplianceHash returns the newest proposal that is not
	// rejected and carries hash.
	ProposalByComplianceHash(hash string) (*domain.MintProposal, error)
	// AddApproval records an approval and reports whether it was new.
	AddApproval(proposalID string, approverID uint) (bool, error)
	// CompareAndSwapProposalStatus sets the status to next only if it is
	// currently from, and reports whether it did.
	CompareAndSwapProposalStatus(id string, from, next domain.ProposalStatus, update ProposalUpdate) (bool, error)
}

// ComplianceProfile is the identity data the compliance gate reads.
type ComplianceProfile struct {
	Jurisdiction string
	Sanctioned   bool
	KYCVerified  bool
}

// StatusUpdate carries the fields written alongside a status change.
type StatusUpdate struct {
	Notes       string
	ExternalRef string
}

// ProposalUpdate carries the fields written alongside a proposal transition.
type ProposalUpdate struct {
	RejectReason  string
	TransactionID *uint
}

// TransactionFilter narrows transaction listings. Zero values match all.
type TransactionFilter struct {
	WalletID *uint
	Type     domain.TransactionType
	Status   domain.TransactionStatus
	CoinType string
	From     time.Time
	To       time.Time
	Offset   int
	Limit    int
}

// AuditFilter narrows audit listings. Zero values match all.
type AuditFilter struct {
	EventType     string
	UserID        *uint
	TransactionID *uint
	ProposalID    string
	Limit         int
}
