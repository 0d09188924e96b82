package gormstore

import (
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"coin_ledger/internal/domain"
	"coin_ledger/internal/store"
)

var (
	errNotFound  = domain.ErrNotFound
	errDuplicate = domain.ErrInvalidRequest
)

type gormTx struct {
	db       *gorm.DB
	readOnly bool
}

// forUpdate adds a row lock when running inside a transaction.
func (t *gormTx) forUpdate() *gorm.DB {
	if t.readOnly {
		return t.db
	}
	return t.db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func (t *gormTx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

// Users

func (t *gormTx) CreateUser(user *domain.User) error {
	if err := t.writable(); err != nil {
		return err
	}
	return translate(t.db.Create(user).Error, "user")
}

func (t *gormTx) User(id uint) (*domain.User, error) {
	var user domain.User
	if err := t.db.First(&user, id).Error; err != nil {
		return nil, translate(err, "user")
	}
	return &user, nil
}

func (t *gormTx) UserByUsername(username string) (*domain.User, error) {
	var user domain.User
	if err := t.db.Where("username = ?", username).First(&user).Error; err != nil {
		return nil, translate(err, "user")
	}
	return &user, nil
}

func (t *gormTx) UpdateComplianceProfile(id uint, profile store.ComplianceProfile) error {
	if err := t.writable(); err != nil {
		return err
	}
	res := t.db.Model(&domain.User{}).Where("id = ?", id).Updates(map[string]any{
		"jurisdiction": profile.Jurisdiction,
		"sanctioned":   profile.Sanctioned,
		"kyc_verified": profile.KYCVerified,
	})
	if res.Error != nil {
		return translate(res.Error, "user")
	}
	if res.RowsAffected == 0 {
		if _, err := t.User(id); err != nil {
			return err
		}
	}
	return nil
}

// Wallets

func (t *gormTx) CreateWallet(wallet *domain.Wallet) error {
	if err := t.writable(); err != nil {
		return err
	}
	return translate(t.db.Create(wallet).Error, "wallet")
}

func (t *gormTx) Wallet(id uint) (*domain.Wallet, error) {
	var wallet domain.Wallet
	if err := t.forUpdate().First(&wallet, id).Error; err != nil {
		return nil, translate(err, "wallet")
	}
	return &wallet, nil
}

func (t *gormTx) WalletByOwner(ownerID uint, coinType string) (*domain.Wallet, error) {
	var wallet domain.Wallet
	err := t.forUpdate().Where("owner_id = ? AND coin_type = ?", ownerID, coinType).First(&wallet).Error
	if err != nil {
		return nil, translate(err, "wallet")
	}
	return &wallet, nil
}

// Debit only matches rows that can cover the amount, so the balance can
// never go negative even if the caller skipped its own check.
func (t *gormTx) Debit(walletID uint, amount decimal.Decimal) error {
	if err := t.writable(); err != nil {
		return err
	}
	res := t.db.Model(&domain.Wallet{}).
		Where("id = ? AND balance >= ?", walletID, amount).
		Update("balance", gorm.Expr("balance - ?", amount))
	if res.Error != nil {
		return translate(res.Error, "wallet")
	}
	if res.RowsAffected == 0 {
		if _, err := t.Wallet(walletID); err != nil {
			return err
		}
		return domain.ErrInsufficientBalance
	}
	return nil
}

func (t *gormTx) Credit(walletID uint, amount decimal.Decimal) error {
	if err := t.writable(); err != nil {
		return err
	}
	res := t.db.Model(&domain.Wallet{}).
		Where("id = ?", walletID).
		Update("balance", gorm.Expr("balance + ?", amount))
	if res.Error != nil {
		return translate(res.Error, "wallet")
	}
	if res.RowsAffected == 0 {
		return translate(gorm.ErrRecordNotFound, "wallet")
	}
	return nil
}

func (t *gormTx) SumBalances(coinType string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := t.db.Model(&domain.Wallet{}).
		Where("coin_type = ?", coinType).
		Select("COALESCE(SUM(balance), 0)").
		Row().Scan(&sum)
	return sum, translate(err, "sum balances")
}

// Transactions

func (t *gormTx) CreateTransaction(tr *domain.Transaction) error {
	if err := t.writable(); err != nil {
		return err
	}
	return translate(t.db.Create(tr).Error, "transaction")
}

func (t *gormTx) Transaction(id uint) (*domain.Transaction, error) {
	var tr domain.Transaction
	if err := t.forUpdate().First(&tr, id).Error; err != nil {
		return nil, translate(err, "transaction")
	}
	return &tr, nil
}

func (t *gormTx) SetTransactionStatus(id uint, from, to domain.TransactionStatus, update store.StatusUpdate) error {
	if err := t.writable(); err != nil {
		return err
	}
	fields := map[string]any{"status": to}
	if update.Notes != "" {
		fields["notes"] = update.Notes
	}
	if update.ExternalRef != "" {
		fields["external_ref"] = update.ExternalRef
	}
	res := t.db.Model(&domain.Transaction{}).Where("id = ? AND status = ?", id, from).Updates(fields)
	if res.Error != nil {
		return translate(res.Error, "transaction")
	}
	if res.RowsAffected == 0 {
		if _, err := t.Transaction(id); err != nil {
			return err
		}
		return domain.ErrInvalidState
	}
	return nil
}

func (t *gormTx) filtered(filter store.TransactionFilter) *gorm.DB {
	q := t.db.Model(&domain.Transaction{})
	if filter.WalletID != nil {
		q = q.Where("(sender_wallet_id = ? OR recipient_wallet_id = ?)", *filter.WalletID, *filter.WalletID)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.CoinType != "" {
		q = q.Where("coin_type = ?", filter.CoinType)
	}
	if !filter.From.IsZero() {
		q = q.Where("created_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		q = q.Where("created_at <= ?", filter.To)
	}
	return q
}

func (t *gormTx) ListTransactions(filter store.TransactionFilter) ([]domain.Transaction, int64, error) {
	var total int64
	if err := t.filtered(filter).Count(&total).Error; err != nil {
		return nil, 0, translate(err, "count transactions")
	}
	q := t.filtered(filter).Order("created_at DESC").Order("id DESC").Offset(filter.Offset)
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	txs := []domain.Transaction{}
	if err := q.Find(&txs).Error; err != nil {
		return nil, 0, translate(err, "list transactions")
	}
	return txs, total, nil
}

func (t *gormTx) SumTransactions(filter store.TransactionFilter) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := t.filtered(filter).Select("COALESCE(SUM(amount), 0)").Row().Scan(&sum)
	return sum, translate(err, "sum transactions")
}

// Audit

func (t *gormTx) AppendAudit(entry *domain.AuditLogEntry) error {
	if err := t.writable(); err != nil {
		return err
	}
	return translate(t.db.Create(entry).Error, "audit entry")
}

func (t *gormTx) ListAudit(filter store.AuditFilter) ([]domain.AuditLogEntry, error) {
	q := t.db.Model(&domain.AuditLogEntry{})
	if filter.EventType != "" {
		q = q.Where("event_type = ?", filter.EventType)
	}
	if filter.UserID != nil {
		q = q.Where("user_id = ?", *filter.UserID)
	}
	if filter.TransactionID != nil {
		q = q.Where("transaction_id = ?", *filter.TransactionID)
	}
	if filter.ProposalID != "" {
		q = q.Where("proposal_id = ?", filter.ProposalID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	entries := []domain.AuditLogEntry{}
	if err := q.Order("timestamp DESC").Find(&entries).Error; err != nil {
		return nil, translate(err, "list audit")
	}
	return entries, nil
}

// Supply

func (t *gormTx) Supply(coinType string) (*domain.Supply, error) {
	if !t.readOnly {
		seed := domain.Supply{CoinType: coinType, Issued: decimal.Zero, Redeemed: decimal.Zero}
		if err := t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return nil, translate(err, "supply")
		}
	}
	var sup domain.Supply
	err := t.forUpdate().Where("coin_type = ?", coinType).First(&sup).Error
	if errors.Is(err, gorm.ErrRecordNotFound) && t.readOnly {
		return &domain.Supply{CoinType: coinType, Issued: decimal.Zero, Redeemed: decimal.Zero}, nil
	}
	if err != nil {
		return nil, translate(err, "supply")
	}
	return &sup, nil
}

func (t *gormTx) AddSupply(coinType string, issued, redeemed decimal.Decimal) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.Supply(coinType); err != nil {
		return err
	}
	err := t.db.Model(&domain.Supply{}).Where("coin_type = ?", coinType).Updates(map[string]any{
		"issued":   gorm.Expr("issued + ?", issued),
		"redeemed": gorm.Expr("redeemed + ?", redeemed),
	}).Error
	return translate(err, "supply")
}

// Proposals

func (t *gormTx) CreateProposal(p *domain.MintProposal) error {
	if err := t.writable(); err != nil {
		return err
	}
	return translate(t.db.Create(p).Error, "proposal")
}

func (t *gormTx) preloadApprovals() *gorm.DB {
	return t.forUpdate().Preload("Approvals", func(db *gorm.DB) *gorm.DB {
		return db.Order("created_at ASC")
	})
}

func (t *gormTx) Proposal(id string) (*domain.MintProposal, error) {
	var p domain.MintProposal
	if err := t.preloadApprovals().Where("id = ?", id).First(&p).Error; err != nil {
		return nil, translate(err, "proposal")
	}
	return &p, nil
}

func (t *gormTx) ProposalByComplianceHash(hash string) (*domain.MintProposal, error) {
	var p domain.MintProposal
	err := t.preloadApprovals().
		Where("compliance_hash = ? AND status <> ?", hash, domain.ProposalRejected).
		Order("created_at DESC").
		First(&p).Error
	if err != nil {
		return nil, translate(err, "proposal")
	}
	return &p, nil
}

func (t *gormTx) AddApproval(proposalID string, approverID uint) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	var count int64
	if err := t.db.Model(&domain.MintProposal{}).Where("id = ?", proposalID).Count(&count).Error; err != nil {
		return false, translate(err, "proposal")
	}
	if count == 0 {
		return false, translate(gorm.ErrRecordNotFound, "proposal")
	}
	res := t.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.MintApproval{ProposalID: proposalID, ApproverID: approverID})
	if res.Error != nil {
		return false, translate(res.Error, "approval")
	}
	return res.RowsAffected == 1, nil
}

func (t *gormTx) CompareAndSwapProposalStatus(id string, from, next domain.ProposalStatus, update store.ProposalUpdate) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	fields := map[string]any{"status": next}
	if update.RejectReason != "" {
		fields["reject_reason"] = update.RejectReason
	}
	if update.TransactionID != nil {
		fields["transaction_id"] = *update.TransactionID
	}
	res := t.db.Model(&domain.MintProposal{}).Where("id = ? AND status = ?", id, from).Updates(fields)
	if res.Error != nil {
		return false, translate(res.Error, "proposal")
	}
	if res.RowsAffected == 0 {
		if _, err := t.Proposal(id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}
