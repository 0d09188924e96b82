// Package memory is an in-process implementation of store.Store. A coarse lock
// is held for the duration of each transaction and every write registers an
// undo step, so a failed transaction leaves no trace.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"coin_ledger/internal/domain"
	"coin_ledger/internal/store"
)

// Store keeps all records in maps.
type Store struct {
	mu     sync.RWMutex
	open   bool
	seq    uint
	users  map[uint]domain.User
	wallet map[uint]domain.Wallet
	txs    map[uint]domain.Transaction
	audit  []domain.AuditLogEntry
	supply map[string]domain.Supply
	props  map[string]domain.MintProposal
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns a closed store; call Open before use.
func New() *Store {
	return &Store{now: func() time.Time { return time.Now().UTC() }}
}

// Open initializes empty collections. Opening an open store is a no-op.
func (s *Store) Open(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return nil
	}
	s.users = make(map[uint]domain.User)
	s.wallet = make(map[uint]domain.Wallet)
	s.txs = make(map[uint]domain.Transaction)
	s.supply = make(map[string]domain.Supply)
	s.props = make(map[string]domain.MintProposal)
	s.audit = nil
	s.open = true
	return nil
}

// Close drops all data.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

// RunInTx holds the store lock while fn runs and reverts fn's writes when it
// returns an error.
func (s *Store) RunInTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return store.ErrClosed
	}
	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// View runs fn under a read lock. Writes attempted through tx fail.
func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return store.ErrClosed
	}
	return fn(&memTx{s: s, readOnly: true})
}

func (s *Store) nextID() uint {
	s.seq++
	return s.seq
}

type memTx struct {
	s        *Store
	readOnly bool
	undo     []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

// Users

func (t *memTx) CreateUser(user *domain.User) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, u := range t.s.users {
		if u.Username == user.Username {
			return errDuplicate("username")
		}
	}
	now := t.s.now()
	user.ID = t.s.nextID()
	user.CreatedAt, user.UpdatedAt = now, now
	t.s.users[user.ID] = *user
	id := user.ID
	t.undo = append(t.undo, func() { delete(t.s.users, id) })
	return nil
}

func (t *memTx) User(id uint) (*domain.User, error) {
	u, ok := t.s.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &u, nil
}

func (t *memTx) UserByUsername(username string) (*domain.User, error) {
	for _, u := range t.s.users {
		if u.Username == username {
			return &u, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (t *memTx) UpdateComplianceProfile(id uint, profile store.ComplianceProfile) error {
	if err := t.writable(); err != nil {
		return err
	}
	u, ok := t.s.users[id]
	if !ok {
		return domain.ErrNotFound
	}
	prev := u
	u.Jurisdiction = profile.Jurisdiction
	u.Sanctioned = profile.Sanctioned
	u.KYCVerified = profile.KYCVerified
	u.UpdatedAt = t.s.now()
	t.s.users[id] = u
	t.undo = append(t.undo, func() { t.s.users[id] = prev })
	return nil
}

// Wallets

func (t *memTx) CreateWallet(wallet *domain.Wallet) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.WalletByOwner(wallet.OwnerID, wallet.CoinType); err == nil {
		return errDuplicate("wallet")
	}
	now := t.s.now()
	wallet.ID = t.s.nextID()
	wallet.CreatedAt, wallet.UpdatedAt = now, now
	t.s.wallet[wallet.ID] = *wallet
	id := wallet.ID
	t.undo = append(t.undo, func() { delete(t.s.wallet, id) })
	return nil
}

func (t *memTx) Wallet(id uint) (*domain.Wallet, error) {
	w, ok := t.s.wallet[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &w, nil
}

func (t *memTx) WalletByOwner(ownerID uint, coinType string) (*domain.Wallet, error) {
	for _, w := range t.s.wallet {
		if w.OwnerID == ownerID && w.CoinType == coinType {
			return &w, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (t *memTx) Debit(walletID uint, amount decimal.Decimal) error {
	if err := t.writable(); err != nil {
		return err
	}
	w, ok := t.s.wallet[walletID]
	if !ok {
		return domain.ErrNotFound
	}
	if w.Balance.LessThan(amount) {
		return domain.ErrInsufficientBalance
	}
	return t.setBalance(w, w.Balance.Sub(amount))
}

func (t *memTx) Credit(walletID uint, amount decimal.Decimal) error {
	if err := t.writable(); err != nil {
		return err
	}
	w, ok := t.s.wallet[walletID]
	if !ok {
		return domain.ErrNotFound
	}
	return t.setBalance(w, w.Balance.Add(amount))
}

func (t *memTx) setBalance(w domain.Wallet, balance decimal.Decimal) error {
	prev := w
	w.Balance = balance
	w.UpdatedAt = t.s.now()
	t.s.wallet[w.ID] = w
	t.undo = append(t.undo, func() { t.s.wallet[prev.ID] = prev })
	return nil
}

func (t *memTx) SumBalances(coinType string) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, w := range t.s.wallet {
		if w.CoinType == coinType {
			sum = sum.Add(w.Balance)
		}
	}
	return sum, nil
}

// Transactions

func (t *memTx) CreateTransaction(tr *domain.Transaction) error {
	if err := t.writable(); err != nil {
		return err
	}
	now := t.s.now()
	tr.ID = t.s.nextID()
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = now
	}
	tr.UpdatedAt = now
	t.s.txs[tr.ID] = *tr
	id := tr.ID
	t.undo = append(t.undo, func() { delete(t.s.txs, id) })
	return nil
}

func (t *memTx) Transaction(id uint) (*domain.Transaction, error) {
	tr, ok := t.s.txs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &tr, nil
}

func (t *memTx) SetTransactionStatus(id uint, from, to domain.TransactionStatus, update store.StatusUpdate) error {
	if err := t.writable(); err != nil {
		return err
	}
	tr, ok := t.s.txs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if tr.Status != from {
		return domain.ErrInvalidState
	}
	prev := tr
	tr.Status = to
	if update.Notes != "" {
		tr.Notes = update.Notes
	}
	if update.ExternalRef != "" {
		tr.ExternalRef = update.ExternalRef
	}
	tr.UpdatedAt = t.s.now()
	t.s.txs[id] = tr
	t.undo = append(t.undo, func() { t.s.txs[id] = prev })
	return nil
}

func (t *memTx) matching(filter store.TransactionFilter) []domain.Transaction {
	var out []domain.Transaction
	for _, tr := range t.s.txs {
		if filter.WalletID != nil && !touchesWallet(tr, *filter.WalletID) {
			continue
		}
		if filter.Type != "" && tr.Type != filter.Type {
			continue
		}
		if filter.Status != "" && tr.Status != filter.Status {
			continue
		}
		if filter.CoinType != "" && tr.CoinType != filter.CoinType {
			continue
		}
		if !filter.From.IsZero() && tr.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && tr.CreatedAt.After(filter.To) {
			continue
		}
		out = append(out, tr)
	}
	return out
}

func touchesWallet(tr domain.Transaction, walletID uint) bool {
	return (tr.SenderWalletID != nil && *tr.SenderWalletID == walletID) ||
		(tr.RecipientWalletID != nil && *tr.RecipientWalletID == walletID)
}

func (t *memTx) ListTransactions(filter store.TransactionFilter) ([]domain.Transaction, int64, error) {
	all := t.matching(filter)
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	total := int64(len(all))
	return page(all, filter.Offset, filter.Limit), total, nil
}

func (t *memTx) SumTransactions(filter store.TransactionFilter) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, tr := range t.matching(filter) {
		sum = sum.Add(tr.Amount)
	}
	return sum, nil
}

// Audit

func (t *memTx) AppendAudit(entry *domain.AuditLogEntry) error {
	if err := t.writable(); err != nil {
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = t.s.now()
	}
	t.s.audit = append(t.s.audit, *entry)
	n := len(t.s.audit) - 1
	t.undo = append(t.undo, func() { t.s.audit = t.s.audit[:n] })
	return nil
}

func (t *memTx) ListAudit(filter store.AuditFilter) ([]domain.AuditLogEntry, error) {
	var out []domain.AuditLogEntry
	for i := len(t.s.audit) - 1; i >= 0; i-- {
		e := t.s.audit[i]
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		if filter.UserID != nil && (e.UserID == nil || *e.UserID != *filter.UserID) {
			continue
		}
		if filter.TransactionID != nil && (e.TransactionID == nil || *e.TransactionID != *filter.TransactionID) {
			continue
		}
		if filter.ProposalID != "" && e.ProposalID != filter.ProposalID {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Supply

func (t *memTx) Supply(coinType string) (*domain.Supply, error) {
	sup, ok := t.s.supply[coinType]
	if !ok {
		sup = domain.Supply{CoinType: coinType, Issued: decimal.Zero, Redeemed: decimal.Zero}
	}
	return &sup, nil
}

func (t *memTx) AddSupply(coinType string, issued, redeemed decimal.Decimal) error {
	if err := t.writable(); err != nil {
		return err
	}
	prev, existed := t.s.supply[coinType]
	cur, _ := t.Supply(coinType)
	cur.Issued = cur.Issued.Add(issued)
	cur.Redeemed = cur.Redeemed.Add(redeemed)
	cur.UpdatedAt = t.s.now()
	t.s.supply[coinType] = *cur
	t.undo = append(t.undo, func() {
		if existed {
			t.s.supply[coinType] = prev
		} else {
			delete(t.s.supply, coinType)
		}
	})
	return nil
}

// Proposals

func (t *memTx) CreateProposal(p *domain.MintProposal) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.s.props[p.ID]; ok {
		return errDuplicate("proposal")
	}
	now := t.s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	stored := *p
	stored.Approvals = append([]domain.MintApproval(nil), p.Approvals...)
	t.s.props[p.ID] = stored
	id := p.ID
	t.undo = append(t.undo, func() { delete(t.s.props, id) })
	return nil
}

func (t *memTx) Proposal(id string) (*domain.MintProposal, error) {
	p, ok := t.s.props[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	p.Approvals = append([]domain.MintApproval(nil), p.Approvals...)
	return &p, nil
}

func (t *memTx) ProposalByComplianceHash(hash string) (*domain.MintProposal, error) {
	var found *domain.MintProposal
	for _, p := range t.s.props {
		if p.ComplianceHash != hash || p.Status == domain.ProposalRejected {
			continue
		}
		if found == nil || p.CreatedAt.After(found.CreatedAt) {
			cp := p
			found = &cp
		}
	}
	if found == nil {
		return nil, domain.ErrNotFound
	}
	found.Approvals = append([]domain.MintApproval(nil), found.Approvals...)
	return found, nil
}

func (t *memTx) AddApproval(proposalID string, approverID uint) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	p, ok := t.s.props[proposalID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if p.HasApproval(approverID) {
		return false, nil
	}
	prev := p
	prev.Approvals = append([]domain.MintApproval(nil), p.Approvals...)
	p.Approvals = append(append([]domain.MintApproval(nil), p.Approvals...),
		domain.MintApproval{ProposalID: proposalID, ApproverID: approverID, CreatedAt: t.s.now()})
	p.UpdatedAt = t.s.now()
	t.s.props[proposalID] = p
	t.undo = append(t.undo, func() { t.s.props[proposalID] = prev })
	return true, nil
}

func (t *memTx) CompareAndSwapProposalStatus(id string, from, next domain.ProposalStatus, update store.ProposalUpdate) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	p, ok := t.s.props[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if p.Status != from {
		return false, nil
	}
	prev := p
	p.Status = next
	if update.RejectReason != "" {
		p.RejectReason = update.RejectReason
	}
	if update.TransactionID != nil {
		txID := *update.TransactionID
		p.TransactionID = &txID
	}
	p.UpdatedAt = t.s.now()
	t.s.props[id] = p
	t.undo = append(t.undo, func() { t.s.props[id] = prev })
	return true, nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
