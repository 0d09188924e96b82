package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"coin_ledger/internal/audit"
	"coin_ledger/internal/compliance"
	"coin_ledger/internal/domain"
	"coin_ledger/internal/metrics"
	"coin_ledger/internal/store"
	"coin_ledger/internal/store/memory"
)

type fixture struct {
	svc     *Service
	store   store.Store
	metrics *metrics.Metrics
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newFixture(t *testing.T, cfg Config, rules compliance.Rules) *fixture {
	t.Helper()
	s := memory.New()
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	logger, _ := test.NewNullLogger()
	m := metrics.New(prometheus.NewRegistry())
	gate := compliance.NewRuleGate(compliance.NewStoreDirectory(s), rules, logger)
	svc := New(s, gate, audit.NewSink(s, logger), cfg, logger, m)
	return &fixture{svc: svc, store: s, metrics: m}
}

func (f *fixture) user(t *testing.T, name, jurisdiction string, sanctioned bool) uint {
	t.Helper()
	user := &domain.User{Username: name, Password: "x", Role: domain.RoleUser, Jurisdiction: jurisdiction, Sanctioned: sanctioned}
	require.NoError(t, f.store.RunInTx(context.Background(), func(tx store.Tx) error {
		if err := tx.CreateUser(user); err != nil {
			return err
		}
		return tx.CreateWallet(domain.NewWallet(user.ID, domain.DefaultCoinType))
	}))
	return user.ID
}

func (f *fixture) funded(t *testing.T, name, amount string) uint {
	t.Helper()
	id := f.user(t, name, "ZA", false)
	_, err := f.svc.Mint(context.Background(), MintRequest{UserID: id, Amount: dec(amount), Notes: "seed"})
	require.NoError(t, err)
	return id
}

func (f *fixture) balance(t *testing.T, userID uint) decimal.Decimal {
	t.Helper()
	w, err := f.svc.Balance(context.Background(), userID)
	require.NoError(t, err)
	return w.Balance
}

func (f *fixture) auditEvents(t *testing.T) []string {
	t.Helper()
	var events []string
	require.NoError(t, f.store.View(context.Background(), func(tx store.Tx) error {
		entries, err := tx.ListAudit(store.AuditFilter{})
		for _, e := range entries {
			events = append(events, e.EventType)
		}
		return err
	}))
	return events
}

func (f *fixture) requireBalanced(t *testing.T) Report {
	t.Helper()
	report, err := f.svc.Reconcile(context.Background())
	require.NoError(t, err)
	require.True(t, report.Balanced, "%+v", report)
	return report
}

func TestMint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.USDRate = dec("2")
	f := newFixture(t, cfg, compliance.Rules{})
	alice := f.user(t, "alice", "ZA", false)

	record, err := f.svc.Mint(context.Background(), MintRequest{UserID: alice, Amount: dec("500"), Notes: "test", ActorID: 99})
	require.NoError(t, err)

	assert.Equal(t, domain.TransactionMint, record.Type)
	assert.Equal(t, domain.StatusCompleted, record.Status)
	assert.Nil(t, record.SenderWalletID)
	require.NotNil(t, record.RecipientWalletID)
	assert.True(t, dec("1000").Equal(record.USDEquivalent))
	assert.True(t, dec("500").Equal(f.balance(t, alice)))

	sup, err := f.svc.Supply(context.Background())
	require.NoError(t, err)
	assert.True(t, dec("500").Equal(sup.Issued))
	assert.Equal(t, []string{domain.EventMint}, f.auditEvents(t))
	assert.Equal(t, 500.0, testutil.ToFloat64(f.metrics.Issued.WithLabelValues(domain.DefaultCoinType)))
	f.requireBalanced(t)
}

func TestMintSanctionedUser(t *testing.T) {
	f := newFixture(t, DefaultConfig(), compliance.Rules{})
	mallory := f.user(t, "mallory", "ZA", true)

	_, err := f.svc.Mint(context.Background(), MintRequest{UserID: mallory, Amount: dec("500"), Notes: "test"})
	require.ErrorIs(t, err, domain.ErrComplianceViolation)

	assert.True(t, f.balance(t, mallory).IsZero())
	assert.Equal(t, []string{domain.EventMintBlockedSanction}, f.auditEvents(t))
	sup, err := f.svc.Supply(context.Background())
	require.NoError(t, err)
	assert.True(t, sup.Issued.IsZero())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Blocked.WithLabelValues(domain.EventMintBlockedSanction)))
}

func TestMintSupplyCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSupply = dec("100")
	f := newFixture(t, cfg, compliance.Rules{})
	alice := f.user(t, "alice", "ZA", false)
	ctx := context.Background()

	_, err := f.svc.Mint(ctx, MintRequest{UserID: alice, Amount: dec("60")})
	require.NoError(t, err)
	_, err = f.svc.Mint(ctx, MintRequest{UserID: alice, Amount: dec("40.00000001")})
	require.ErrorIs(t, err, domain.ErrSupplyCapExceeded)
	_, err = f.svc.Mint(ctx, MintRequest{UserID: alice, Amount: dec("40")})
	require.NoError(t, err)

	assert.True(t, dec("100").Equal(f.balance(t, alice)))
	assert.Equal(t, []string{domain.EventMint, domain.EventMintBlockedSupplyCap, domain.EventMint}, f.auditEvents(t))
	f.requireBalanced(t)
}

func TestMintDailyLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DailyMintLimit = dec("100")
	f := newFixture(t, cfg, compliance.Rules{})
	alice := f.user(t, "alice", "ZA", false)
	ctx := context.Background()

	_, err := f.svc.Mint(ctx, MintRequest{UserID: alice, Amount: dec("80")})
	require.NoError(t, err)
	_, err = f.svc.Mint(ctx, MintRequest{UserID: alice, Amount: dec("30")})
	require.ErrorIs(t, err, domain.ErrDailyMintLimitExceeded)
	assert.True(t, dec("80").Equal(f.balance(t, alice)))

	f.svc.now = func() time.Time { return time.Now().UTC().Add(24 * time.Hour) }
	_, err = f.svc.Mint(ctx, MintRequest{UserID: alice, Amount: dec("30")})
	require.NoError(t, err)
	assert.Contains(t, f.auditEvents(t), domain.EventMintBlockedDailyLimit)
}

func TestMintValidation(t *testing.T) {
	f := newFixture(t, DefaultConfig(), compliance.Rules{})
	alice := f.user(t, "alice", "ZA", false)
	ctx := context.Background()

	for _, amount := range []string{"0", "-5"} {
		_, err := f.svc.Mint(ctx, MintRequest{UserID: alice, Amount: dec(amount)})
		assert.ErrorIs(t, err, domain.ErrInvalidAmount, amount)
	}
	_, err := f.svc.Mint(ctx, MintRequest{UserID: 12345, Amount: dec("1")})
	assert.ErrorIs(t, err, domain.ErrWalletNotFound)
	assert.Equal(t, []string{domain.EventMintRejected, domain.EventMintRejected, domain.EventMintRejected}, f.auditEvents(t))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.Blocked.WithLabelValues(domain.EventMintRejected)))
}

func TestRejectedAttemptsAreAudited(t *testing.T) {
	f := newFixture(t, DefaultConfig(), compliance.Rules{})
	alice := f.funded(t, "alice", "10")
	ctx := context.Background()

	tests := []struct {
		name    string
		attempt func() error
		event   string
		kind    string
	}{
		{"transfer to unknown user", func() error {
			_, err := f.svc.Transfer(ctx, TransferRequest{SenderID: alice, RecipientID: 999, Amount: dec("1")})
			return err
		}, domain.EventTransferRejected, "WalletNotFound"},
		{"transfer to self", func() error {
			_, err := f.svc.Transfer(ctx, TransferRequest{SenderID: alice, RecipientID: alice, Amount: dec("1")})
			return err
		}, domain.EventTransferRejected, "InvalidRequest"},
		{"withdraw zero", func() error {
			_, err := f.svc.Withdraw(ctx, WithdrawRequest{UserID: alice, Amount: decimal.Zero})
			return err
		}, domain.EventWithdrawalRejected, "InvalidAmount"},
		{"mint to unknown user", func() error {
			_, err := f.svc.Mint(ctx, MintRequest{UserID: 999, Amount: dec("1"), ActorID: alice})
			return err
		}, domain.EventMintRejected, "WalletNotFound"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var before int
			require.NoError(t, f.store.View(ctx, func(tx store.Tx) error {
				entries, err := tx.ListAudit(store.AuditFilter{})
				before = len(entries)
				return err
			}))

			require.Error(t, tt.attempt())

			var entries []domain.AuditLogEntry
			require.NoError(t, f.store.View(ctx, func(tx store.Tx) error {
				var err error
				entries, err = tx.ListAudit(store.AuditFilter{})
				return err
			}))
			require.Len(t, entries, before+1)
			latest := entries[0]
			assert.Equal(t, tt.event, latest.EventType)
			var details map[string]any
			require.NoError(t, json.Unmarshal([]byte(latest.Details), &details))
			assert.Equal(t, tt.kind, details["kind"])
		})
	}
	assert.True(t, dec("10").Equal(f.balance(t, alice)))
	f.requireBalanced(t)
}

func TestMintHooks(t *testing.T) {
	f := newFixture(t, DefaultConfig(), compliance.Rules{})
	alice := f.user(t, "alice", "ZA", false)
	ctx := context.Background()

	_, err := f.svc.Mint(ctx, MintRequest{
		UserID: alice, Amount: dec("10"),
		Claim: func(store.Tx) error { return domain.ErrDuplicateExecution },
	})
	require.ErrorIs(t, err, domain.ErrDuplicateExecution)

	boom := errors.New("boom")
	_, err = f.svc.Mint(ctx, MintRequest{
		UserID: alice, Amount: dec("10"),
		Complete: func(store.Tx, *domain.Transaction) error { return boom },
	})
	require.ErrorIs(t, err, boom)

	assert.True(t, f.balance(t, alice).IsZero())
	assert.Empty(t, f.auditEvents(t))

	var seen uint
	record, err := f.svc.Mint(ctx, MintRequest{
		UserID: alice, Amount: dec("10"),
		Complete: func(_ store.Tx, t *domain.Transaction) error { seen = t.ID; return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, record.ID, seen)
}

func TestTransfer(t *testing.T) {
	f := newFixture(t, DefaultConfig(), compliance.Rules{})
	alice := f.funded(t, "alice", "100")
	bob := f.user(t, "bob", "US", false)

	record, err := f.svc.Transfer(context.Background(), TransferRequest{SenderID: alice, RecipientID: bob, Amount: dec("30.25"), Notes: "rent"})
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionTransfer, record.Type)
	assert.Equal(t, domain.StatusCompleted, record.Status)
	assert.True(t, dec("69.75").Equal(f.balance(t, alice)))
	assert.True(t, dec("30.25").Equal(f.balance(t, bob)))
	f.requireBalanced(t)
}

func TestTransferInsufficientBalance(t *testing.T) {
	f := newFixture(t, DefaultConfig(), compliance.Rules{})
	a := f.funded(t, "a", "100")
	b := f.funded(t, "b", "7")

	_, err := f.svc.Transfer(context.Background(), TransferRequest{SenderID: a, RecipientID: b, Amount: dec("150")})
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	assert.True(t, dec("100").Equal(f.balance(t, a)))
	assert.True(t, dec("7").Equal(f.balance(t, b)))
	txs, total, err := f.svc.Transactions(context.Background(), store.TransactionFilter{Type: domain.TransactionTransfer})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, txs)
	assert.Contains(t, f.auditEvents(t), domain.EventTransferRejected)
	f.requireBalanced(t)
}

type lockRecorder struct {
	store.Store
	mu     sync.Mutex
	locked []uint
}

func (s *lockRecorder) RunInTx(ctx context.Context, fn func(store.Tx) error) error {
	return s.Store.RunInTx(ctx, func(tx store.Tx) error {
		return fn(recordingTx{Tx: tx, rec: s})
	})
}

type recordingTx struct {
	store.Tx
	rec *lockRecorder
}

func (t recordingTx) Wallet(id uint) (*domain.Wallet, error) {
	t.rec.mu.Lock()
	t.rec.locked = append(t.rec.locked, id)
	t.rec.mu.Unlock()
	return t.Tx.Wallet(id)
}

func TestTransferLocksWalletsInAscendingOrder(t *testing.T) {
	f := newFixture(t, DefaultConfig(), compliance.Rules{})
	alice := f.funded(t, "alice", "10")
	bob := f.funded(t, "bob", "10")
	ctx := context.Background()
	aliceWallet, err := f.svc.Balance(ctx, alice)
	require.NoError(t, err)
	bobWallet, err := f.svc.Balance(ctx, bob)
	require.NoError(t, err)
	require.Less(t, aliceWallet.ID, bobWallet.ID)

	logger, _ := test.NewNullLogger()
	rec := &lockRecorder{Store: f.store}
	gate := compliance.NewRuleGate(compliance.NewStoreDirectory(rec), compliance.Rules{}, logger)
	svc := New(rec, gate, audit.NewSink(rec, logger), DefaultConfig(), logger, f.metrics)

	_, err = svc.Transfer(ctx, TransferRequest{SenderID: bob, RecipientID: alice, Amount: dec("4")})
	require.NoError(t, err)
	assert.Equal(t, []uint{aliceWallet.ID, bobWallet.ID}, rec.locked)

	rec.locked = nil
	_, err = svc.Transfer(ctx, TransferRequest{SenderID: alice, RecipientID: bob, Amount: dec("1")})
	require.NoError(t, err)
	assert.Equal(t, []uint{aliceWallet.ID, bobWallet.ID}, rec.locked)

	assert.True(t, dec("7").Equal(f.balance(t, alice)))
	assert.True(t, dec("13").Equal(f.balance(t, bob)))
}

func TestTransferCompliance(t *testing.T) {
	corridors, err := compliance.ParseCorridors("IR:US")
	require.NoError(t, err)
	f := newFixture(t, DefaultConfig(), compliance.Rules{BlockedCorridors: corridors})
	iran := f.funded(t, "iran", "50")
	require.NoError(t, f.store.RunInTx(context.Background(), func(tx store.Tx) error {
		return tx.UpdateComplianceProfile(iran, store.ComplianceProfile{Jurisdiction: "IR"})
	}))
	us := f.user(t, "us", "US", false)
	flagged := f.user(t, "flagged", "ZA", true)
	ctx := context.Background()

	_, err = f.svc.Transfer(ctx, TransferRequest{SenderID: iran, RecipientID: us, Amount: dec("10")})
	require.ErrorIs(t, err, domain.ErrComplianceViolation)
	_, err = f.svc.Transfer(ctx, TransferRequest{SenderID: iran, RecipientID: flagged, Amount: dec("10")})
	require.ErrorIs(t, err, domain.ErrComplianceViolation)

	assert.True(t, dec("50").Equal(f.balance(t, iran)))
	events := f.auditEvents(t)
	assert.Equal(t, []string{domain.EventTransferBlockedCompliance, domain.EventTransferBlockedCompliance, domain.EventMint}, events)
}

func TestTransferValidation(t *testing.T) {
	f := newFixture(t, DefaultConfig(), compliance.Rules{})
	alice := f.funded(t, "alice", "10")
	ctx := context.Background()

	_, err := f.svc.Transfer(ctx, TransferRequest{SenderID: alice, RecipientID: alice, Amount: dec("1")})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	_, err = f.svc.Transfer(ctx, TransferRequest{SenderID: alice, RecipientID: 999, Amount: dec("1")})
	assert.ErrorIs(t, err, domain.ErrWalletNotFound)
	_, err = f.svc.Transfer(ctx, TransferRequest{SenderID: alice, RecipientID: 999, Amount: decimal.Zero})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestConcurrentOpposingTransfers(t *testing.T) {
	f := newFixture(t, DefaultConfig(), compliance.Rules{})
	a := f.funded(t, "a", "1000")
	b := f.funded(t, "b", "1000")

	var g errgroup.Group
	for i := 0; i < 200; i++ {
		from, to := a, b
		if i%2 == 1 {
			from, to = b, a
		}
		amount := decimal.NewFromInt(int64(rand.Intn(300) + 1))
		g.Go(func() error {
			_, err := f.svc.Transfer(context.Background(), TransferRequest{SenderID: from, RecipientID: to, Amount: amount})
			if err != nil && !errors.Is(err, domain.ErrInsufficientBalance) {
				return err
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("transfers deadlocked")
	}

	balA, balB := f.balance(t, a), f.balance(t, b)
	assert.False(t, balA.IsNegative())
	assert.False(t, balB.IsNegative())
	assert.True(t, dec("2000").Equal(balA.Add(balB)))
	f.requireBalanced(t)
	assert.Zero(t, f.svc.wallets.Held())
}

func TestConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	f := newFixture(t, DefaultConfig(), compliance.Rules{})
	alice := f.funded(t, "alice", "100")

	var (
		wg                 sync.WaitGroup
		mu                 sync.Mutex
		succeeded, refused int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Withdraw(context.Background(), WithdrawRequest{UserID: alice, Amount: dec("10")})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrInsufficientBalance):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 40, refused)
	assert.True(t, f.balance(t, alice).IsZero())
	report := f.requireBalanced(t)
	assert.True(t, dec("100").Equal(report.PendingWithdrawals))
}

type queue struct {
	mu   sync.Mutex
	reqs []PayoutRequest
	err  error
}

func (q *queue) Submit(req PayoutRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reqs = append(q.reqs, req)
	return q.err
}

func TestWithdrawSettle(t *testing.T) {
	f := newFixture(t, DefaultConfig(), compliance.Rules{})
	q := &queue{}
	f.svc.UsePayouts(q)
	alice := f.funded(t, "alice", "100")
	ctx := context.Background()

	record, err := f.svc.Withdraw(ctx, WithdrawRequest{UserID: alice, Amount: dec("40"), Destination: "acct-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, record.Status)
	assert.True(t, dec("60").Equal(f.balance(t, alice)))
	require.Len(t, q.reqs, 1)
	assert.Equal(t, PayoutRequest{TransactionID: record.ID, UserID: alice, Amount: dec("40"), CoinType: domain.DefaultCoinType, Destination: "acct-1"}, q.reqs[0])

	settled, err := f.svc.SettleWithdrawal(ctx, record.ID, "po_123")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, settled.Status)
	assert.Equal(t, "po_123", settled.ExternalRef)

	report := f.requireBalanced(t)
	assert.True(t, dec("40").Equal(report.Redeemed))
	assert.True(t, dec("60").Equal(report.Circulating))

	_, err = f.svc.SettleWithdrawal(ctx, record.ID, "po_123")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = f.svc.FailWithdrawal(ctx, record.ID, "late")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.True(t, dec("60").Equal(f.balance(t, alice)))
}

func TestWithdrawFailRefunds(t *testing.T) {
	f := newFixture(t, DefaultConfig(), compliance.Rules{})
	f.svc.UsePayouts(&queue{err: errors.New("queue full")})
	alice := f.funded(t, "alice", "100")
	ctx := context.Background()

	record, err := f.svc.Withdraw(ctx, WithdrawRequest{UserID: alice, Amount: dec("25.5")})
	require.NoError(t, err)
	assert.True(t, dec("74.5").Equal(f.balance(t, alice)))

	failed, err := f.svc.FailWithdrawal(ctx, record.ID, "bank rejected")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.True(t, dec("100").Equal(f.balance(t, alice)))

	report := f.requireBalanced(t)
	assert.True(t, report.Redeemed.IsZero())
	assert.True(t, report.PendingWithdrawals.IsZero())

	_, err = f.svc.FailWithdrawal(ctx, record.ID, "again")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.True(t, dec("100").Equal(f.balance(t, alice)))
}

func TestWithdrawRejections(t *testing.T) {
	f := newFixture(t, DefaultConfig(), compliance.Rules{SanctionedJurisdictions: []string{"KP"}})
	alice := f.funded(t, "alice", "10")
	ctx := context.Background()

	_, err := f.svc.Withdraw(ctx, WithdrawRequest{UserID: alice, Amount: dec("11")})
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	require.NoError(t, f.store.RunInTx(ctx, func(tx store.Tx) error {
		return tx.UpdateComplianceProfile(alice, store.ComplianceProfile{Jurisdiction: "KP"})
	}))
	_, err = f.svc.Withdraw(ctx, WithdrawRequest{UserID: alice, Amount: dec("1")})
	require.ErrorIs(t, err, domain.ErrComplianceViolation)

	assert.True(t, dec("10").Equal(f.balance(t, alice)))
	assert.Equal(t, []string{domain.EventWithdrawalBlockedSanction, domain.EventWithdrawalRejected, domain.EventMint}, f.auditEvents(t))
}

func TestSettleRequiresWithdrawal(t *testing.T) {
	f := newFixture(t, DefaultConfig(), compliance.Rules{})
	alice := f.user(t, "alice", "ZA", false)
	record, err := f.svc.Mint(context.Background(), MintRequest{UserID: alice, Amount: dec("5")})
	require.NoError(t, err)

	_, err = f.svc.SettleWithdrawal(context.Background(), record.ID, "x")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = f.svc.FailWithdrawal(context.Background(), 4242, "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHistory(t *testing.T) {
	f := newFixture(t, DefaultConfig(), compliance.Rules{})
	alice := f.user(t, "alice", "ZA", false)
	bob := f.user(t, "bob", "ZA", false)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := f.svc.Mint(ctx, MintRequest{UserID: alice, Amount: decimal.NewFromInt(int64(i)), Notes: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}
	_, err := f.svc.Transfer(ctx, TransferRequest{SenderID: alice, RecipientID: bob, Amount: dec("1")})
	require.NoError(t, err)

	page, total, err := f.svc.History(ctx, alice, 1, 4)
	require.NoError(t, err)
	assert.EqualValues(t, 6, total)
	require.Len(t, page, 4)
	assert.Equal(t, domain.TransactionTransfer, page[0].Type)

	page, _, err = f.svc.History(ctx, alice, 2, 4)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	page, total, err = f.svc.History(ctx, bob, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Len(t, page, 1)

	_, _, err = f.svc.History(ctx, alice, 0, 10)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	_, _, err = f.svc.History(ctx, alice, math.MaxInt/20+2, 20)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	page, _, err = f.svc.History(ctx, alice, math.MaxInt/20+1, 20)
	require.NoError(t, err)
	assert.Empty(t, page)
	_, _, err = f.svc.History(ctx, 777, 1, 10)
	assert.ErrorIs(t, err, domain.ErrWalletNotFound)
}

func TestOperationsIgnoreCallerCancellation(t *testing.T) {
	f := newFixture(t, DefaultConfig(), compliance.Rules{})
	alice := f.user(t, "alice", "ZA", false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Mint(ctx, MintRequest{UserID: alice, Amount: dec("3")})
	require.NoError(t, err)
	assert.True(t, dec("3").Equal(f.balance(t, alice)))
}
