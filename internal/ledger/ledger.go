// Package ledger moves value between wallets. Every operation consults the
// compliance gate before touching a balance, then writes the balance change,
// its transaction record and its audit entry in one store transaction.
//
// Locks are always taken in the order proposal, supply, wallet; wallets in
// ascending id order. The store's own transaction comes last.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"coin_ledger/internal/audit"
	"coin_ledger/internal/compliance"
	"coin_ledger/internal/domain"
	"coin_ledger/internal/metrics"
	"coin_ledger/internal/store"
	"coin_ledger/internal/utils"
)

// Config is the issuance policy of the ledger.
type Config struct {
	CoinType  string
	MaxSupply decimal.Decimal
	// DailyMintLimit caps completed mints per UTC day. Zero disables it.
	DailyMintLimit decimal.Decimal
	USDRate        decimal.Decimal
}

// DefaultConfig matches the platform defaults: 1,000,000 AZR at 1 USD each.
func DefaultConfig() Config {
	return Config{
		CoinType:  domain.DefaultCoinType,
		MaxSupply: decimal.NewFromInt(1_000_000),
		USDRate:   decimal.NewFromInt(1),
	}
}

// PayoutRequest is handed to the payout queue once a withdrawal is debited.
type PayoutRequest struct {
	TransactionID uint
	UserID        uint
	Amount        decimal.Decimal
	CoinType      string
	Destination   string
}

// PayoutQueue accepts withdrawals for asynchronous settlement.
type PayoutQueue interface {
	Submit(req PayoutRequest) error
}

// Service is the transaction ledger.
type Service struct {
	store   store.Store
	gate    compliance.Gate
	audit   *audit.Sink
	cfg     Config
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	payouts PayoutQueue

	wallets *utils.KeyedMutex[uint]
	supply  *utils.KeyedMutex[string]
	now     func() time.Time
}

// New wires a ledger. m may be nil.
func New(s store.Store, gate compliance.Gate, sink *audit.Sink, cfg Config, log logrus.FieldLogger, m *metrics.Metrics) *Service {
	if cfg.CoinType == "" {
		cfg.CoinType = domain.DefaultCoinType
	}
	if cfg.USDRate.IsZero() {
		cfg.USDRate = decimal.NewFromInt(1)
	}
	return &Service{
		store:   s,
		gate:    gate,
		audit:   sink,
		cfg:     cfg,
		log:     log.WithField("component", "ledger"),
		metrics: m,
		wallets: utils.NewKeyedMutex[uint](),
		supply:  utils.NewKeyedMutex[string](),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// UsePayouts routes new withdrawals to q. Without a queue withdrawals stay
// pending until settled through the webhook.
func (s *Service) UsePayouts(q PayoutQueue) {
	s.payouts = q
}

// Config returns the issuance policy.
func (s *Service) Config() Config {
	return s.cfg
}

// MintRequest issues new coin to a user's wallet.
type MintRequest struct {
	UserID      uint
	Amount      decimal.Decimal
	Notes       string
	ExternalRef string
	ActorID     uint
	ProposalID  string

	// Claim runs first inside the mint transaction. An error aborts the mint
	// and is returned unchanged.
	Claim func(tx store.Tx) error
	// Complete runs last inside the mint transaction with the stored record.
	Complete func(tx store.Tx, t *domain.Transaction) error
}

// TransferRequest moves value between two users.
type TransferRequest struct {
	SenderID    uint
	RecipientID uint
	Amount      decimal.Decimal
	Notes       string
}

// WithdrawRequest moves value out of the system.
type WithdrawRequest struct {
	UserID      uint
	Amount      decimal.Decimal
	Notes       string
	Destination string
}

// Mint credits newly issued coin. Sanctions, the supply cap and the daily
// limit are checked before anything is written; a blocked attempt leaves one
// audit entry and nothing else.
func (s *Service) Mint(ctx context.Context, req MintRequest) (*domain.Transaction, error) {
	ctx = context.WithoutCancel(ctx)
	log := s.log.WithFields(logrus.Fields{"op": "mint", "user_id": req.UserID, "amount": req.Amount.String()})
	if req.ProposalID != "" {
		log = log.WithField("proposal_id", req.ProposalID)
	}

	refuse := func(err error) error {
		details := audit.Details{"amount": req.Amount, "coin_type": s.cfg.CoinType}
		if req.ActorID != 0 {
			details["actor_id"] = req.ActorID
		}
		return s.refuse(ctx, log, "mint", audit.Event{
			Type: domain.EventMintRejected, UserID: req.UserID, ProposalID: req.ProposalID, Details: details,
		}, err)
	}
	if !req.Amount.IsPositive() {
		return nil, refuse(domain.ErrInvalidAmount)
	}
	wallet, err := s.walletOf(ctx, req.UserID)
	if err != nil {
		return nil, refuse(err)
	}
	details := audit.Details{"wallet_id": wallet.ID, "amount": req.Amount, "coin_type": s.cfg.CoinType}
	if req.ActorID != 0 {
		details["actor_id"] = req.ActorID
	}

	ok, err := s.gate.CheckSanctions(ctx, req.UserID)
	if err != nil {
		return nil, refuse(err)
	}
	if !ok {
		return nil, s.block(ctx, log, "mint", domain.ErrComplianceViolation, audit.Event{
			Type: domain.EventMintBlockedSanction, UserID: req.UserID, ProposalID: req.ProposalID, Details: details,
		})
	}

	unlockSupply := s.supply.Lock(s.cfg.CoinType)
	defer unlockSupply()
	unlockWallet := s.wallets.Lock(wallet.ID)
	defer unlockWallet()

	var (
		record  *domain.Transaction
		blocked string
		sup     domain.Supply
	)
	err = s.store.RunInTx(ctx, func(tx store.Tx) error {
		if req.Claim != nil {
			if err := req.Claim(tx); err != nil {
				return err
			}
		}
		current, err := tx.Supply(s.cfg.CoinType)
		if err != nil {
			return err
		}
		if current.Issued.Add(req.Amount).GreaterThan(s.cfg.MaxSupply) {
			blocked = domain.EventMintBlockedSupplyCap
			details["issued"] = current.Issued
			details["max_supply"] = s.cfg.MaxSupply
			return domain.ErrSupplyCapExceeded
		}
		if s.cfg.DailyMintLimit.IsPositive() {
			today, err := tx.SumTransactions(store.TransactionFilter{
				Type:     domain.TransactionMint,
				Status:   domain.StatusCompleted,
				CoinType: s.cfg.CoinType,
				From:     startOfDay(s.now()),
			})
			if err != nil {
				return err
			}
			if today.Add(req.Amount).GreaterThan(s.cfg.DailyMintLimit) {
				blocked = domain.EventMintBlockedDailyLimit
				details["minted_today"] = today
				details["daily_limit"] = s.cfg.DailyMintLimit
				return domain.ErrDailyMintLimitExceeded
			}
		}

		record = &domain.Transaction{
			Type:              domain.TransactionMint,
			Status:            domain.StatusCompleted,
			Amount:            req.Amount,
			RecipientWalletID: &wallet.ID,
			CoinType:          s.cfg.CoinType,
			USDEquivalent:     s.usd(req.Amount),
			Notes:             req.Notes,
			ExternalRef:       req.ExternalRef,
			ProposalID:        req.ProposalID,
		}
		if err := tx.CreateTransaction(record); err != nil {
			return err
		}
		if err := tx.Credit(wallet.ID, req.Amount); err != nil {
			return err
		}
		if err := tx.AddSupply(s.cfg.CoinType, req.Amount, decimal.Zero); err != nil {
			return err
		}
		if err := s.audit.Append(tx, audit.Event{
			Type: domain.EventMint, UserID: req.UserID, TransactionID: record.ID, ProposalID: req.ProposalID, Details: details,
		}); err != nil {
			return err
		}
		if req.Complete != nil {
			if err := req.Complete(tx, record); err != nil {
				return err
			}
		}
		sup = *current
		sup.Issued = sup.Issued.Add(req.Amount)
		return nil
	})
	if blocked != "" {
		return nil, s.block(ctx, log, "mint", err, audit.Event{
			Type: blocked, UserID: req.UserID, ProposalID: req.ProposalID, Details: details,
		})
	}
	if err != nil {
		return nil, s.fail(log, "mint", err)
	}

	s.metrics.SetSupply(s.cfg.CoinType, sup.Issued, sup.Circulating())
	s.succeed(log.WithField("tx_id", record.ID), "mint")
	return record, nil
}

// Transfer moves value from one user to another. Insufficient balance aborts
// the whole unit.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (*domain.Transaction, error) {
	ctx = context.WithoutCancel(ctx)
	log := s.log.WithFields(logrus.Fields{
		"op": "transfer", "sender_id": req.SenderID, "recipient_id": req.RecipientID, "amount": req.Amount.String(),
	})

	refuse := func(err error) error {
		return s.refuse(ctx, log, "transfer", audit.Event{
			Type: domain.EventTransferRejected, UserID: req.SenderID,
			Details: audit.Details{"recipient_id": req.RecipientID, "amount": req.Amount, "coin_type": s.cfg.CoinType},
		}, err)
	}
	if !req.Amount.IsPositive() {
		return nil, refuse(domain.ErrInvalidAmount)
	}
	if req.SenderID == req.RecipientID {
		return nil, refuse(fmt.Errorf("cannot transfer to yourself: %w", domain.ErrInvalidRequest))
	}
	from, err := s.walletOf(ctx, req.SenderID)
	if err != nil {
		return nil, refuse(err)
	}
	to, err := s.walletOf(ctx, req.RecipientID)
	if err != nil {
		return nil, refuse(err)
	}
	details := audit.Details{
		"sender_wallet_id": from.ID, "recipient_wallet_id": to.ID, "recipient_id": req.RecipientID,
		"amount": req.Amount, "coin_type": s.cfg.CoinType,
	}

	ok, err := s.gate.CanTransact(ctx, req.SenderID, req.RecipientID)
	if err != nil {
		return nil, refuse(err)
	}
	if !ok {
		return nil, s.block(ctx, log, "transfer", domain.ErrComplianceViolation, audit.Event{
			Type: domain.EventTransferBlockedCompliance, UserID: req.SenderID, Details: details,
		})
	}

	unlock := s.wallets.Lock(from.ID, to.ID)
	defer unlock()

	var record *domain.Transaction
	err = s.store.RunInTx(ctx, func(tx store.Tx) error {
		// Row locks follow the same ascending order as the wallet mutexes.
		lo, hi := from.ID, to.ID
		if lo > hi {
			lo, hi = hi, lo
		}
		for _, id := range []uint{lo, hi} {
			if _, err := tx.Wallet(id); err != nil {
				return err
			}
		}
		record = &domain.Transaction{
			Type:              domain.TransactionTransfer,
			Status:            domain.StatusCompleted,
			Amount:            req.Amount,
			SenderWalletID:    &from.ID,
			RecipientWalletID: &to.ID,
			CoinType:          s.cfg.CoinType,
			USDEquivalent:     s.usd(req.Amount),
			Notes:             req.Notes,
		}
		if err := tx.CreateTransaction(record); err != nil {
			return err
		}
		if err := tx.Debit(from.ID, req.Amount); err != nil {
			return err
		}
		if err := tx.Credit(to.ID, req.Amount); err != nil {
			return err
		}
		return s.audit.Append(tx, audit.Event{
			Type: domain.EventTransfer, UserID: req.SenderID, TransactionID: record.ID, Details: details,
		})
	})
	if errors.Is(err, domain.ErrInsufficientBalance) {
		return nil, s.block(ctx, log, "transfer", err, audit.Event{
			Type: domain.EventTransferRejected, UserID: req.SenderID, Details: details,
		})
	}
	if err != nil {
		return nil, s.fail(log, "transfer", err)
	}
	s.succeed(log.WithField("tx_id", record.ID), "transfer")
	return record, nil
}

// Withdraw debits a wallet and records a pending withdrawal. The payout is
// submitted after the wallet lock is released.
func (s *Service) Withdraw(ctx context.Context, req WithdrawRequest) (*domain.Transaction, error) {
	ctx = context.WithoutCancel(ctx)
	log := s.log.WithFields(logrus.Fields{"op": "withdraw", "user_id": req.UserID, "amount": req.Amount.String()})

	refuse := func(err error) error {
		return s.refuse(ctx, log, "withdraw", audit.Event{
			Type: domain.EventWithdrawalRejected, UserID: req.UserID,
			Details: audit.Details{"amount": req.Amount, "coin_type": s.cfg.CoinType},
		}, err)
	}
	if !req.Amount.IsPositive() {
		return nil, refuse(domain.ErrInvalidAmount)
	}
	wallet, err := s.walletOf(ctx, req.UserID)
	if err != nil {
		return nil, refuse(err)
	}
	details := audit.Details{"wallet_id": wallet.ID, "amount": req.Amount, "coin_type": s.cfg.CoinType}
	if req.Destination != "" {
		details["destination"] = req.Destination
	}

	ok, err := s.gate.CheckSanctions(ctx, req.UserID)
	if err != nil {
		return nil, refuse(err)
	}
	if !ok {
		return nil, s.block(ctx, log, "withdraw", domain.ErrComplianceViolation, audit.Event{
			Type: domain.EventWithdrawalBlockedSanction, UserID: req.UserID, Details: details,
		})
	}

	record, err := s.debitForWithdrawal(ctx, wallet, req, details)
	if errors.Is(err, domain.ErrInsufficientBalance) {
		return nil, s.block(ctx, log, "withdraw", err, audit.Event{
			Type: domain.EventWithdrawalRejected, UserID: req.UserID, Details: details,
		})
	}
	if err != nil {
		return nil, s.fail(log, "withdraw", err)
	}
	log = log.WithField("tx_id", record.ID)
	s.succeed(log, "withdraw")

	if s.payouts != nil {
		err := s.payouts.Submit(PayoutRequest{
			TransactionID: record.ID,
			UserID:        req.UserID,
			Amount:        record.Amount,
			CoinType:      record.CoinType,
			Destination:   req.Destination,
		})
		if err != nil {
			log.WithError(err).Warn("payout not queued, withdrawal stays pending")
		}
	}
	return record, nil
}

func (s *Service) debitForWithdrawal(ctx context.Context, wallet *domain.Wallet, req WithdrawRequest, details audit.Details) (*domain.Transaction, error) {
	unlock := s.wallets.Lock(wallet.ID)
	defer unlock()

	var record *domain.Transaction
	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		record = &domain.Transaction{
			Type:           domain.TransactionWithdrawal,
			Status:         domain.StatusPending,
			Amount:         req.Amount,
			SenderWalletID: &wallet.ID,
			CoinType:       s.cfg.CoinType,
			USDEquivalent:  s.usd(req.Amount),
			Notes:          req.Notes,
		}
		if err := tx.CreateTransaction(record); err != nil {
			return err
		}
		if err := tx.Debit(wallet.ID, req.Amount); err != nil {
			return err
		}
		return s.audit.Append(tx, audit.Event{
			Type: domain.EventWithdrawal, UserID: req.UserID, TransactionID: record.ID, Details: details,
		})
	})
	return record, err
}

// SettleWithdrawal marks a pending withdrawal completed; the coin has left the
// system and counts as redeemed.
func (s *Service) SettleWithdrawal(ctx context.Context, txID uint, externalRef string) (*domain.Transaction, error) {
	ctx = context.WithoutCancel(ctx)
	log := s.log.WithFields(logrus.Fields{"op": "settle", "tx_id": txID, "external_ref": externalRef})

	pending, err := s.pendingWithdrawal(ctx, txID)
	if err != nil {
		return nil, s.fail(log, "settle", err)
	}

	unlock := s.supply.Lock(pending.CoinType)
	defer unlock()

	var (
		record *domain.Transaction
		sup    *domain.Supply
	)
	err = s.store.RunInTx(ctx, func(tx store.Tx) error {
		err := tx.SetTransactionStatus(txID, domain.StatusPending, domain.StatusCompleted, store.StatusUpdate{ExternalRef: externalRef})
		if err != nil {
			return err
		}
		if err := tx.AddSupply(pending.CoinType, decimal.Zero, pending.Amount); err != nil {
			return err
		}
		if err := s.audit.Append(tx, audit.Event{
			Type: domain.EventWithdrawalSettled, TransactionID: txID,
			Details: audit.Details{"amount": pending.Amount, "external_ref": externalRef},
		}); err != nil {
			return err
		}
		if record, err = tx.Transaction(txID); err != nil {
			return err
		}
		sup, err = tx.Supply(pending.CoinType)
		return err
	})
	if err != nil {
		return nil, s.fail(log, "settle", err)
	}
	s.metrics.SetSupply(sup.CoinType, sup.Issued, sup.Circulating())
	s.succeed(log, "settle")
	return record, nil
}

// FailWithdrawal marks a pending withdrawal failed and credits the full amount
// back to the sender.
func (s *Service) FailWithdrawal(ctx context.Context, txID uint, reason string) (*domain.Transaction, error) {
	ctx = context.WithoutCancel(ctx)
	log := s.log.WithFields(logrus.Fields{"op": "fail_withdrawal", "tx_id": txID, "reason": reason})

	pending, err := s.pendingWithdrawal(ctx, txID)
	if err != nil {
		return nil, s.fail(log, "fail_withdrawal", err)
	}
	walletID := *pending.SenderWalletID

	unlock := s.wallets.Lock(walletID)
	defer unlock()

	var record *domain.Transaction
	err = s.store.RunInTx(ctx, func(tx store.Tx) error {
		if err := tx.SetTransactionStatus(txID, domain.StatusPending, domain.StatusFailed, store.StatusUpdate{}); err != nil {
			return err
		}
		if err := tx.Credit(walletID, pending.Amount); err != nil {
			return err
		}
		if err := s.audit.Append(tx, audit.Event{
			Type: domain.EventWithdrawalFailed, TransactionID: txID,
			Details: audit.Details{"wallet_id": walletID, "amount": pending.Amount, "reason": reason},
		}); err != nil {
			return err
		}
		var err error
		record, err = tx.Transaction(txID)
		return err
	})
	if err != nil {
		return nil, s.fail(log, "fail_withdrawal", err)
	}
	s.succeed(log, "fail_withdrawal")
	return record, nil
}

func (s *Service) pendingWithdrawal(ctx context.Context, txID uint) (*domain.Transaction, error) {
	record, err := s.Transaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if record.Type != domain.TransactionWithdrawal || record.SenderWalletID == nil {
		return nil, fmt.Errorf("transaction %d is a %s: %w", txID, record.Type, domain.ErrInvalidState)
	}
	if record.Status != domain.StatusPending {
		return nil, fmt.Errorf("transaction %d is %s: %w", txID, record.Status, domain.ErrInvalidState)
	}
	return record, nil
}

func (s *Service) usd(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(s.cfg.USDRate)
}

func (s *Service) walletOf(ctx context.Context, userID uint) (*domain.Wallet, error) {
	var wallet *domain.Wallet
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		wallet, err = tx.WalletByOwner(userID, s.cfg.CoinType)
		return err
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("user %d: %w", userID, domain.ErrWalletNotFound)
	}
	return wallet, err
}

// block records a refused attempt in its own transaction and returns cause.
func (s *Service) block(ctx context.Context, log logrus.FieldLogger, op string, cause error, ev audit.Event) error {
	s.metrics.IncrementBlocked(ev.Type)
	s.metrics.IncrementOperation(op, domain.ErrorKind(cause))
	log.WithField("event", ev.Type).WithError(cause).Warn("operation blocked")
	if err := s.audit.Record(ctx, ev); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// refuse audits a request rejected before any lock is taken, tagging the
// entry with the error kind. Internal failures are only logged.
func (s *Service) refuse(ctx context.Context, log logrus.FieldLogger, op string, ev audit.Event, err error) error {
	kind := domain.ErrorKind(err)
	if kind == "Internal" {
		return s.fail(log, op, err)
	}
	ev.Details["kind"] = kind
	ev.Details["reason"] = err.Error()
	return s.block(ctx, log, op, err, ev)
}

func (s *Service) fail(log logrus.FieldLogger, op string, err error) error {
	s.metrics.IncrementOperation(op, domain.ErrorKind(err))
	entry := log.WithError(err)
	if domain.ErrorKind(err) == "Internal" {
		entry.Error("operation failed")
	} else {
		entry.Info("operation rejected")
	}
	return err
}

func (s *Service) succeed(log logrus.FieldLogger, op string) {
	s.metrics.IncrementOperation(op, "ok")
	log.Info("operation completed")
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
