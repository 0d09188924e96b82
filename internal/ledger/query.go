package ledger

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"coin_ledger/internal/domain"
	"coin_ledger/internal/store"
)

// Balance returns the user's wallet.
func (s *Service) Balance(ctx context.Context, userID uint) (*domain.Wallet, error) {
	return s.walletOf(ctx, userID)
}

// History lists the transactions touching the user's wallet, newest first.
// page starts at 1.
func (s *Service) History(ctx context.Context, userID uint, page, pageSize int) ([]domain.Transaction, int64, error) {
	if page < 1 || pageSize < 1 {
		return nil, 0, fmt.Errorf("page and page size must be positive: %w", domain.ErrInvalidRequest)
	}
	if page-1 > math.MaxInt/pageSize {
		return nil, 0, fmt.Errorf("page %d out of range: %w", page, domain.ErrInvalidRequest)
	}
	wallet, err := s.walletOf(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	return s.Transactions(ctx, store.TransactionFilter{
		WalletID: &wallet.ID,
		Offset:   (page - 1) * pageSize,
		Limit:    pageSize,
	})
}

// Transactions lists transactions matching filter.
func (s *Service) Transactions(ctx context.Context, filter store.TransactionFilter) ([]domain.Transaction, int64, error) {
	var (
		txs   []domain.Transaction
		total int64
	)
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		txs, total, err = tx.ListTransactions(filter)
		return err
	})
	return txs, total, err
}

// Transaction returns one transaction by id.
func (s *Service) Transaction(ctx context.Context, id uint) (*domain.Transaction, error) {
	var record *domain.Transaction
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		record, err = tx.Transaction(id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("transaction %d: %w", id, err)
	}
	return record, nil
}

// Supply returns the supply counters of the ledger's coin.
func (s *Service) Supply(ctx context.Context) (domain.Supply, error) {
	var sup domain.Supply
	err := s.store.View(ctx, func(tx store.Tx) error {
		current, err := tx.Supply(s.cfg.CoinType)
		if err != nil {
			return err
		}
		sup = *current
		return nil
	})
	return sup, err
}

// Report is a point-in-time reconciliation of balances against issuance.
type Report struct {
	CoinType           string          `json:"coin_type"`
	MaxSupply          decimal.Decimal `json:"max_supply"`
	Issued             decimal.Decimal `json:"issued"`
	Redeemed           decimal.Decimal `json:"redeemed"`
	Circulating        decimal.Decimal `json:"circulating"`
	PendingWithdrawals decimal.Decimal `json:"pending_withdrawals"`
	WalletBalances     decimal.Decimal `json:"wallet_balances"`
	Balanced           bool            `json:"balanced"`
}

// Reconcile checks that wallet balances plus withdrawals still in flight equal
// issued minus redeemed supply.
func (s *Service) Reconcile(ctx context.Context) (Report, error) {
	report := Report{CoinType: s.cfg.CoinType, MaxSupply: s.cfg.MaxSupply}
	err := s.store.View(ctx, func(tx store.Tx) error {
		sup, err := tx.Supply(s.cfg.CoinType)
		if err != nil {
			return err
		}
		report.Issued, report.Redeemed, report.Circulating = sup.Issued, sup.Redeemed, sup.Circulating()
		if report.WalletBalances, err = tx.SumBalances(s.cfg.CoinType); err != nil {
			return err
		}
		report.PendingWithdrawals, err = tx.SumTransactions(store.TransactionFilter{
			Type:     domain.TransactionWithdrawal,
			Status:   domain.StatusPending,
			CoinType: s.cfg.CoinType,
		})
		return err
	})
	if err != nil {
		return Report{}, err
	}
	report.Balanced = report.WalletBalances.Add(report.PendingWithdrawals).Equal(report.Circulating)
	return report, nil
}
