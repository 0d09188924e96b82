// Package storetest holds behaviour tests shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coin_ledger/internal/domain"
	"coin_ledger/internal/store"
)

// Factory returns an opened, empty store.
type Factory func(t *testing.T) store.Store

// Run executes the shared suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"UserAndWallet", testUserAndWallet},
		{"DebitCredit", testDebitCredit},
		{"RollbackOnError", testRollbackOnError},
		{"TransactionStatus", testTransactionStatus},
		{"ListAndSumTransactions", testListAndSumTransactions},
		{"Audit", testAudit},
		{"Supply", testSupply},
		{"Proposals", testProposals},
		{"ViewIsReadOnly", testViewIsReadOnly},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedWallet(t *testing.T, s store.Store, username, balance string) (*domain.User, *domain.Wallet) {
	t.Helper()
	user := &domain.User{Username: username, Password: "x", Role: domain.RoleUser, Jurisdiction: "ZA"}
	wallet := domain.NewWallet(0, domain.DefaultCoinType)
	require.NoError(t, s.RunInTx(context.Background(), func(tx store.Tx) error {
		if err := tx.CreateUser(user); err != nil {
			return err
		}
		wallet.OwnerID = user.ID
		if err := tx.CreateWallet(wallet); err != nil {
			return err
		}
		if balance != "0" {
			return tx.Credit(wallet.ID, dec(balance))
		}
		return nil
	}))
	return user, wallet
}

func balanceOf(t *testing.T, s store.Store, walletID uint) decimal.Decimal {
	t.Helper()
	var bal decimal.Decimal
	require.NoError(t, s.View(context.Background(), func(tx store.Tx) error {
		w, err := tx.Wallet(walletID)
		if err != nil {
			return err
		}
		bal = w.Balance
		return nil
	}))
	return bal
}

func testUserAndWallet(t *testing.T, s store.Store) {
	ctx := context.Background()
	user, wallet := seedWallet(t, s, "alice", "0")
	assert.NotZero(t, user.ID)
	assert.NotZero(t, wallet.ID)

	err := s.View(ctx, func(tx store.Tx) error {
		got, err := tx.UserByUsername("alice")
		require.NoError(t, err)
		assert.Equal(t, user.ID, got.ID)

		w, err := tx.WalletByOwner(user.ID, domain.DefaultCoinType)
		require.NoError(t, err)
		assert.Equal(t, wallet.ID, w.ID)
		assert.True(t, w.Balance.IsZero())

		_, err = tx.WalletByOwner(user.ID, "XYZ")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = tx.User(9999)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		return nil
	})
	require.NoError(t, err)

	err = s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.CreateUser(&domain.User{Username: "alice", Password: "y"})
	})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.UpdateComplianceProfile(user.ID, store.ComplianceProfile{Jurisdiction: "KP", Sanctioned: true, KYCVerified: true})
	}))
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := tx.User(user.ID)
		require.NoError(t, err)
		assert.Equal(t, "KP", got.Jurisdiction)
		assert.True(t, got.Sanctioned)
		assert.True(t, got.KYCVerified)
		return nil
	}))
}

func testDebitCredit(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, wallet := seedWallet(t, s, "bob", "100")

	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.Debit(wallet.ID, dec("40.5"))
	}))
	assert.True(t, dec("59.5").Equal(balanceOf(t, s, wallet.ID)))

	err := s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.Debit(wallet.ID, dec("59.50000001"))
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.True(t, dec("59.5").Equal(balanceOf(t, s, wallet.ID)))

	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.Debit(wallet.ID, dec("59.5"))
	}))
	assert.True(t, balanceOf(t, s, wallet.ID).IsZero())

	err = s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.Credit(424242, dec("1"))
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	var sum decimal.Decimal
	require.NoError(t, s.View(ctx, func(tx store.Tx) (err error) {
		sum, err = tx.SumBalances(domain.DefaultCoinType)
		return err
	}))
	assert.True(t, sum.IsZero())
}

func testRollbackOnError(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, from := seedWallet(t, s, "carol", "10")
	_, to := seedWallet(t, s, "dave", "0")
	boom := errors.New("boom")

	err := s.RunInTx(ctx, func(tx store.Tx) error {
		if err := tx.Credit(to.ID, dec("5")); err != nil {
			return err
		}
		if err := tx.CreateTransaction(&domain.Transaction{
			Type: domain.TransactionTransfer, Status: domain.StatusCompleted,
			Amount: dec("5"), CoinType: domain.DefaultCoinType, USDEquivalent: dec("5"),
		}); err != nil {
			return err
		}
		if err := tx.AppendAudit(&domain.AuditLogEntry{ID: uuid.NewString(), EventType: domain.EventTransfer}); err != nil {
			return err
		}
		if err := tx.AddSupply(domain.DefaultCoinType, dec("5"), decimal.Zero); err != nil {
			return err
		}
		return tx.Debit(from.ID, dec("50"))
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	err = s.RunInTx(ctx, func(tx store.Tx) error {
		if err := tx.Credit(to.ID, dec("1")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.True(t, dec("10").Equal(balanceOf(t, s, from.ID)))
	assert.True(t, balanceOf(t, s, to.ID).IsZero())
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		txs, total, err := tx.ListTransactions(store.TransactionFilter{})
		require.NoError(t, err)
		assert.Zero(t, total)
		assert.Empty(t, txs)
		entries, err := tx.ListAudit(store.AuditFilter{})
		require.NoError(t, err)
		assert.Empty(t, entries)
		sup, err := tx.Supply(domain.DefaultCoinType)
		require.NoError(t, err)
		assert.True(t, sup.Issued.IsZero())
		return nil
	}))
}

func testTransactionStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, wallet := seedWallet(t, s, "erin", "0")
	tr := &domain.Transaction{
		Type: domain.TransactionWithdrawal, Status: domain.StatusPending,
		Amount: dec("3"), SenderWalletID: &wallet.ID, CoinType: domain.DefaultCoinType, USDEquivalent: dec("3"),
	}
	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error { return tx.CreateTransaction(tr) }))
	require.NotZero(t, tr.ID)

	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.SetTransactionStatus(tr.ID, domain.StatusPending, domain.StatusCompleted, store.StatusUpdate{ExternalRef: "po_1"})
	}))
	err := s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.SetTransactionStatus(tr.ID, domain.StatusPending, domain.StatusFailed, store.StatusUpdate{})
	})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	err = s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.SetTransactionStatus(777777, domain.StatusPending, domain.StatusFailed, store.StatusUpdate{})
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := tx.Transaction(tr.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, got.Status)
		assert.Equal(t, "po_1", got.ExternalRef)
		return nil
	}))
}

func testListAndSumTransactions(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, a := seedWallet(t, s, "frank", "0")
	_, b := seedWallet(t, s, "grace", "0")

	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error {
		for _, tr := range []*domain.Transaction{
			{Type: domain.TransactionMint, Status: domain.StatusCompleted, Amount: dec("10"), RecipientWalletID: &a.ID},
			{Type: domain.TransactionMint, Status: domain.StatusCompleted, Amount: dec("2.5"), RecipientWalletID: &b.ID},
			{Type: domain.TransactionTransfer, Status: domain.StatusCompleted, Amount: dec("1"), SenderWalletID: &a.ID, RecipientWalletID: &b.ID},
			{Type: domain.TransactionWithdrawal, Status: domain.StatusPending, Amount: dec("4"), SenderWalletID: &b.ID},
		} {
			tr.CoinType = domain.DefaultCoinType
			tr.USDEquivalent = tr.Amount
			if err := tx.CreateTransaction(tr); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		txs, total, err := tx.ListTransactions(store.TransactionFilter{WalletID: &a.ID})
		require.NoError(t, err)
		assert.EqualValues(t, 2, total)
		assert.Len(t, txs, 2)

		txs, total, err = tx.ListTransactions(store.TransactionFilter{WalletID: &b.ID, Limit: 2})
		require.NoError(t, err)
		assert.EqualValues(t, 3, total)
		require.Len(t, txs, 2)
		assert.Greater(t, txs[0].ID, txs[1].ID)

		txs, _, err = tx.ListTransactions(store.TransactionFilter{WalletID: &b.ID, Offset: 2, Limit: 2})
		require.NoError(t, err)
		assert.Len(t, txs, 1)

		sum, err := tx.SumTransactions(store.TransactionFilter{Type: domain.TransactionMint, Status: domain.StatusCompleted})
		require.NoError(t, err)
		assert.True(t, dec("12.5").Equal(sum), sum.String())

		sum, err = tx.SumTransactions(store.TransactionFilter{Type: domain.TransactionMint, CoinType: "NONE"})
		require.NoError(t, err)
		assert.True(t, sum.IsZero())
		return nil
	}))
}

func testAudit(t *testing.T, s store.Store) {
	ctx := context.Background()
	uid := uint(7)
	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error {
		for _, ev := range []string{domain.EventMint, domain.EventTransfer, domain.EventMint} {
			if err := tx.AppendAudit(&domain.AuditLogEntry{ID: uuid.NewString(), EventType: ev, UserID: &uid, Details: "{}"}); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		entries, err := tx.ListAudit(store.AuditFilter{EventType: domain.EventMint})
		require.NoError(t, err)
		assert.Len(t, entries, 2)
		entries, err = tx.ListAudit(store.AuditFilter{UserID: &uid, Limit: 1})
		require.NoError(t, err)
		assert.Len(t, entries, 1)
		other := uint(8)
		entries, err = tx.ListAudit(store.AuditFilter{UserID: &other})
		require.NoError(t, err)
		assert.Empty(t, entries)
		return nil
	}))
}

func testSupply(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error {
		sup, err := tx.Supply(domain.DefaultCoinType)
		require.NoError(t, err)
		assert.True(t, sup.Issued.IsZero())
		if err := tx.AddSupply(domain.DefaultCoinType, dec("100"), decimal.Zero); err != nil {
			return err
		}
		return tx.AddSupply(domain.DefaultCoinType, decimal.Zero, dec("30"))
	}))
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		sup, err := tx.Supply(domain.DefaultCoinType)
		require.NoError(t, err)
		assert.True(t, dec("100").Equal(sup.Issued))
		assert.True(t, dec("30").Equal(sup.Redeemed))
		assert.True(t, dec("70").Equal(sup.Circulating()))
		return nil
	}))
}

func testProposals(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := &domain.MintProposal{
		ID: uuid.NewString(), ProposerID: 1, RecipientID: 2, Amount: dec("1000"),
		CoinType: domain.DefaultCoinType, ComplianceHash: "hash-1", RequiredApprovals: 2,
		Status: domain.ProposalProposed,
	}
	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error { return tx.CreateProposal(p) }))

	var added []bool
	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error {
		for _, approver := range []uint{10, 10, 11} {
			ok, err := tx.AddApproval(p.ID, approver)
			if err != nil {
				return err
			}
			added = append(added, ok)
		}
		return nil
	}))
	assert.Equal(t, []bool{true, false, true}, added)

	err := s.RunInTx(ctx, func(tx store.Tx) error {
		_, err := tx.AddApproval("missing", 10)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	txID := uint(55)
	var swapped, again bool
	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) (err error) {
		if swapped, err = tx.CompareAndSwapProposalStatus(p.ID, domain.ProposalProposed, domain.ProposalApproved, store.ProposalUpdate{}); err != nil {
			return err
		}
		again, err = tx.CompareAndSwapProposalStatus(p.ID, domain.ProposalProposed, domain.ProposalApproved, store.ProposalUpdate{})
		if err != nil {
			return err
		}
		_, err = tx.CompareAndSwapProposalStatus(p.ID, domain.ProposalApproved, domain.ProposalExecuted, store.ProposalUpdate{TransactionID: &txID})
		return err
	}))
	assert.True(t, swapped)
	assert.False(t, again)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := tx.Proposal(p.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ProposalExecuted, got.Status)
		assert.Equal(t, 2, got.ApprovalCount())
		assert.True(t, got.ThresholdMet())
		require.NotNil(t, got.TransactionID)
		assert.Equal(t, txID, *got.TransactionID)

		byHash, err := tx.ProposalByComplianceHash("hash-1")
		require.NoError(t, err)
		assert.Equal(t, p.ID, byHash.ID)
		_, err = tx.ProposalByComplianceHash("hash-2")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		return nil
	}))

	rejected := &domain.MintProposal{
		ID: uuid.NewString(), ProposerID: 1, RecipientID: 2, Amount: dec("1"),
		CoinType: domain.DefaultCoinType, ComplianceHash: "hash-r", RequiredApprovals: 1,
		Status: domain.ProposalRejected,
	}
	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error { return tx.CreateProposal(rejected) }))
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		_, err := tx.ProposalByComplianceHash("hash-r")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		return nil
	}))
}

func testViewIsReadOnly(t *testing.T, s store.Store) {
	_, wallet := seedWallet(t, s, "heidi", "5")
	err := s.View(context.Background(), func(tx store.Tx) error {
		return tx.Credit(wallet.ID, dec("1"))
	})
	assert.Error(t, err)
	assert.True(t, dec("5").Equal(balanceOf(t, s, wallet.ID)))
}
