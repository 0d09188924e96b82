package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coin_ledger/internal/store"
	"coin_ledger/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s := New()
		require.NoError(t, s.Open(context.Background()))
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestPage(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	assert.Equal(t, []int{1, 2}, page(items, -40, 2))
	assert.Equal(t, []int{3, 4}, page(items, 2, 2))
	assert.Equal(t, []int{5}, page(items, 4, 10))
	assert.Empty(t, page(items, 5, 2))
}

func TestStoreClosed(t *testing.T) {
	s := New()
	err := s.RunInTx(context.Background(), func(store.Tx) error { return nil })
	assert.ErrorIs(t, err, store.ErrClosed)

	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.Close())
	err = s.View(context.Background(), func(store.Tx) error { return nil })
	assert.ErrorIs(t, err, store.ErrClosed)
}

func TestStoreCancelledContext(t *testing.T) {
	s := New()
	require.NoError(t, s.Open(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := s.RunInTx(ctx, func(store.Tx) error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
