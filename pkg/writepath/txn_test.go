package writepath

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/pkg/cache"
	"github.com/latticedb/lattice/pkg/types"
)

func TestCommitAppliesAllBufferedWritesAtomically(t *testing.T) {
	store := cache.New(cache.Config{Name: "orders", Partitions: 16}, nil)
	tx := NewTransactor()

	txnID := tx.Begin()
	require.NoError(t, tx.Put(context.Background(), txnID, store, types.Key("k1"), types.Value("v1"), time.Time{}))
	require.NoError(t, tx.Put(context.Background(), txnID, store, types.Key("k2"), types.Value("v2"), time.Time{}))

	// Not visible until commit.
	_, ok := store.Get(types.Key("k1"))
	require.False(t, ok)

	_, err := tx.Commit(txnID)
	require.NoError(t, err)

	v1, ok := store.Get(types.Key("k1"))
	require.True(t, ok)
	require.Equal(t, types.Value("v1"), v1)

	v2, ok := store.Get(types.Key("k2"))
	require.True(t, ok)
	require.Equal(t, types.Value("v2"), v2)
}

func TestAbortAppliesNothingAndReleasesLocks(t *testing.T) {
	store := cache.New(cache.Config{Name: "orders", Partitions: 16}, nil)
	tx := NewTransactor()

	txnID := tx.Begin()
	require.NoError(t, tx.Put(context.Background(), txnID, store, types.Key("k1"), types.Value("v1"), time.Time{}))
	require.NoError(t, tx.Abort(txnID))

	_, ok := store.Get(types.Key("k1"))
	require.False(t, ok)

	// Lock must be released: a fresh transaction can stage the same key.
	txnID2 := tx.Begin()
	require.NoError(t, tx.Put(context.Background(), txnID2, store, types.Key("k1"), types.Value("v2"), time.Time{}))
	_, err := tx.Commit(txnID2)
	require.NoError(t, err)

	v, ok := store.Get(types.Key("k1"))
	require.True(t, ok)
	require.Equal(t, types.Value("v2"), v)
}

func TestSecondTransactionBlocksOnLockedKeyUntilFirstReleases(t *testing.T) {
	store := cache.New(cache.Config{Name: "orders", Partitions: 16}, nil)
	tx := NewTransactor()

	txnID1 := tx.Begin()
	require.NoError(t, tx.Put(context.Background(), txnID1, store, types.Key("k1"), types.Value("v1"), time.Time{}))

	txnID2 := tx.Begin()
	done := make(chan error, 1)
	go func() {
		done <- tx.Put(context.Background(), txnID2, store, types.Key("k1"), types.Value("v2"), time.Time{})
	}()

	select {
	case <-done:
		t.Fatal("second transaction should not acquire the lock while first holds it")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := tx.Commit(txnID1)
	require.NoError(t, err)

	require.NoError(t, <-done)
	_, err = tx.Commit(txnID2)
	require.NoError(t, err)

	v, ok := store.Get(types.Key("k1"))
	require.True(t, ok)
	require.Equal(t, types.Value("v2"), v)
}

func TestCommitUnknownTransactionErrors(t *testing.T) {
	tx := NewTransactor()
	_, err := tx.Commit("does-not-exist")
	require.Error(t, err)
}
