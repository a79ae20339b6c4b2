package writepath

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/latticedb/lattice/pkg/cache"
	"github.com/latticedb/lattice/pkg/types"
)

// lockAcquireTimeout bounds how long Put/Remove inside a transaction
// wait for a key's pessimistic lock before aborting (spec §4.5:
// "deadlock is avoided by a bounded lock-wait timeout, not
// by deadlock detection").
const lockAcquireTimeout = 5 * time.Second

type pendingWrite struct {
	store    *cache.Store
	key      types.Key
	value    types.Value // nil means remove
	expireAt time.Time
}

// txnState tracks one in-flight TRANSACTIONAL write (spec §4.5):
// pessimistic per-key locks acquired as operations are buffered,
// applied to every participating Store on Commit in staging order, released
// without ever applying on Abort.
type txnState struct {
	id      string
	writes  []pendingWrite
	locked  map[*cache.Store][]types.Key
	started time.Time
}

// Transactor coordinates TRANSACTIONAL writes across one or more
// Coordinators' Stores. It implements 2PC in its simplest form: the
// "prepare" phase is pessimistic locking performed as each operation
// is buffered, so Commit's only remaining failure mode is a store
// rejecting the apply (e.g. partition no longer owned) — at that
// point keys already applied stay applied and the transaction
// reports an error; callers should retry the whole
// transaction rather than assume partial application.
type Transactor struct {
	mu    sync.Mutex
	txns  map[string]*txnState
}

// NewTransactor creates an empty Transactor.
func NewTransactor() *Transactor {
	return &Transactor{txns: make(map[string]*txnState)}
}

// Begin starts a new transaction and returns its id.
func (t *Transactor) Begin() string {
	id := uuid.NewString()
	t.mu.Lock()
	t.txns[id] = &txnState{id: id, locked: make(map[*cache.Store][]types.Key), started: time.Now()}
	t.mu.Unlock()
	return id
}

func (t *Transactor) state(txnID string) (*txnState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.txns[txnID]
	if !ok {
		return nil, fmt.Errorf("writepath: unknown transaction %q", txnID)
	}
	return st, nil
}

// Put buffers a write against store under txnID, acquiring a
// pessimistic lock on key. The write is not visible to readers until
// Commit.
func (t *Transactor) Put(ctx context.Context, txnID string, store *cache.Store, key types.Key, value types.Value, expireAt time.Time) error {
	return t.stage(ctx, txnID, store, key, value, expireAt)
}

// Remove buffers a tombstone write against store under txnID.
func (t *Transactor) Remove(ctx context.Context, txnID string, store *cache.Store, key types.Key) error {
	return t.stage(ctx, txnID, store, key, nil, time.Time{})
}

func (t *Transactor) stage(ctx context.Context, txnID string, store *cache.Store, key types.Key, value types.Value, expireAt time.Time) error {
	st, err := t.state(txnID)
	if err != nil {
		return err
	}

	if err := store.Lock(ctx, key, lockAcquireTimeout); err != nil {
		return err
	}

	t.mu.Lock()
	st.writes = append(st.writes, pendingWrite{store: store, key: key, value: value, expireAt: expireAt})
	st.locked[store] = append(st.locked[store], key)
	t.mu.Unlock()
	return nil
}

// Commit applies every buffered write, in the order they were staged,
// then releases every lock the transaction held. If an apply fails
// partway through, the writes already applied are left in place (spec
// §4.5 Non-goals excludes true write-ahead rollback logs) but every
// lock is still released so the cache does not wedge; the caller
// should treat the transaction as failed and reconcile via the
// returned error.
func (t *Transactor) Commit(txnID string) (types.Version, error) {
	st, err := t.state(txnID)
	if err != nil {
		return types.Version{}, err
	}
	defer t.release(st)

	version := types.Version{Order: uint64(time.Now().UnixNano())}
	for _, w := range st.writes {
		if w.value == nil {
			if _, err := w.store.Remove(w.key, version); err != nil {
				return types.Version{}, fmt.Errorf("writepath: commit %q: %w", txnID, err)
			}
			continue
		}
		if _, err := w.store.Put(w.key, w.value, version, w.expireAt, false); err != nil {
			return types.Version{}, fmt.Errorf("writepath: commit %q: %w", txnID, err)
		}
	}

	t.forget(txnID)
	return version, nil
}

// Abort releases every lock the transaction held without applying any
// buffered write.
func (t *Transactor) Abort(txnID string) error {
	st, err := t.state(txnID)
	if err != nil {
		return err
	}
	t.release(st)
	t.forget(txnID)
	return nil
}

func (t *Transactor) release(st *txnState) {
	for store, keys := range st.locked {
		for _, key := range keys {
			store.Unlock(key)
		}
	}
}

func (t *Transactor) forget(txnID string) {
	t.mu.Lock()
	delete(t.txns, txnID)
	t.mu.Unlock()
}
