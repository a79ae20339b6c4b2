package cache

import (
	"context"
	"sync"
	"time"

	"github.com/latticedb/lattice/pkg/affinity"
	"github.com/latticedb/lattice/pkg/errs"
	"github.com/latticedb/lattice/pkg/log"
	"github.com/latticedb/lattice/pkg/metrics"
	"github.com/latticedb/lattice/pkg/storage"
	"github.com/latticedb/lattice/pkg/types"
)

// EventSink receives one CacheEvent per applied mutation, in the order
// applied. The Continuous Query Manager (pkg/cq) implements this to
// learn about cache mutations without the Cache Store depending on it.
type EventSink interface {
	OnEntryEvent(event types.CacheEvent)
}

// Ownership answers "is partitionID OWNING (or otherwise locally
// readable) on this node at the current topology version?" — the
// Partition State Machine (pkg/partition) implements this; the Cache
// Store refuses operations against partitions it reports as not ready.
type Ownership interface {
	IsPrimary(partitionID int) bool
	IsReadable(partitionID int) bool // OWNING or RENTING
}

// Config configures one Store.
type Config struct {
	Name       string
	Mode       types.CacheMode
	Partitions int
	Backups    int
	Eviction   EvictionConfig
	// Offheap, when non-nil, is a durable tier (bucket = cache name)
	// that Peek consults when asked for PeekOffheap. Put, Remove and the
	// other mutating calls do not write to it.
	Offheap storage.Store
	// Internal marks every entry in this cache as belonging to the
	// internal keyspace (spec §4.8: the System Cache "is distinguished
	// only by being internal"), so emitted CacheEvents carry
	// types.FlagInternal and are visible only to internal continuous
	// queries.
	Internal bool
}

// Store is the Cache Store for one named cache (spec §4.4): the
// per-node, per-partition map backing get/put/remove/peek/lock, with
// an optional LRU eviction policy and off-heap persistence tier.
type Store struct {
	cfg        Config
	partitions []*partition
	ownership  Ownership
	sink       EventSink

	mu   sync.Mutex // guards sink assignment only
	name string
}

// New creates a Store with cfg.Partitions partition maps, one LRU
// policy stripe per partition (spec §4.4: "eviction queue uses
// fixed-count stripes keyed by partition id to limit contention").
func New(cfg Config, ownership Ownership) *Store {
	parts := make([]*partition, cfg.Partitions)
	for i := range parts {
		var lru *lruPolicy
		if cfg.Eviction.Enabled() {
			lru = newLRUPolicy(cfg.Eviction)
		}
		parts[i] = newPartition(lru)
	}
	return &Store{cfg: cfg, partitions: parts, ownership: ownership, name: cfg.Name}
}

// PartitionCount returns the number of partitions this store's cache is
// split into, as configured at New.
func (s *Store) PartitionCount() int {
	return s.cfg.Partitions
}

// Name returns the cache name this store serves.
func (s *Store) Name() string {
	return s.name
}

// EntryCount returns the number of live entries held locally across
// every partition of this cache, for the metrics Collector's
// CacheEntryCounts sample.
func (s *Store) EntryCount() int {
	var total int
	for _, p := range s.partitions {
		total += p.count()
	}
	return total
}

// SetEventSink installs the Continuous Query Manager's sink. Must be
// called before any mutation to avoid missing events racily.
func (s *Store) SetEventSink(sink EventSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

func (s *Store) emit(ev types.CacheEvent) {
	ev.Mode = s.cfg.Mode
	if s.cfg.Internal {
		ev.Flags |= types.FlagInternal
	}
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink.OnEntryEvent(ev)
	}
}

// isPrimary reports whether this node is primary for partitionID, per
// the same Ownership gate ExpireClock and readable use: no ownership
// configured means single-node operation, always primary.
func (s *Store) isPrimary(partitionID int) bool {
	return s.ownership == nil || s.ownership.IsPrimary(partitionID)
}

func (s *Store) partitionFor(key types.Key) (*partition, int) {
	p := affinity.Partition(key, s.cfg.Partitions)
	return s.partitions[p], p
}

// Get returns the value for key if present and not expired (spec
// §4.4: "returns the previously-visible value without taking locks
// under ATOMIC").
func (s *Store) Get(key types.Key) (types.Value, bool) {
	part, _ := s.partitionFor(key)
	e, ok := part.get(key, time.Now())
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Put installs value at key with version, returning the prior value
// if requested. ExpireAt is zero for no TTL.
func (s *Store) Put(key types.Key, value types.Value, version types.Version, expireAt time.Time, returnPrev bool) (types.Value, error) {
	part, partID := s.partitionFor(key)
	if !s.readable(partID) {
		return nil, &errs.PartitionNotOwned{PartitionID: partID}
	}

	newEntry := &types.Entry{Key: key, Value: value, Version: version, ExpireAt: expireAt}
	prev := part.put(key, newEntry)

	evType := types.EventCreated
	var oldValue types.Value
	if prev != nil {
		evType = types.EventUpdated
		oldValue = prev.Value
	}
	metrics.CacheEntriesTotal.WithLabelValues(s.name).Set(float64(part.count()))
	s.emit(types.CacheEvent{Type: evType, CacheName: s.name, Key: key, NewValue: value, OldValue: oldValue, Version: version, Primary: s.isPrimary(partID)})

	if !returnPrev {
		return nil, nil
	}
	return oldValue, nil
}

// Remove tombstones key, returning the removed value if any.
func (s *Store) Remove(key types.Key, version types.Version) (types.Value, error) {
	part, partID := s.partitionFor(key)
	if !s.readable(partID) {
		return nil, &errs.PartitionNotOwned{PartitionID: partID}
	}

	prev := part.remove(key, version)
	if prev == nil {
		return nil, nil
	}
	s.emit(types.CacheEvent{Type: types.EventRemoved, CacheName: s.name, Key: key, OldValue: prev.Value, Version: version, Primary: s.isPrimary(partID)})
	return prev.Value, nil
}

// Replace performs a compare-and-swap: installs newValue only if the
// current value equals oldValue (both nil meaning absent).
func (s *Store) Replace(key types.Key, oldValue, newValue types.Value, version types.Version) (bool, error) {
	part, partID := s.partitionFor(key)
	if !s.readable(partID) {
		return false, &errs.PartitionNotOwned{PartitionID: partID}
	}

	current, ok := part.peek(key)
	var currentValue types.Value
	if ok {
		currentValue = current.Value
	}
	if !valueEqual(currentValue, oldValue) {
		return false, nil
	}

	newEntry := &types.Entry{Key: key, Value: newValue, Version: version}
	part.put(key, newEntry)
	s.emit(types.CacheEvent{Type: types.EventUpdated, CacheName: s.name, Key: key, NewValue: newValue, OldValue: oldValue, Version: version, Primary: s.isPrimary(partID)})
	return true, nil
}

func valueEqual(a, b types.Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// PutAll applies every (key, value) pair in kvs, best-effort: it keeps
// applying after a per-key error and returns the accumulated errors.
func (s *Store) PutAll(kvs map[string]types.Value, version types.Version) []error {
	var errList []error
	for k, v := range kvs {
		if _, err := s.Put(types.Key(k), v, version, time.Time{}, false); err != nil {
			errList = append(errList, err)
		}
	}
	return errList
}

// RemoveAll removes every key in keys, best-effort.
func (s *Store) RemoveAll(keys []types.Key, version types.Version) []error {
	var errList []error
	for _, k := range keys {
		if _, err := s.Remove(k, version); err != nil {
			errList = append(errList, err)
		}
	}
	return errList
}

// Peek inspects the in-memory tier (and, if modes includes
// PeekOffheap and an offheap tier is configured, that tier too)
// without remote fetch or locking.
func (s *Store) Peek(key types.Key, modes PeekMode) (types.Value, bool) {
	if modes&PeekInMemory != 0 {
		part, _ := s.partitionFor(key)
		if e, ok := part.peek(key); ok {
			return e.Value, true
		}
	}
	if modes&PeekOffheap != 0 && s.cfg.Offheap != nil {
		data, err := s.cfg.Offheap.Get(s.name, key)
		if err == nil {
			return types.Value(data), true
		}
	}
	return nil, false
}

// ApplyIfNewer installs entry only if its Version dominates the
// locally stored version (spec §4.3's idempotent rebalance/backup
// apply contract). Returns whether it was applied.
func (s *Store) ApplyIfNewer(entry types.Entry) bool {
	part, partID := s.partitionFor(entry.Key)
	applied := part.applyIfNewer(entry)
	if applied {
		evType := types.EventUpdated
		if entry.Value == nil {
			evType = types.EventRemoved
		}
		s.emit(types.CacheEvent{Type: evType, CacheName: s.name, Key: entry.Key, NewValue: entry.Value, Version: entry.Version, Primary: s.isPrimary(partID)})
	}
	return applied
}

// IterateLocalPartitions yields every live (key, value) pair in
// partitions currently readable on this node, per pred, stopping early
// if pred returns an error.
func (s *Store) IterateLocalPartitions(pred func(key types.Key, value types.Value) error) error {
	for partID, part := range s.partitions {
		if !s.readable(partID) {
			continue
		}
		err := part.iterate(func(e *types.Entry) error {
			return pred(e.Key, e.Value)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// IteratePartitionEntries yields every live entry of one partition
// regardless of its current readable/ownership gate, for use by
// pkg/partition's rebalance sender, which is itself the authority
// deciding when this node still holds data worth pushing to a new
// owner (e.g. while RENTING, after the client-facing gate has already
// moved on).
func (s *Store) IteratePartitionEntries(partitionID int, fn func(e types.Entry) error) error {
	if partitionID < 0 || partitionID >= len(s.partitions) {
		return nil
	}
	return s.partitions[partitionID].iterate(func(e *types.Entry) error {
		return fn(*e)
	})
}

// Lock acquires an exclusive per-key lock within timeout, returning
// errs.LockTimeout if it isn't granted in time. Used under
// TRANSACTIONAL atomicity (spec §4.4/§4.5).
func (s *Store) Lock(ctx context.Context, key types.Key, timeout time.Duration) error {
	part, _ := s.partitionFor(key)
	ks := key.String()

	part.lockMu.Lock()
	ch, held := part.locks[ks]
	if !held {
		part.locks[ks] = make(chan struct{})
		part.lockMu.Unlock()
		return nil
	}
	part.lockMu.Unlock()

	deadline := time.After(timeout)
	select {
	case <-ch:
		return s.Lock(ctx, key, timeout) // retry now that it's free
	case <-deadline:
		return &errs.LockTimeout{Key: ks, Timeout: timeout.String()}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases a previously acquired lock on key.
func (s *Store) Unlock(key types.Key) {
	part, _ := s.partitionFor(key)
	ks := key.String()

	part.lockMu.Lock()
	ch, held := part.locks[ks]
	if held {
		delete(part.locks, ks)
	}
	part.lockMu.Unlock()

	if held {
		close(ch)
	}
}

func (s *Store) readable(partitionID int) bool {
	if s.ownership == nil {
		return true // no ownership gate configured (e.g. single-node tests)
	}
	if s.cfg.Mode == types.ModeReplicated {
		return true
	}
	return s.ownership.IsReadable(partitionID)
}

// ExpireClock drives onExpire on an interval, sweeping every partition
// this node is primary for, or every partition when the cache is
// REPLICATED (spec §4.4).
type ExpireClock struct {
	store    *Store
	interval time.Duration
	stopCh   chan struct{}
}

// NewExpireClock creates a clock that sweeps store every interval.
func NewExpireClock(store *Store, interval time.Duration) *ExpireClock {
	return &ExpireClock{store: store, interval: interval, stopCh: make(chan struct{})}
}

// Start begins the sweep loop in a background goroutine.
func (c *ExpireClock) Start() {
	go c.run()
}

// Stop ends the sweep loop.
func (c *ExpireClock) Stop() {
	close(c.stopCh)
}

func (c *ExpireClock) run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger := log.WithCache(c.store.name)
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			for partID, part := range c.store.partitions {
				primary := c.store.isPrimary(partID)
				isReplicated := c.store.cfg.Mode == types.ModeReplicated
				if !primary && !isReplicated {
					continue
				}
				part.expireSweep(now, func(e *types.Entry) {
					logger.Debug().Bytes("key", e.Key).Msg("entry expired")
					c.store.emit(types.CacheEvent{Type: types.EventExpired, CacheName: c.store.name, Key: e.Key, OldValue: e.Value, Version: e.Version, Primary: primary})
				})
			}
		case <-c.stopCh:
			return
		}
	}
}
