// Package cache implements the Cache Store (spec §4.4): the per-node,
// per-partition map that backs every cache's get/put/remove contract,
// plus the optional LRU eviction policy and off-heap tier.
//
// A Store holds one partition map per partition id; callers address
// operations by key, and the Store routes to the owning partition's
// map internally. Ownership (which partitions are OWNING/MOVING/
// RENTING/EVICTED on this node) is tracked by pkg/partition, not here —
// this package only refuses writes on partitions its Ownership gate
// reports as not readable.
package cache

import (
	"sync"
	"time"

	"github.com/latticedb/lattice/pkg/types"
)

// PeekMode selects which tier(s) peek inspects.
type PeekMode int

const (
	PeekInMemory PeekMode = 1 << iota
	PeekOffheap
)

// partition is one partition's in-memory entry map plus its per-key
// lock table (used under TRANSACTIONAL atomicity and by lock/unlock).
type partition struct {
	mu      sync.RWMutex
	entries map[string]*types.Entry

	lockMu sync.Mutex
	locks  map[string]chan struct{} // held lock's release channel, nil entry means free-but-tracked

	lru *lruPolicy
}

func newPartition(lru *lruPolicy) *partition {
	return &partition{
		entries: make(map[string]*types.Entry),
		locks:   make(map[string]chan struct{}),
		lru:     lru,
	}
}

func (p *partition) get(key types.Key, now time.Time) (*types.Entry, bool) {
	p.mu.RLock()
	e, ok := p.entries[key.String()]
	p.mu.RUnlock()

	if !ok || e.Value == nil {
		return nil, false
	}
	if e.Expired(now) {
		return nil, false
	}
	if p.lru != nil {
		p.lru.touch(key.String())
	}
	return e, true
}

// put installs newEntry unconditionally and returns the entry it
// replaced, if any (nil if the key was absent or tombstoned).
func (p *partition) put(key types.Key, newEntry *types.Entry) *types.Entry {
	p.mu.Lock()
	prev := p.entries[key.String()]
	p.entries[key.String()] = newEntry
	p.mu.Unlock()

	if p.lru != nil {
		evicted := p.lru.record(key.String(), int64(len(newEntry.Value)))
		for _, k := range evicted {
			p.mu.Lock()
			delete(p.entries, k)
			p.mu.Unlock()
		}
	}

	if prev != nil && prev.Value == nil {
		return nil
	}
	return prev
}

// remove tombstones key (rather than deleting the map entry outright)
// so a later rebalance batch with an older version can still be
// compared against it and idempotently rejected.
func (p *partition) remove(key types.Key, version types.Version) *types.Entry {
	p.mu.Lock()
	prev := p.entries[key.String()]
	p.entries[key.String()] = &types.Entry{Key: key, Value: nil, Version: version}
	p.mu.Unlock()

	if p.lru != nil {
		p.lru.forget(key.String())
	}

	if prev != nil && prev.Value == nil {
		return nil
	}
	return prev
}

func (p *partition) peek(key types.Key) (*types.Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[key.String()]
	if !ok || e.Value == nil {
		return nil, false
	}
	return e, true
}

// applyIfNewer applies entry only if its Version dominates the
// locally stored version, per the rebalance/backup-apply idempotency
// contract (spec §4.3): "entry is written only if incomingVersion >
// localVersion".
func (p *partition) applyIfNewer(entry types.Entry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	local, ok := p.entries[entry.Key.String()]
	if ok && !entry.Version.Dominates(local.Version) {
		return false
	}
	e := entry
	p.entries[entry.Key.String()] = &e
	return true
}

func (p *partition) iterate(fn func(e *types.Entry) error) error {
	p.mu.RLock()
	snapshot := make([]*types.Entry, 0, len(p.entries))
	for _, e := range p.entries {
		if e.Value != nil {
			snapshot = append(snapshot, e)
		}
	}
	p.mu.RUnlock()

	for _, e := range snapshot {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (p *partition) count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, e := range p.entries {
		if e.Value != nil {
			n++
		}
	}
	return n
}

// expireSweep removes every entry whose TTL has elapsed as of now,
// invoking onExpire for each (spec §4.4's onExpire hook). Callers
// filter beforehand on "primary or replicated" per the spec's expiry
// discipline; this method unconditionally sweeps whatever it's told.
func (p *partition) expireSweep(now time.Time, onExpire func(e *types.Entry)) {
	p.mu.Lock()
	var expired []*types.Entry
	for k, e := range p.entries {
		if e.Value != nil && e.Expired(now) {
			expired = append(expired, e)
			p.entries[k] = &types.Entry{Key: e.Key, Value: nil, Version: e.Version}
		}
	}
	p.mu.Unlock()

	for _, e := range expired {
		onExpire(e)
	}
}
