package cache

import (
	"container/list"
	"sync"

	"github.com/latticedb/lattice/pkg/types"
)

// EvictionConfig configures a Store's optional per-block LRU policy
// (spec §4.4 Eviction). MaxBlocks and MaxBytes are independent
// thresholds; either alone (or both) may be enabled. Exclude predicate
// entries are never evicted regardless of threshold pressure.
type EvictionConfig struct {
	MaxBlocks int
	MaxBytes  int64
	Exclude   func(key types.Key) bool
}

// Enabled reports whether this config turns eviction on at all.
func (c EvictionConfig) Enabled() bool {
	return c.MaxBlocks > 0 || c.MaxBytes > 0
}

// lruPolicy tracks recency order for one partition's eviction
// decisions, striped by the caller (one lruPolicy per partition) to
// keep contention local to a partition per spec's "fixed-count
// stripes keyed by partition id".
type lruPolicy struct {
	cfg EvictionConfig

	mu       sync.Mutex
	order    *list.List               // front = most recently used
	elements map[string]*list.Element // key -> its list element
	sizes    map[string]int64
	curBytes int64
}

type lruNode struct {
	key string
}

func newLRUPolicy(cfg EvictionConfig) *lruPolicy {
	return &lruPolicy{
		cfg:      cfg,
		order:    list.New(),
		elements: make(map[string]*list.Element),
		sizes:    make(map[string]int64),
	}
}

// touch repositions key to the front on access (a cache hit).
func (l *lruPolicy) touch(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.elements[key]; ok {
		l.order.MoveToFront(el)
	}
}

// record accounts for an insert/update of key with byte size sizeBytes,
// prepending it as most-recently-used, then evicts from the tail
// until both thresholds are satisfied. Entries for which cfg.Exclude
// returns true are tracked (so touch/record stay consistent) but are
// skipped when scanning the tail for a victim.
func (l *lruPolicy) record(key string, sizeBytes int64) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.curBytes -= l.sizes[key]
	l.sizes[key] = sizeBytes
	l.curBytes += sizeBytes

	if el, ok := l.elements[key]; ok {
		l.order.MoveToFront(el)
	} else {
		el := l.order.PushFront(&lruNode{key: key})
		l.elements[key] = el
	}

	var evicted []string
	if !l.cfg.Enabled() {
		return evicted
	}

	for l.overThreshold() {
		victimEl := l.findVictim()
		if victimEl == nil {
			break // everything remaining is excluded from eviction
		}
		node := victimEl.Value.(*lruNode)
		l.order.Remove(victimEl)
		l.curBytes -= l.sizes[node.key]
		delete(l.elements, node.key)
		delete(l.sizes, node.key)
		evicted = append(evicted, node.key)
	}
	return evicted
}

func (l *lruPolicy) overThreshold() bool {
	if l.cfg.MaxBlocks > 0 && l.order.Len() > l.cfg.MaxBlocks {
		return true
	}
	if l.cfg.MaxBytes > 0 && l.curBytes > l.cfg.MaxBytes {
		return true
	}
	return false
}

// findVictim walks from the tail (least recently used) looking for
// the first non-excluded key. The exclusion check needs the original
// key bytes, which the caller must supply via a key-reconstructible
// string — Key.String() round-trips for this purpose since Key is
// just a byte slice.
func (l *lruPolicy) findVictim() *list.Element {
	for el := l.order.Back(); el != nil; el = el.Prev() {
		node := el.Value.(*lruNode)
		if l.cfg.Exclude != nil && l.cfg.Exclude(types.Key(node.key)) {
			continue
		}
		return el
	}
	return nil
}

// forget drops key from the recency tracking, used when remove()
// tombstones an entry outright rather than waiting for eviction.
func (l *lruPolicy) forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.elements[key]; ok {
		l.order.Remove(el)
		l.curBytes -= l.sizes[key]
		delete(l.elements, key)
		delete(l.sizes, key)
	}
}
