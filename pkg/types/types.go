// Package types holds the core data model shared by every subsystem of the
// grid: affinity, partitioning, the cache store, the write path, continuous
// queries and the service orchestrator all exchange these shapes rather than
// reaching into each other's internals.
package types

import (
	"bytes"
	"fmt"
	"time"
)

// Key is an opaque, hashable, comparable byte sequence. It is used as a map
// key via its String() form so cache stores can keep it in plain Go maps.
type Key []byte

// String returns a stable, comparable representation suitable for map keys.
func (k Key) String() string {
	return string(k)
}

// Equal reports whether two keys carry the same bytes.
func (k Key) Equal(other Key) bool {
	return bytes.Equal(k, other)
}

// Value is an opaque byte sequence. A nil Value represents an absent entry.
type Value []byte

// Version is the totally-ordered tuple used as last-writer-wins tiebreaker
// for ATOMIC caches and as the rebalance "newer wins" comparator.
//
// Invariant: within a partition, no two live entries for the same key carry
// versions that compare equal without being identical — Compare is a total
// order over (Topology, Order, NodeOrder).
type Version struct {
	Topology uint64 // topology version at which the write was accepted
	Order    uint64 // monotonic counter at the accepting primary
	NodeOrder uint32 // tie-break: join order of the accepting node
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater than o.
func (v Version) Compare(o Version) int {
	switch {
	case v.Topology != o.Topology:
		return cmpUint64(v.Topology, o.Topology)
	case v.Order != o.Order:
		return cmpUint64(v.Order, o.Order)
	default:
		return cmpUint32(v.NodeOrder, o.NodeOrder)
	}
}

// Dominates reports whether v strictly dominates o (v > o).
func (v Version) Dominates(o Version) bool {
	return v.Compare(o) > 0
}

func (v Version) String() string {
	return fmt.Sprintf("(T=%d,ord=%d,node=%d)", v.Topology, v.Order, v.NodeOrder)
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpUint32(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// EntryFlags are bit flags carried on an Entry.
type EntryFlags uint32

const (
	// FlagInternal marks an entry belonging to the internal keyspace (system
	// cache bookkeeping), visible only to internal continuous queries.
	FlagInternal EntryFlags = 1 << iota
	// FlagDual marks a write-through ("DUAL") entry. The cache's LRU policy
	// does not consult it; only its Exclude predicate protects keys.
	FlagDual
)

// Has reports whether f contains flag.
func (f EntryFlags) Has(flag EntryFlags) bool { return f&flag != 0 }

// Entry is the unit of storage in a Cache Store partition.
type Entry struct {
	Key       Key
	Value     Value // nil Value represents an absent/removed entry
	Version   Version
	ExpireAt  time.Time // zero means no expiry
	Flags     EntryFlags
}

// HasExpiry reports whether the entry carries a TTL.
func (e *Entry) HasExpiry() bool { return !e.ExpireAt.IsZero() }

// Expired reports whether the entry's TTL has elapsed as of now.
func (e *Entry) Expired(now time.Time) bool {
	return e.HasExpiry() && !now.Before(e.ExpireAt)
}

// PartitionState is a node's local view of its relationship to a partition.
type PartitionState int

const (
	// StateMoving: assigned at T, full data not yet received.
	StateMoving PartitionState = iota
	// StateOwning: authoritative local copy.
	StateOwning
	// StateRenting: serving reads until successors reach OWNING; no new
	// primary writes accepted.
	StateRenting
	// StateEvicted: storage released.
	StateEvicted
)

func (s PartitionState) String() string {
	switch s {
	case StateMoving:
		return "MOVING"
	case StateOwning:
		return "OWNING"
	case StateRenting:
		return "RENTING"
	case StateEvicted:
		return "EVICTED"
	default:
		return "UNKNOWN"
	}
}

// CacheMode distinguishes partitioned caches (data sharded across nodes)
// from replicated caches (every node holds a full copy, used by the System
// Cache).
type CacheMode int

const (
	ModePartitioned CacheMode = iota
	ModeReplicated
)

// AtomicityMode selects the write path's isolation behavior.
type AtomicityMode string

const (
	Atomic        AtomicityMode = "ATOMIC"
	Transactional AtomicityMode = "TRANSACTIONAL"
)

// WriteSyncMode selects how a primary waits on its backups before acking.
type WriteSyncMode string

const (
	FullSync    WriteSyncMode = "FULL_SYNC"
	PrimarySync WriteSyncMode = "PRIMARY_SYNC"
	FullAsync   WriteSyncMode = "FULL_ASYNC"
)

// RebalanceMode selects how the Partition State Machine moves data on
// topology change.
type RebalanceMode string

const (
	RebalanceSync  RebalanceMode = "SYNC"
	RebalanceAsync RebalanceMode = "ASYNC"
	RebalanceNone  RebalanceMode = "NONE"
)

// NodeInfo is a cluster member as seen by the Topology View.
type NodeInfo struct {
	NodeID     string
	Address    string
	Attributes map[string]string
	// Order is the monotonic join order of this node; the node with the
	// smallest Order among the live set at a topology version is "the
	// oldest node" used for deterministic single-owner computations. The
	// Service Orchestrator's assignment algorithm is its only user; no
	// transaction recovery coordination uses it.
	Order uint64
}

// EventType enumerates the kinds of cache mutation events the Continuous
// Query Manager fans out.
type EventType string

const (
	EventCreated EventType = "CREATED"
	EventUpdated EventType = "UPDATED"
	EventRemoved EventType = "REMOVED"
	EventExpired EventType = "EXPIRED"
)

// DeployInfo carries peer class loading metadata on a CacheEvent. Per the
// code-distribution policy (spec §9 Design Notes, option (a): pre-deploy
// everywhere), this implementation never populates it — the field exists
// only so the wire shape stays compatible with a future (b)/(c) policy.
type DeployInfo struct {
	ClassName string
	Bytes     []byte
}

// CacheEvent is the event raised by a mutation on a Cache Store entry and
// consumed by the Continuous Query Manager.
type CacheEvent struct {
	Type      EventType
	CacheName string
	Key       Key
	NewValue  Value
	OldValue  Value
	Version   Version
	Deploy    *DeployInfo

	// Mode and Primary are the cache's replication mode and whether the
	// emitting node was primary for Key's partition when the mutation
	// applied — the Continuous Query Manager's step-3 REPLICATED/primary
	// gating (spec §4.6) needs both, and only the Cache Store knows them
	// at emit time.
	Mode    CacheMode
	Primary bool
	// Flags carries the entry's EntryFlags, notably FlagInternal, so the
	// Continuous Query Manager can select its internal-vs-user listener
	// set (spec §4.6 step 2) without consulting the store again.
	Flags EntryFlags
}

// ServiceDeployment is a user-submitted service spec for the Service
// Orchestrator.
type ServiceDeployment struct {
	Name          string
	ServiceBytes  []byte
	NodeFilter    map[string]string // matched against NodeInfo.Attributes
	TotalCount    int
	PerNodeCount  int
	CacheName     string // set for key-affinity singletons
	AffinityKey   Key
}

// Valid checks the ServiceDeployment invariant from the data model section:
// TotalCount >= 0, PerNodeCount >= 0, and at least one of them is positive.
func (d *ServiceDeployment) Valid() error {
	if d.TotalCount < 0 || d.PerNodeCount < 0 {
		return fmt.Errorf("types: negative count in deployment %q", d.Name)
	}
	if d.TotalCount == 0 && d.PerNodeCount == 0 {
		return fmt.Errorf("types: deployment %q must set TotalCount or PerNodeCount", d.Name)
	}
	return nil
}

// ServiceAssignment is the computed placement of a deployment's instances
// across live nodes at a topology version, persisted in the System Cache.
type ServiceAssignment struct {
	Name     string
	Topology uint64
	Counts   map[string]int // NodeID -> instance count
}

// DeploymentRecord is the System-Cache-resident wire shape of a
// ServiceDeployment, versioned so concurrent redeploy attempts can be
// resolved deterministically.
type DeploymentRecord struct {
	Deployment ServiceDeployment
	Version    uint64
}

// AssignmentRecord is the System-Cache-resident wire shape of a
// ServiceAssignment.
type AssignmentRecord struct {
	Assignment ServiceAssignment
	Version    uint64
}
