package wire

import (
	"time"

	"github.com/latticedb/lattice/pkg/types"
)

// Type ids for every message named in spec §6. Stable once assigned;
// never reused even if a message type is later retired.
const (
	TypeCacheWriteReq          uint16 = 1
	TypeCacheWriteAck          uint16 = 2
	TypeBackupReq              uint16 = 3
	TypeBackupAck              uint16 = 4
	TypeRebalanceBatch         uint16 = 5
	TypeRebalanceAck           uint16 = 6
	TypeContinuousQueryEvent   uint16 = 7
	TypeContinuousQueryRegister uint16 = 8
	TypeContinuousQueryAck     uint16 = 9
	TypeServiceDeploy          uint16 = 10
	TypeServiceDeployAck       uint16 = 11
	TypeServiceAssign          uint16 = 12
	TypeServiceAssignAck       uint16 = 13
	TypeContinuousQueryCancel  uint16 = 14
)

// DefaultRegistry is pre-populated with every message type the grid
// exchanges over the wire. Components needing the codec use this
// rather than building their own registry.
var DefaultRegistry = buildDefaultRegistry()

func buildDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypeCacheWriteReq, 1, encodeCacheWriteReq, decodeCacheWriteReq)
	r.Register(TypeCacheWriteAck, 1, encodeAck, decodeAck)
	r.Register(TypeBackupReq, 1, encodeBackupReq, decodeBackupReq)
	r.Register(TypeBackupAck, 1, encodeAck, decodeAck)
	r.Register(TypeRebalanceBatch, 1, encodeRebalanceBatch, decodeRebalanceBatch)
	r.Register(TypeRebalanceAck, 1, encodeAck, decodeAck)
	r.Register(TypeContinuousQueryEvent, 1, encodeCQEvent, decodeCQEvent)
	r.Register(TypeContinuousQueryRegister, 3, encodeCQRegister, decodeCQRegister)
	r.Register(TypeContinuousQueryAck, 1, encodeAck, decodeAck)
	r.Register(TypeServiceDeploy, 1, encodeServiceDeploy, decodeServiceDeploy)
	r.Register(TypeServiceDeployAck, 1, encodeAck, decodeAck)
	r.Register(TypeServiceAssign, 1, encodeServiceAssign, decodeServiceAssign)
	r.Register(TypeServiceAssignAck, 1, encodeAck, decodeAck)
	r.Register(TypeContinuousQueryCancel, 1, encodeCQCancel, decodeCQCancel)
	return r
}

// --- Ack, shared by every request type ---

// Ack is the common acknowledgement shape for every request message:
// success plus an optional error string (the wire never carries Go
// error values, only their text).
type Ack struct {
	OK      bool
	Err     string
	Version types.Version
}

func encodeAck(buf []byte, msg interface{}) []byte {
	a := msg.(Ack)
	buf = putBool(buf, a.OK)
	buf = putString(buf, a.Err)
	buf = putVersion(buf, a.Version)
	return buf
}

func decodeAck(buf []byte) (interface{}, int, error) {
	var off int
	ok, n := getBool(buf[off:])
	off += n
	errStr, n := getString(buf[off:])
	off += n
	ver, n := getVersion(buf[off:])
	off += n
	return Ack{OK: ok, Err: errStr, Version: ver}, off, nil
}

// --- CacheWriteReq ---

// CacheWriteReq carries one write (put or remove-via-nil-value) from a
// client or a peer routing a request to the primary, per spec §4.6's
// Write Path.
type CacheWriteReq struct {
	CacheName   string
	Key         types.Key
	Value       types.Value // nil means remove
	SyncMode    types.WriteSyncMode
	Atomicity   types.AtomicityMode
	TxnID       string // set only under TRANSACTIONAL atomicity
	ExpireAt    time.Time
}

func encodeCacheWriteReq(buf []byte, msg interface{}) []byte {
	r := msg.(CacheWriteReq)
	buf = putString(buf, r.CacheName)
	buf = putBytes(buf, r.Key)
	buf = putBytes(buf, r.Value)
	buf = putString(buf, string(r.SyncMode))
	buf = putString(buf, string(r.Atomicity))
	buf = putString(buf, r.TxnID)
	buf = putTime(buf, r.ExpireAt)
	return buf
}

func decodeCacheWriteReq(buf []byte) (interface{}, int, error) {
	var off int
	cacheName, n := getString(buf[off:])
	off += n
	key, n := getBytes(buf[off:])
	off += n
	value, n := getBytes(buf[off:])
	off += n
	syncMode, n := getString(buf[off:])
	off += n
	atomicity, n := getString(buf[off:])
	off += n
	txnID, n := getString(buf[off:])
	off += n
	expireAt, n := getTime(buf[off:])
	off += n

	var value2 types.Value
	if len(value) > 0 {
		value2 = value
	}
	return CacheWriteReq{
		CacheName: cacheName,
		Key:       types.Key(key),
		Value:     value2,
		SyncMode:  types.WriteSyncMode(syncMode),
		Atomicity: types.AtomicityMode(atomicity),
		TxnID:     txnID,
		ExpireAt:  expireAt,
	}, off, nil
}

// --- BackupReq ---

// BackupReq replicates a primary's accepted write to one backup, per
// spec §4.6: every backup req carries the version the primary assigned
// so a backup can apply last-writer-wins on replay.
type BackupReq struct {
	CacheName string
	Key       types.Key
	Value     types.Value
	Version   types.Version
	ExpireAt  time.Time
}

func encodeBackupReq(buf []byte, msg interface{}) []byte {
	r := msg.(BackupReq)
	buf = putString(buf, r.CacheName)
	buf = putBytes(buf, r.Key)
	buf = putBytes(buf, r.Value)
	buf = putVersion(buf, r.Version)
	buf = putTime(buf, r.ExpireAt)
	return buf
}

func decodeBackupReq(buf []byte) (interface{}, int, error) {
	var off int
	cacheName, n := getString(buf[off:])
	off += n
	key, n := getBytes(buf[off:])
	off += n
	value, n := getBytes(buf[off:])
	off += n
	ver, n := getVersion(buf[off:])
	off += n
	expireAt, n := getTime(buf[off:])
	off += n

	var value2 types.Value
	if len(value) > 0 {
		value2 = value
	}
	return BackupReq{
		CacheName: cacheName,
		Key:       types.Key(key),
		Value:     value2,
		Version:   ver,
		ExpireAt:  expireAt,
	}, off, nil
}

// --- RebalanceBatch ---

// RebalanceBatch moves a batch of entries for one partition from a
// supplier to a demander node during rebalance (spec §4.5).
type RebalanceBatch struct {
	CacheName   string
	PartitionID int
	Topology    uint64
	Entries     []types.Entry
	Last        bool // true on the final batch for this partition
}

func encodeRebalanceBatch(buf []byte, msg interface{}) []byte {
	b := msg.(RebalanceBatch)
	buf = putString(buf, b.CacheName)
	buf = putUint32(buf, uint32(b.PartitionID))
	buf = putUint64(buf, b.Topology)
	buf = putUint32(buf, uint32(len(b.Entries)))
	for _, e := range b.Entries {
		buf = putBytes(buf, e.Key)
		buf = putBytes(buf, e.Value)
		buf = putVersion(buf, e.Version)
		buf = putTime(buf, e.ExpireAt)
		buf = putUint32(buf, uint32(e.Flags))
	}
	buf = putBool(buf, b.Last)
	return buf
}

func decodeRebalanceBatch(buf []byte) (interface{}, int, error) {
	var off int
	cacheName, n := getString(buf[off:])
	off += n
	partitionID, n := getUint32(buf[off:])
	off += n
	topology, n := getUint64(buf[off:])
	off += n
	count, n := getUint32(buf[off:])
	off += n

	entries := make([]types.Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		key, n := getBytes(buf[off:])
		off += n
		value, n := getBytes(buf[off:])
		off += n
		ver, n := getVersion(buf[off:])
		off += n
		expireAt, n := getTime(buf[off:])
		off += n
		flags, n := getUint32(buf[off:])
		off += n

		var value2 types.Value
		if len(value) > 0 {
			value2 = value
		}
		entries = append(entries, types.Entry{
			Key:      types.Key(key),
			Value:    value2,
			Version:  ver,
			ExpireAt: expireAt,
			Flags:    types.EntryFlags(flags),
		})
	}
	last, n := getBool(buf[off:])
	off += n

	return RebalanceBatch{
		CacheName:   cacheName,
		PartitionID: int(partitionID),
		Topology:    topology,
		Entries:     entries,
		Last:        last,
	}, off, nil
}

// --- ContinuousQueryRegister / ContinuousQueryEvent ---

// Handler flag bits carried on ContinuousQueryRegister.Flags (spec §3's
// Handler tuple: {internal, oldValRequired, sync, entryListener,
// skipPrimaryCheck}), so a remote node installs a handler with the same
// event-path semantics as its home node.
const (
	CQFlagInternal uint8 = 1 << iota
	CQFlagOldValRequired
	CQFlagSync
	CQFlagEntryListener
	CQFlagSkipPrimaryCheck
)

// ContinuousQueryRegister registers a remote routine's interest with
// the node holding a partition's primary (spec §4.7).
type ContinuousQueryRegister struct {
	RoutineID       string
	CacheName       string
	OriginNodeID    string
	FilterKind      string // "ALWAYS_TRUE", "ANY_OF", "KEY_PREFIX", "FIELD_MATCH", "COMPILED_EXPR", "NAMED_FUNC"
	FilterArgs      []byte // filter-kind-specific encoded arguments
	BufferSize      int
	TimeInterval    time.Duration // continuousQuery.timeInterval (spec §6); 0 disables batching
	AutoUnsubscribe bool
	Flags           uint8  // bitmask of the CQFlag* constants above
	Topology        uint64 // T: topology version this routine registered at
}

func encodeCQRegister(buf []byte, msg interface{}) []byte {
	r := msg.(ContinuousQueryRegister)
	buf = putString(buf, r.RoutineID)
	buf = putString(buf, r.CacheName)
	buf = putString(buf, r.OriginNodeID)
	buf = putString(buf, r.FilterKind)
	buf = putBytes(buf, r.FilterArgs)
	buf = putUint32(buf, uint32(r.BufferSize))
	buf = putDuration(buf, r.TimeInterval)
	buf = putBool(buf, r.AutoUnsubscribe)
	buf = append(buf, r.Flags)
	buf = putUint64(buf, r.Topology)
	return buf
}

func decodeCQRegister(buf []byte) (interface{}, int, error) {
	var off int
	routineID, n := getString(buf[off:])
	off += n
	cacheName, n := getString(buf[off:])
	off += n
	originNodeID, n := getString(buf[off:])
	off += n
	filterKind, n := getString(buf[off:])
	off += n
	filterArgs, n := getBytes(buf[off:])
	off += n
	bufferSize, n := getUint32(buf[off:])
	off += n
	timeInterval, n := getDuration(buf[off:])
	off += n
	autoUnsub, n := getBool(buf[off:])
	off += n
	flags := buf[off]
	off++
	topology, n := getUint64(buf[off:])
	off += n

	return ContinuousQueryRegister{
		RoutineID:       routineID,
		CacheName:       cacheName,
		OriginNodeID:    originNodeID,
		FilterKind:      filterKind,
		FilterArgs:      filterArgs,
		BufferSize:      int(bufferSize),
		TimeInterval:    timeInterval,
		AutoUnsubscribe: autoUnsub,
		Flags:           flags,
		Topology:        topology,
	}, off, nil
}

// ContinuousQueryEvent fans one cache mutation out to a registered
// routine. Seq is per (OriginNodeID, RoutineID) and strictly
// increasing, giving the receiver its dedupe and FIFO-ordering key.
type ContinuousQueryEvent struct {
	RoutineID    string
	OriginNodeID string
	Seq          uint64
	Event        types.CacheEvent
}

func encodeCQEvent(buf []byte, msg interface{}) []byte {
	e := msg.(ContinuousQueryEvent)
	buf = putString(buf, e.RoutineID)
	buf = putString(buf, e.OriginNodeID)
	buf = putUint64(buf, e.Seq)
	buf = putString(buf, string(e.Event.Type))
	buf = putString(buf, e.Event.CacheName)
	buf = putBytes(buf, e.Event.Key)
	buf = putBytes(buf, e.Event.NewValue)
	buf = putBytes(buf, e.Event.OldValue)
	buf = putVersion(buf, e.Event.Version)
	return buf
}

func decodeCQEvent(buf []byte) (interface{}, int, error) {
	var off int
	routineID, n := getString(buf[off:])
	off += n
	originNodeID, n := getString(buf[off:])
	off += n
	seq, n := getUint64(buf[off:])
	off += n
	evType, n := getString(buf[off:])
	off += n
	cacheName, n := getString(buf[off:])
	off += n
	key, n := getBytes(buf[off:])
	off += n
	newValue, n := getBytes(buf[off:])
	off += n
	oldValue, n := getBytes(buf[off:])
	off += n
	ver, n := getVersion(buf[off:])
	off += n

	var newValue2, oldValue2 types.Value
	if len(newValue) > 0 {
		newValue2 = newValue
	}
	if len(oldValue) > 0 {
		oldValue2 = oldValue
	}

	return ContinuousQueryEvent{
		RoutineID:    routineID,
		OriginNodeID: originNodeID,
		Seq:          seq,
		Event: types.CacheEvent{
			Type:      types.EventType(evType),
			CacheName: cacheName,
			Key:       types.Key(key),
			NewValue:  newValue2,
			OldValue:  oldValue2,
			Version:   ver,
		},
	}, off, nil
}

// ContinuousQueryCancel unregisters a routine previously installed by
// a ContinuousQueryRegister, on every node it was installed on.
type ContinuousQueryCancel struct {
	RoutineID string
}

func encodeCQCancel(buf []byte, msg interface{}) []byte {
	c := msg.(ContinuousQueryCancel)
	return putString(buf, c.RoutineID)
}

func decodeCQCancel(buf []byte) (interface{}, int, error) {
	routineID, n := getString(buf)
	return ContinuousQueryCancel{RoutineID: routineID}, n, nil
}

// --- ServiceDeploy / ServiceAssign ---

// ServiceDeploy propagates a deployment record to the System Cache's
// Raft leader (spec §4.8).
type ServiceDeploy struct {
	Deployment types.ServiceDeployment
	Version    uint64
	Remove     bool // true requests deletion of Deployment.Name
}

func encodeServiceDeploy(buf []byte, msg interface{}) []byte {
	d := msg.(ServiceDeploy)
	buf = putString(buf, d.Deployment.Name)
	buf = putBytes(buf, d.Deployment.ServiceBytes)
	buf = putStringMap(buf, d.Deployment.NodeFilter)
	buf = putUint32(buf, uint32(d.Deployment.TotalCount))
	buf = putUint32(buf, uint32(d.Deployment.PerNodeCount))
	buf = putString(buf, d.Deployment.CacheName)
	buf = putBytes(buf, d.Deployment.AffinityKey)
	buf = putUint64(buf, d.Version)
	buf = putBool(buf, d.Remove)
	return buf
}

func decodeServiceDeploy(buf []byte) (interface{}, int, error) {
	var off int
	name, n := getString(buf[off:])
	off += n
	serviceBytes, n := getBytes(buf[off:])
	off += n
	nodeFilter, n := getStringMap(buf[off:])
	off += n
	totalCount, n := getUint32(buf[off:])
	off += n
	perNodeCount, n := getUint32(buf[off:])
	off += n
	cacheName, n := getString(buf[off:])
	off += n
	affinityKey, n := getBytes(buf[off:])
	off += n
	version, n := getUint64(buf[off:])
	off += n
	remove, n := getBool(buf[off:])
	off += n

	return ServiceDeploy{
		Deployment: types.ServiceDeployment{
			Name:         name,
			ServiceBytes: serviceBytes,
			NodeFilter:   nodeFilter,
			TotalCount:   int(totalCount),
			PerNodeCount: int(perNodeCount),
			CacheName:    cacheName,
			AffinityKey:  types.Key(affinityKey),
		},
		Version: version,
		Remove:  remove,
	}, off, nil
}

// ServiceAssign publishes a computed placement (spec §4.8).
type ServiceAssign struct {
	Assignment types.ServiceAssignment
	Version    uint64
}

func encodeServiceAssign(buf []byte, msg interface{}) []byte {
	a := msg.(ServiceAssign)
	buf = putString(buf, a.Assignment.Name)
	buf = putUint64(buf, a.Assignment.Topology)
	buf = putUint32(buf, uint32(len(a.Assignment.Counts)))
	for nodeID, count := range a.Assignment.Counts {
		buf = putString(buf, nodeID)
		buf = putUint32(buf, uint32(count))
	}
	buf = putUint64(buf, a.Version)
	return buf
}

func decodeServiceAssign(buf []byte) (interface{}, int, error) {
	var off int
	name, n := getString(buf[off:])
	off += n
	topology, n := getUint64(buf[off:])
	off += n
	count, n := getUint32(buf[off:])
	off += n

	counts := make(map[string]int, count)
	for i := uint32(0); i < count; i++ {
		nodeID, n := getString(buf[off:])
		off += n
		c, n := getUint32(buf[off:])
		off += n
		counts[nodeID] = int(c)
	}
	version, n := getUint64(buf[off:])
	off += n

	return ServiceAssign{
		Assignment: types.ServiceAssignment{
			Name:     name,
			Topology: topology,
			Counts:   counts,
		},
		Version: version,
	}, off, nil
}
