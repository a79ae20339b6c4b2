// Package cq implements the Continuous Query Manager (spec §4.6):
// registering local and remote interest in a cache's mutations,
// filtering and fanning them out with at-least-once, per-origin-FIFO
// delivery over an ordered topic, and deduping retransmits on receipt.
package cq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/latticedb/lattice/pkg/log"
	"github.com/latticedb/lattice/pkg/metrics"
	"github.com/latticedb/lattice/pkg/topology"
	"github.com/latticedb/lattice/pkg/transport"
	"github.com/latticedb/lattice/pkg/types"
	"github.com/latticedb/lattice/pkg/wire"
)

// LocalListener is invoked with the filtered event, synchronously in
// the mutating thread when the handler's home node is the node the
// mutation occurred on, or on the manager's receive path when
// delivered from a remote origin.
type LocalListener func(types.CacheEvent)

// defaultTopicBufferSize bounds the per-destination outbound queue
// used when a handler's own BufferSize is unset.
const defaultTopicBufferSize = 1024

// Flags bundles the Handler tuple's per-routine behavior switches
// (spec §3: {internal, oldValRequired, sync, entryListener,
// skipPrimaryCheck}).
type Flags struct {
	// Internal selects the internal listener set: only handlers with
	// Internal set see events raised on internal-keyspace entries
	// (spec §4.6 step 2, §4.8).
	Internal bool
	// OldValRequired keeps OldValue on delivered events; false nulls it
	// before dispatch (spec §4.6 step 3).
	OldValRequired bool
	// Sync blocks the originating write until a remote handler
	// acknowledges the event, used for CacheEntryListener semantics
	// (spec §4.6 Delivery guarantees, Open Question #2). For a local
	// handler, which already runs synchronously in the mutating thread,
	// it only makes the handler bypass TimeInterval batching.
	Sync bool
	// EntryListener marks a routine installed via RegisterEntryListener
	// rather than ExecuteQuery, for onExecution/onUnregister bookkeeping
	// and metrics labeling.
	EntryListener bool
	// SkipPrimaryCheck bypasses the REPLICATED/primary gate in step 3,
	// so the handler sees every node's view of a REPLICATED cache
	// rather than only the primary's.
	SkipPrimaryCheck bool
}

func (f Flags) encode() uint8 {
	var b uint8
	if f.Internal {
		b |= wire.CQFlagInternal
	}
	if f.OldValRequired {
		b |= wire.CQFlagOldValRequired
	}
	if f.Sync {
		b |= wire.CQFlagSync
	}
	if f.EntryListener {
		b |= wire.CQFlagEntryListener
	}
	if f.SkipPrimaryCheck {
		b |= wire.CQFlagSkipPrimaryCheck
	}
	return b
}

func decodeFlags(b uint8) Flags {
	return Flags{
		Internal:         b&wire.CQFlagInternal != 0,
		OldValRequired:   b&wire.CQFlagOldValRequired != 0,
		Sync:             b&wire.CQFlagSync != 0,
		EntryListener:    b&wire.CQFlagEntryListener != 0,
		SkipPrimaryCheck: b&wire.CQFlagSkipPrimaryCheck != 0,
	}
}

// QueryOptions bundles a handler's delivery and visibility knobs (spec
// §3's Handler tuple) beyond its cache, filter and listener.
type QueryOptions struct {
	BufferSize      int
	TimeInterval    time.Duration // continuousQuery.timeInterval (spec §6); 0 dispatches every event immediately
	AutoUnsubscribe bool
	Flags           Flags
}

type handler struct {
	routineID       string
	cacheName       string
	filter          Filter
	homeNodeID      string
	local           LocalListener // non-nil only when homeNodeID == this node
	bufferSize      int
	timeInterval    time.Duration
	autoUnsubscribe bool
	flags           Flags
	registeredAt    uint64 // T: topology version this routine registered at (spec §6)
	seq             uint64 // this node's per-routine monotonic sequence, used when this node evaluates the filter

	batchMu   sync.Mutex
	batch     []types.CacheEvent
	batchStop chan struct{}
}

// startBatching launches the periodic flush goroutine for a handler
// with timeInterval > 0. Called once, when the handler is installed.
func (m *Manager) startBatching(h *handler) {
	if h.timeInterval <= 0 {
		return
	}
	h.batchStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(h.timeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.flush(h)
			case <-h.batchStop:
				return
			}
		}
	}()
}

// flush delivers every event buffered for h since the last flush, in
// arrival order, then clears the buffer. Called on the handler's own
// ticker, and once more from Cancel so a handler's final batch is not
// silently dropped.
func (m *Manager) flush(h *handler) {
	h.batchMu.Lock()
	pending := h.batch
	h.batch = nil
	h.batchMu.Unlock()
	for _, ev := range pending {
		m.deliver(h, ev)
	}
}

// Manager is the Continuous Query Manager for one node. It implements
// cache.EventSink so a Store's mutations reach it directly, evaluates
// every handler registered for that cache, and either invokes the
// local listener synchronously or fans the event out toward the
// handler's home node.
type Manager struct {
	nodeID string
	sender transport.Sender
	topo   *topology.Manager // optional; nil stamps T=0 on new registrations (e.g. tests)

	mu       sync.Mutex
	handlers map[string]*handler // routineID -> handler
	byCache  map[string][]string // cacheName -> []routineID
	topics   map[string]transport.Topic

	recv *dedupeTracker
}

// New creates a Manager for nodeID, using sender to reach remote
// handlers' home nodes and to register/cancel routines on remote
// target nodes. topo, if non-nil, supplies the topology version
// stamped on registrations and the live node set ExecuteInternalQuery
// fans out to; pass nil in tests that don't exercise either.
func New(nodeID string, sender transport.Sender, topo *topology.Manager) *Manager {
	return &Manager{
		nodeID:   nodeID,
		sender:   sender,
		topo:     topo,
		handlers: make(map[string]*handler),
		byCache:  make(map[string][]string),
		topics:   make(map[string]transport.Topic),
		recv:     newDedupeTracker(),
	}
}

func (m *Manager) currentTopology() uint64 {
	if m.topo == nil {
		return 0
	}
	return m.topo.Current().Version
}

func (m *Manager) clusterNodeIDs() []string {
	if m.topo == nil {
		return nil
	}
	view := m.topo.Current()
	ids := make([]string, 0, len(view.Nodes))
	for _, n := range view.Nodes {
		if n.NodeID == m.nodeID {
			continue
		}
		ids = append(ids, n.NodeID)
	}
	return ids
}

// ExecuteQuery registers a routine whose local listener lives on this
// node (spec §4.6 "executeQuery"), installing a matching handler on
// every node in targetNodes so their mutations are evaluated and
// routed back here. Returns the routine id used for Cancel.
func (m *Manager) ExecuteQuery(ctx context.Context, cacheName string, filter Filter, local LocalListener, opts QueryOptions, targetNodes []string) (string, error) {
	return m.executeQuery(ctx, cacheName, filter, local, opts, targetNodes)
}

// ExecuteInternalQuery registers a routine against the internal
// listener set (spec §4.6 "executeInternalQuery"): it only observes
// events raised on internal-keyspace entries (e.g. the System Cache,
// spec §4.8), never user cache mutations. With localOnly, no remote
// handlers are installed; otherwise a handler is installed on every
// other node currently in the topology, which is what §4.8 calls
// "route registration when handlers live off-node".
func (m *Manager) ExecuteInternalQuery(ctx context.Context, cacheName string, filter Filter, local LocalListener, localOnly bool) (string, error) {
	opts := QueryOptions{
		BufferSize:      defaultTopicBufferSize,
		AutoUnsubscribe: true,
		Flags:           Flags{Internal: true},
	}
	var targets []string
	if !localOnly {
		targets = m.clusterNodeIDs()
	}
	return m.executeQuery(ctx, cacheName, filter, local, opts, targets)
}

// RegisterEntryListener attaches a JCache-style entry listener (spec
// §4.6 "registerEntryListener"): the local part is invoked in the
// thread that applied the mutation; the remote part is installed on
// every node in targetNodes and filters on the node where the mutation
// occurred. sync requests the blocking-ack delivery guarantee used for
// CacheEntryListener semantics.
func (m *Manager) RegisterEntryListener(ctx context.Context, cacheName string, filter Filter, local LocalListener, sync bool, targetNodes []string) (string, error) {
	opts := QueryOptions{
		BufferSize:      defaultTopicBufferSize,
		AutoUnsubscribe: true,
		Flags:           Flags{EntryListener: true, OldValRequired: true, Sync: sync},
	}
	return m.executeQuery(ctx, cacheName, filter, local, opts, targetNodes)
}

func (m *Manager) executeQuery(ctx context.Context, cacheName string, filter Filter, local LocalListener, opts QueryOptions, targetNodes []string) (string, error) {
	if filter == nil {
		filter = AlwaysTrue()
	}
	routineID := uuid.NewString()
	topologyVersion := m.currentTopology()

	// The home record is always installed here, regardless of whether
	// this node also evaluates the filter: it is what lets a later
	// HandleContinuousQueryEvent find the local listener to invoke.
	home := &handler{
		routineID:       routineID,
		cacheName:       cacheName,
		filter:          filter,
		homeNodeID:      m.nodeID,
		local:           local,
		bufferSize:      opts.BufferSize,
		timeInterval:    opts.TimeInterval,
		autoUnsubscribe: opts.AutoUnsubscribe,
		flags:           opts.Flags,
		registeredAt:    topologyVersion,
	}
	m.mu.Lock()
	m.handlers[routineID] = home
	m.mu.Unlock()
	m.startBatching(home)
	metrics.CQRoutinesActive.Inc()

	evaluatesLocally := len(targetNodes) == 0
	for _, nodeID := range targetNodes {
		if nodeID == m.nodeID {
			evaluatesLocally = true
			continue
		}
		req := wire.ContinuousQueryRegister{
			RoutineID:       routineID,
			CacheName:       cacheName,
			OriginNodeID:    m.nodeID,
			FilterKind:      filter.Kind(),
			FilterArgs:      filter.Args(),
			BufferSize:      opts.BufferSize,
			TimeInterval:    opts.TimeInterval,
			AutoUnsubscribe: opts.AutoUnsubscribe,
			Flags:           opts.Flags.encode(),
			Topology:        topologyVersion,
		}
		if _, err := m.sender.Send(ctx, nodeID, wire.TypeContinuousQueryRegister, req); err != nil {
			return routineID, fmt.Errorf("cq: register on %s: %w", nodeID, err)
		}
	}

	if evaluatesLocally {
		m.mu.Lock()
		m.byCache[cacheName] = append(m.byCache[cacheName], routineID)
		m.mu.Unlock()
	}

	return routineID, nil
}

// RegisterRemote installs a handler on behalf of a ContinuousQueryRegister
// received from a peer, whose home node is the sender (spec §4.6).
func (m *Manager) RegisterRemote(req wire.ContinuousQueryRegister) {
	m.install(&handler{
		routineID:       req.RoutineID,
		cacheName:       req.CacheName,
		filter:          DecodeFilter(req.FilterKind, req.FilterArgs),
		homeNodeID:      req.OriginNodeID,
		bufferSize:      req.BufferSize,
		timeInterval:    req.TimeInterval,
		autoUnsubscribe: req.AutoUnsubscribe,
		flags:           decodeFlags(req.Flags),
		registeredAt:    req.Topology,
	})
}

func (m *Manager) install(h *handler) {
	m.mu.Lock()
	m.handlers[h.routineID] = h
	m.byCache[h.cacheName] = append(m.byCache[h.cacheName], h.routineID)
	m.mu.Unlock()
	m.startBatching(h)
	metrics.CQRoutinesActive.Inc()
}

// Cancel removes routineID's handler from this node. Distributed
// cancellation across every node it was installed on is the caller's
// responsibility (pkg/grid fans ContinuousQueryCancel out to the same
// targetNodes ExecuteQuery used).
func (m *Manager) Cancel(routineID string) {
	m.mu.Lock()
	h, ok := m.handlers[routineID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.handlers, routineID)
	ids := m.byCache[h.cacheName]
	for i, id := range ids {
		if id == routineID {
			m.byCache[h.cacheName] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	metrics.CQRoutinesActive.Dec()

	if h.batchStop != nil {
		close(h.batchStop)
		m.flush(h) // deliver whatever accumulated since the last tick rather than drop it
	}
}

// CancelEntryListener is the entry-listener-specific name for Cancel
// (spec §4.6 "cancelEntryListener"); entry listeners and ordinary
// routines are cancelled through the same path.
func (m *Manager) CancelEntryListener(routineID string) {
	m.Cancel(routineID)
}

// HandleCancel is the receive-side counterpart to Cancel, invoked from
// a Listener handler when a ContinuousQueryCancel arrives.
func (m *Manager) HandleCancel(req wire.ContinuousQueryCancel) wire.Ack {
	m.Cancel(req.RoutineID)
	return wire.Ack{OK: true}
}

// OnEntryEvent implements cache.EventSink: it is called once per
// applied mutation, in apply order, and evaluates every handler
// registered for that event's cache (spec §4.6 Event path).
func (m *Manager) OnEntryEvent(ev types.CacheEvent) {
	internal := ev.Flags.Has(types.FlagInternal)

	m.mu.Lock()
	ids := append([]string(nil), m.byCache[ev.CacheName]...)
	m.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	for _, id := range ids {
		m.mu.Lock()
		h, ok := m.handlers[id]
		m.mu.Unlock()
		if !ok {
			continue
		}

		// Step 2: internal events are visible only to internal
		// handlers, and vice versa.
		if h.flags.Internal != internal {
			continue
		}

		// Step 3a: REPLICATED cache, not primary, no skip requested.
		if ev.Mode == types.ModeReplicated && !h.flags.SkipPrimaryCheck && !ev.Primary {
			continue
		}

		// Step 3b: evaluate the remote filter read-only.
		if h.filter != nil && !h.filter.Evaluate(ev) {
			continue
		}

		// Step 3c: null the old value unless the handler asked for it.
		out := ev
		if !h.flags.OldValRequired {
			out.OldValue = nil
		}

		m.dispatch(h, out)
	}
}

// dispatch routes a matched event to h, either immediately
// (timeInterval == 0, the default, or any sync handler, which must
// never defer past the originating write) or by appending it to h's
// batch buffer for the next periodic flush.
func (m *Manager) dispatch(h *handler, ev types.CacheEvent) {
	if h.flags.Sync || h.timeInterval <= 0 {
		m.deliver(h, ev)
		return
	}
	h.batchMu.Lock()
	h.batch = append(h.batch, ev)
	h.batchMu.Unlock()
}

// deliver is the immediate-dispatch path shared by dispatch's
// timeInterval==0/sync case and flush's batched replay.
func (m *Manager) deliver(h *handler, ev types.CacheEvent) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CQDispatchLag, h.cacheName)

	if h.homeNodeID == m.nodeID {
		h.local(ev)
		return
	}

	seq := atomic.AddUint64(&h.seq, 1)
	msg := wire.ContinuousQueryEvent{RoutineID: h.routineID, OriginNodeID: m.nodeID, Seq: seq, Event: ev}

	if h.flags.Sync {
		// Synchronous handlers block the originating write until the
		// remote invocation acknowledges (spec §4.6 Delivery
		// guarantees, Open Question #2): send directly and wait for the
		// ack rather than queue on the async topic.
		if _, err := m.sender.Send(context.Background(), h.homeNodeID, wire.TypeContinuousQueryEvent, msg); err != nil {
			log.WithComponent("cq").Warn().Err(err).Str("routine_id", h.routineID).Msg("synchronous continuous query dispatch failed")
			metrics.CQEventsDroppedTotal.WithLabelValues(h.cacheName).Inc()
		}
		return
	}

	topic := m.topicFor(h.homeNodeID)
	if err := topic.Publish(context.Background(), msg); err != nil {
		log.WithComponent("cq").Warn().Err(err).Str("routine_id", h.routineID).Msg("failed to enqueue continuous query event")
		metrics.CQEventsDroppedTotal.WithLabelValues(h.cacheName).Inc()
	}
}

func (m *Manager) topicFor(nodeID string) transport.Topic {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.topics[nodeID]; ok {
		return t
	}
	dest := nodeID
	t := transport.NewInMemoryTopic(m.nodeID, defaultTopicBufferSize, func(msg interface{}) error {
		var err error
		for attempt := 0; attempt < 5; attempt++ {
			if _, err = m.sender.Send(context.Background(), dest, wire.TypeContinuousQueryEvent, msg); err == nil {
				return nil
			}
			time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
		}
		return err
	}, func(_ string, err error) {
		log.WithComponent("cq").Warn().Err(err).Str("node_id", dest).Msg("continuous query event delivery failed")
	})
	m.topics[nodeID] = t
	return t
}

// HandleContinuousQueryEvent is the receive-side handler invoked when
// a ContinuousQueryEvent arrives at a handler's home node: it dedupes
// by (OriginNodeID, RoutineID, Seq) and, if new, invokes the local
// listener.
func (m *Manager) HandleContinuousQueryEvent(msg wire.ContinuousQueryEvent) wire.Ack {
	if !m.recv.accept(msg.OriginNodeID, msg.RoutineID, msg.Seq) {
		return wire.Ack{OK: true} // already delivered; ack the retransmit so the sender stops retrying
	}

	m.mu.Lock()
	h, ok := m.handlers[msg.RoutineID]
	m.mu.Unlock()
	if !ok || h.local == nil {
		return wire.Ack{OK: false, Err: "cq: unknown routine"}
	}
	h.local(msg.Event)
	return wire.Ack{OK: true}
}

// Close shuts down every outbound topic this manager opened.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.topics {
		_ = t.Close()
	}
}
