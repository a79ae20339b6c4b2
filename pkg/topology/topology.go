// Package topology implements the Topology View (spec §4.2): the
// grid's monotonically versioned snapshot of cluster membership. Every
// subsystem that needs to know "who is alive right now" — the
// Affinity Map, the write path's backup fan-out, the Service
// Orchestrator's assignment algorithm — reads a View rather than
// probing peers itself.
//
// Membership changes (a node joining, leaving, or being declared
// unreachable) are detected out of band — by pkg/probe's liveness
// checks and by explicit Join/Leave calls routed through the excluded
// membership-transport collaborator (spec §1) — and are applied here
// as new, strictly increasing topology versions. A View is immutable
// once published: callers that read View N never see it mutate under
// them.
package topology

import (
	"sort"
	"sync"

	"github.com/latticedb/lattice/pkg/log"
	"github.com/latticedb/lattice/pkg/types"
)

// View is an immutable snapshot of cluster membership at one version.
type View struct {
	Version uint64
	Nodes   []types.NodeInfo // sorted by NodeID for deterministic iteration
}

// NodeByID returns the node with id, if present in this view.
func (v *View) NodeByID(id string) (types.NodeInfo, bool) {
	for _, n := range v.Nodes {
		if n.NodeID == id {
			return n, true
		}
	}
	return types.NodeInfo{}, false
}

// Contains reports whether id is a live member of this view.
func (v *View) Contains(id string) bool {
	_, ok := v.NodeByID(id)
	return ok
}

// Listener is notified whenever a new View is published. Implementations
// must not block: the Manager invokes listeners synchronously while
// holding no lock, but a slow listener delays every other listener's
// delivery of that version.
type Listener func(v *View)

// Manager owns the authoritative, monotonically increasing sequence of
// Views for one node's local process.
type Manager struct {
	mu        sync.RWMutex
	current   *View
	listeners []Listener
	order     uint64 // next join order to assign
}

// NewManager creates a Manager seeded with a single-node view (self).
func NewManager(self types.NodeInfo) *Manager {
	self.Order = 0
	return &Manager{
		current: &View{Version: 1, Nodes: []types.NodeInfo{self}},
		order:   1,
	}
}

// Current returns the most recently published View.
func (m *Manager) Current() *View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe registers l to be called on every future topology change.
// It is not invoked for the view current at subscription time.
func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Join adds node to the membership and publishes a new View. If node
// is already a member, its address/attributes are updated but no new
// version is published (a no-op rejoin is not a topology change).
func (m *Manager) Join(node types.NodeInfo) *View {
	m.mu.Lock()

	for i, n := range m.current.Nodes {
		if n.NodeID == node.NodeID {
			updated := make([]types.NodeInfo, len(m.current.Nodes))
			copy(updated, m.current.Nodes)
			node.Order = n.Order
			updated[i] = node
			m.current = &View{Version: m.current.Version, Nodes: updated}
			m.mu.Unlock()
			return m.current
		}
	}

	node.Order = m.order
	m.order++

	nodes := append(append([]types.NodeInfo(nil), m.current.Nodes...), node)
	sortNodes(nodes)
	next := &View{Version: m.current.Version + 1, Nodes: nodes}
	m.current = next
	m.mu.Unlock()

	log.WithComponent("topology").Info().
		Str("node_id", node.NodeID).
		Uint64("version", next.Version).
		Msg("node joined")
	m.publish(next)
	return next
}

// Leave removes nodeID from the membership and publishes a new View.
// It is a no-op if nodeID is not currently a member.
func (m *Manager) Leave(nodeID string) *View {
	m.mu.Lock()

	found := false
	nodes := make([]types.NodeInfo, 0, len(m.current.Nodes))
	for _, n := range m.current.Nodes {
		if n.NodeID == nodeID {
			found = true
			continue
		}
		nodes = append(nodes, n)
	}
	if !found {
		cur := m.current
		m.mu.Unlock()
		return cur
	}

	next := &View{Version: m.current.Version + 1, Nodes: nodes}
	m.current = next
	m.mu.Unlock()

	log.WithComponent("topology").Warn().
		Str("node_id", nodeID).
		Uint64("version", next.Version).
		Msg("node left")
	m.publish(next)
	return next
}

func (m *Manager) publish(v *View) {
	m.mu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()

	for _, l := range listeners {
		l(v)
	}
}

// Oldest returns the live node with the smallest Order in the current
// view — the deterministic tiebreaker the Service Orchestrator and 2PC
// recovery use to pick a single coordinator without an election.
func (v *View) Oldest() (types.NodeInfo, bool) {
	if len(v.Nodes) == 0 {
		return types.NodeInfo{}, false
	}
	oldest := v.Nodes[0]
	for _, n := range v.Nodes[1:] {
		if n.Order < oldest.Order {
			oldest = n
		}
	}
	return oldest, true
}

func sortNodes(nodes []types.NodeInfo) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
}
