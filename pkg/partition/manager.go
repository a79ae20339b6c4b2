package partition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/latticedb/lattice/pkg/affinity"
	"github.com/latticedb/lattice/pkg/cache"
	"github.com/latticedb/lattice/pkg/log"
	"github.com/latticedb/lattice/pkg/metrics"
	"github.com/latticedb/lattice/pkg/topology"
	"github.com/latticedb/lattice/pkg/transport"
	"github.com/latticedb/lattice/pkg/types"
	"github.com/latticedb/lattice/pkg/wire"
)

// Status is one partition's local lifecycle state (spec §4.3).
type Status int

const (
	StatusNone Status = iota
	StatusMoving
	StatusOwning
	StatusRenting
	StatusEvicted
)

func (s Status) String() string {
	switch s {
	case StatusMoving:
		return "MOVING"
	case StatusOwning:
		return "OWNING"
	case StatusRenting:
		return "RENTING"
	case StatusEvicted:
		return "EVICTED"
	default:
		return "NONE"
	}
}

type partitionState struct {
	status   Status
	topology uint64 // topology version this status was computed at
}

// Config configures a Manager for one cache.
type Config struct {
	NodeID     string
	CacheName  string
	Partitions int
	Backups    int
	BatchSize  int
	Mode       types.RebalanceMode
}

// Manager is the Partition State Machine for one named cache (spec
// §4.3). It implements cache.Ownership, gating the Cache Store's
// client-facing operations, and drives the rebalance protocol (batch
// push with idempotent apply, sentinel-empty-batch completion) in
// response to topology.Manager changes.
type Manager struct {
	cfg      Config
	topology *topology.Manager
	sender   transport.Sender

	mu     sync.Mutex
	states []partitionState
	store  *cache.Store

	logger zerolog.Logger
}

// NewManager creates a Manager for cfg.CacheName, seeded with every
// partition StatusNone, and subscribes it to topo's change feed.
func NewManager(cfg Config, topo *topology.Manager, sender transport.Sender) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	m := &Manager{
		cfg:      cfg,
		topology: topo,
		sender:   sender,
		states:   make([]partitionState, cfg.Partitions),
		logger:   log.WithCache(cfg.CacheName),
	}
	topo.Subscribe(m.onTopologyChange)
	return m
}

// SetStore attaches the Cache Store this Manager gates and rebalances
// data for. Constructed after New since cache.New itself takes the
// Manager as its Ownership argument.
func (m *Manager) SetStore(s *cache.Store) {
	m.store = s
	m.reconcile(m.topology.Current())
}

// IsPrimary reports whether this node is the current affinity primary
// for partitionID and holds a fully-converged (OWNING) copy — used by
// the Cache Store's expiry clock to decide whether to drive TTL
// eviction for this partition (spec §4.4 "evicts only if the node is
// primary or replicated").
func (m *Manager) IsPrimary(partitionID int) bool {
	m.mu.Lock()
	st := m.states[partitionID]
	m.mu.Unlock()
	if st.status != StatusOwning {
		return false
	}
	view := m.topology.Current()
	return affinity.Primary(view.Nodes, partitionID, m.cfg.Backups, view.Version) == m.cfg.NodeID
}

// IsReadable reports whether partitionID currently has a usable local
// copy: OWNING (authoritative) or RENTING (still serving reads while
// handing off) (spec §4.3/§4.4).
func (m *Manager) IsReadable(partitionID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[partitionID]
	return st.status == StatusOwning || st.status == StatusRenting
}

func (m *Manager) setStatus(partitionID int, status Status, topo uint64) {
	m.mu.Lock()
	m.states[partitionID] = partitionState{status: status, topology: topo}
	m.mu.Unlock()
	m.updateMetrics()
}

func (m *Manager) statusOf(partitionID int) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[partitionID].status
}

// StateCounts returns the number of local partitions in each lifecycle
// state, for the metrics Collector's PartitionCounts sample.
func (m *Manager) StateCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int, 5)
	for _, st := range m.states {
		counts[st.status.String()]++
	}
	return counts
}

func (m *Manager) updateMetrics() {
	m.mu.Lock()
	counts := map[Status]int{}
	for _, st := range m.states {
		counts[st.status]++
	}
	m.mu.Unlock()
	for _, s := range []Status{StatusNone, StatusMoving, StatusOwning, StatusRenting, StatusEvicted} {
		metrics.PartitionsByState.WithLabelValues(m.cfg.CacheName, s.String()).Set(float64(counts[s]))
	}
}

func (m *Manager) onTopologyChange(v *topology.View) {
	m.reconcile(v)
}

// reconcile is the rebalance trigger: for every partition, it compares
// this node's role in the new view against its current state and
// drives the transition (spec §4.3 "on topology change ... computes
// the diff between previous and current assignment").
func (m *Manager) reconcile(v *topology.View) {
	if m.store == nil || m.cfg.Mode == types.RebalanceNone {
		return
	}

	for p := 0; p < m.cfg.Partitions; p++ {
		assigned := affinity.Owns(v.Nodes, p, m.cfg.Backups, v.Version, m.cfg.NodeID)
		current := m.statusOf(p)

		switch {
		case assigned && current == StatusNone:
			m.beginMoving(p, v)
		case assigned && current == StatusRenting:
			// reassigned back before handoff completed; resume serving.
			m.setStatus(p, StatusOwning, v.Version)
		case !assigned && current == StatusOwning:
			m.setStatus(p, StatusRenting, v.Version)
			go m.drainRenting(p, v)
		case !assigned && current == StatusMoving:
			// never finished receiving; nothing downstream depends on
			// a partial copy here, release it directly.
			m.setStatus(p, StatusEvicted, v.Version)
		}
	}
}

// beginMoving marks partitionID MOVING. If v names this node (or no
// node) as the partition's primary, the partition becomes OWNING at
// once; otherwise it stays MOVING until HandleRebalanceBatch receives
// the Last batch that the previous owner pushes from drainRenting.
func (m *Manager) beginMoving(partitionID int, v *topology.View) {
	m.setStatus(partitionID, StatusMoving, v.Version)

	source := affinity.Primary(v.Nodes, partitionID, m.cfg.Backups, v.Version)
	if source == "" || source == m.cfg.NodeID {
		// this node is the primary at v, or no node is: nothing is
		// awaited, the partition becomes OWNING immediately.
		m.setStatus(partitionID, StatusOwning, v.Version)
		return
	}
	// Nothing is requested from the source: the data arrives when the
	// previous owner's drainRenting pushes it through sendPartition.
}

// drainRenting pushes partitionID's data to every node newly holding
// it at v, then transitions to EVICTED once all pushes complete (spec
// §4.3: "RENTING ... Transitions -> EVICTED once no downstream node
// requires it").
func (m *Manager) drainRenting(partitionID int, v *topology.View) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RebalanceDuration, m.cfg.CacheName)

	targets := affinity.Map(v.Nodes, partitionID, m.cfg.Backups, v.Version)
	for _, target := range targets {
		if target == m.cfg.NodeID {
			continue
		}
		if err := m.sendPartition(partitionID, target, v.Version); err != nil {
			m.logger.Warn().Err(err).Int("partition", partitionID).Str("target", target).
				Msg("rebalance push failed, will retry on next topology change")
			return
		}
	}

	if m.statusOf(partitionID) == StatusRenting {
		m.setStatus(partitionID, StatusEvicted, v.Version)
		metrics.PartitionMovesTotal.WithLabelValues(m.cfg.CacheName).Inc()
	}
}

// sendPartition pushes every entry of partitionID to target in
// batches of cfg.BatchSize, retrying the unacked tail, and terminates
// with a sentinel empty batch marked Last (spec §4.3 rebalance protocol).
func (m *Manager) sendPartition(partitionID int, target string, topo uint64) error {
	var batch []types.Entry
	flush := func(last bool) error {
		if len(batch) == 0 && !last {
			return nil
		}
		return m.sendBatchWithRetry(target, wire.RebalanceBatch{
			CacheName:   m.cfg.CacheName,
			PartitionID: partitionID,
			Topology:    topo,
			Entries:     batch,
			Last:        last,
		})
	}

	err := m.store.IteratePartitionEntries(partitionID, func(e types.Entry) error {
		batch = append(batch, e)
		if len(batch) >= m.cfg.BatchSize {
			if err := flush(false); err != nil {
				return err
			}
			batch = nil
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(false); err != nil {
		return err
	}
	batch = nil
	return flush(true)
}

const rebalanceMaxRetries = 5

func (m *Manager) sendBatchWithRetry(target string, batch wire.RebalanceBatch) error {
	var lastErr error
	for attempt := 0; attempt < rebalanceMaxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		resp, err := m.sender.Send(ctx, target, wire.TypeRebalanceBatch, batch)
		cancel()
		if err == nil {
			if ack, ok := resp.(wire.Ack); ok && ack.OK {
				return nil
			}
			lastErr = fmt.Errorf("partition: %s rejected rebalance batch", target)
		} else {
			lastErr = err
		}
		time.Sleep(backoff(attempt))
	}
	return lastErr
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 20 * time.Millisecond
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}

// HandleRebalanceBatch is the receive side of the rebalance protocol:
// it applies every entry idempotently via ApplyIfNewer and, on the
// sentinel Last batch, transitions the partition MOVING -> OWNING
// (spec §4.3: "Transitions -> OWNING when rebalance supplies last key
// batch").
func (m *Manager) HandleRebalanceBatch(batch wire.RebalanceBatch) wire.Ack {
	if m.store == nil {
		return wire.Ack{OK: false, Err: "partition: store not attached"}
	}
	for _, e := range batch.Entries {
		m.store.ApplyIfNewer(e)
	}
	if batch.Last && m.statusOf(batch.PartitionID) == StatusMoving {
		m.setStatus(batch.PartitionID, StatusOwning, batch.Topology)
		metrics.PartitionMovesTotal.WithLabelValues(m.cfg.CacheName).Inc()
	}
	return wire.Ack{OK: true}
}
