package topology

import (
	"context"
	"time"

	"github.com/latticedb/lattice/pkg/log"
	"github.com/latticedb/lattice/pkg/probe"
)

// CheckerFactory builds the Checker used to probe one peer's address.
// Each peer gets its own Checker (a TCPChecker is bound to one
// address), so the Monitor asks for one per node rather than sharing
// a single Checker across the membership.
type CheckerFactory func(address string) probe.Checker

// Monitor periodically probes every known peer's reachability and
// drives the Manager's Leave calls once a peer's retry budget is
// exhausted, from a ticker-plus-stopCh loop. pkg/partition's rebalance
// driver and the Service Orchestrator's convergence have no such loop;
// they run from topology and System Cache change callbacks.
type Monitor struct {
	manager    *Manager
	newChecker CheckerFactory
	cfg        probe.Config
	stopCh     chan struct{}

	statuses map[string]*probe.Status
}

// NewMonitor creates a Monitor that checks every peer in manager's
// current view using a Checker built per peer by newChecker, at cfg's
// interval/timeout/retry budget.
func NewMonitor(manager *Manager, newChecker CheckerFactory, cfg probe.Config) *Monitor {
	return &Monitor{
		manager:    manager,
		newChecker: newChecker,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		statuses:   make(map[string]*probe.Status),
	}
}

// Start begins the probe loop in a background goroutine, treating
// selfID as the node never to probe.
func (m *Monitor) Start(selfID string) {
	go m.run(selfID)
}

// Stop ends the probe loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) run(selfID string) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.probeOnce(selfID)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) probeOnce(selfID string) {
	logger := log.WithComponent("topology-monitor")
	view := m.manager.Current()

	for _, node := range view.Nodes {
		if node.NodeID == selfID {
			continue
		}

		status, ok := m.statuses[node.NodeID]
		if !ok {
			status = probe.NewStatus()
			m.statuses[node.NodeID] = status
		}

		checker := m.newChecker(node.Address)
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
		result := checker.Check(ctx)
		cancel()

		wasReachable := status.Reachable
		status.Update(result, m.cfg)

		if wasReachable && !status.Reachable {
			logger.Warn().Str("node_id", node.NodeID).Str("address", node.Address).
				Msg("peer exceeded retry budget, removing from topology")
			m.manager.Leave(node.NodeID)
		}
	}
}
