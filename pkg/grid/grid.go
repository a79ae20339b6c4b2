package grid

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/latticedb/lattice/pkg/cache"
	"github.com/latticedb/lattice/pkg/config"
	"github.com/latticedb/lattice/pkg/cq"
	"github.com/latticedb/lattice/pkg/log"
	"github.com/latticedb/lattice/pkg/metrics"
	"github.com/latticedb/lattice/pkg/partition"
	"github.com/latticedb/lattice/pkg/service"
	"github.com/latticedb/lattice/pkg/storage"
	"github.com/latticedb/lattice/pkg/syscache"
	"github.com/latticedb/lattice/pkg/topology"
	"github.com/latticedb/lattice/pkg/transport"
	"github.com/latticedb/lattice/pkg/types"
	"github.com/latticedb/lattice/pkg/wire"
	"github.com/latticedb/lattice/pkg/writepath"
)

// CacheSpec declares one named cache this node participates in,
// combining the Cache Store, Partition State Machine and Write Path
// config the spec keeps as three separate components (§4.3/§4.4/§4.5).
type CacheSpec struct {
	Name          string
	Mode          types.CacheMode
	Partitions    int
	Backups       int
	Atomicity     types.AtomicityMode
	WriteSync     types.WriteSyncMode
	RebalanceMode types.RebalanceMode
	BatchSize     int
	Eviction      config.Eviction
	Offheap       storage.Store
}

// cacheBundle is everything one CacheSpec wires into.
type cacheBundle struct {
	store       *cache.Store
	partition   *partition.Manager
	coordinator *writepath.Coordinator
}

// Config configures one node's Grid.
type Config struct {
	NodeID  string
	Address string
	Caches  []CacheSpec
	Service service.Config
}

// Grid is one node's full stack: Topology View, per-cache
// Store/Partition/Write-Path triples, the Continuous Query Manager,
// the Service Orchestrator and the System Cache, bound together by a
// single inbound-message dispatcher (spec overview's "control flow
// summary").
type Grid struct {
	cfg      Config
	topology *topology.Manager
	sender   transport.Sender
	syscache *syscache.SystemCache
	cq       *cq.Manager
	service  *service.Orchestrator

	mu     sync.RWMutex
	caches map[string]*cacheBundle

	collector *metrics.Collector
	logger    zerolog.Logger
}

// New creates a Grid, wiring one Cache Store/Partition Manager/Write
// Path Coordinator triple per entry in cfg.Caches.
func New(cfg Config, topo *topology.Manager, sender transport.Sender, sc *syscache.SystemCache) *Grid {
	g := &Grid{
		cfg:      cfg,
		topology: topo,
		sender:   sender,
		syscache: sc,
		caches:   make(map[string]*cacheBundle),
		logger:   log.WithComponent("grid"),
	}
	g.cq = cq.New(cfg.NodeID, sender, topo)

	for _, spec := range cfg.Caches {
		g.addCache(spec)
	}

	g.service = service.New(topo, sc, sender, cfg.Service)

	g.collector = metrics.NewCollector(g)
	g.collector.Start()
	return g
}

// NodeCount implements metrics.Source.
func (g *Grid) NodeCount() map[string]int {
	return map[string]int{"alive": len(g.topology.Current().Nodes)}
}

// PartitionCounts implements metrics.Source.
func (g *Grid) PartitionCounts() map[string]map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]map[string]int, len(g.caches))
	for name, b := range g.caches {
		out[name] = b.partition.StateCounts()
	}
	return out
}

// CacheEntryCounts implements metrics.Source.
func (g *Grid) CacheEntryCounts() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]int, len(g.caches))
	for name, b := range g.caches {
		out[name] = b.store.EntryCount()
	}
	return out
}

// ServiceInstanceCounts implements metrics.Source.
func (g *Grid) ServiceInstanceCounts() map[string]int {
	return g.service.InstanceCounts()
}

// IsRaftLeader implements metrics.Source.
func (g *Grid) IsRaftLeader() bool { return g.syscache.IsLeader() }

// RaftAppliedIndex implements metrics.Source.
func (g *Grid) RaftAppliedIndex() uint64 { return g.syscache.AppliedIndex() }

// Close stops the metrics collector and the Continuous Query Manager's
// background work.
func (g *Grid) Close() {
	g.collector.Stop()
	g.cq.Close()
}

func (g *Grid) addCache(spec CacheSpec) {
	pm := partition.NewManager(partition.Config{
		NodeID:     g.cfg.NodeID,
		CacheName:  spec.Name,
		Partitions: spec.Partitions,
		Backups:    spec.Backups,
		BatchSize:  spec.BatchSize,
		Mode:       spec.RebalanceMode,
	}, g.topology, g.sender)

	store := cache.New(cache.Config{
		Name:       spec.Name,
		Mode:       spec.Mode,
		Partitions: spec.Partitions,
		Backups:    spec.Backups,
		Eviction:   toEvictionConfig(spec.Eviction),
		Offheap:    spec.Offheap,
	}, pm)
	pm.SetStore(store)
	store.SetEventSink(g.cq)

	coord := writepath.New(writepath.Config{
		NodeID:      g.cfg.NodeID,
		CacheName:   spec.Name,
		Backups:     spec.Backups,
		DefaultSync: spec.WriteSync,
	}, store, g.topology, g.sender)

	g.mu.Lock()
	g.caches[spec.Name] = &cacheBundle{store: store, partition: pm, coordinator: coord}
	g.mu.Unlock()
}

func toEvictionConfig(e config.Eviction) cache.EvictionConfig {
	var exclude func(types.Key) bool
	if len(e.ExcludePaths) > 0 {
		paths := append([]string(nil), e.ExcludePaths...)
		exclude = func(k types.Key) bool {
			s := k.String()
			for _, p := range paths {
				if strings.HasPrefix(s, p) {
					return true
				}
			}
			return false
		}
	}
	return cache.EvictionConfig{MaxBlocks: e.MaxBlocks, MaxBytes: e.MaxBytes, Exclude: exclude}
}

// Cache returns the named cache's Store, if registered.
func (g *Grid) Cache(name string) (*cache.Store, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.caches[name]
	if !ok {
		return nil, false
	}
	return b.store, true
}

// Service returns this node's Service Orchestrator.
func (g *Grid) Service() *service.Orchestrator { return g.service }

// ContinuousQuery returns this node's Continuous Query Manager.
func (g *Grid) ContinuousQuery() *cq.Manager { return g.cq }

func (g *Grid) bundle(name string) (*cacheBundle, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.caches[name]
	return b, ok
}

// Handle is this node's single inbound wire-message dispatcher, bound
// to a transport.Listener (or transport.InMemory.RegisterNode) to
// route every message type named in spec §6 to the component that
// owns it.
func (g *Grid) Handle(fromNodeID string, typeID uint16, msg interface{}) (uint16, interface{}) {
	switch typeID {
	case wire.TypeCacheWriteReq:
		req, ok := msg.(wire.CacheWriteReq)
		if !ok {
			return wire.TypeCacheWriteAck, wire.Ack{OK: false, Err: "grid: malformed CacheWriteReq"}
		}
		b, ok := g.bundle(req.CacheName)
		if !ok {
			return wire.TypeCacheWriteAck, wire.Ack{OK: false, Err: fmt.Sprintf("grid: unknown cache %q", req.CacheName)}
		}
		return wire.TypeCacheWriteAck, b.coordinator.HandleCacheWriteReq(context.Background(), req)

	case wire.TypeBackupReq:
		req, ok := msg.(wire.BackupReq)
		if !ok {
			return wire.TypeBackupAck, wire.Ack{OK: false, Err: "grid: malformed BackupReq"}
		}
		b, ok := g.bundle(req.CacheName)
		if !ok {
			return wire.TypeBackupAck, wire.Ack{OK: false, Err: fmt.Sprintf("grid: unknown cache %q", req.CacheName)}
		}
		return wire.TypeBackupAck, b.coordinator.HandleBackupReq(req)

	case wire.TypeRebalanceBatch:
		req, ok := msg.(wire.RebalanceBatch)
		if !ok {
			return wire.TypeRebalanceAck, wire.Ack{OK: false, Err: "grid: malformed RebalanceBatch"}
		}
		b, ok := g.bundle(req.CacheName)
		if !ok {
			return wire.TypeRebalanceAck, wire.Ack{OK: false, Err: fmt.Sprintf("grid: unknown cache %q", req.CacheName)}
		}
		return wire.TypeRebalanceAck, b.partition.HandleRebalanceBatch(req)

	case wire.TypeContinuousQueryRegister:
		req, ok := msg.(wire.ContinuousQueryRegister)
		if !ok {
			return wire.TypeContinuousQueryAck, wire.Ack{OK: false, Err: "grid: malformed ContinuousQueryRegister"}
		}
		g.cq.RegisterRemote(req)
		return wire.TypeContinuousQueryAck, wire.Ack{OK: true}

	case wire.TypeContinuousQueryEvent:
		req, ok := msg.(wire.ContinuousQueryEvent)
		if !ok {
			return wire.TypeContinuousQueryAck, wire.Ack{OK: false, Err: "grid: malformed ContinuousQueryEvent"}
		}
		return wire.TypeContinuousQueryAck, g.cq.HandleContinuousQueryEvent(req)

	case wire.TypeContinuousQueryCancel:
		req, ok := msg.(wire.ContinuousQueryCancel)
		if !ok {
			return wire.TypeContinuousQueryAck, wire.Ack{OK: false, Err: "grid: malformed ContinuousQueryCancel"}
		}
		return wire.TypeContinuousQueryAck, g.cq.HandleCancel(req)

	case wire.TypeServiceDeploy:
		req, ok := msg.(wire.ServiceDeploy)
		if !ok {
			return wire.TypeServiceDeployAck, wire.Ack{OK: false, Err: "grid: malformed ServiceDeploy"}
		}
		return wire.TypeServiceDeployAck, g.service.HandleServiceDeploy(req)

	case wire.TypeServiceAssign:
		req, ok := msg.(wire.ServiceAssign)
		if !ok {
			return wire.TypeServiceAssignAck, wire.Ack{OK: false, Err: "grid: malformed ServiceAssign"}
		}
		return wire.TypeServiceAssignAck, g.service.HandleServiceAssign(req)

	default:
		g.logger.Warn().Uint16("type", typeID).Str("from", fromNodeID).Msg("unrecognized message type")
		return 0, wire.Ack{OK: false, Err: "grid: unrecognized message type"}
	}
}
