// Package writepath implements the Write Path (spec §4.5): sync-mode
// and atomicity-mode write acceptance, backup fan-out, and the
// topology-change retry/backoff policy. It sits above pkg/cache (the
// local apply) and pkg/affinity (who is primary/backup for a key),
// and depends on pkg/transport's Sender and pkg/wire's message types
// to reach backups and forward to the right primary.
package writepath

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/latticedb/lattice/pkg/affinity"
	"github.com/latticedb/lattice/pkg/cache"
	"github.com/latticedb/lattice/pkg/errs"
	"github.com/latticedb/lattice/pkg/log"
	"github.com/latticedb/lattice/pkg/metrics"
	"github.com/latticedb/lattice/pkg/topology"
	"github.com/latticedb/lattice/pkg/transport"
	"github.com/latticedb/lattice/pkg/types"
	"github.com/latticedb/lattice/pkg/wire"
)

// maxRemapRetries bounds the "coordinator re-maps and retries" policy
// for writes arriving during a topology change (spec §4.5 Edge
// policies), after which the last TopologyChanged error is surfaced.
const maxRemapRetries = 5

// Coordinator accepts writes for one cache, determines the primary for
// the key at the current topology version, and either applies locally
// (if this node is primary) or forwards to the real primary. ATOMIC
// writes are handled here directly; TRANSACTIONAL writes are staged
// through the Transactor in txn.go.
type Coordinator struct {
	nodeID      string
	cacheName   string
	store       *cache.Store
	topology    *topology.Manager
	sender      transport.Sender
	backups     int
	defaultSync types.WriteSyncMode
	order       uint64 // monotonic local write-order counter, for Version.Order
}

// Config configures a Coordinator.
type Config struct {
	NodeID      string
	CacheName   string
	Backups     int
	DefaultSync types.WriteSyncMode
}

// New creates a Coordinator for one cache.
func New(cfg Config, store *cache.Store, topo *topology.Manager, sender transport.Sender) *Coordinator {
	sync := cfg.DefaultSync
	if sync == "" {
		sync = types.PrimarySync
	}
	return &Coordinator{
		nodeID:      cfg.NodeID,
		cacheName:   cfg.CacheName,
		store:       store,
		topology:    topo,
		sender:      sender,
		backups:     cfg.Backups,
		defaultSync: sync,
	}
}

// nextVersion stamps a new write with this node's monotonic order
// counter and the topology version it was accepted at.
func (c *Coordinator) nextVersion(topo uint64) types.Version {
	ord := atomic.AddUint64(&c.order, 1)
	return types.Version{Topology: topo, Order: ord, NodeOrder: c.selfOrder()}
}

func (c *Coordinator) selfOrder() uint32 {
	view := c.topology.Current()
	if n, ok := view.NodeByID(c.nodeID); ok {
		return uint32(n.Order)
	}
	return 0
}

// Put accepts one ATOMIC put (spec §4.5): last-writer-wins via
// Version, no multi-key isolation. A nil value is rejected; use Remove
// for deletion.
func (c *Coordinator) Put(ctx context.Context, key types.Key, value types.Value, sync types.WriteSyncMode, expireAt time.Time) (types.Version, error) {
	if value == nil {
		return types.Version{}, fmt.Errorf("writepath: nil value for key %q: use Remove", key)
	}
	return c.write(ctx, key, value, sync, expireAt)
}

// Remove accepts one ATOMIC remove, tombstoning the key (spec §4.4).
func (c *Coordinator) Remove(ctx context.Context, key types.Key, sync types.WriteSyncMode) (types.Version, error) {
	return c.write(ctx, key, nil, sync, time.Time{})
}

func (c *Coordinator) write(ctx context.Context, key types.Key, value types.Value, sync types.WriteSyncMode, expireAt time.Time) (types.Version, error) {
	if sync == "" {
		sync = c.defaultSync
	}

	var lastErr error
	for attempt := 0; attempt < maxRemapRetries; attempt++ {
		version, err := c.tryWrite(ctx, key, value, sync, expireAt)
		if err == nil {
			return version, nil
		}
		if _, ok := err.(*errs.TopologyChanged); !ok {
			return types.Version{}, err
		}
		lastErr = err
		select {
		case <-time.After(backoff(attempt)):
		case <-ctx.Done():
			return types.Version{}, ctx.Err()
		}
	}
	return types.Version{}, lastErr
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 10 * time.Millisecond
	if d > time.Second {
		d = time.Second
	}
	return d
}

func (c *Coordinator) partitionID(key types.Key) int {
	return affinity.Partition(key, c.store.PartitionCount())
}

func (c *Coordinator) tryWrite(ctx context.Context, key types.Key, value types.Value, sync types.WriteSyncMode, expireAt time.Time) (types.Version, error) {
	view := c.topology.Current()
	partitionID := c.partitionID(key)
	primary := affinity.Primary(view.Nodes, partitionID, c.backups, view.Version)
	if primary == "" {
		return types.Version{}, fmt.Errorf("writepath: no live primary for partition %d", partitionID)
	}

	if primary != c.nodeID {
		return c.forward(ctx, key, value, sync, expireAt, primary, view.Version)
	}

	version := c.nextVersion(view.Version)
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.WriteLatency, c.cacheName, string(sync))

	var applyErr error
	if value == nil {
		_, applyErr = c.store.Remove(key, version)
	} else {
		_, applyErr = c.store.Put(key, value, version, expireAt, false)
	}
	if applyErr != nil {
		metrics.WritesTotal.WithLabelValues(c.cacheName, "rejected").Inc()
		return types.Version{}, applyErr
	}

	// The local apply may have observed a different topology than the
	// one the primary lookup used, if a topology change landed between
	// them; re-derive backups from the same view used for the primary
	// lookup so the fan-out target set matches what was authoritative
	// when this write was accepted.
	backups := affinity.Backups(view.Nodes, partitionID, c.backups, view.Version)
	if err := c.fanOutBackups(ctx, backups, key, value, version, expireAt, sync); err != nil {
		if sync == types.FullSync {
			metrics.WritesTotal.WithLabelValues(c.cacheName, "rejected").Inc()
			return types.Version{}, err
		}
		log.WithCache(c.cacheName).Warn().Err(err).Msg("backup fan-out failed, write already locally durable")
	}

	metrics.WritesTotal.WithLabelValues(c.cacheName, "accepted").Inc()
	return version, nil
}

func (c *Coordinator) forward(ctx context.Context, key types.Key, value types.Value, sync types.WriteSyncMode, expireAt time.Time, primary string, topo uint64) (types.Version, error) {
	req := wire.CacheWriteReq{
		CacheName: c.cacheName,
		Key:       key,
		Value:     value,
		SyncMode:  sync,
		Atomicity: types.Atomic,
		ExpireAt:  expireAt,
	}

	resp, err := c.sender.Send(ctx, primary, wire.TypeCacheWriteReq, req)
	if err != nil {
		metrics.TransportUnavailableTotal.WithLabelValues(primary).Inc()
		return types.Version{}, &errs.TransportUnavailable{NodeID: primary, Cause: err}
	}
	ack, ok := resp.(wire.Ack)
	if !ok {
		return types.Version{}, fmt.Errorf("writepath: unexpected forward response type %T", resp)
	}
	if !ack.OK {
		if ack.Err == errTopologyChanged {
			return types.Version{}, &errs.TopologyChanged{Expected: topo}
		}
		return types.Version{}, fmt.Errorf("writepath: forward to %s: %s", primary, ack.Err)
	}
	return ack.Version, nil
}

// errTopologyChanged is the Ack.Err sentinel a remote primary returns
// when it no longer holds the partition, so the forwarding node knows
// to re-resolve affinity rather than treat the failure as permanent.
const errTopologyChanged = "topology_changed"

// HandleCacheWriteReq is the Listener-side handler for a forwarded
// CacheWriteReq, used by pkg/grid to wire transport.Handler.
func (c *Coordinator) HandleCacheWriteReq(ctx context.Context, req wire.CacheWriteReq) wire.Ack {
	version, err := c.tryWrite(ctx, req.Key, req.Value, req.SyncMode, req.ExpireAt)
	if err != nil {
		if _, ok := err.(*errs.PartitionNotOwned); ok {
			return wire.Ack{OK: false, Err: errTopologyChanged}
		}
		return wire.Ack{OK: false, Err: err.Error()}
	}
	return wire.Ack{OK: true, Version: version}
}

// HandleBackupReq is the Listener-side handler for a replicated
// BackupReq, applying it idempotently via ApplyIfNewer (spec §4.4's
// rebalance-apply contract doubles as the backup-replication contract:
// both are "apply this entry if its Version dominates what's local").
func (c *Coordinator) HandleBackupReq(req wire.BackupReq) wire.Ack {
	entry := types.Entry{
		Key:      req.Key,
		Value:    req.Value,
		Version:  req.Version,
		ExpireAt: req.ExpireAt,
	}
	c.store.ApplyIfNewer(entry)
	return wire.Ack{OK: true, Version: req.Version}
}

// fanOutBackups replicates the write to every backup. Under FULL_SYNC
// it waits for every backup to ack before returning; under
// PRIMARY_SYNC/FULL_ASYNC it fires the sends without waiting for this
// call to return (spec §4.5 sync modes).
func (c *Coordinator) fanOutBackups(ctx context.Context, backups []string, key types.Key, value types.Value, version types.Version, expireAt time.Time, sync types.WriteSyncMode) error {
	if len(backups) == 0 {
		return nil
	}

	req := wire.BackupReq{
		CacheName: c.cacheName,
		Key:       key,
		Value:     value,
		Version:   version,
		ExpireAt:  expireAt,
	}

	send := func(nodeID string) error {
		_, err := c.sender.Send(ctx, nodeID, wire.TypeBackupReq, req)
		return err
	}

	if sync != types.FullSync {
		for _, nodeID := range backups {
			go func(n string) {
				if err := send(n); err != nil {
					log.WithCache(c.cacheName).Warn().Err(err).Str("node_id", n).Msg("async backup replication failed")
				}
			}(nodeID)
		}
		return nil
	}

	for _, nodeID := range backups {
		if err := send(nodeID); err != nil {
			metrics.TransportUnavailableTotal.WithLabelValues(nodeID).Inc()
			return fmt.Errorf("writepath: backup %s: %w", nodeID, err)
		}
	}
	return nil
}
