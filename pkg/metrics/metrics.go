package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Topology metrics
	TopologyVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_topology_version",
			Help: "Current topology version (monotonic)",
		},
	)

	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lattice_nodes_total",
			Help: "Total number of nodes in the current topology",
		},
		[]string{"status"},
	)

	// Partition metrics
	PartitionsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lattice_partitions_total",
			Help: "Number of local partitions by state",
		},
		[]string{"cache", "state"},
	)

	PartitionMovesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_partition_moves_total",
			Help: "Total number of partition MOVING->OWNING and RENTING->EVICTED transitions",
		},
		[]string{"cache"},
	)

	RebalanceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lattice_rebalance_duration_seconds",
			Help:    "Time taken to rebalance a partition batch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cache"},
	)

	// Cache store metrics
	CacheEntriesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lattice_cache_entries_total",
			Help: "Number of entries resident in a cache's local store",
		},
		[]string{"cache"},
	)

	CacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_cache_evictions_total",
			Help: "Total number of entries evicted from a cache's LRU tier",
		},
		[]string{"cache"},
	)

	// Write path metrics
	WriteLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lattice_write_latency_seconds",
			Help:    "End-to-end write latency observed by the coordinator",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cache", "sync_mode"},
	)

	WritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_writes_total",
			Help: "Total number of writes by outcome",
		},
		[]string{"cache", "outcome"},
	)

	TransactionConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_transaction_conflicts_total",
			Help: "Total number of optimistic conflicts detected during prepare",
		},
		[]string{"cache"},
	)

	// Continuous query metrics
	CQDispatchLag = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lattice_cq_dispatch_lag_seconds",
			Help:    "Time between an entry event and its delivery to a routine",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cache"},
	)

	CQEventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_cq_events_dropped_total",
			Help: "Total number of events dropped because a routine's buffer filled",
		},
		[]string{"cache"},
	)

	CQRoutinesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_cq_routines_active",
			Help: "Number of continuous query routines currently registered",
		},
	)

	// Service orchestrator metrics
	ServiceInstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lattice_service_instances_total",
			Help: "Number of running service instances by service name",
		},
		[]string{"service"},
	)

	ServiceConvergenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lattice_service_convergence_duration_seconds",
			Help:    "Time taken for a node to converge to its assigned instance count",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	ServiceDeploymentFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_service_deployment_failures_total",
			Help: "Total number of service instance deployment failures",
		},
		[]string{"service"},
	)

	// Raft-backed system cache metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_raft_is_leader",
			Help: "Whether this node is the system cache's Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lattice_raft_commit_duration_seconds",
			Help:    "Time taken to commit a system cache Raft log entry",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_raft_applied_index",
			Help: "Last applied system cache Raft log index",
		},
	)

	// Transport metrics
	TransportUnavailableTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_transport_unavailable_total",
			Help: "Total number of send attempts that failed because the target node was unreachable",
		},
		[]string{"node_id"},
	)
)

func init() {
	prometheus.MustRegister(
		TopologyVersion,
		NodesTotal,
		PartitionsByState,
		PartitionMovesTotal,
		RebalanceDuration,
		CacheEntriesTotal,
		CacheEvictionsTotal,
		WriteLatency,
		WritesTotal,
		TransactionConflictsTotal,
		CQDispatchLag,
		CQEventsDroppedTotal,
		CQRoutinesActive,
		ServiceInstancesTotal,
		ServiceConvergenceDuration,
		ServiceDeploymentFailuresTotal,
		RaftLeader,
		RaftCommitDuration,
		RaftAppliedIndex,
		TransportUnavailableTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
