// Package config holds the grid's recognized runtime options (spec §6).
// Parsing them from a file or flags is an excluded collaborator; this
// package only defines the typed object and its defaults.
package config

import (
	"time"

	"github.com/latticedb/lattice/pkg/types"
)

// Eviction configures the optional off-heap LRU tier of a Cache Store.
type Eviction struct {
	// MaxBlocks is the maximum number of blocks held before eviction runs.
	// Zero disables the eviction policy entirely.
	MaxBlocks int
	// MaxBytes is the maximum aggregate byte size held before eviction
	// runs. Zero means unbounded (subject only to MaxBlocks).
	MaxBytes int64
	// ExcludePaths holds key prefixes that are never evicted.
	ExcludePaths []string
}

// ContinuousQuery configures the Continuous Query Manager's buffering and
// lifecycle defaults.
type ContinuousQuery struct {
	BufferSize      int
	TimeInterval    time.Duration
	AutoUnsubscribe bool
}

// Service configures the Service Orchestrator's retry behavior.
type Service struct {
	RetryTimeout time.Duration
}

// Config is the grid's recognized configuration surface (spec §6).
type Config struct {
	Backups            int
	Partitions         int // power of two
	Atomicity          types.AtomicityMode
	WriteSync          types.WriteSyncMode
	RebalanceMode      types.RebalanceMode
	RebalanceBatchSize int

	ContinuousQuery ContinuousQuery
	Service         Service
	Eviction        Eviction

	// PeerClassLoading toggles the optional code-distribution capability
	// described in spec §9. Defaults to false: all handler/filter/service
	// code is assumed pre-deployed on every node.
	PeerClassLoading bool
}

// Default returns a Config with the defaults named in spec §4.9/§6.
func Default() Config {
	return Config{
		Backups:            1,
		Partitions:         1024,
		Atomicity:          types.Atomic,
		WriteSync:          types.PrimarySync,
		RebalanceMode:      types.RebalanceAsync,
		RebalanceBatchSize: 256,
		ContinuousQuery: ContinuousQuery{
			BufferSize:      1024,
			TimeInterval:    0,
			AutoUnsubscribe: true,
		},
		Service: Service{
			RetryTimeout: 5 * time.Second,
		},
		Eviction: Eviction{
			MaxBlocks: 0,
		},
		PeerClassLoading: false,
	}
}

// Validate rejects configurations spec.md's invariants forbid.
func (c Config) Validate() error {
	if c.Backups < 0 {
		return errConfig("backups must be >= 0")
	}
	if c.Partitions <= 0 || c.Partitions&(c.Partitions-1) != 0 {
		return errConfig("partitions must be a power of two")
	}
	if c.Atomicity != types.Atomic && c.Atomicity != types.Transactional {
		return errConfig("atomicity must be ATOMIC or TRANSACTIONAL")
	}
	switch c.WriteSync {
	case types.FullSync, types.PrimarySync, types.FullAsync:
	default:
		return errConfig("writeSync must be FULL_SYNC, PRIMARY_SYNC or FULL_ASYNC")
	}
	switch c.RebalanceMode {
	case types.RebalanceSync, types.RebalanceAsync, types.RebalanceNone:
	default:
		return errConfig("rebalanceMode must be SYNC, ASYNC or NONE")
	}
	if c.RebalanceBatchSize <= 0 {
		return errConfig("rebalanceBatchSize must be > 0")
	}
	return nil
}

type configError string

func (e configError) Error() string { return string(e) }

func errConfig(msg string) error { return configError("config: " + msg) }
