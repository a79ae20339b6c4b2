// Package probe tracks peer-reachability for cluster members. The
// Topology View's Monitor (pkg/topology) uses it to decide when a silent
// peer should be treated as down versus merely slow, removing the peer
// only after a retry budget is exhausted.
package probe

import (
	"context"
	"time"
)

// Result is the outcome of a single reachability check.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes a single peer's reachability.
type Checker interface {
	Check(ctx context.Context) Result
}

// Config controls how a peer's consecutive results are interpreted.
type Config struct {
	// Interval is the time between probes.
	Interval time.Duration
	// Timeout bounds a single probe.
	Timeout time.Duration
	// Retries is the number of consecutive failures before a peer is
	// marked unreachable.
	Retries int
}

// DefaultConfig matches the grid's default heartbeat cadence.
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Second,
		Timeout:  2 * time.Second,
		Retries:  3,
	}
}

// Status tracks a single peer's reachability over time.
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	Reachable            bool
	StartedAt            time.Time
}

// NewStatus creates a Status optimistically assumed reachable.
func NewStatus() *Status {
	return &Status{
		Reachable: true,
		StartedAt: time.Now(),
	}
}

// Update folds a new probe result into the status, flipping Reachable
// only once the configured retry budget is exhausted (or, symmetrically,
// once the first success arrives).
func (s *Status) Update(result Result, cfg Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Reachable = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= cfg.Retries {
		s.Reachable = false
	}
}
