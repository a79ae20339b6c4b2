// Package errs defines the grid's error taxonomy (spec §7). Each kind is a
// distinct Go type so callers can distinguish them with errors.As instead of
// string matching, and each carries the context a caller needs to decide
// whether to retry.
package errs

import "fmt"

// TopologyChanged signals that the operation's topology version is stale.
// Callers should re-resolve affinity against the current topology and
// retry, up to a bounded count.
type TopologyChanged struct {
	Expected uint64
	Current  uint64
}

func (e *TopologyChanged) Error() string {
	return fmt.Sprintf("errs: topology changed: expected T=%d, current T=%d", e.Expected, e.Current)
}

// PartitionNotOwned signals the target node no longer owns the partition
// the caller addressed; the caller should remap via the Affinity Map.
type PartitionNotOwned struct {
	PartitionID int
	NodeID      string
}

func (e *PartitionNotOwned) Error() string {
	return fmt.Sprintf("errs: partition %d not owned by node %s", e.PartitionID, e.NodeID)
}

// TransactionOptimisticConflict signals that prepare detected a version
// conflict; the transaction is aborted and the caller may retry.
type TransactionOptimisticConflict struct {
	Key string
}

func (e *TransactionOptimisticConflict) Error() string {
	return fmt.Sprintf("errs: optimistic conflict on key %q", e.Key)
}

// LockTimeout signals a lock was not granted within the deadline; the
// enclosing transaction aborts.
type LockTimeout struct {
	Key     string
	Timeout string
}

func (e *LockTimeout) Error() string {
	return fmt.Sprintf("errs: lock timeout on key %q after %s", e.Key, e.Timeout)
}

// DeploymentFailure signals a service could not be resolved or
// instantiated; the slot is not counted as filled and is retried on the
// next assignment update.
type DeploymentFailure struct {
	Name   string
	Reason string
}

func (e *DeploymentFailure) Error() string {
	return fmt.Sprintf("errs: deployment %q failed: %s", e.Name, e.Reason)
}

// PeerClassLoadingFailure signals a receiver could not materialize code
// referenced in a message.
type PeerClassLoadingFailure struct {
	ClassName string
}

func (e *PeerClassLoadingFailure) Error() string {
	return fmt.Sprintf("errs: peer class loading failed for %q", e.ClassName)
}

// TransportUnavailable signals the target node is unreachable or has
// departed. Continuous-query events are buffered and retried; the write
// path reports it to the caller.
type TransportUnavailable struct {
	NodeID string
	Cause  error
}

func (e *TransportUnavailable) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("errs: node %s unreachable: %v", e.NodeID, e.Cause)
	}
	return fmt.Sprintf("errs: node %s unreachable", e.NodeID)
}

func (e *TransportUnavailable) Unwrap() error { return e.Cause }

// ConfigurationError is rejected at deploy/register time and never
// retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("errs: configuration rejected: %s", e.Reason)
}

// Invariant signals an internal invariant was violated (e.g. two OWNING
// copies of the same partition at the same topology version). It is never
// retried and indicates a bug in the caller or a peer.
type Invariant struct {
	Detail string
}

func (e *Invariant) Error() string {
	return fmt.Sprintf("errs: invariant violated: %s", e.Detail)
}
