package syscache

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/latticedb/lattice/pkg/storage"
	"github.com/latticedb/lattice/pkg/types"
)

const (
	bucketDeployments = "deployments"
	bucketAssignments = "assignments"
)

// FSM implements the Raft finite state machine backing the System Cache
// (spec §4.8): a small REPLICATED cache holding ServiceDeployment and
// ServiceAssignment records, consistently replicated across the cluster
// via Raft rather than the grid's own partitioned write path, since the
// orchestrator must agree on deployments even while the data partitions
// themselves are mid-rebalance.
type FSM struct {
	mu    sync.RWMutex
	store storage.Store

	onChange ChangeListener
}

// ChangeListener is notified after a command has been applied to the
// FSM's local store, in Raft log order — every node's FSM calls it with
// the same sequence of (kind, name) pairs, giving the Service
// Orchestrator the "all nodes observe assignment changes in the same
// order" guarantee (spec §5) without a separate Continuous Query
// subscription: the System Cache's own Raft log is already that
// single-primary, totally ordered write path.
type ChangeListener func(kind, name string)

// NewFSM creates a System Cache FSM persisting to store.
func NewFSM(store storage.Store) *FSM {
	return &FSM{store: store}
}

// SetListener installs l to be called after every successfully applied
// command. Must be called before the FSM starts receiving Raft log
// entries; it is not safe to change concurrently with Apply.
func (f *FSM) SetListener(l ChangeListener) {
	f.onChange = l
}

// Command is a single Raft log entry applied to the System Cache.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

func encodeCommand(op string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Command{Op: op, Data: raw})
}

// Apply applies a committed Raft log entry to the FSM. The change
// listener, if any, is invoked after the store mutation is committed and
// the lock released, so a listener that calls back into Deployment /
// Assignment cannot deadlock against this call.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("syscache: unmarshal command: %w", err)
	}

	kind, name, err := f.apply(cmd)
	if err == nil && f.onChange != nil {
		f.onChange(kind, name)
	}
	return err
}

func (f *FSM) apply(cmd Command) (kind, name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case "put_deployment":
		var rec types.DeploymentRecord
		if err := json.Unmarshal(cmd.Data, &rec); err != nil {
			return "", "", err
		}
		if err := f.putRecord(bucketDeployments, rec.Deployment.Name, rec); err != nil {
			return "", "", err
		}
		return "deployment", rec.Deployment.Name, nil

	case "delete_deployment":
		var name string
		if err := json.Unmarshal(cmd.Data, &name); err != nil {
			return "", "", err
		}
		if err := f.store.Delete(bucketDeployments, []byte(name)); err != nil {
			return "", "", err
		}
		return "deployment", name, nil

	case "put_assignment":
		var rec types.AssignmentRecord
		if err := json.Unmarshal(cmd.Data, &rec); err != nil {
			return "", "", err
		}
		if err := f.putRecord(bucketAssignments, rec.Assignment.Name, rec); err != nil {
			return "", "", err
		}
		return "assignment", rec.Assignment.Name, nil

	case "delete_assignment":
		var name string
		if err := json.Unmarshal(cmd.Data, &name); err != nil {
			return "", "", err
		}
		if err := f.store.Delete(bucketAssignments, []byte(name)); err != nil {
			return "", "", err
		}
		return "assignment", name, nil

	default:
		return "", "", fmt.Errorf("syscache: unknown command %q", cmd.Op)
	}
}

func (f *FSM) putRecord(bucket, name string, rec interface{}) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return f.store.Put(bucket, []byte(name), data)
}

// Deployment returns the current DeploymentRecord for name.
func (f *FSM) Deployment(name string) (types.DeploymentRecord, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := f.store.Get(bucketDeployments, []byte(name))
	if err != nil {
		return types.DeploymentRecord{}, false
	}
	var rec types.DeploymentRecord
	if json.Unmarshal(data, &rec) != nil {
		return types.DeploymentRecord{}, false
	}
	return rec, true
}

// Deployments returns every deployment currently registered.
func (f *FSM) Deployments() []types.DeploymentRecord {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []types.DeploymentRecord
	_ = f.store.ForEach(bucketDeployments, func(_, v []byte) error {
		var rec types.DeploymentRecord
		if json.Unmarshal(v, &rec) == nil {
			out = append(out, rec)
		}
		return nil
	})
	return out
}

// Assignment returns the current ServiceAssignment for name.
func (f *FSM) Assignment(name string) (types.AssignmentRecord, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := f.store.Get(bucketAssignments, []byte(name))
	if err != nil {
		return types.AssignmentRecord{}, false
	}
	var rec types.AssignmentRecord
	if json.Unmarshal(data, &rec) != nil {
		return types.AssignmentRecord{}, false
	}
	return rec, true
}

// Assignments returns every assignment currently registered.
func (f *FSM) Assignments() []types.AssignmentRecord {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []types.AssignmentRecord
	_ = f.store.ForEach(bucketAssignments, func(_, v []byte) error {
		var rec types.AssignmentRecord
		if json.Unmarshal(v, &rec) == nil {
			out = append(out, rec)
		}
		return nil
	})
	return out
}

// Snapshot captures a point-in-time view of the System Cache for Raft
// log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return &fsmSnapshot{
		Deployments: f.Deployments(),
		Assignments: f.Assignments(),
	}, nil
}

// Restore replaces the FSM's state from a previously captured snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("syscache: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, bucket := range []string{bucketDeployments, bucketAssignments} {
		var keys [][]byte
		if err := f.store.ForEach(bucket, func(k, _ []byte) error {
			keys = append(keys, append([]byte(nil), k...))
			return nil
		}); err != nil {
			return err
		}
		for _, k := range keys {
			if err := f.store.Delete(bucket, k); err != nil {
				return err
			}
		}
	}
	for _, rec := range snap.Deployments {
		if err := f.putRecord(bucketDeployments, rec.Deployment.Name, rec); err != nil {
			return err
		}
	}
	for _, rec := range snap.Assignments {
		if err := f.putRecord(bucketAssignments, rec.Assignment.Name, rec); err != nil {
			return err
		}
	}
	return nil
}

type fsmSnapshot struct {
	Deployments []types.DeploymentRecord
	Assignments []types.AssignmentRecord
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
