package syscache

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/hashicorp/raft"

	"github.com/latticedb/lattice/pkg/storage"
	"github.com/latticedb/lattice/pkg/types"
)

func newTestFSM(t *testing.T) *FSM {
	t.Helper()
	dir, err := os.MkdirTemp("", "lattice-syscache-fsm-*")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := storage.NewBoltStore(dir)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return NewFSM(store)
}

func applyCommand(t *testing.T, f *FSM, op string, data interface{}) interface{} {
	t.Helper()
	payload, err := encodeCommand(op, data)
	if err != nil {
		t.Fatalf("encode command: %v", err)
	}
	return f.Apply(&raft.Log{Data: payload})
}

func TestApplyPutDeploymentIsVisibleAfterApply(t *testing.T) {
	f := newTestFSM(t)

	rec := types.DeploymentRecord{
		Deployment: types.ServiceDeployment{Name: "worker", TotalCount: 3},
		Version:    1,
	}
	if err := applyCommand(t, f, "put_deployment", rec); err != nil {
		t.Fatalf("apply put_deployment: %v", err)
	}

	got, ok := f.Deployment("worker")
	if !ok {
		t.Fatal("deployment not found after apply")
	}
	if got.Deployment.TotalCount != 3 {
		t.Fatalf("TotalCount = %d, want 3", got.Deployment.TotalCount)
	}
}

func TestApplyDeleteDeploymentRemovesRecord(t *testing.T) {
	f := newTestFSM(t)

	rec := types.DeploymentRecord{Deployment: types.ServiceDeployment{Name: "worker"}, Version: 1}
	applyCommand(t, f, "put_deployment", rec)
	applyCommand(t, f, "delete_deployment", "worker")

	if _, ok := f.Deployment("worker"); ok {
		t.Fatal("deployment still present after delete")
	}
}

func TestApplyPutAssignmentListedInAssignments(t *testing.T) {
	f := newTestFSM(t)

	rec := types.AssignmentRecord{
		Assignment: types.ServiceAssignment{Name: "worker", Topology: 5, Counts: map[string]int{"a": 2}},
		Version:    1,
	}
	applyCommand(t, f, "put_assignment", rec)

	all := f.Assignments()
	if len(all) != 1 || all[0].Assignment.Name != "worker" {
		t.Fatalf("Assignments() = %+v, want one record named worker", all)
	}
}

func TestApplyUnknownOpReturnsError(t *testing.T) {
	f := newTestFSM(t)
	err := applyCommand(t, f, "not_a_real_op", "x")
	if err == nil {
		t.Fatal("expected error for unknown op")
	}
}

func TestApplyMalformedLogDataReturnsError(t *testing.T) {
	f := newTestFSM(t)
	err := f.Apply(&raft.Log{Data: []byte("not json")})
	if err == nil {
		t.Fatal("expected error for malformed log data")
	}
}

// TestChangeListenerFiresAfterApplyWithKindAndName confirms the
// orchestrator's change-notification contract: the listener runs after
// the store mutation commits, carrying the same (kind, name) for every
// node applying the identical Raft log entry.
func TestChangeListenerFiresAfterApplyWithKindAndName(t *testing.T) {
	f := newTestFSM(t)

	var gotKind, gotName string
	calls := 0
	f.SetListener(func(kind, name string) {
		calls++
		gotKind, gotName = kind, name
		// the mutation must already be visible to the listener.
		if _, ok := f.Deployment("worker"); !ok {
			t.Error("deployment not yet visible when listener fired")
		}
	})

	rec := types.DeploymentRecord{Deployment: types.ServiceDeployment{Name: "worker"}, Version: 1}
	applyCommand(t, f, "put_deployment", rec)

	if calls != 1 {
		t.Fatalf("listener called %d times, want 1", calls)
	}
	if gotKind != "deployment" || gotName != "worker" {
		t.Fatalf("listener got (%q, %q), want (deployment, worker)", gotKind, gotName)
	}
}

func TestChangeListenerNotCalledOnFailedApply(t *testing.T) {
	f := newTestFSM(t)
	calls := 0
	f.SetListener(func(kind, name string) { calls++ })

	f.Apply(&raft.Log{Data: []byte("not json")})

	if calls != 0 {
		t.Fatalf("listener called %d times on failed apply, want 0", calls)
	}
}

func TestSnapshotRestoreRoundTrips(t *testing.T) {
	f := newTestFSM(t)
	applyCommand(t, f, "put_deployment", types.DeploymentRecord{
		Deployment: types.ServiceDeployment{Name: "worker", TotalCount: 2}, Version: 1,
	})
	applyCommand(t, f, "put_assignment", types.AssignmentRecord{
		Assignment: types.ServiceAssignment{Name: "worker", Counts: map[string]int{"a": 2}}, Version: 1,
	})

	snap, err := f.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	sink := &memSnapshotSink{}
	if err := snap.Persist(sink); err != nil {
		t.Fatalf("persist: %v", err)
	}

	f2 := newTestFSM(t)
	if err := f2.Restore(io.NopCloser(bytes.NewReader(sink.buf))); err != nil {
		t.Fatalf("restore: %v", err)
	}

	got, ok := f2.Deployment("worker")
	if !ok || got.Deployment.TotalCount != 2 {
		t.Fatalf("restored deployment = %+v, ok=%v", got, ok)
	}
}

type memSnapshotSink struct {
	buf []byte
}

func (s *memSnapshotSink) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}
func (s *memSnapshotSink) Close() error  { return nil }
func (s *memSnapshotSink) ID() string    { return "test" }
func (s *memSnapshotSink) Cancel() error { return nil }
