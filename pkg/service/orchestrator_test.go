package service

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/pkg/syscache"
	"github.com/latticedb/lattice/pkg/topology"
	"github.com/latticedb/lattice/pkg/types"
)

// fakeSystemCache is a single-process stand-in for *syscache.SystemCache:
// it keeps the same Deployment/Assignment record shapes and fires the
// same ChangeListener callback, but applies writes synchronously
// in-memory instead of through Raft, so these tests exercise the
// orchestrator's logic without standing up a real cluster.
type fakeSystemCache struct {
	mu          sync.Mutex
	leader      bool
	deployments map[string]types.DeploymentRecord
	assignments map[string]types.AssignmentRecord
	onChange    syscache.ChangeListener
}

func newFakeSystemCache(leader bool) *fakeSystemCache {
	return &fakeSystemCache{
		leader:      leader,
		deployments: make(map[string]types.DeploymentRecord),
		assignments: make(map[string]types.AssignmentRecord),
	}
}

func (f *fakeSystemCache) PutDeployment(rec types.DeploymentRecord) error {
	f.mu.Lock()
	f.deployments[rec.Deployment.Name] = rec
	cb := f.onChange
	f.mu.Unlock()
	if cb != nil {
		cb("deployment", rec.Deployment.Name)
	}
	return nil
}

func (f *fakeSystemCache) DeleteDeployment(name string) error {
	f.mu.Lock()
	delete(f.deployments, name)
	cb := f.onChange
	f.mu.Unlock()
	if cb != nil {
		cb("deployment", name)
	}
	return nil
}

func (f *fakeSystemCache) PutAssignment(rec types.AssignmentRecord) error {
	f.mu.Lock()
	f.assignments[rec.Assignment.Name] = rec
	cb := f.onChange
	f.mu.Unlock()
	if cb != nil {
		cb("assignment", rec.Assignment.Name)
	}
	return nil
}

func (f *fakeSystemCache) DeleteAssignment(name string) error {
	f.mu.Lock()
	delete(f.assignments, name)
	cb := f.onChange
	f.mu.Unlock()
	if cb != nil {
		cb("assignment", name)
	}
	return nil
}

func (f *fakeSystemCache) Deployment(name string) (types.DeploymentRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.deployments[name]
	return rec, ok
}

func (f *fakeSystemCache) Deployments() []types.DeploymentRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.DeploymentRecord, 0, len(f.deployments))
	for _, rec := range f.deployments {
		out = append(out, rec)
	}
	return out
}

func (f *fakeSystemCache) Assignment(name string) (types.AssignmentRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.assignments[name]
	return rec, ok
}

func (f *fakeSystemCache) IsLeader() bool { return f.leader }
func (f *fakeSystemCache) LeaderAddr() string {
	if f.leader {
		return "self"
	}
	return "other"
}
func (f *fakeSystemCache) SetChangeListener(l syscache.ChangeListener) {
	f.mu.Lock()
	f.onChange = l
	f.mu.Unlock()
}

type echoInstance struct {
	cancelled chan struct{}
}

func newEchoInstance() Instance { return &echoInstance{cancelled: make(chan struct{})} }

func (e *echoInstance) Execute(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
func (e *echoInstance) Cancel() { close(e.cancelled) }

func TestDeployPersistsAndConvergesLocalInstance(t *testing.T) {
	RegisterFactory("echo-single", newEchoInstance)

	topo := topology.NewManager(types.NodeInfo{NodeID: "n1"})
	sc := newFakeSystemCache(true)
	o := New(topo, sc, nil, Config{NodeID: "n1"})

	future, err := o.DeployClusterSingleton(context.Background(), nil, "echo-single", newEchoInstance)
	require.NoError(t, err)
	require.NoError(t, future.Wait(context.Background()))

	require.Eventually(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return len(o.running["echo-single"]) == 1
	}, time.Second, time.Millisecond)
}

func TestDeployTwiceWithSameSpecReturnsSameFuture(t *testing.T) {
	topo := topology.NewManager(types.NodeInfo{NodeID: "n1"})
	sc := newFakeSystemCache(true)
	o := New(topo, sc, nil, Config{NodeID: "n1"})

	f1, err := o.DeployClusterSingleton(context.Background(), nil, "dup", newEchoInstance)
	require.NoError(t, err)
	f2, err := o.DeployClusterSingleton(context.Background(), nil, "dup", newEchoInstance)
	require.NoError(t, err)
	require.Same(t, f1, f2)
}

func TestDeployWithDifferentSpecUnderSameNameFails(t *testing.T) {
	topo := topology.NewManager(types.NodeInfo{NodeID: "n1"})
	sc := newFakeSystemCache(true)
	o := New(topo, sc, nil, Config{NodeID: "n1"})

	_, err := o.DeployClusterSingleton(context.Background(), nil, "conflict", newEchoInstance)
	require.NoError(t, err)

	_, err = o.DeployNodeSingleton(context.Background(), nil, "conflict", newEchoInstance)
	require.Error(t, err)
}

func TestCancelDrainsRunningInstances(t *testing.T) {
	topo := topology.NewManager(types.NodeInfo{NodeID: "n1"})
	sc := newFakeSystemCache(true)
	o := New(topo, sc, nil, Config{NodeID: "n1"})

	_, err := o.DeployClusterSingleton(context.Background(), nil, "cancelme", newEchoInstance)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return len(o.running["cancelme"]) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, o.Cancel(context.Background(), "cancelme"))

	require.Eventually(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return len(o.running["cancelme"]) == 0
	}, time.Second, time.Millisecond)
}

func TestReconcileScalesUpAndDownWithAssignment(t *testing.T) {
	topo := topology.NewManager(types.NodeInfo{NodeID: "n1"})
	sc := newFakeSystemCache(true)
	o := New(topo, sc, nil, Config{NodeID: "n1"})

	require.NoError(t, sc.PutDeployment(types.DeploymentRecord{
		Deployment: types.ServiceDeployment{Name: "scaler", ServiceBytes: []byte("scaler-factory"), PerNodeCount: 3},
		Version:    1,
	}))
	RegisterFactory("scaler-factory", newEchoInstance)

	require.NoError(t, sc.PutAssignment(types.AssignmentRecord{
		Assignment: types.ServiceAssignment{Name: "scaler", Topology: 1, Counts: map[string]int{"n1": 3}},
		Version:    1,
	}))

	require.Eventually(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return len(o.running["scaler"]) == 3
	}, time.Second, time.Millisecond)

	require.NoError(t, sc.PutAssignment(types.AssignmentRecord{
		Assignment: types.ServiceAssignment{Name: "scaler", Topology: 1, Counts: map[string]int{"n1": 1}},
		Version:    2,
	}))

	require.Eventually(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return len(o.running["scaler"]) == 1
	}, time.Second, time.Millisecond)
}

func TestComputeAssignmentAffinityKeySingleton(t *testing.T) {
	view := &topology.View{Version: 1, Nodes: []types.NodeInfo{{NodeID: "a"}, {NodeID: "b"}, {NodeID: "c"}}}
	dep := types.ServiceDeployment{Name: "pinned", TotalCount: 1, PerNodeCount: 1, AffinityKey: types.Key("order-42")}

	a1 := computeAssignment(dep, view, nil, 0, newTestRand())
	a2 := computeAssignment(dep, view, nil, 0, newTestRand())

	require.Equal(t, a1.Counts, a2.Counts)
	total := 0
	for _, c := range a1.Counts {
		total += c
	}
	require.Equal(t, 1, total)
}

func TestComputeAssignmentDistributesRemainderDeterministically(t *testing.T) {
	view := &topology.View{Version: 1, Nodes: []types.NodeInfo{{NodeID: "a"}, {NodeID: "b"}, {NodeID: "c"}}}
	dep := types.ServiceDeployment{Name: "spread", TotalCount: 4}

	a := computeAssignment(dep, view, nil, 0, newTestRand())
	require.Equal(t, a.Counts, computeAssignment(dep, view, nil, 0, newTestRand()).Counts)

	total := 0
	for _, c := range a.Counts {
		require.GreaterOrEqual(t, c, 1)
		total += c
	}
	require.Equal(t, 4, total)
}

func TestComputeAssignmentHonorsNodeFilter(t *testing.T) {
	view := &topology.View{Version: 1, Nodes: []types.NodeInfo{
		{NodeID: "a", Attributes: map[string]string{"role": "worker"}},
		{NodeID: "b", Attributes: map[string]string{"role": "manager"}},
	}}
	dep := types.ServiceDeployment{Name: "filtered", PerNodeCount: 1, NodeFilter: map[string]string{"role": "worker"}}

	a := computeAssignment(dep, view, nil, 0, newTestRand())

	require.Equal(t, map[string]int{"a": 1}, a.Counts)
}

func TestServiceProxyShortCircuitsToLocalInstance(t *testing.T) {
	topo := topology.NewManager(types.NodeInfo{NodeID: "n1"})
	sc := newFakeSystemCache(true)
	o := New(topo, sc, nil, Config{NodeID: "n1"})

	o.mu.Lock()
	o.running["proxied"] = map[int]*runningInstance{0: {inst: &echoInstance{cancelled: make(chan struct{})}}}
	o.mu.Unlock()

	var remoteCalled bool
	invoke := o.ServiceProxy("proxied", nil, false,
		func(Instance, interface{}) (interface{}, error) { return "local", nil },
		func(context.Context, string, interface{}) (interface{}, error) { remoteCalled = true; return "remote", nil })

	resp, err := invoke(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "local", resp)
	require.False(t, remoteCalled)
}

func TestServiceProxyForwardsToAssignedRemoteNode(t *testing.T) {
	topo := topology.NewManager(types.NodeInfo{NodeID: "n1"})
	topo.Join(types.NodeInfo{NodeID: "n2"})
	sc := newFakeSystemCache(true)
	o := New(topo, sc, nil, Config{NodeID: "n1"})

	require.NoError(t, sc.PutAssignment(types.AssignmentRecord{
		Assignment: types.ServiceAssignment{Name: "remote-svc", Counts: map[string]int{"n2": 1}},
	}))

	var calledNode string
	invoke := o.ServiceProxy("remote-svc", nil, true,
		func(Instance, interface{}) (interface{}, error) { return nil, nil },
		func(_ context.Context, node string, _ interface{}) (interface{}, error) { calledNode = node; return "ok", nil })

	resp, err := invoke(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "ok", resp)
	require.Equal(t, "n2", calledNode)
}

func newTestRand() *rand.Rand { return rand.New(rand.NewSource(42)) }
