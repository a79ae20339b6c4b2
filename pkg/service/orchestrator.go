package service

import (
	"context"
	"fmt"
	"math/rand"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/latticedb/lattice/pkg/errs"
	"github.com/latticedb/lattice/pkg/log"
	"github.com/latticedb/lattice/pkg/metrics"
	"github.com/latticedb/lattice/pkg/syscache"
	"github.com/latticedb/lattice/pkg/topology"
	"github.com/latticedb/lattice/pkg/transport"
	"github.com/latticedb/lattice/pkg/types"
	"github.com/latticedb/lattice/pkg/wire"
)

// Config configures an Orchestrator.
type Config struct {
	NodeID       string
	Backups      int           // passed to affinity.Primary for key-affinity singletons
	RetryTimeout time.Duration // service.retryTimeout (spec §6); default 5s
}

type runningInstance struct {
	inst   Instance
	cancel context.CancelFunc
	done   chan struct{}
}

// systemCacheClient is the subset of *syscache.SystemCache the
// orchestrator needs: deployment/assignment CRUD, Raft leadership, and
// the change-notification hook. Declared here, against the concrete
// type, so tests can substitute a fake without standing up a real Raft
// cluster.
type systemCacheClient interface {
	PutDeployment(rec types.DeploymentRecord) error
	DeleteDeployment(name string) error
	PutAssignment(rec types.AssignmentRecord) error
	DeleteAssignment(name string) error
	Deployment(name string) (types.DeploymentRecord, bool)
	Deployments() []types.DeploymentRecord
	Assignment(name string) (types.AssignmentRecord, bool)
	IsLeader() bool
	LeaderAddr() string
	SetChangeListener(l syscache.ChangeListener)
}

var _ systemCacheClient = (*syscache.SystemCache)(nil)

// Orchestrator is one node's Service Orchestrator (spec §4.7). It reacts
// to two independent signals: a System Cache deployment/assignment
// change (via syscache.ChangeListener, fired in Raft log order on every
// node) and a topology change (via topology.Listener, which can shift
// who the oldest node is and so who is responsible for recomputing
// placement).
type Orchestrator struct {
	cfg      Config
	topology *topology.Manager
	syscache systemCacheClient
	sender   transport.Sender

	mu      sync.Mutex
	futures map[string]*Future                 // name -> this node's Deploy() future
	running map[string]map[int]*runningInstance // name -> slot -> instance

	rngMu sync.Mutex
	rng   *rand.Rand

	logger zerolog.Logger
}

// New creates an Orchestrator for cfg.NodeID, wiring it to the System
// Cache's change notifications and the topology's membership changes.
func New(topo *topology.Manager, sc systemCacheClient, sender transport.Sender, cfg Config) *Orchestrator {
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = 5 * time.Second
	}
	o := &Orchestrator{
		cfg:      cfg,
		topology: topo,
		syscache: sc,
		sender:   sender,
		futures:  make(map[string]*Future),
		running:  make(map[string]map[int]*runningInstance),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:   log.WithComponent("service"),
	}
	sc.SetChangeListener(o.onSystemCacheChange)
	topo.Subscribe(o.onTopologyChange)
	return o
}

// InstanceCounts returns the number of locally running instances per
// deployed service name, for the metrics Collector's
// ServiceInstanceCounts sample.
func (o *Orchestrator) InstanceCounts() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	counts := make(map[string]int, len(o.running))
	for name, slots := range o.running {
		counts[name] = len(slots)
	}
	return counts
}

// Deploy installs spec, idempotent per name (spec §4.7 "deploy"): a
// second call with an identical spec returns the same Future; a second
// call with a different spec under the same name fails with
// ConfigurationError. A factory for spec.ServiceBytes (its registered
// name) must already be registered via RegisterFactory.
func (o *Orchestrator) Deploy(ctx context.Context, spec types.ServiceDeployment) (*Future, error) {
	if err := spec.Valid(); err != nil {
		return nil, &errs.ConfigurationError{Reason: err.Error()}
	}
	if _, ok := lookupFactory(string(spec.ServiceBytes)); !ok {
		return nil, &errs.ConfigurationError{Reason: fmt.Sprintf("no factory registered for %q", string(spec.ServiceBytes))}
	}

	o.mu.Lock()
	if existing, ok := o.futures[spec.Name]; ok {
		o.mu.Unlock()
		if rec, ok := o.syscache.Deployment(spec.Name); ok && !deploymentEqual(rec.Deployment, spec) {
			return nil, &errs.ConfigurationError{Reason: fmt.Sprintf("service %q already deployed with a different spec", spec.Name)}
		}
		return existing, nil
	}
	if rec, ok := o.syscache.Deployment(spec.Name); ok {
		o.mu.Unlock()
		if !deploymentEqual(rec.Deployment, spec) {
			return nil, &errs.ConfigurationError{Reason: fmt.Sprintf("service %q already deployed with a different spec", spec.Name)}
		}
		future := newFuture()
		future.complete(nil)
		o.mu.Lock()
		o.futures[spec.Name] = future
		o.mu.Unlock()
		return future, nil
	}
	future := newFuture()
	o.futures[spec.Name] = future
	o.mu.Unlock()

	err := o.putDeployment(ctx, spec, false)
	future.complete(err)
	return future, err
}

func deploymentEqual(a, b types.ServiceDeployment) bool {
	return reflect.DeepEqual(a, b)
}

// DeployNodeSingleton deploys one instance of factory on every node
// matching group (spec §4.7: TotalCount=0, PerNodeCount=1).
func (o *Orchestrator) DeployNodeSingleton(ctx context.Context, group map[string]string, name string, factory Factory) (*Future, error) {
	RegisterFactory(name, factory)
	return o.Deploy(ctx, types.ServiceDeployment{Name: name, ServiceBytes: []byte(name), NodeFilter: group, PerNodeCount: 1})
}

// DeployClusterSingleton deploys exactly one instance of factory
// cluster-wide (spec §4.7: TotalCount=1, PerNodeCount=1).
func (o *Orchestrator) DeployClusterSingleton(ctx context.Context, group map[string]string, name string, factory Factory) (*Future, error) {
	RegisterFactory(name, factory)
	return o.Deploy(ctx, types.ServiceDeployment{Name: name, ServiceBytes: []byte(name), NodeFilter: group, TotalCount: 1, PerNodeCount: 1})
}

// DeployKeyAffinitySingleton deploys exactly one instance of factory,
// pinned to whichever node is the primary of affKey in cacheName at
// each topology version (spec §4.7).
func (o *Orchestrator) DeployKeyAffinitySingleton(ctx context.Context, name string, factory Factory, cacheName string, affKey types.Key) (*Future, error) {
	RegisterFactory(name, factory)
	return o.Deploy(ctx, types.ServiceDeployment{Name: name, ServiceBytes: []byte(name), CacheName: cacheName, AffinityKey: affKey, TotalCount: 1, PerNodeCount: 1})
}

// Cancel removes name's deployment and assignment records; every node
// converges its running instance count for name to zero as the
// deletion reaches it (spec §4.7 "Assignment delete").
func (o *Orchestrator) Cancel(ctx context.Context, name string) error {
	o.mu.Lock()
	delete(o.futures, name)
	o.mu.Unlock()
	return o.putDeployment(ctx, types.ServiceDeployment{Name: name}, true)
}

// CancelAll cancels every currently deployed service.
func (o *Orchestrator) CancelAll(ctx context.Context) error {
	for _, rec := range o.syscache.Deployments() {
		if err := o.Cancel(ctx, rec.Deployment.Name); err != nil {
			return err
		}
	}
	return nil
}

// putDeployment persists spec to the System Cache, applying it directly
// if this node is the Raft leader, or forwarding it via ServiceDeploy to
// whichever node is if not.
func (o *Orchestrator) putDeployment(ctx context.Context, spec types.ServiceDeployment, remove bool) error {
	if o.syscache.IsLeader() {
		if remove {
			if err := o.syscache.DeleteDeployment(spec.Name); err != nil {
				return err
			}
			return o.syscache.DeleteAssignment(spec.Name)
		}
		return o.syscache.PutDeployment(types.DeploymentRecord{Deployment: spec, Version: 1})
	}

	leaderID, ok := o.leaderNodeID()
	if !ok {
		return fmt.Errorf("service: system cache has no known leader")
	}
	resp, err := o.sender.Send(ctx, leaderID, wire.TypeServiceDeploy, wire.ServiceDeploy{Deployment: spec, Version: 1, Remove: remove})
	if err != nil {
		return fmt.Errorf("service: forward deploy to %s: %w", leaderID, err)
	}
	ack, ok := resp.(wire.Ack)
	if !ok {
		return fmt.Errorf("service: unexpected response forwarding deploy to %s", leaderID)
	}
	if !ack.OK {
		return fmt.Errorf("service: %s", ack.Err)
	}
	return nil
}

// leaderNodeID maps the System Cache's current Raft leader address back
// to a grid node id by scanning the current topology view.
func (o *Orchestrator) leaderNodeID() (string, bool) {
	addr := o.syscache.LeaderAddr()
	if addr == "" {
		return "", false
	}
	for _, n := range o.topology.Current().Nodes {
		if n.Address == addr {
			return n.NodeID, true
		}
	}
	return "", false
}

// HandleServiceDeploy is the Raft leader's receive-side handler for a
// ServiceDeploy forwarded from a non-leader node.
func (o *Orchestrator) HandleServiceDeploy(req wire.ServiceDeploy) wire.Ack {
	if !o.syscache.IsLeader() {
		return wire.Ack{OK: false, Err: "service: not the system cache leader"}
	}
	var err error
	if req.Remove {
		if err = o.syscache.DeleteDeployment(req.Deployment.Name); err == nil {
			err = o.syscache.DeleteAssignment(req.Deployment.Name)
		}
	} else {
		err = o.syscache.PutDeployment(types.DeploymentRecord{Deployment: req.Deployment, Version: req.Version})
	}
	if err != nil {
		return wire.Ack{OK: false, Err: err.Error()}
	}
	return wire.Ack{OK: true}
}

// HandleServiceAssign is the Raft leader's receive-side handler for a
// computed assignment forwarded by the oldest topology node, when that
// node is not itself the leader.
func (o *Orchestrator) HandleServiceAssign(req wire.ServiceAssign) wire.Ack {
	if !o.syscache.IsLeader() {
		return wire.Ack{OK: false, Err: "service: not the system cache leader"}
	}
	if err := o.syscache.PutAssignment(types.AssignmentRecord{Assignment: req.Assignment, Version: req.Version}); err != nil {
		return wire.Ack{OK: false, Err: err.Error()}
	}
	return wire.Ack{OK: true}
}

func (o *Orchestrator) onSystemCacheChange(kind, name string) {
	switch kind {
	case "deployment":
		go o.maybeReassign(name)
	case "assignment":
		go o.reconcile(name)
	}
}

func (o *Orchestrator) onTopologyChange(_ *topology.View) {
	for _, rec := range o.syscache.Deployments() {
		go o.maybeReassign(rec.Deployment.Name)
	}
}

// maybeReassign recomputes name's placement if this node is the oldest
// node of the current topology version (spec §4.7 step 0), then
// persists it — directly if this node is also the Raft leader, or via
// a forwarded ServiceAssign otherwise. A topology change mid-computation
// is not specially detected here: the next onTopologyChange firing
// simply recomputes against the newer view, matching spec §4.7's
// "the algorithm restarts from step 1 against the newer T".
func (o *Orchestrator) maybeReassign(name string) {
	view := o.topology.Current()
	oldest, ok := view.Oldest()
	if !ok || oldest.NodeID != o.cfg.NodeID {
		return
	}

	rec, ok := o.syscache.Deployment(name)
	if !ok {
		return
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ServiceConvergenceDuration, name)

	var current map[string]int
	if prev, ok := o.syscache.Assignment(name); ok {
		current = prev.Assignment.Counts
	}

	o.rngMu.Lock()
	assignment := computeAssignment(rec.Deployment, view, current, o.cfg.Backups, o.rng)
	o.rngMu.Unlock()

	assignRec := types.AssignmentRecord{Assignment: assignment, Version: nextVersion(current != nil)}

	var err error
	if o.syscache.IsLeader() {
		err = o.syscache.PutAssignment(assignRec)
	} else {
		err = o.forwardAssignment(assignRec)
	}
	if err != nil {
		o.logger.Warn().Err(err).Str("service", name).Msg("failed to persist assignment, retrying")
		metrics.ServiceDeploymentFailuresTotal.WithLabelValues(name).Inc()
		time.AfterFunc(o.cfg.RetryTimeout, func() { o.maybeReassign(name) })
	}
}

func nextVersion(hadPrevious bool) uint64 {
	if hadPrevious {
		return uint64(time.Now().UnixNano())
	}
	return 1
}

func (o *Orchestrator) forwardAssignment(rec types.AssignmentRecord) error {
	leaderID, ok := o.leaderNodeID()
	if !ok {
		return fmt.Errorf("service: system cache has no known leader")
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.RetryTimeout)
	defer cancel()
	resp, err := o.sender.Send(ctx, leaderID, wire.TypeServiceAssign, wire.ServiceAssign{Assignment: rec.Assignment, Version: rec.Version})
	if err != nil {
		return fmt.Errorf("service: forward assignment to %s: %w", leaderID, err)
	}
	ack, ok := resp.(wire.Ack)
	if !ok {
		return fmt.Errorf("service: unexpected response forwarding assignment to %s", leaderID)
	}
	if !ack.OK {
		return fmt.Errorf("service: %s", ack.Err)
	}
	return nil
}

// reconcile converges this node's locally running instance count for
// name to its entry in the current assignment (spec §4.7 "Assignment
// upsert"/"Assignment delete").
func (o *Orchestrator) reconcile(name string) {
	desired := 0
	if rec, ok := o.syscache.Assignment(name); ok {
		desired = rec.Assignment.Counts[o.cfg.NodeID]
	}

	depRec, depOK := o.syscache.Deployment(name)

	o.mu.Lock()
	slots := o.running[name]
	if slots == nil {
		slots = make(map[int]*runningInstance)
		o.running[name] = slots
	}
	currentCount := len(slots)
	o.mu.Unlock()

	if desired > currentCount {
		if !depOK {
			o.logger.Warn().Str("service", name).Msg("assignment references unknown deployment")
			return
		}
		factory, ok := lookupFactory(string(depRec.Deployment.ServiceBytes))
		if !ok {
			o.logger.Error().Str("service", name).Msg("no factory registered for deployment")
			metrics.ServiceDeploymentFailuresTotal.WithLabelValues(name).Inc()
			return
		}
		for i := currentCount; i < desired; i++ {
			o.startInstance(name, i, factory)
		}
	} else if desired < currentCount {
		o.mu.Lock()
		var excess []int
		for slot := range o.running[name] {
			if slot >= desired {
				excess = append(excess, slot)
			}
		}
		o.mu.Unlock()
		for _, slot := range excess {
			o.stopInstance(name, slot)
		}
	}

	metrics.ServiceInstancesTotal.WithLabelValues(name).Set(float64(desired))
}

// startInstance runs one new copy of factory in its own single-threaded
// executor: one goroutine, one instance, communicating only through
// ctx cancellation and the Cancel hook (spec §4.7 "own single-threaded
// executor so a hang in one instance does not stall others").
func (o *Orchestrator) startInstance(name string, slot int, factory Factory) {
	inst := factory()
	ctx, cancel := context.WithCancel(context.Background())
	ri := &runningInstance{inst: inst, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	o.running[name][slot] = ri
	o.mu.Unlock()

	go func() {
		defer close(ri.done)
		if err := inst.Execute(ctx); err != nil && ctx.Err() == nil {
			o.logger.Warn().Err(err).Str("service", name).Int("slot", slot).Msg("service instance exited with error")
			metrics.ServiceDeploymentFailuresTotal.WithLabelValues(name).Inc()
		}
		o.mu.Lock()
		if cur, ok := o.running[name][slot]; ok && cur == ri {
			delete(o.running[name], slot)
		}
		o.mu.Unlock()
	}()
}

func (o *Orchestrator) stopInstance(name string, slot int) {
	o.mu.Lock()
	ri, ok := o.running[name][slot]
	if ok {
		delete(o.running[name], slot)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	ri.inst.Cancel()
	ri.cancel()
	<-ri.done
}

// LocalCaller invokes req against a locally running Instance. Supplied
// by the caller since an Instance's application-level API is opaque to
// the orchestrator.
type LocalCaller func(inst Instance, req interface{}) (interface{}, error)

// RemoteCaller forwards req to nodeID and returns its response.
type RemoteCaller func(ctx context.Context, nodeID string, req interface{}) (interface{}, error)

// Invoker is returned by ServiceProxy.
type Invoker func(ctx context.Context, req interface{}) (interface{}, error)

// ServiceProxy returns an invoker for name (spec §4.7 "serviceProxy"):
// if this node runs an instance of name, it calls local directly;
// otherwise it picks a node from name's current assignment — restricted
// to nodes matching group, if non-empty — and calls remote. When sticky
// is set, the chosen node is reused for the life of the returned
// Invoker.
func (o *Orchestrator) ServiceProxy(name string, group map[string]string, sticky bool, local LocalCaller, remote RemoteCaller) Invoker {
	var mu sync.Mutex
	var stickyNode string

	return func(ctx context.Context, req interface{}) (interface{}, error) {
		o.mu.Lock()
		var anyInstance Instance
		for _, ri := range o.running[name] {
			anyInstance = ri.inst
			break
		}
		o.mu.Unlock()
		if anyInstance != nil {
			return local(anyInstance, req)
		}

		mu.Lock()
		node := stickyNode
		mu.Unlock()

		if node == "" {
			rec, ok := o.syscache.Assignment(name)
			if !ok {
				return nil, fmt.Errorf("service: %q has no live assignment", name)
			}
			view := o.topology.Current()
			candidates := map[string]int{}
			for nodeID, count := range rec.Assignment.Counts {
				if count <= 0 {
					continue
				}
				if n, ok := view.NodeByID(nodeID); ok && matchesFilter(n, group) {
					candidates[nodeID] = count
				}
			}
			o.rngMu.Lock()
			node = pickOwner(candidates, o.rng)
			o.rngMu.Unlock()
			if node == "" {
				return nil, fmt.Errorf("service: %q has no running instances", name)
			}
			if sticky {
				mu.Lock()
				stickyNode = node
				mu.Unlock()
			}
		}

		return remote(ctx, node, req)
	}
}

func pickOwner(counts map[string]int, rng *rand.Rand) string {
	var ids []string
	for id, c := range counts {
		if c > 0 {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)
	return ids[rng.Intn(len(ids))]
}
