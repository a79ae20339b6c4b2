// Package syscache implements the System Cache (spec §4.8): a small
// REPLICATED cache holding deployment and assignment metadata for the
// Service Orchestrator. Unlike user caches, which are partitioned by the
// Affinity Map and replicated through the grid's own write path, the
// System Cache is backed by github.com/hashicorp/raft so every node
// agrees on deployments even during a data-partition rebalance.
package syscache

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/latticedb/lattice/pkg/log"
	"github.com/latticedb/lattice/pkg/metrics"
	"github.com/latticedb/lattice/pkg/security"
	"github.com/latticedb/lattice/pkg/storage"
	"github.com/latticedb/lattice/pkg/types"
)

// Config configures a System Cache instance.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// SystemCache is a single node's view of the Raft-replicated deployment
// and assignment metadata.
type SystemCache struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft  *raft.Raft
	fsm   *FSM
	store storage.Store
	ca    *security.CertAuthority
}

// New creates a System Cache rooted at cfg.DataDir. Call Bootstrap or
// Join before using it.
func New(cfg Config) (*SystemCache, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("syscache: create data dir: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("syscache: create store: %w", err)
	}

	return &SystemCache{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      NewFSM(store),
		store:    store,
		ca:       security.NewCertAuthority(store),
	}, nil
}

func (s *SystemCache) raftConfig() *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(s.nodeID)

	// The grid targets sub-10s failover for the Service Orchestrator's
	// assignment leadership; hashicorp/raft's WAN-oriented defaults are
	// conservative for a LAN-deployed grid.
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	cfg.ElectionTimeout = 500 * time.Millisecond
	cfg.CommitTimeout = 50 * time.Millisecond
	cfg.LeaderLeaseTimeout = 250 * time.Millisecond
	return cfg
}

func (s *SystemCache) newRaft(cfg *raft.Config) (*raft.Raft, *raft.TCPTransport, error) {
	addr, err := net.ResolveTCPAddr("tcp", s.bindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("syscache: resolve bind addr: %w", err)
	}

	transport, err := raft.NewTCPTransport(s.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("syscache: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(s.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("syscache: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(s.dataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("syscache: create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(s.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("syscache: create stable store: %w", err)
	}

	r, err := raft.NewRaft(cfg, s.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("syscache: create raft: %w", err)
	}
	return r, transport, nil
}

// Bootstrap starts a new single-node Raft cluster and initializes the
// cluster certificate authority. Call this only on the first node of a
// new grid.
func (s *SystemCache) Bootstrap() error {
	cfg := s.raftConfig()

	r, transport, err := s.newRaft(cfg)
	if err != nil {
		return err
	}
	s.raft = r

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: cfg.LocalID, Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("syscache: bootstrap cluster: %w", err)
	}

	if err := s.ca.Initialize(); err != nil {
		return fmt.Errorf("syscache: initialize CA: %w", err)
	}
	if err := s.ca.SaveToStore(); err != nil {
		return fmt.Errorf("syscache: save CA: %w", err)
	}

	log.WithComponent("syscache").Info().Str("node_id", s.nodeID).Msg("bootstrapped system cache")
	return nil
}

// Join starts this node's Raft instance and waits to be added as a
// voter by the current leader (via AddVoter, invoked out of band by
// whoever orchestrates the join — the join transport itself is an
// excluded collaborator per spec §1).
func (s *SystemCache) Join() error {
	cfg := s.raftConfig()

	r, _, err := s.newRaft(cfg)
	if err != nil {
		return err
	}
	s.raft = r

	log.WithComponent("syscache").Info().Str("node_id", s.nodeID).Msg("raft started, awaiting AddVoter")
	return nil
}

// LoadCA loads the cluster CA from this node's local store. The Raft
// log and snapshots carry no CA material, so the store holds a CA only
// where one was saved locally.
func (s *SystemCache) LoadCA() error {
	return s.ca.LoadFromStore()
}

// CA returns the cluster certificate authority.
func (s *SystemCache) CA() *security.CertAuthority {
	return s.ca
}

// AddVoter adds nodeID at address as a Raft voter. Must be called on
// the current leader.
func (s *SystemCache) AddVoter(nodeID, address string) error {
	if s.raft == nil {
		return fmt.Errorf("syscache: raft not initialized")
	}
	if !s.IsLeader() {
		return fmt.Errorf("syscache: not the leader, current leader: %s", s.LeaderAddr())
	}
	future := s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	return future.Error()
}

// RemoveServer removes nodeID from the Raft configuration.
func (s *SystemCache) RemoveServer(nodeID string) error {
	if s.raft == nil {
		return fmt.Errorf("syscache: raft not initialized")
	}
	if !s.IsLeader() {
		return fmt.Errorf("syscache: not the leader")
	}
	future := s.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	return future.Error()
}

// IsLeader reports whether this node is the current Raft leader.
func (s *SystemCache) IsLeader() bool {
	return s.raft != nil && s.raft.State() == raft.Leader
}

// LeaderAddr returns the current Raft leader's address.
func (s *SystemCache) LeaderAddr() string {
	if s.raft == nil {
		return ""
	}
	return string(s.raft.Leader())
}

// AppliedIndex returns the last Raft log index applied to the FSM.
func (s *SystemCache) AppliedIndex() uint64 {
	if s.raft == nil {
		return 0
	}
	return s.raft.AppliedIndex()
}

func (s *SystemCache) apply(op string, data interface{}) error {
	if s.raft == nil {
		return fmt.Errorf("syscache: raft not initialized")
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftCommitDuration)

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("syscache: marshal command data: %w", err)
	}
	cmd, err := json.Marshal(Command{Op: op, Data: raw})
	if err != nil {
		return fmt.Errorf("syscache: marshal command: %w", err)
	}

	future := s.raft.Apply(cmd, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("syscache: apply: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// PutDeployment registers or updates a service deployment.
func (s *SystemCache) PutDeployment(rec types.DeploymentRecord) error {
	return s.apply("put_deployment", rec)
}

// DeleteDeployment unregisters a service deployment by name.
func (s *SystemCache) DeleteDeployment(name string) error {
	return s.apply("delete_deployment", name)
}

// PutAssignment publishes a new placement for a service.
func (s *SystemCache) PutAssignment(rec types.AssignmentRecord) error {
	return s.apply("put_assignment", rec)
}

// DeleteAssignment removes a service's placement record.
func (s *SystemCache) DeleteAssignment(name string) error {
	return s.apply("delete_assignment", name)
}

// Deployment returns the current deployment record for name.
func (s *SystemCache) Deployment(name string) (types.DeploymentRecord, bool) {
	return s.fsm.Deployment(name)
}

// Deployments returns every registered deployment.
func (s *SystemCache) Deployments() []types.DeploymentRecord {
	return s.fsm.Deployments()
}

// Assignment returns the current placement record for name.
func (s *SystemCache) Assignment(name string) (types.AssignmentRecord, bool) {
	return s.fsm.Assignment(name)
}

// Assignments returns every current placement record.
func (s *SystemCache) Assignments() []types.AssignmentRecord {
	return s.fsm.Assignments()
}

// SetChangeListener installs l to be called, on every node, after a
// deployment or assignment record is applied through the Raft log —
// the Service Orchestrator's hook for reacting to redeployment and
// reassignment without a separate Continuous Query subscription (see
// ChangeListener). Call before Bootstrap/Join.
func (s *SystemCache) SetChangeListener(l ChangeListener) {
	s.fsm.SetListener(l)
}

// Close releases the underlying store.
func (s *SystemCache) Close() error {
	return s.store.Close()
}
