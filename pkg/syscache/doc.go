/*
Package syscache implements the System Cache (spec §4.8). It is the one
piece of grid state that is Raft-replicated rather than partitioned:
ServiceDeployment and ServiceAssignment records must stay agreed-upon
across the cluster even while ordinary caches are mid-rebalance, so the
Service Orchestrator (pkg/service) reads and writes them through this
package instead of through the Affinity Map and write path.

FSM adapts hashicorp/raft's raft.FSM to the two record types; SystemCache
wraps FSM with cluster lifecycle (Bootstrap, Join, AddVoter, RemoveServer)
reusing the same raft.Config tuning and raft-boltdb-backed log/stable
stores as the rest of the grid's storage layer. TokenManager gates
admission of a new node before AddVoter is called on its behalf.
*/
package syscache
