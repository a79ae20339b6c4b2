/*
Package types defines the core data model shared by every grid subsystem:
affinity, topology, partitioning, the cache store, the write path,
continuous queries and the service orchestrator.

# Core types

Entry, Version and Key/Value form the cache data model (§3 of the design):
Version is a totally-ordered (topology, order, nodeOrder) tuple used as the
last-writer-wins tiebreaker for ATOMIC caches.

PartitionState models a single partition's lifecycle on a single node:
MOVING -> OWNING -> RENTING -> EVICTED.

NodeInfo is a cluster member as seen by the Topology View; its Order field
is the join sequence used to deterministically pick "the oldest node of a
topology version" for single-owner computations.

ServiceDeployment / ServiceAssignment / DeploymentRecord / AssignmentRecord
are the Service Orchestrator's spec and placement types, the latter two
being the shapes persisted in the System Cache.
*/
package types
