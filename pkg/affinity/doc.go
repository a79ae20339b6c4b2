/*
Package affinity implements the Affinity Map: the pure function every
node uses to compute, without coordination, which nodes own a given
partition at a given topology version.

Partition hashes a key to its partition id. Map, Primary, Backups and
Owns all derive from the same rendezvous-hashing core so a Topology
View change (pkg/topology) and the Partition State Machine's rebalance
decision (pkg/partition) always agree on the target ownership for any
topology version they both observe.
*/
package affinity
