// Package partition implements the Partition State Machine (spec §4.3):
// per partition, per node, the MOVING -> OWNING -> RENTING -> EVICTED
// lifecycle that drives rebalancing when the Topology View changes.
//
// Manager is the pkg/cache.Ownership implementation for one named
// cache: the Cache Store asks it "is partition P readable/primary
// here?" and refuses operations it answers no to. Manager itself
// reacts to topology.Manager's change notifications by diffing the
// previous and current Affinity Map and driving data across the wire
// via RebalanceBatch messages, the same sender/receiver batch-and-ack
// shape pkg/writepath uses for backup replication.
package partition
