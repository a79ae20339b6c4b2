/*
Package cache implements the Cache Store (spec §4.4).

Store is the per-node, per-partition key/value map. Partitioning
reuses pkg/affinity so routing agrees with every other subsystem;
Ownership (implemented by pkg/partition) gates which partitions are
locally readable/writable; EventSink (implemented by pkg/cq) receives
one CacheEvent per applied mutation.

lru.go implements the optional per-block LRU eviction policy, striped
one lruPolicy per partition. ExpireClock drives TTL expiry on an
interval, sweeping only partitions this node is primary for (or every
partition, if the cache is REPLICATED).

This package does not implement the write path's sync-mode/atomicity
behavior or backup fan-out — see pkg/writepath, which calls Put/Remove/
ApplyIfNewer after a write has been accepted according to its sync
mode.
*/
package cache
