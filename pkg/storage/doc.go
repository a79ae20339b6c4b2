/*
Package storage provides BoltDB-backed, on-disk persistence for the
pieces of grid state that must survive a process restart: the optional
off-heap tier of a Cache Store (pkg/cache) and the cluster certificate
authority (pkg/security).

Store is a generic bucket-partitioned byte store rather than a typed
entity store: the cache data model (pkg/types.Entry) is serialized by
pkg/wire's codec before it reaches Put, and deserialized after Get,
keeping this package free of cache-domain knowledge. Partition and
topology state are never persisted here — they live in memory and are
rebuilt from rebalance on restart, matching spec §4.3's MOVING-first
recovery behavior.

# Usage

	store, err := storage.NewBoltStore("/var/lib/lattice/node-1")
	...
	defer store.Close()

	err = store.Put("cache:orders", key, encodedEntry)
	data, err := store.Get("cache:orders", key)
	err = store.ForEach("cache:orders", func(k, v []byte) error { ... })

# Transaction model

Reads use db.View (concurrent, MVCC snapshot); writes use db.Update
(serialized, fsync on commit). BoltDB allows only one writer at a time,
so callers performing many off-heap writes per operation (e.g. a
rebalance batch) should batch them into a single Put loop under one
call site rather than issuing one Store method call per key where
possible.
*/
package storage
