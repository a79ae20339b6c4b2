// Package storage provides the grid's durable, on-disk persistence: the
// optional off-heap tier of a Cache Store and the cluster's certificate
// authority material. It does not persist partition/topology state —
// that lives in memory and is rebuilt by rebalance on restart.
package storage

// Store is a generic, bucket-partitioned byte-oriented KV store. A
// "bucket" is an isolation namespace: the off-heap cache tier uses one
// bucket per cache name, keyed by the cache key's raw bytes.
type Store interface {
	// Put writes value under key in bucket, creating bucket if absent.
	Put(bucket string, key, value []byte) error
	// Get returns the value stored under key in bucket, or ErrNotFound.
	Get(bucket string, key []byte) ([]byte, error)
	// Delete removes key from bucket. Deleting an absent key is a no-op.
	Delete(bucket string, key []byte) error
	// ForEach calls fn for every key/value pair in bucket in key order.
	// fn must not mutate the store; returning an error aborts the scan.
	ForEach(bucket string, fn func(key, value []byte) error) error
	// Count returns the number of entries in bucket.
	Count(bucket string) (int, error)

	// Certificate authority material, stored outside the cache-keyed
	// buckets since it is cluster-wide rather than per-cache.
	SaveCA(data []byte) error
	GetCA() ([]byte, error)

	Close() error
}

// ErrNotFound is returned by Get when the key is absent from the bucket.
type ErrNotFound struct {
	Bucket string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return "storage: key " + e.Key + " not found in bucket " + e.Bucket
}
