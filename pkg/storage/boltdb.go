package storage

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketCA = []byte("ca")

const caKey = "root"

// BoltStore implements Store using BoltDB. Each cache name used with
// Put/Get/Delete/ForEach/Count gets its own bucket, created lazily on
// first write.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a BoltDB-backed store rooted
// at dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "grid.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCA)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Put(bucket string, key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		// bbolt does not take ownership of key/value between calls, but
		// it does require the slices be stable for the transaction's
		// duration; Put copies into its own pages, so no copy is needed
		// here.
		return b.Put(key, value)
	})
}

func (s *BoltStore) Get(bucket string, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return &ErrNotFound{Bucket: bucket, Key: string(key)}
		}
		data := b.Get(key)
		if data == nil {
			return &ErrNotFound{Bucket: bucket, Key: string(key)}
		}
		// data is only valid for the transaction's lifetime; copy out.
		value = append([]byte(nil), data...)
		return nil
	})
	return value, err
}

func (s *BoltStore) Delete(bucket string, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete(key)
	})
}

func (s *BoltStore) ForEach(bucket string, fn func(key, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(fn)
	})
}

func (s *BoltStore) Count(bucket string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

func (s *BoltStore) SaveCA(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCA)
		return b.Put([]byte(caKey), data)
	})
}

func (s *BoltStore) GetCA() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCA)
		v := b.Get([]byte(caKey))
		if v == nil {
			return &ErrNotFound{Bucket: "ca", Key: caKey}
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}
