package catalog

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("catalog")

type boltEngine struct {
	db *bolt.DB
}

func openBolt(dir string, sync bool) (engine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(dir, "catalog.db"), 0o600, &bolt.Options{
		Timeout: time.Second,
		NoSync:  !sync,
	})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltEngine{db: db}, nil
}

func (e *boltEngine) Get(key []byte) ([]byte, bool, error) {
	var (
		val   []byte
		found bool
	)
	err := e.db.View(func(tx *bolt.Tx) error {
		k, v := tx.Bucket(boltBucket).Cursor().Seek(key)
		if k != nil && bytes.Equal(k, key) {
			found = true
			val = bytes.Clone(v)
		}
		return nil
	})
	return val, found, err
}

func (e *boltEngine) Set(key, value []byte) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put(key, value)
	})
}

// IteratePrefix snapshots matching entries before calling fn, so fn may write
// without holding a read transaction open in the same goroutine.
func (e *boltEngine) IteratePrefix(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	var keys, vals [][]byte
	err := e.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			keys = append(keys, bytes.Clone(k))
			vals = append(vals, bytes.Clone(v))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(keys[i], vals[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *boltEngine) Close() error {
	return e.db.Close()
}
