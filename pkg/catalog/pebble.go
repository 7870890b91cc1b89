package catalog

import (
	"bytes"
	"context"
	"errors"

	"github.com/cockroachdb/pebble"
)

type pebbleEngine struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
}

func openPebble(dir string, sync bool) (engine, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	wo := pebble.NoSync
	if sync {
		wo = pebble.Sync
	}
	return &pebbleEngine{db: db, writeOpts: wo}, nil
}

func (e *pebbleEngine) Get(key []byte) ([]byte, bool, error) {
	val, closer, err := e.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer closer.Close()
	return bytes.Clone(val), true, nil
}

func (e *pebbleEngine) Set(key, value []byte) error {
	return e.db.Set(key, value, e.writeOpts)
}

func (e *pebbleEngine) IteratePrefix(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	iter, err := e.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: incrementByte(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(bytes.Clone(iter.Key()), bytes.Clone(iter.Value())); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (e *pebbleEngine) Close() error {
	return e.db.Close()
}
