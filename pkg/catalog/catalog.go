// Package catalog is the embedded ordered key-value store behind the LocalDisk
// backend. It holds KV entries, action-cache mappings and the CAS blob index,
// each under its own key prefix.
package catalog

import (
	"context"
	"fmt"

	"github.com/agenthands/remotecache/pkg/core"
	"github.com/agenthands/remotecache/pkg/digest"
	"github.com/agenthands/remotecache/pkg/record"
)

var (
	PrefixKV     = []byte("kv:")
	PrefixAction = []byte("ac:")
	PrefixBlob   = []byte("cas:")
)

// Engine names.
const (
	EnginePebble = "pebble"
	EngineBadger = "badger"
	EngineBolt   = "bolt"
)

// engine is the minimal ordered store each embedded database provides.
// Get returns a copy the caller owns.
type engine interface {
	Get(key []byte) ([]byte, bool, error)
	Set(key, value []byte) error
	IteratePrefix(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Catalog exposes typed records over an engine.
type Catalog struct {
	db   engine
	name string
}

// Open opens (creating if needed) a catalog of the given engine in dir.
func Open(dir, engineName string, sync bool) (*Catalog, error) {
	var (
		db  engine
		err error
	)
	switch engineName {
	case EnginePebble, "":
		engineName = EnginePebble
		db, err = openPebble(dir, sync)
	case EngineBadger:
		db, err = openBadger(dir, sync)
	case EngineBolt:
		db, err = openBolt(dir, sync)
	default:
		return nil, fmt.Errorf("%w: unsupported catalog engine %q", core.ErrInvalidInput, engineName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s catalog: %w", engineName, err)
	}
	return &Catalog{db: db, name: engineName}, nil
}

// Engine returns the name of the underlying engine.
func (c *Catalog) Engine() string { return c.name }

func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) GetKV(key []byte) ([]byte, bool, error) {
	return c.get(withPrefix(PrefixKV, key))
}

func (c *Catalog) PutKV(key, value []byte) error {
	return c.set(withPrefix(PrefixKV, key), value)
}

func (c *Catalog) GetAction(actionHash string) ([]byte, bool, error) {
	return c.get(withPrefix(PrefixAction, []byte(actionHash)))
}

func (c *Catalog) PutAction(actionHash string, rec []byte) error {
	return c.set(withPrefix(PrefixAction, []byte(actionHash)), rec)
}

func (c *Catalog) GetBlob(hash string) (record.Blob, bool, error) {
	raw, ok, err := c.get(withPrefix(PrefixBlob, []byte(hash)))
	if err != nil || !ok {
		return record.Blob{}, false, err
	}
	b, err := record.DecodeBlob(raw)
	if err != nil {
		return record.Blob{}, false, err
	}
	return b, true, nil
}

func (c *Catalog) PutBlob(hash string, b record.Blob) error {
	raw, err := record.EncodeBlob(b)
	if err != nil {
		return err
	}
	return c.set(withPrefix(PrefixBlob, []byte(hash)), raw)
}

// IterateBlobs visits the blob index in hash order.
func (c *Catalog) IterateBlobs(ctx context.Context, fn func(d digest.Digest, b record.Blob) error) error {
	return c.db.IteratePrefix(ctx, PrefixBlob, func(key, value []byte) error {
		rec, err := record.DecodeBlob(value)
		if err != nil {
			return err
		}
		return fn(digest.Digest{Hash: string(key[len(PrefixBlob):]), SizeBytes: rec.Size}, rec)
	})
}

func (c *Catalog) get(key []byte) ([]byte, bool, error) {
	v, ok, err := c.db.Get(key)
	if err != nil {
		return nil, false, fmt.Errorf("%w: catalog get: %w", core.ErrIO, err)
	}
	return v, ok, nil
}

func (c *Catalog) set(key, value []byte) error {
	if err := c.db.Set(key, value); err != nil {
		return fmt.Errorf("%w: catalog set: %w", core.ErrIO, err)
	}
	return nil
}

func withPrefix(prefix, key []byte) []byte {
	k := make([]byte, 0, len(prefix)+len(key))
	k = append(k, prefix...)
	return append(k, key...)
}

func incrementByte(b []byte) []byte {
	res := make([]byte, len(b))
	copy(res, b)
	for i := len(res) - 1; i >= 0; i-- {
		res[i]++
		if res[i] != 0 {
			return res
		}
	}
	return nil
}
