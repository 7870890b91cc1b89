// Package memory is a volatile Backend over concurrent-safe maps. Nothing is
// ever evicted; it is meant for tests and ephemeral deployments.
package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	"github.com/agenthands/remotecache/pkg/actionresult"
	"github.com/agenthands/remotecache/pkg/backend"
	"github.com/agenthands/remotecache/pkg/core"
	"github.com/agenthands/remotecache/pkg/digest"
	"go.uber.org/zap"
)

type Backend struct {
	backend.ActionCache

	log *zap.Logger

	mu      sync.RWMutex
	closed  bool
	kv      map[string][]byte
	actions map[string][]byte
	blobs   map[string][]byte // hash -> immutable content
}

var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Lister  = (*Backend)(nil)
)

// New returns an empty in-memory backend.
func New(codec actionresult.Codec, log *zap.Logger) *Backend {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Backend{
		log:     log,
		kv:      make(map[string][]byte),
		actions: make(map[string][]byte),
		blobs:   make(map[string][]byte),
	}
	b.ActionCache = backend.ActionCache{Codec: codec, CAS: b, Index: actionIndex{b}}
	return b
}

func (b *Backend) GetKV(ctx context.Context, key []byte) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, false, core.ErrClosed
	}
	v, ok := b.kv[string(key)]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

func (b *Backend) PutKV(ctx context.Context, key, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return core.ErrClosed
	}
	b.kv[string(key)] = bytes.Clone(value)
	return nil
}

func (b *Backend) CASExists(ctx context.Context, d digest.Digest) (bool, error) {
	if d.IsEmpty() {
		return true, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false, core.ErrClosed
	}
	_, ok := b.blobs[d.Hash]
	return ok, nil
}

func (b *Backend) CASFilterForMissing(ctx context.Context, ds []digest.Digest) ([]digest.Digest, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, core.ErrClosed
	}

	out := ds[:0]
	for _, d := range ds {
		if d.IsEmpty() {
			continue
		}
		if _, ok := b.blobs[d.Hash]; !ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (b *Backend) CASInsert(ctx context.Context, d digest.Digest, data backend.Upload) error {
	defer data.Release()

	if err := d.Validate(); err != nil {
		return err
	}

	var content []byte
	if data.Kind() == backend.Memory {
		content = bytes.Clone(data.Bytes())
	} else {
		rc, err := data.Open()
		if err != nil {
			return err
		}
		content, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	if err := digest.Check(d, content, core.Inbound); err != nil {
		return err
	}
	if d.IsEmpty() {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return core.ErrClosed
	}
	if _, ok := b.blobs[d.Hash]; !ok {
		b.blobs[d.Hash] = content
	}
	return nil
}

func (b *Backend) CASGetData(ctx context.Context, d digest.Digest) (io.ReadCloser, bool, error) {
	if d.IsEmpty() {
		return io.NopCloser(bytes.NewReader(nil)), true, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, false, core.ErrClosed
	}
	content, ok := b.blobs[d.Hash]
	if !ok {
		return nil, false, nil
	}
	if err := backend.CheckExisting(d, int64(len(content))); err != nil {
		return nil, false, err
	}
	// content is never mutated after insert, so readers may share it.
	return io.NopCloser(bytes.NewReader(content)), true, nil
}

func (b *Backend) BuildDigestFromHashIfPresent(ctx context.Context, hash string) (digest.Digest, bool, error) {
	h, err := digest.ParseHash(hash)
	if err != nil {
		return digest.Digest{}, false, err
	}
	if h == digest.Empty.Hash {
		return digest.Empty, true, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return digest.Digest{}, false, core.ErrClosed
	}
	content, ok := b.blobs[h]
	if !ok {
		return digest.Digest{}, false, nil
	}
	return digest.Digest{Hash: h, SizeBytes: int64(len(content))}, true, nil
}

// CASIterate visits blobs in hash order over a snapshot of the index.
func (b *Backend) CASIterate(ctx context.Context, fn func(d digest.Digest) error) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return core.ErrClosed
	}
	ds := make([]digest.Digest, 0, len(b.blobs))
	for h, content := range b.blobs {
		ds = append(ds, digest.Digest{Hash: h, SizeBytes: int64(len(content))})
	}
	b.mu.RUnlock()

	sort.Slice(ds, func(i, j int) bool { return ds[i].Less(ds[j]) })
	for _, d := range ds {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.log.Debug("memory backend closed", zap.Int("blobs", len(b.blobs)))
	return nil
}

type actionIndex struct{ b *Backend }

func (a actionIndex) GetAction(ctx context.Context, actionHash string) ([]byte, bool, error) {
	a.b.mu.RLock()
	defer a.b.mu.RUnlock()
	if a.b.closed {
		return nil, false, core.ErrClosed
	}
	v, ok := a.b.actions[actionHash]
	return v, ok, nil
}

func (a actionIndex) PutAction(ctx context.Context, actionHash string, rec []byte) error {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	if a.b.closed {
		return core.ErrClosed
	}
	a.b.actions[actionHash] = bytes.Clone(rec)
	return nil
}
