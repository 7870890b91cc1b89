// Package cloud is a Backend for multi-node deployments. Blob, action and KV
// payloads are durable in an object store; a Redis metadata index answers
// existence and size queries; a local staging directory buffers large
// downloads; small blobs are kept in an in-process hot cache.
//
// Object layout under the configured prefix:
//
//	cas/{hash}      blob content
//	ac/{hash}       action record (record.Action)
//	kv/{hex(key)}   KV value
package cloud

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agenthands/remotecache/pkg/actionresult"
	"github.com/agenthands/remotecache/pkg/backend"
	"github.com/agenthands/remotecache/pkg/core"
	"github.com/agenthands/remotecache/pkg/digest"
	"github.com/allegro/bigcache/v3"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInlineBlobBytes = 1 << 20
	DefaultHeadParallel    = 16
	DefaultHotCacheTTL     = 10 * time.Minute
)

type Backend struct {
	backend.ActionCache

	cfg     core.CloudConfig
	log     *zap.Logger
	store   ObjectStore
	index   metaIndex
	hot     *bigcache.BigCache // nil when disabled
	staging string

	mu     sync.RWMutex
	closed bool
}

var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Lister  = (*Backend)(nil)
)

// Open connects to the bucket and metadata endpoint named in cfg.
func Open(ctx context.Context, cfg core.CloudConfig, codec actionresult.Codec, log *zap.Logger) (*Backend, error) {
	if cfg.MetadataEndpoint == "" {
		return nil, fmt.Errorf("%w: cloud metadata endpoint not specified", core.ErrInvalidInput)
	}
	store, err := NewS3Store(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.MetadataEndpoint,
		Password: cfg.MetadataPassword,
		DB:       cfg.MetadataDB,
	})
	b, err := New(ctx, cfg, store, rdb, codec, log)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return b, nil
}

// New assembles a backend from an already constructed object store and Redis
// client. The backend owns rdb and closes it on Close.
func New(ctx context.Context, cfg core.CloudConfig, store ObjectStore, rdb redis.UniversalClient, codec actionresult.Codec, log *zap.Logger) (*Backend, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.StagingDir == "" {
		return nil, fmt.Errorf("%w: cloud staging directory not specified", core.ErrInvalidInput)
	}
	if cfg.InlineBlobBytes <= 0 {
		cfg.InlineBlobBytes = DefaultInlineBlobBytes
	}
	if cfg.HeadParallel <= 0 {
		cfg.HeadParallel = DefaultHeadParallel
	}
	if cfg.HotCacheTTL <= 0 {
		cfg.HotCacheTTL = DefaultHotCacheTTL
	}
	if err := os.MkdirAll(cfg.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create staging directory: %w", core.ErrIO, err)
	}

	index := metaIndex{rdb: rdb, prefix: cfg.Prefix}
	if err := index.ping(ctx); err != nil {
		return nil, err
	}

	b := &Backend{
		cfg:     cfg,
		log:     log.With(zap.String("backend", core.BackendCloud)),
		store:   store,
		index:   index,
		staging: cfg.StagingDir,
	}
	if cfg.HotCacheMB > 0 {
		hc := bigcache.DefaultConfig(cfg.HotCacheTTL)
		hc.Shards = 64
		hc.HardMaxCacheSize = cfg.HotCacheMB
		hc.Verbose = false
		hot, err := bigcache.New(ctx, hc)
		if err != nil {
			return nil, fmt.Errorf("%w: hot cache: %w", core.ErrInvalidInput, err)
		}
		b.hot = hot
	}
	b.ActionCache = backend.ActionCache{Codec: codec, CAS: b, Index: actionIndex{b}}

	b.log.Info("cloud backend opened",
		zap.String("prefix", cfg.Prefix),
		zap.String("staging", cfg.StagingDir),
		zap.Int("hot_cache_mb", cfg.HotCacheMB))
	return b, nil
}

// StagingDir is where in-flight downloads are buffered.
func (b *Backend) StagingDir() string { return b.staging }

func (b *Backend) acquire() error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return core.ErrClosed
	}
	return nil
}

func (b *Backend) release() { b.mu.RUnlock() }

func (b *Backend) casObject(hash string) string { return b.cfg.Prefix + "cas/" + hash }
func (b *Backend) acObject(hash string) string  { return b.cfg.Prefix + "ac/" + hash }
func (b *Backend) kvObject(key []byte) string {
	return b.cfg.Prefix + "kv/" + hex.EncodeToString(key)
}

func (b *Backend) GetKV(ctx context.Context, key []byte) ([]byte, bool, error) {
	if err := b.acquire(); err != nil {
		return nil, false, err
	}
	defer b.release()
	return b.getSmall(ctx, b.index.kvKey(key), b.kvObject(key))
}

func (b *Backend) PutKV(ctx context.Context, key, value []byte) error {
	if err := b.acquire(); err != nil {
		return err
	}
	defer b.release()
	return b.putSmall(ctx, b.index.kvKey(key), b.kvObject(key), value)
}

// getSmall reads a mutable record, preferring the index and backfilling it
// from the object store on a miss.
func (b *Backend) getSmall(ctx context.Context, indexKey, object string) ([]byte, bool, error) {
	v, ok, err := b.index.get(ctx, indexKey)
	if err != nil || ok {
		return v, ok, err
	}

	rc, _, ok, err := b.store.Get(ctx, object)
	if err != nil || !ok {
		return nil, false, err
	}
	defer rc.Close()
	v, err = io.ReadAll(rc)
	if err != nil {
		return nil, false, core.Unavailable("object read", err)
	}
	if err := b.index.set(ctx, indexKey, v); err != nil {
		b.log.Warn("index backfill failed", zap.String("key", indexKey), zap.Error(err))
	}
	return v, true, nil
}

func (b *Backend) putSmall(ctx context.Context, indexKey, object string, value []byte) error {
	if err := b.store.Put(ctx, object, bytes.NewReader(value), int64(len(value))); err != nil {
		return err
	}
	return b.index.set(ctx, indexKey, value)
}

// blobSize answers existence for one hash: index first, then a Head request
// whose answer is written back to the index.
func (b *Backend) blobSize(ctx context.Context, hash string) (int64, bool, error) {
	sizes, err := b.index.blobSizes(ctx, []string{hash})
	if err != nil {
		return 0, false, err
	}
	if sizes[0] >= 0 {
		return sizes[0], true, nil
	}
	return b.headObject(ctx, hash)
}

func (b *Backend) headObject(ctx context.Context, hash string) (int64, bool, error) {
	size, ok, err := b.store.Head(ctx, b.casObject(hash))
	if err != nil || !ok {
		return 0, false, err
	}
	if err := b.index.setBlobSize(ctx, hash, size); err != nil {
		b.log.Warn("index backfill failed", zap.String("hash", hash), zap.Error(err))
	}
	return size, true, nil
}

func (b *Backend) CASExists(ctx context.Context, d digest.Digest) (bool, error) {
	if d.IsEmpty() {
		return true, nil
	}
	if err := b.acquire(); err != nil {
		return false, err
	}
	defer b.release()
	_, ok, err := b.blobSize(ctx, d.Hash)
	return ok, err
}

// CASFilterForMissing asks the index about all digests in one round trip and
// sends Head requests to the object store, in parallel, only for those the index lacks.
func (b *Backend) CASFilterForMissing(ctx context.Context, ds []digest.Digest) ([]digest.Digest, error) {
	if err := b.acquire(); err != nil {
		return nil, err
	}
	defer b.release()

	// Each hash is looked up once; the answer applies to every repeat of it.
	hashes := backend.UniqueHashes(ds)
	sizes, err := b.index.blobSizes(ctx, hashes)
	if err != nil {
		return nil, err
	}

	present := make([]bool, len(hashes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.HeadParallel)
	for i, h := range hashes {
		if h == digest.Empty.Hash || sizes[i] >= 0 {
			present[i] = true
			continue
		}
		g.Go(func() error {
			_, ok, err := b.headObject(gctx, h)
			present[i] = ok
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	have := make(map[string]bool, len(hashes))
	for i, h := range hashes {
		have[h] = present[i]
	}
	out := ds[:0]
	for _, d := range ds {
		if !have[d.Hash] {
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
	if err := b.acquire(); err != nil {
		return err
	}
	defer b.release()

	if d.IsEmpty() {
		return backend.VerifyUpload(d, data)
	}

	if err := backend.VerifyUpload(d, data); err != nil {
		return err
	}
	size, ok, err := b.blobSize(ctx, d.Hash)
	if err != nil {
		return err
	}
	if ok {
		return backend.CheckExisting(d, size)
	}

	if err := b.upload(ctx, d, data); err != nil {
		return err
	}
	if err := b.index.setBlobSize(ctx, d.Hash, d.SizeBytes); err != nil {
		return err
	}
	if b.hot != nil && data.Kind() == backend.Memory && d.SizeBytes <= b.cfg.InlineBlobBytes {
		_ = b.hot.Set(d.Hash, data.Bytes())
	}
	return nil
}

// upload streams an already verified payload to the object store. Disk
// payloads are sent straight from their file.
func (b *Backend) upload(ctx context.Context, d digest.Digest, data backend.Upload) error {
	if data.Kind() == backend.Memory {
		return b.store.Put(ctx, b.casObject(d.Hash), bytes.NewReader(data.Bytes()), d.SizeBytes)
	}
	f, err := os.Open(data.Path())
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	defer f.Close()
	return b.store.Put(ctx, b.casObject(d.Hash), f, d.SizeBytes)
}

func (b *Backend) CASGetData(ctx context.Context, d digest.Digest) (io.ReadCloser, bool, error) {
	if d.IsEmpty() {
		return io.NopCloser(bytes.NewReader(nil)), true, nil
	}
	if err := b.acquire(); err != nil {
		return nil, false, err
	}
	defer b.release()

	if b.hot != nil {
		if v, err := b.hot.Get(d.Hash); err == nil && int64(len(v)) == d.SizeBytes {
			return io.NopCloser(digest.NewVerifyingReader(bytes.NewReader(v), d)), true, nil
		}
	}

	rc, size, ok, err := b.store.Get(ctx, b.casObject(d.Hash))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		// The index may still claim the blob; it is gone from durable storage.
		if err := b.index.dropBlob(ctx, d.Hash); err != nil {
			b.log.Warn("index cleanup failed", zap.String("hash", d.Hash), zap.Error(err))
		}
		return nil, false, nil
	}
	defer rc.Close()
	if err := backend.CheckExisting(d, size); err != nil {
		return nil, false, err
	}

	src := digest.NewVerifyingReader(rc, d)
	if d.SizeBytes <= b.cfg.InlineBlobBytes {
		content, err := io.ReadAll(ctxReader{ctx, src})
		if err != nil {
			return nil, false, b.readError(ctx, err)
		}
		if b.hot != nil {
			_ = b.hot.Set(d.Hash, content)
		}
		return io.NopCloser(bytes.NewReader(content)), true, nil
	}

	staged, err := b.stage(ctx, src)
	if err != nil {
		return nil, false, err
	}
	return staged, true, nil
}

// stage copies a large download into the staging directory so the object
// store connection is released before the caller starts consuming.
func (b *Backend) stage(ctx context.Context, src io.Reader) (io.ReadCloser, error) {
	path := filepath.Join(b.staging, core.TempPrefix+uuid.NewString())
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	if _, err := io.Copy(f, ctxReader{ctx, src}); err != nil {
		f.Close()
		_ = os.Remove(path)
		return nil, b.readError(ctx, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	return &stagedFile{f: f}, nil
}

// readError keeps mismatch and cancellation errors intact and reports the
// rest as an unavailable object store.
func (b *Backend) readError(ctx context.Context, err error) error {
	var me *core.MismatchError
	if errors.As(err, &me) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return core.Unavailable("object read", err)
}

func (b *Backend) BuildDigestFromHashIfPresent(ctx context.Context, hash string) (digest.Digest, bool, error) {
	h, err := digest.ParseHash(hash)
	if err != nil {
		return digest.Digest{}, false, err
	}
	if h == digest.Empty.Hash {
		return digest.Empty, true, nil
	}
	if err := b.acquire(); err != nil {
		return digest.Digest{}, false, err
	}
	defer b.release()

	size, ok, err := b.blobSize(ctx, h)
	if err != nil || !ok {
		return digest.Digest{}, false, err
	}
	return digest.Digest{Hash: h, SizeBytes: size}, true, nil
}

// CASIterate lists the object store, not the index, so it also sees blobs
// the index has never been told about.
func (b *Backend) CASIterate(ctx context.Context, fn func(d digest.Digest) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	defer b.release()

	prefix := b.casObject("")
	return b.store.List(ctx, prefix, func(key string, size int64) error {
		d, err := digest.New(strings.TrimPrefix(key, prefix), size)
		if err != nil {
			b.log.Warn("skipping foreign object", zap.String("key", key))
			return nil
		}
		return fn(d)
	})
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if b.hot != nil {
		errs = append(errs, b.hot.Close())
	}
	errs = append(errs, b.index.rdb.Close())
	return errors.Join(errs...)
}

type actionIndex struct{ b *Backend }

func (a actionIndex) GetAction(ctx context.Context, actionHash string) ([]byte, bool, error) {
	if err := a.b.acquire(); err != nil {
		return nil, false, err
	}
	defer a.b.release()
	return a.b.getSmall(ctx, a.b.index.acKey(actionHash), a.b.acObject(actionHash))
}

func (a actionIndex) PutAction(ctx context.Context, actionHash string, rec []byte) error {
	if err := a.b.acquire(); err != nil {
		return err
	}
	defer a.b.release()
	return a.b.putSmall(ctx, a.b.index.acKey(actionHash), a.b.acObject(actionHash), rec)
}

// stagedTouchEvery bounds how often an open staged download refreshes its
// mtime. Reads keep it younger than any sweep age.
const stagedTouchEvery = time.Minute

// stagedFile removes its backing file on Close.
type stagedFile struct {
	f       *os.File
	touched time.Time
}

func (s *stagedFile) Read(p []byte) (int, error) {
	if now := time.Now(); now.Sub(s.touched) >= stagedTouchEvery {
		s.touched = now
		_ = os.Chtimes(s.f.Name(), now, now)
	}
	return s.f.Read(p)
}

func (s *stagedFile) Close() error {
	err := s.f.Close()
	_ = os.Remove(s.f.Name())
	return err
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
