// Package localdisk is a durable Backend: an embedded ordered store under
// {root}/database for KV, action-cache and blob index entries, and
// content-addressed blob files under {root}/large_blob/{hash[0:2]}/{hash}.
//
// A blob becomes visible only once its index entry is written, which happens
// after the blob file has been fully written, verified and renamed into place.
package localdisk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agenthands/remotecache/pkg/actionresult"
	"github.com/agenthands/remotecache/pkg/backend"
	"github.com/agenthands/remotecache/pkg/catalog"
	"github.com/agenthands/remotecache/pkg/core"
	"github.com/agenthands/remotecache/pkg/digest"
	"github.com/agenthands/remotecache/pkg/record"
	"github.com/agenthands/remotecache/pkg/transform"
	"go.uber.org/zap"
)

const (
	DatabaseDir  = "database"
	LargeBlobDir = "large_blob"
)

type Backend struct {
	backend.ActionCache

	cfg     core.LocalDiskConfig
	log     *zap.Logger
	blobDir string
	cat     *catalog.Catalog
	tr      transform.Transform

	mu     sync.RWMutex // held shared by operations, exclusively by Close
	closed bool
}

var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Lister  = (*Backend)(nil)
)

// Open creates (idempotently) the directory layout under cfg.Dir and opens it.
func Open(cfg core.LocalDiskConfig, codec actionresult.Codec, log *zap.Logger) (*Backend, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: local disk directory not specified", core.ErrInvalidInput)
	}
	if log == nil {
		log = zap.NewNop()
	}

	tr, err := transform.New(cfg.Transform)
	if err != nil {
		return nil, err
	}

	blobDir := filepath.Join(cfg.Dir, LargeBlobDir)
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create blob directory: %w", core.ErrIO, err)
	}

	cat, err := catalog.Open(filepath.Join(cfg.Dir, DatabaseDir), cfg.Engine, cfg.SyncWrite)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		cfg:     cfg,
		log:     log.With(zap.String("backend", core.BackendLocalDisk)),
		blobDir: blobDir,
		cat:     cat,
		tr:      tr,
	}
	b.ActionCache = backend.ActionCache{Codec: codec, CAS: b, Index: actionIndex{b}}

	b.log.Info("local disk backend opened",
		zap.String("dir", cfg.Dir),
		zap.String("engine", cat.Engine()),
		zap.String("transform", tr.Name()))
	return b, nil
}

// BlobDir is where blob files and in-flight temp files live.
func (b *Backend) BlobDir() string { return b.blobDir }

func (b *Backend) acquire() error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return core.ErrClosed
	}
	return nil
}

func (b *Backend) release() { b.mu.RUnlock() }

func (b *Backend) GetKV(ctx context.Context, key []byte) ([]byte, bool, error) {
	if err := b.acquire(); err != nil {
		return nil, false, err
	}
	defer b.release()
	return b.cat.GetKV(key)
}

func (b *Backend) PutKV(ctx context.Context, key, value []byte) error {
	if err := b.acquire(); err != nil {
		return err
	}
	defer b.release()
	return b.cat.PutKV(key, value)
}

func (b *Backend) CASExists(ctx context.Context, d digest.Digest) (bool, error) {
	if d.IsEmpty() {
		return true, nil
	}
	if err := b.acquire(); err != nil {
		return false, err
	}
	defer b.release()
	_, ok, err := b.cat.GetBlob(d.Hash)
	return ok, err
}

func (b *Backend) CASFilterForMissing(ctx context.Context, ds []digest.Digest) ([]digest.Digest, error) {
	if err := b.acquire(); err != nil {
		return nil, err
	}
	defer b.release()

	out := ds[:0]
	for _, d := range ds {
		if d.IsEmpty() {
			continue
		}
		_, ok, err := b.cat.GetBlob(d.Hash)
		if err != nil {
			return nil, err
		}
		if !ok {
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

	rec, ok, err := b.cat.GetBlob(d.Hash)
	if err != nil {
		return err
	}
	if ok {
		if err := backend.CheckExisting(d, rec.Size); err != nil {
			return err
		}
		// Already stored; still refuse bytes that do not match the digest.
		return backend.VerifyUpload(d, data)
	}

	encoding, err := b.writeBlob(ctx, d, data)
	if err != nil {
		return err
	}
	return b.cat.PutBlob(d.Hash, record.Blob{Size: d.SizeBytes, Encoding: encoding, StoredAt: time.Now().Unix()})
}

// writeBlob materializes data at the blob path for d and returns the encoding
// used. Raw on-disk uploads are verified then renamed into place; everything
// else is streamed through the transform into a temp file first.
func (b *Backend) writeBlob(ctx context.Context, d digest.Digest, data backend.Upload) (string, error) {
	final := b.blobPath(d.Hash)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", fmt.Errorf("%w: %w", core.ErrIO, err)
	}

	if data.Kind() == backend.Disk && b.tr.Name() == "none" {
		if err := backend.VerifyUpload(d, data); err != nil {
			return "", err
		}
		if err := os.Rename(data.Path(), final); err == nil {
			return b.tr.Name(), nil
		}
		// Different filesystem; fall through to a copy.
	}

	src, err := data.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(b.blobDir, core.TempPattern)
	if err != nil {
		return "", fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	enc, err := b.tr.Wrap(tmp)
	if err != nil {
		return "", fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	v := digest.NewVerifier(d, core.Inbound)
	if _, err := io.Copy(enc, io.TeeReader(ctxReader{ctx, src}, v)); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	if err := v.Check(); err != nil {
		return "", err
	}
	if b.cfg.SyncWrite {
		if err := tmp.Sync(); err != nil {
			return "", fmt.Errorf("%w: %w", core.ErrIO, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return "", fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	return b.tr.Name(), nil
}

func (b *Backend) CASGetData(ctx context.Context, d digest.Digest) (io.ReadCloser, bool, error) {
	if d.IsEmpty() {
		return io.NopCloser(eofReader{}), true, nil
	}
	if err := b.acquire(); err != nil {
		return nil, false, err
	}
	defer b.release()

	rec, ok, err := b.cat.GetBlob(d.Hash)
	if err != nil || !ok {
		return nil, false, err
	}
	if err := backend.CheckExisting(d, rec.Size); err != nil {
		return nil, false, err
	}

	tr, err := transform.ByName(rec.Encoding)
	if err != nil {
		return nil, false, fmt.Errorf("%w: blob %s: %v", core.ErrCorrupt, d, err)
	}
	f, err := os.Open(b.blobPath(d.Hash))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, fmt.Errorf("%w: blob file for %s is missing", core.ErrCorrupt, d)
		}
		return nil, false, fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	dec, err := tr.Unwrap(f)
	if err != nil {
		f.Close()
		return nil, false, err
	}
	return &blobReader{Reader: digest.NewVerifyingReader(dec, d), dec: dec, f: f}, true, nil
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

	rec, ok, err := b.cat.GetBlob(h)
	if err != nil || !ok {
		return digest.Digest{}, false, err
	}
	return digest.Digest{Hash: h, SizeBytes: rec.Size}, true, nil
}

func (b *Backend) CASIterate(ctx context.Context, fn func(d digest.Digest) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	defer b.release()
	return b.cat.IterateBlobs(ctx, func(d digest.Digest, _ record.Blob) error {
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
	return b.cat.Close()
}

func (b *Backend) blobPath(hash string) string {
	return filepath.Join(b.blobDir, hash[:2], hash)
}

type actionIndex struct{ b *Backend }

func (a actionIndex) GetAction(ctx context.Context, actionHash string) ([]byte, bool, error) {
	if err := a.b.acquire(); err != nil {
		return nil, false, err
	}
	defer a.b.release()
	return a.b.cat.GetAction(actionHash)
}

func (a actionIndex) PutAction(ctx context.Context, actionHash string, rec []byte) error {
	if err := a.b.acquire(); err != nil {
		return err
	}
	defer a.b.release()
	return a.b.cat.PutAction(actionHash, rec)
}

type blobReader struct {
	io.Reader
	dec io.Closer
	f   *os.File
}

func (r *blobReader) Close() error {
	_ = r.dec.Close()
	return r.f.Close()
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

// ctxReader stops a copy between chunks once ctx is done.
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
