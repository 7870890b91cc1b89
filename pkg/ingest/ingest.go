// Package ingest persists a byte stream of unknown length into a backend while
// computing its digest, holding at most one chunk in memory.
package ingest

import (
	"context"
	"fmt"
	"hash"
	"io"
	"os"
	"strconv"

	"github.com/agenthands/remotecache/pkg/backend"
	"github.com/agenthands/remotecache/pkg/core"
	"github.com/agenthands/remotecache/pkg/digest"
)

const DefaultChunkSize = 64 * 1024

// Inserter is the part of backend.Backend ingestion needs.
type Inserter interface {
	CASInsert(ctx context.Context, d digest.Digest, data backend.Upload) error
}

// Options tune FromReader.
type Options struct {
	// Dir holds the temp file. Empty means os.TempDir().
	Dir string
	// Expected, if set, is the digest the producer declared. Content that does
	// not match it is rejected before anything is inserted.
	Expected  *digest.Digest
	ChunkSize int
}

// Writer accumulates a stream into a private temp file, hashing and counting
// as it goes. Exactly one of Commit or Abort ends its life; Abort after
// Commit is a no-op, so `defer w.Abort()` is always safe.
type Writer struct {
	f    *os.File
	path string
	h    hash.Hash
	n    int64
	done bool
}

func NewWriter(dir string) (*Writer, error) {
	f, err := os.CreateTemp(dir, core.TempPattern)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create temp file: %w", core.ErrIO, err)
	}
	return &Writer{f: f, path: f.Name(), h: digest.NewHasher()}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, fmt.Errorf("%w: write after commit or abort", core.ErrInvalidInput)
	}
	n, err := w.f.Write(p)
	w.h.Write(p[:n])
	w.n += int64(n)
	if err != nil {
		return n, fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	return n, nil
}

// Size is the number of bytes written so far.
func (w *Writer) Size() int64 { return w.n }

// Path is the temp file, valid until Commit or Abort.
func (w *Writer) Path() string { return w.path }

// Commit finalizes the digest and inserts the temp file into b, handing the
// file over to the backend. If expected is non-nil it must match the content.
func (w *Writer) Commit(ctx context.Context, b Inserter, expected *digest.Digest) (digest.Digest, error) {
	if w.done {
		return digest.Digest{}, fmt.Errorf("%w: writer already finished", core.ErrInvalidInput)
	}
	if err := w.f.Close(); err != nil {
		w.Abort()
		return digest.Digest{}, fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	d := digest.FromHasher(w.h, w.n)

	if expected != nil {
		if err := checkExpected(*expected, d); err != nil {
			w.Abort()
			return digest.Digest{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		w.Abort()
		return digest.Digest{}, err
	}

	w.done = true
	if err := b.CASInsert(ctx, d, backend.OnDisk(w.path)); err != nil {
		return digest.Digest{}, err
	}
	return d, nil
}

// Abort discards the temp file.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	_ = w.f.Close()
	_ = os.Remove(w.path)
}

func checkExpected(want, got digest.Digest) error {
	if want.SizeBytes != got.SizeBytes {
		return &core.MismatchError{
			Kind:      core.ErrInvalidSizeMismatch,
			Direction: core.Inbound,
			Want:      strconv.FormatInt(want.SizeBytes, 10),
			Got:       strconv.FormatInt(got.SizeBytes, 10),
		}
	}
	if want.Hash != got.Hash {
		return &core.MismatchError{
			Kind:      core.ErrInvalidDigestMismatch,
			Direction: core.Inbound,
			Want:      want.Hash,
			Got:       got.Hash,
		}
	}
	return nil
}

// FromReader streams r into b chunk by chunk and returns the digest of what
// was read. Cancelling ctx stops at the next chunk boundary; on any failure
// the temp file is removed and nothing is inserted.
func FromReader(ctx context.Context, b Inserter, r io.Reader, opts Options) (digest.Digest, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	w, err := NewWriter(opts.Dir)
	if err != nil {
		return digest.Digest{}, err
	}
	defer w.Abort()

	buf := make([]byte, opts.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return digest.Digest{}, err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return digest.Digest{}, err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return digest.Digest{}, ctx.Err()
			}
			return digest.Digest{}, fmt.Errorf("%w: reading stream: %w", core.ErrIO, rerr)
		}
	}
	return w.Commit(ctx, b, opts.Expected)
}
