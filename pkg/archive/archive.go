// Package archive moves CAS content in and out of CARv2 files, for seeding a
// cache node from another one. Blocks are raw CIDs over sha2-256, so the file
// is readable by any CAR tooling.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/agenthands/remotecache/pkg/backend"
	"github.com/agenthands/remotecache/pkg/cidutil"
	"github.com/agenthands/remotecache/pkg/core"
	"github.com/agenthands/remotecache/pkg/digest"
	"github.com/google/uuid"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	carv2 "github.com/ipld/go-car/v2"
	"github.com/ipld/go-car/v2/blockstore"
)

// DefaultMaxBlockBytes bounds a single blob in an archive. Larger blobs are
// skipped on export.
const DefaultMaxBlockBytes = 32 << 20

// Source is a backend that can enumerate and read its CAS.
type Source interface {
	backend.Lister
	CASGetData(ctx context.Context, d digest.Digest) (io.ReadCloser, bool, error)
}

// Sink receives imported blobs.
type Sink interface {
	CASInsert(ctx context.Context, d digest.Digest, data backend.Upload) error
}

type Stats struct {
	Blobs   int
	Bytes   int64
	Skipped int
}

type Options struct {
	MaxBlockBytes int64
}

func (o Options) maxBlock() int64 {
	if o.MaxBlockBytes <= 0 {
		return DefaultMaxBlockBytes
	}
	return o.MaxBlockBytes
}

// Export writes every blob of src into a new CARv2 file at path. The file
// appears only once complete.
func Export(ctx context.Context, src Source, path string, opts Options) (Stats, error) {
	var stats Stats

	// Collect first so no backend lock is held while blobs are read.
	var ds []digest.Digest
	if err := src.CASIterate(ctx, func(d digest.Digest) error {
		ds = append(ds, d)
		return nil
	}); err != nil {
		return stats, err
	}

	tmp := filepath.Join(filepath.Dir(path), core.TempPrefix+uuid.NewString()+".car")
	bs, err := blockstore.OpenReadWrite(tmp, []cid.Cid{})
	if err != nil {
		return stats, fmt.Errorf("%w: failed to create archive: %w", core.ErrIO, err)
	}
	defer os.Remove(tmp)

	for _, d := range ds {
		if ctx.Err() != nil {
			bs.Discard()
			return stats, ctx.Err()
		}
		if d.IsEmpty() || d.SizeBytes > opts.maxBlock() {
			stats.Skipped++
			continue
		}
		ok, err := putBlob(ctx, src, bs, d)
		if err != nil {
			bs.Discard()
			return stats, err
		}
		if !ok {
			// Removed between listing and reading.
			stats.Skipped++
			continue
		}
		stats.Blobs++
		stats.Bytes += d.SizeBytes
	}

	if err := bs.Finalize(); err != nil {
		return stats, fmt.Errorf("%w: failed to finalize archive: %w", core.ErrIO, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return stats, fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	return stats, nil
}

func putBlob(ctx context.Context, src Source, bs *blockstore.ReadWrite, d digest.Digest) (bool, error) {
	data, ok, err := backend.ReadBlob(ctx, src, d)
	if err != nil || !ok {
		return false, err
	}
	c, err := cidutil.FromDigest(d)
	if err != nil {
		return false, err
	}
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return false, err
	}
	if err := bs.Put(ctx, blk); err != nil {
		return false, fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	return true, nil
}

// Import inserts every block of the CAR file at path into dst. Each block is
// checked against its CID; the first corrupt block aborts the import.
func Import(ctx context.Context, dst Sink, path string, opts Options) (Stats, error) {
	var stats Stats

	f, err := os.Open(path)
	if err != nil {
		return stats, fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	defer f.Close()

	br, err := carv2.NewBlockReader(f,
		carv2.WithTrustedCAR(true),
		carv2.MaxAllowedSectionSize(uint64(opts.maxBlock())+1024))
	if err != nil {
		return stats, fmt.Errorf("%w: not a readable CAR file: %v", core.ErrCorrupt, err)
	}

	for {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		blk, err := br.Next()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("%w: reading block: %v", core.ErrCorrupt, err)
		}

		data := blk.RawData()
		if err := cidutil.Verify(blk.Cid(), data); err != nil {
			return stats, err
		}
		d, err := cidutil.ToDigest(blk.Cid(), int64(len(data)))
		if err != nil {
			stats.Skipped++
			continue
		}
		if err := dst.CASInsert(ctx, d, backend.InMemory(data)); err != nil {
			return stats, fmt.Errorf("importing %s: %w", d, err)
		}
		stats.Blobs++
		stats.Bytes += d.SizeBytes
	}
}
