// Package backend defines the capability set every storage implementation
// satisfies. Higher level code (ingestion, fetch, protocol services) is written
// only against Backend.
package backend

import (
	"context"
	"io"

	"github.com/agenthands/remotecache/pkg/actionresult"
	"github.com/agenthands/remotecache/pkg/digest"
)

// Backend is a key/value store, an action-result store and a content-addressable store.
//
// Absent entries are reported through the boolean result, never as an error.
// Every call either fully succeeds or returns a single error from pkg/core.
type Backend interface {
	// GetKV and PutKV hold opaque mutable metadata. PutKV overwrites unconditionally.
	GetKV(ctx context.Context, key []byte) ([]byte, bool, error)
	PutKV(ctx context.Context, key, value []byte) error

	GetActionResult(ctx context.Context, actionDigest digest.Digest) (*actionresult.ActionResult, bool, error)
	// PutActionResult stores ar under actionDigest, replacing any earlier mapping, and
	// returns the content digest of the serialized result. The serialized result is
	// itself inserted into the CAS.
	PutActionResult(ctx context.Context, actionDigest digest.Digest, ar *actionresult.ActionResult) (digest.Digest, error)

	CASExists(ctx context.Context, d digest.Digest) (bool, error)
	// CASFilterForMissing keeps only the digests not present, reusing the backing
	// array of ds. Every absent input survives, repeats included.
	CASFilterForMissing(ctx context.Context, ds []digest.Digest) ([]digest.Digest, error)
	// CASInsert is idempotent. The data is verified against d before anything
	// becomes visible. An OnDisk upload is owned by the backend from this call on,
	// whatever the outcome.
	CASInsert(ctx context.Context, d digest.Digest, data Upload) error
	// CASGetData returns an owned reader over the blob. The reader reports an
	// outbound mismatch error instead of io.EOF if stored bytes are corrupt.
	CASGetData(ctx context.Context, d digest.Digest) (io.ReadCloser, bool, error)
	// BuildDigestFromHashIfPresent answers whether any content is stored under hash.
	BuildDigestFromHashIfPresent(ctx context.Context, hash string) (digest.Digest, bool, error)

	Close() error
}

// Lister is implemented by backends that can enumerate their CAS.
type Lister interface {
	CASIterate(ctx context.Context, fn func(d digest.Digest) error) error
}
