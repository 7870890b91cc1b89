package backend

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/agenthands/remotecache/pkg/actionresult"
	"github.com/agenthands/remotecache/pkg/core"
	"github.com/agenthands/remotecache/pkg/digest"
	"github.com/agenthands/remotecache/pkg/record"
)

// ActionIndex is the mutable action digest -> record mapping a backend keeps.
type ActionIndex interface {
	GetAction(ctx context.Context, actionHash string) ([]byte, bool, error)
	PutAction(ctx context.Context, actionHash string, rec []byte) error
}

// CAS is the content-addressed half of Backend.
type CAS interface {
	CASInsert(ctx context.Context, d digest.Digest, data Upload) error
	CASGetData(ctx context.Context, d digest.Digest) (io.ReadCloser, bool, error)
}

// ActionCache implements GetActionResult and PutActionResult over a CAS and an
// ActionIndex. Backends embed it so the two-way indexing of results is shared.
type ActionCache struct {
	Codec actionresult.Codec
	CAS   CAS
	Index ActionIndex
}

func (a ActionCache) PutActionResult(ctx context.Context, actionDigest digest.Digest, ar *actionresult.ActionResult) (digest.Digest, error) {
	if err := actionDigest.Validate(); err != nil {
		return digest.Digest{}, err
	}

	b, d, err := actionresult.Serialize(a.Codec, ar)
	if err != nil {
		return digest.Digest{}, err
	}
	if err := a.CAS.CASInsert(ctx, d, InMemory(b)); err != nil {
		return digest.Digest{}, fmt.Errorf("storing action result blob: %w", err)
	}

	rec, err := record.EncodeAction(record.Action{Result: d, UpdatedAt: time.Now().Unix()})
	if err != nil {
		return digest.Digest{}, err
	}
	if err := a.Index.PutAction(ctx, actionDigest.Hash, rec); err != nil {
		return digest.Digest{}, err
	}
	return d, nil
}

// GetActionResult resolves the mapping, then loads and decodes the result blob.
// A mapping whose blob has disappeared is reported as a miss.
func (a ActionCache) GetActionResult(ctx context.Context, actionDigest digest.Digest) (*actionresult.ActionResult, bool, error) {
	if err := actionDigest.Validate(); err != nil {
		return nil, false, err
	}

	raw, ok, err := a.Index.GetAction(ctx, actionDigest.Hash)
	if err != nil || !ok {
		return nil, false, err
	}
	rec, err := record.DecodeAction(raw)
	if err != nil {
		return nil, false, err
	}

	rc, ok, err := a.CAS.CASGetData(ctx, rec.Result)
	if err != nil || !ok {
		return nil, false, err
	}
	defer rc.Close()

	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, false, err
	}
	ar, err := a.Codec.Decode(b)
	if err != nil {
		return nil, false, err
	}
	return ar, true, nil
}

// ReadBlob loads a whole blob into memory.
func ReadBlob(ctx context.Context, b interface {
	CASGetData(ctx context.Context, d digest.Digest) (io.ReadCloser, bool, error)
}, d digest.Digest) ([]byte, bool, error) {
	rc, ok, err := b.CASGetData(ctx, d)
	if err != nil || !ok {
		return nil, ok, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// CheckExisting rejects an insert whose digest disagrees in size with what is
// already stored under the same hash.
func CheckExisting(d digest.Digest, storedSize int64) error {
	if storedSize != d.SizeBytes {
		return &core.MismatchError{
			Kind:      core.ErrInvalidSizeMismatch,
			Direction: core.Inbound,
			Want:      fmt.Sprintf("%d (stored)", storedSize),
			Got:       fmt.Sprintf("%d", d.SizeBytes),
		}
	}
	return nil
}

// UniqueHashes returns the distinct hashes of ds in first-seen order, for
// backends that batch presence lookups.
func UniqueHashes(ds []digest.Digest) []string {
	seen := make(map[string]struct{}, len(ds))
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		if _, ok := seen[d.Hash]; ok {
			continue
		}
		seen[d.Hash] = struct{}{}
		out = append(out, d.Hash)
	}
	return out
}

// VerifyUpload checks an upload against d. Memory payloads are hashed in place;
// Disk payloads are streamed from their file.
func VerifyUpload(d digest.Digest, data Upload) error {
	if data.Kind() == Memory {
		return digest.Check(d, data.Bytes(), core.Inbound)
	}
	rc, err := data.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	v := digest.NewVerifier(d, core.Inbound)
	if _, err := io.Copy(v, rc); err != nil {
		return fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	return v.Check()
}
