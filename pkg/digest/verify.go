package digest

import (
	"hash"
	"io"
	"strconv"

	"github.com/agenthands/remotecache/pkg/core"
	sha256 "github.com/minio/sha256-simd"
)

// Verifier hashes what is written to it and compares the result against an
// expected digest on Check.
type Verifier struct {
	want Digest
	dir  core.Direction
	h    hash.Hash
	n    int64
}

func NewVerifier(want Digest, dir core.Direction) *Verifier {
	return &Verifier{want: want, dir: dir, h: sha256.New()}
}

func (v *Verifier) Write(p []byte) (int, error) {
	v.n += int64(len(p))
	return v.h.Write(p)
}

// Digest returns the digest of the bytes seen so far.
func (v *Verifier) Digest() Digest {
	return FromHasher(v.h, v.n)
}

// Check returns a *core.MismatchError when the bytes seen do not match.
// Size is checked first since it is the cheaper signal of truncation.
func (v *Verifier) Check() error {
	if v.n != v.want.SizeBytes {
		return &core.MismatchError{
			Kind:      core.ErrInvalidSizeMismatch,
			Direction: v.dir,
			Want:      strconv.FormatInt(v.want.SizeBytes, 10),
			Got:       strconv.FormatInt(v.n, 10),
		}
	}
	if got := v.Digest(); got.Hash != v.want.Hash {
		return &core.MismatchError{
			Kind:      core.ErrInvalidDigestMismatch,
			Direction: v.dir,
			Want:      v.want.Hash,
			Got:       got.Hash,
		}
	}
	return nil
}

// Check verifies data against want.
func Check(want Digest, data []byte, dir core.Direction) error {
	v := NewVerifier(want, dir)
	_, _ = v.Write(data)
	return v.Check()
}

type verifyingReader struct {
	r io.Reader
	v *Verifier
}

// NewVerifyingReader passes r through unchanged but, at EOF, replaces io.EOF with
// an outbound mismatch error if the stream did not match want.
func NewVerifyingReader(r io.Reader, want Digest) io.Reader {
	return &verifyingReader{r: r, v: NewVerifier(want, core.Outbound)}
}

func (vr *verifyingReader) Read(p []byte) (int, error) {
	n, err := vr.r.Read(p)
	if n > 0 {
		_, _ = vr.v.Write(p[:n])
	}
	if err == io.EOF {
		if cerr := vr.v.Check(); cerr != nil {
			return n, cerr
		}
	}
	return n, err
}
