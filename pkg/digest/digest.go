// Package digest implements the (hash, size) pair that addresses every stored object.
//
// Hashes are SHA-256, rendered as 64 lowercase hex characters. Two digests are the
// same object when their hashes are equal; the size is carried alongside so readers
// can validate length without hashing.
package digest

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/agenthands/remotecache/pkg/core"
	sha256 "github.com/minio/sha256-simd"
)

// HashLen is the length of a hex encoded SHA-256 hash.
const HashLen = 2 * sha256.Size

// Digest is bit-compatible with the REAPI Digest message shape.
type Digest struct {
	Hash      string `json:"hash" cbor:"1,keyasint" yaml:"hash"`
	SizeBytes int64  `json:"size_bytes" cbor:"2,keyasint" yaml:"size_bytes"`
}

// Empty is the digest of zero bytes.
var Empty = FromBytes(nil)

// NewHasher returns a fresh incremental SHA-256 state.
func NewHasher() hash.Hash {
	return sha256.New()
}

// FromBytes hashes b and wraps the result.
func FromBytes(b []byte) Digest {
	sum := sha256.Sum256(b)
	return Digest{Hash: hex.EncodeToString(sum[:]), SizeBytes: int64(len(b))}
}

// FromHasher finalizes h. size must be the number of bytes written to h.
func FromHasher(h hash.Hash, size int64) Digest {
	return Digest{Hash: hex.EncodeToString(h.Sum(nil)), SizeBytes: size}
}

// ParseHash validates s and returns its canonical lowercase form.
func ParseHash(s string) (string, error) {
	if len(s) != HashLen {
		return "", fmt.Errorf("%w: length %d, want %d", core.ErrInvalidHash, len(s), HashLen)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%w: %q is not hex", core.ErrInvalidHash, s)
	}
	return strings.ToLower(s), nil
}

// New validates hash and size and builds a Digest.
func New(hash string, size int64) (Digest, error) {
	h, err := ParseHash(hash)
	if err != nil {
		return Digest{}, err
	}
	if size < 0 {
		return Digest{}, fmt.Errorf("%w: negative size %d", core.ErrInvalidInput, size)
	}
	return Digest{Hash: h, SizeBytes: size}, nil
}

// Parse reads the "hash/size" form produced by String.
func Parse(s string) (Digest, error) {
	h, sz, ok := strings.Cut(s, "/")
	if !ok {
		return Digest{}, fmt.Errorf("%w: %q is not hash/size", core.ErrInvalidInput, s)
	}
	size, err := strconv.ParseInt(sz, 10, 64)
	if err != nil {
		return Digest{}, fmt.Errorf("%w: bad size %q", core.ErrInvalidInput, sz)
	}
	return New(h, size)
}

// Validate checks that d could have been produced by FromBytes.
func (d Digest) Validate() error {
	_, err := New(d.Hash, d.SizeBytes)
	return err
}

func (d Digest) String() string {
	return d.Hash + "/" + strconv.FormatInt(d.SizeBytes, 10)
}

// Equal compares hashes only.
func (d Digest) Equal(o Digest) bool { return d.Hash == o.Hash }

// Less orders digests by hash.
func (d Digest) Less(o Digest) bool { return d.Hash < o.Hash }

// Conflicts reports two digests that name the same hash with different sizes.
// Such a pair cannot describe real content.
func (d Digest) Conflicts(o Digest) bool {
	return d.Hash == o.Hash && d.SizeBytes != o.SizeBytes
}

// IsEmpty reports whether d addresses the zero-length blob.
func (d Digest) IsEmpty() bool { return d.Hash == Empty.Hash }

// Raw returns the 32 hash bytes.
func (d Digest) Raw() ([]byte, error) {
	b, err := hex.DecodeString(d.Hash)
	if err != nil || len(b) != sha256.Size {
		return nil, fmt.Errorf("%w: %q", core.ErrInvalidHash, d.Hash)
	}
	return b, nil
}

// FromRaw builds a digest from 32 hash bytes.
func FromRaw(raw []byte, size int64) (Digest, error) {
	if len(raw) != sha256.Size {
		return Digest{}, fmt.Errorf("%w: %d raw bytes", core.ErrInvalidHash, len(raw))
	}
	return Digest{Hash: hex.EncodeToString(raw), SizeBytes: size}, nil
}

// HashReader consumes r and returns the digest of everything read.
func HashReader(r io.Reader) (Digest, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, err
	}
	return FromHasher(h, n), nil
}

// HashFile digests the file at path.
func HashFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	defer f.Close()

	d, err := HashReader(f)
	if err != nil {
		return Digest{}, fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	return d, nil
}
