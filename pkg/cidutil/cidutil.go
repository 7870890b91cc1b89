// Package cidutil maps blob digests to content identifiers: CIDv1, raw codec,
// sha2-256 multihash. The mapping is lossless apart from size, which a CID
// does not carry.
package cidutil

import (
	"bytes"
	"fmt"

	"github.com/agenthands/remotecache/pkg/core"
	"github.com/agenthands/remotecache/pkg/digest"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// FromDigest returns the CID addressing the same content as d.
func FromDigest(d digest.Digest) (cid.Cid, error) {
	raw, err := d.Raw()
	if err != nil {
		return cid.Undef, err
	}
	mh, err := multihash.Encode(raw, multihash.SHA2_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// ToDigest recovers the digest of a raw sha2-256 CID. size is the content
// length, which the caller must know from elsewhere.
func ToDigest(c cid.Cid, size int64) (digest.Digest, error) {
	prefix := c.Prefix()
	if prefix.Codec != cid.Raw {
		return digest.Digest{}, fmt.Errorf("%w: cid %s is not raw (codec 0x%x)", core.ErrInvalidInput, c, prefix.Codec)
	}
	dec, err := multihash.Decode(c.Hash())
	if err != nil {
		return digest.Digest{}, fmt.Errorf("%w: cid %s: %v", core.ErrInvalidHash, c, err)
	}
	if dec.Code != multihash.SHA2_256 {
		return digest.Digest{}, fmt.Errorf("%w: cid %s uses %s, not sha2-256", core.ErrInvalidHash, c, multihash.Codes[dec.Code])
	}
	return digest.FromRaw(dec.Digest, size)
}

// Sum returns the CID of data.
func Sum(data []byte) (cid.Cid, error) {
	return FromDigest(digest.FromBytes(data))
}

// Verify checks that data hashes to c, whatever hash function c names.
func Verify(c cid.Cid, data []byte) error {
	prefix := c.Prefix()
	hash, err := multihash.Sum(data, prefix.MhType, prefix.MhLength)
	if err != nil {
		return fmt.Errorf("failed to compute multihash for verification: %w", err)
	}
	if !bytes.Equal(c.Hash(), hash) {
		return fmt.Errorf("%w: content does not match cid %s", core.ErrCorrupt, c)
	}
	return nil
}
