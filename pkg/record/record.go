// Package record holds the small index entries that backends keep next to blob data.
package record

import (
	"fmt"

	"github.com/agenthands/remotecache/pkg/core"
	"github.com/agenthands/remotecache/pkg/digest"
	"github.com/fxamacker/cbor/v2"
)

const Version = 1

// Blob describes one stored CAS object.
type Blob struct {
	Version  uint16 `cbor:"1,keyasint"`
	Size     int64  `cbor:"2,keyasint"`
	Encoding string `cbor:"3,keyasint,omitempty"` // transform applied on disk, empty for raw
	StoredAt int64  `cbor:"4,keyasint"`           // unix seconds
}

// Action maps an action digest to the content digest of its serialized result.
type Action struct {
	Version   uint16        `cbor:"1,keyasint"`
	Result    digest.Digest `cbor:"2,keyasint"`
	UpdatedAt int64         `cbor:"3,keyasint"`
}

var encMode, _ = cbor.CanonicalEncOptions().EncMode()

func EncodeBlob(b Blob) ([]byte, error) {
	b.Version = Version
	if b.Size < 0 {
		return nil, fmt.Errorf("%w: negative blob size", core.ErrInvalidInput)
	}
	return encMode.Marshal(b)
}

func DecodeBlob(raw []byte) (Blob, error) {
	var b Blob
	if err := cbor.Unmarshal(raw, &b); err != nil {
		return Blob{}, fmt.Errorf("%w: blob record: %v", core.ErrCorrupt, err)
	}
	if b.Version != Version {
		return Blob{}, fmt.Errorf("%w: unsupported blob record version %d", core.ErrCorrupt, b.Version)
	}
	return b, nil
}

func EncodeAction(a Action) ([]byte, error) {
	a.Version = Version
	if err := a.Result.Validate(); err != nil {
		return nil, err
	}
	return encMode.Marshal(a)
}

func DecodeAction(raw []byte) (Action, error) {
	var a Action
	if err := cbor.Unmarshal(raw, &a); err != nil {
		return Action{}, fmt.Errorf("%w: action record: %v", core.ErrCorrupt, err)
	}
	if a.Version != Version {
		return Action{}, fmt.Errorf("%w: unsupported action record version %d", core.ErrCorrupt, a.Version)
	}
	if err := a.Result.Validate(); err != nil {
		return Action{}, fmt.Errorf("%w: action record: %v", core.ErrCorrupt, err)
	}
	return a, nil
}
