// Package actionresult defines the cached outcome of a build action and its
// deterministic serialization. The serialized bytes are what the content
// digest of a result is computed over, so encoding must be canonical.
package actionresult

import (
	"fmt"
	"path"

	"github.com/agenthands/remotecache/pkg/core"
	"github.com/agenthands/remotecache/pkg/digest"
	"github.com/fxamacker/cbor/v2"
)

// OutputFile references a file produced by the action.
type OutputFile struct {
	Path         string        `cbor:"1,keyasint"`
	Digest       digest.Digest `cbor:"2,keyasint"`
	IsExecutable bool          `cbor:"3,keyasint,omitempty"`
	Contents     []byte        `cbor:"4,keyasint,omitempty"` // optional inline copy
}

// OutputSymlink is a symlink produced by the action.
type OutputSymlink struct {
	Path   string `cbor:"1,keyasint"`
	Target string `cbor:"2,keyasint"`
}

// OutputDirectory references a Tree blob describing a produced directory.
type OutputDirectory struct {
	Path       string        `cbor:"1,keyasint"`
	TreeDigest digest.Digest `cbor:"2,keyasint"`
}

// ExecutionMetadata describes where and when the action ran. Times are unix nanoseconds.
type ExecutionMetadata struct {
	Worker                 string `cbor:"1,keyasint,omitempty"`
	QueuedAt               int64  `cbor:"2,keyasint,omitempty"`
	WorkerStartAt          int64  `cbor:"3,keyasint,omitempty"`
	WorkerCompletedAt      int64  `cbor:"4,keyasint,omitempty"`
	ExecutionStartAt       int64  `cbor:"5,keyasint,omitempty"`
	ExecutionCompletedAt   int64  `cbor:"6,keyasint,omitempty"`
	OutputUploadCompleteAt int64  `cbor:"7,keyasint,omitempty"`
}

// ActionResult is the cached outcome of executing an action.
type ActionResult struct {
	ExitCode          int32             `cbor:"1,keyasint"`
	OutputFiles       []OutputFile      `cbor:"2,keyasint,omitempty"`
	OutputSymlinks    []OutputSymlink   `cbor:"3,keyasint,omitempty"`
	OutputDirectories []OutputDirectory `cbor:"4,keyasint,omitempty"`
	StdoutRaw         []byte            `cbor:"5,keyasint,omitempty"`
	StdoutDigest      *digest.Digest    `cbor:"6,keyasint,omitempty"`
	StderrRaw         []byte            `cbor:"7,keyasint,omitempty"`
	StderrDigest      *digest.Digest    `cbor:"8,keyasint,omitempty"`
	ExecutionMetadata ExecutionMetadata `cbor:"9,keyasint"`
}

// Codec defines encoding, decoding and validation of action results.
type Codec interface {
	Encode(ar *ActionResult) ([]byte, error)
	Decode(b []byte) (*ActionResult, error)
}

type codec struct {
	limits  core.LimitsConfig
	encMode cbor.EncMode
}

// NewCodec returns a Codec. Zero limits are unlimited.
func NewCodec(limits core.LimitsConfig) Codec {
	// Core Deterministic Encoding: equal results always hash to the same digest.
	em, _ := cbor.CanonicalEncOptions().EncMode()
	return &codec{
		limits:  limits,
		encMode: em,
	}
}

func (c *codec) Encode(ar *ActionResult) ([]byte, error) {
	if ar == nil {
		return nil, fmt.Errorf("%w: nil action result", core.ErrInvalidInput)
	}
	if err := c.validate(ar); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	return c.encMode.Marshal(ar)
}

func (c *codec) Decode(b []byte) (*ActionResult, error) {
	var ar ActionResult
	if err := cbor.Unmarshal(b, &ar); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal action result: %v", core.ErrCorrupt, err)
	}
	if err := c.validate(&ar); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCorrupt, err)
	}
	return &ar, nil
}

// Serialize encodes ar and returns its bytes together with their content digest.
func Serialize(c Codec, ar *ActionResult) ([]byte, digest.Digest, error) {
	b, err := c.Encode(ar)
	if err != nil {
		return nil, digest.Digest{}, err
	}
	return b, digest.FromBytes(b), nil
}

func (c *codec) validate(ar *ActionResult) error {
	if n := len(ar.OutputFiles) + len(ar.OutputSymlinks) + len(ar.OutputDirectories); c.limits.MaxOutputFiles > 0 && n > c.limits.MaxOutputFiles {
		return fmt.Errorf("too many outputs: %d > %d", n, c.limits.MaxOutputFiles)
	}

	for i, f := range ar.OutputFiles {
		if err := c.checkPath(f.Path); err != nil {
			return fmt.Errorf("output file %d: %v", i, err)
		}
		if err := f.Digest.Validate(); err != nil {
			return fmt.Errorf("output file %d: %v", i, err)
		}
		if f.Contents != nil && int64(len(f.Contents)) != f.Digest.SizeBytes {
			return fmt.Errorf("output file %d: inline contents length %d, digest says %d", i, len(f.Contents), f.Digest.SizeBytes)
		}
	}
	for i, s := range ar.OutputSymlinks {
		if err := c.checkPath(s.Path); err != nil {
			return fmt.Errorf("output symlink %d: %v", i, err)
		}
		if s.Target == "" {
			return fmt.Errorf("output symlink %d: empty target", i)
		}
	}
	for i, d := range ar.OutputDirectories {
		if err := c.checkPath(d.Path); err != nil {
			return fmt.Errorf("output directory %d: %v", i, err)
		}
		if err := d.TreeDigest.Validate(); err != nil {
			return fmt.Errorf("output directory %d: %v", i, err)
		}
	}

	for name, d := range map[string]*digest.Digest{"stdout": ar.StdoutDigest, "stderr": ar.StderrDigest} {
		if d == nil {
			continue
		}
		if err := d.Validate(); err != nil {
			return fmt.Errorf("%s digest: %v", name, err)
		}
	}

	if max := c.limits.MaxInlineOutput; max > 0 && (len(ar.StdoutRaw) > max || len(ar.StderrRaw) > max) {
		return fmt.Errorf("inline stdout/stderr exceeds %d bytes", max)
	}
	return nil
}

func (c *codec) checkPath(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if path.IsAbs(p) {
		return fmt.Errorf("path %q is absolute", p)
	}
	if c.limits.MaxPathLen > 0 && len(p) > c.limits.MaxPathLen {
		return fmt.Errorf("path too long: %d > %d", len(p), c.limits.MaxPathLen)
	}
	return nil
}
