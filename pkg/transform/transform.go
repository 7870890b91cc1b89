// Package transform encodes blob files at rest. Encodings are streaming so a
// blob is never held in memory whole.
package transform

import (
	"fmt"
	"io"

	"github.com/agenthands/remotecache/pkg/core"
	"github.com/klauspost/compress/zstd"
)

const (
	Magic   = "RCBL"
	Version = 1
)

const (
	FlagCompressed = 1 << 0
)

const (
	AlgZstd = 1
)

const headerLen = 7

// Transform defines streaming encode/decode of stored blob payloads.
type Transform interface {
	Name() string
	// Wrap returns a writer that encodes into w. Close flushes the encoding but
	// does not close w.
	Wrap(w io.Writer) (io.WriteCloser, error)
	// Unwrap returns a reader that decodes r.
	Unwrap(r io.Reader) (io.ReadCloser, error)
}

// New returns the transform named in cfg.
func New(cfg core.TransformConfig) (Transform, error) {
	switch cfg.Name {
	case "none", "":
		return NewNone(), nil
	case "zstd":
		return NewZstd(cfg.ZstdLevel), nil
	default:
		return nil, fmt.Errorf("%w: unsupported transform: %s", core.ErrInvalidInput, cfg.Name)
	}
}

// ByName resolves the encoding recorded for a stored blob.
func ByName(name string) (Transform, error) {
	return New(core.TransformConfig{Name: name})
}

// None transform doesn't apply any transformation.
type noneTransform struct{}

func NewNone() Transform {
	return &noneTransform{}
}

func (t *noneTransform) Name() string { return "none" }

func (t *noneTransform) Wrap(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (t *noneTransform) Unwrap(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// Zstd transform applies zstd compression behind a small envelope header.
type zstdTransform struct {
	level zstd.EncoderLevel
}

func NewZstd(level int) Transform {
	lvl := zstd.SpeedDefault
	if level > 0 {
		lvl = zstd.EncoderLevelFromZstd(level)
	}
	return &zstdTransform{level: lvl}
}

func (t *zstdTransform) Name() string { return "zstd" }

func (t *zstdTransform) Wrap(w io.Writer) (io.WriteCloser, error) {
	if _, err := w.Write([]byte{Magic[0], Magic[1], Magic[2], Magic[3], Version, FlagCompressed, AlgZstd}); err != nil {
		return nil, err
	}
	return zstd.NewWriter(w, zstd.WithEncoderLevel(t.level))
}

func (t *zstdTransform) Unwrap(r io.Reader) (io.ReadCloser, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: blob too small for envelope: %v", core.ErrCorrupt, err)
	}
	if string(hdr[:4]) != Magic {
		return nil, fmt.Errorf("%w: invalid magic", core.ErrCorrupt)
	}
	if hdr[4] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", core.ErrCorrupt, hdr[4])
	}

	flags, alg := hdr[5], hdr[6]
	if flags&FlagCompressed == 0 {
		return io.NopCloser(r), nil
	}
	if alg != AlgZstd {
		return nil, fmt.Errorf("%w: unsupported compression algorithm %d", core.ErrCorrupt, alg)
	}

	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCorrupt, err)
	}
	return dec.IOReadCloser(), nil
}
