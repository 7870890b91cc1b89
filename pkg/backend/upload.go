package backend

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/agenthands/remotecache/pkg/core"
)

// UploadKind tells a backend where insert data currently lives.
type UploadKind int

const (
	Memory UploadKind = iota
	Disk
)

// Upload is the payload of CASInsert: either a small in-memory buffer or a file
// that is already materialized on local disk (e.g. by streaming ingestion).
type Upload struct {
	kind UploadKind
	data []byte
	path string
}

// InMemory wraps b. The backend copies b if it keeps it.
func InMemory(b []byte) Upload {
	return Upload{kind: Memory, data: b}
}

// OnDisk hands the file at path to the backend, which relocates or removes it.
func OnDisk(path string) Upload {
	return Upload{kind: Disk, path: path}
}

func (u Upload) Kind() UploadKind { return u.kind }

// Bytes is the in-memory payload; nil for Disk uploads.
func (u Upload) Bytes() []byte { return u.data }

// Path is the on-disk payload; empty for Memory uploads.
func (u Upload) Path() string { return u.path }

// Open returns a reader over the payload.
func (u Upload) Open() (io.ReadCloser, error) {
	if u.kind == Memory {
		return io.NopCloser(bytes.NewReader(u.data)), nil
	}
	f, err := os.Open(u.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	return f, nil
}

// Release drops the payload. For Disk uploads the file is removed; a file that
// was already relocated is not an error.
func (u Upload) Release() {
	if u.kind == Disk && u.path != "" {
		_ = os.Remove(u.path)
	}
}
