package testkit

import (
	"errors"
	"io"
)

var ErrInjectedFault = errors.New("injected fault")

// ErrorReader passes through the first limit bytes of a stream and then
// fails, like a client connection dropping mid-upload.
type ErrorReader struct {
	src       io.Reader
	remaining int64
	fault     error
}

// NewErrorReader fails with err (ErrInjectedFault if nil) once limit bytes
// have been returned.
func NewErrorReader(r io.Reader, limit int64, err error) *ErrorReader {
	if err == nil {
		err = ErrInjectedFault
	}
	return &ErrorReader{src: r, remaining: limit, fault: err}
}

func (e *ErrorReader) Read(p []byte) (int, error) {
	if e.remaining <= 0 {
		return 0, e.fault
	}
	n, err := io.LimitReader(e.src, e.remaining).Read(p)
	e.remaining -= int64(n)
	if err == nil && e.remaining <= 0 {
		err = e.fault
	}
	return n, err
}

// SmallReader returns at most N bytes per Read, like a network stream.
type SmallReader struct {
	R io.Reader
	N int
}

func (s *SmallReader) Read(p []byte) (int, error) {
	return s.R.Read(p[:min(len(p), s.N)])
}

// BlockingReader lets a test act while a consumer is mid-stream. The first
// Read goes through; the second closes BlockCh and waits for ResumeCh.
type BlockingReader struct {
	BlockCh  chan struct{}
	ResumeCh chan struct{}

	src     io.Reader
	started bool
	stalled bool
}

func NewBlockingReader(r io.Reader) *BlockingReader {
	return &BlockingReader{
		BlockCh:  make(chan struct{}),
		ResumeCh: make(chan struct{}),
		src:      r,
	}
}

func (b *BlockingReader) Read(p []byte) (int, error) {
	if b.started && !b.stalled {
		b.stalled = true
		close(b.BlockCh)
		<-b.ResumeCh
	}
	b.started = true
	return b.src.Read(p)
}
