package calltrace

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// segmentCapture writes trace output through to the sink and keeps a copy of the bytes the sink accepted, the text of
// the current segment for the archive. The copy is dropped once it would grow past limit.
type segmentCapture struct {
	sink     io.Writer
	text     bytes.Buffer
	limit    int // 0 for no limit
	overflow bool
}

func newSegmentCapture(sink io.Writer, limit int) *segmentCapture {
	return &segmentCapture{sink: sink, limit: limit}
}

func (c *segmentCapture) Write(p []byte) (int, error) {
	n, err := c.sink.Write(p)
	if n > 0 && !c.overflow {
		if c.limit > 0 && c.text.Len()+n > c.limit {
			c.overflow = true
			c.text = bytes.Buffer{} // release the partial copy
		} else {
			c.text.Write(p[:n])
		}
	}
	return n, err
}

// Segment returns the captured text, ok is false when the limit was exceeded.
func (c *segmentCapture) Segment() ([]byte, bool) {
	if c.overflow {
		return nil, false
	}
	return c.text.Bytes(), true
}

// MemorySink is a mutex-protected in-memory trace sink. It is safe to read while a LogStream writes to it.
type MemorySink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
	writes int
	// FailAfter makes every write after the first FailAfter writes fail, zero disables the failure.
	FailAfter int
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// ErrSinkClosed is returned when writing to a closed MemorySink.
var ErrSinkClosed = errors.New("sink closed")

func (m *MemorySink) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrSinkClosed
	}
	m.writes++
	if m.FailAfter > 0 && m.writes > m.FailAfter {
		return 0, fmt.Errorf("memory sink write %d: %w", m.writes, io.ErrShortWrite)
	}
	return m.buf.Write(p)
}

// Close marks the sink closed, the written bytes remain readable.
func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// Closed reports if Close has been invoked.
func (m *MemorySink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed
}

// Bytes returns a copy of the written bytes.
func (m *MemorySink) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.buf.Bytes()
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (m *MemorySink) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.buf.String()
}

// Len returns the number of bytes written.
func (m *MemorySink) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.buf.Len()
}
