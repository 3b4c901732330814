package protocol

import (
	"bytes"
	"sync"
)

// DefaultHistoryLimit bounds LineBuffer history when no limit is given.
const DefaultHistoryLimit = 500

// MaxPendingBytes bounds the unterminated tail. When more bytes arrive
// without a newline, the full tail is completed as a line of its own.
const MaxPendingBytes = 4096

// LineBuffer splits an inbound byte stream into newline-terminated lines.
//
// A line is completed exactly when a '\n' byte arrives and holds only the
// bytes before it; a single trailing '\r' is dropped. Bytes after the last
// newline stay pending until the next one. Lines are decoded as a whole, so
// UTF-8 sequences split across notifications survive.
type LineBuffer struct {
	mu      sync.Mutex
	pending  []byte
	history  []string
	limit    int
	received uint64 // lines completed since creation
}

// NewLineBuffer creates a buffer keeping at most limit completed lines.
// A limit <= 0 uses DefaultHistoryLimit.
func NewLineBuffer(limit int) *LineBuffer {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &LineBuffer{limit: limit}
}

// Feed appends chunk and returns the lines it completed, in order.
func (b *LineBuffer) Feed(chunk []byte) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var lines []string
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			lines = b.appendPending(lines, chunk)
			break
		}
		lines = b.appendPending(lines, chunk[:i])
		lines = b.complete(lines, bytes.TrimSuffix(b.pending, []byte{'\r'}))
		chunk = chunk[i+1:]
	}

	if over := len(b.history) - b.limit; over > 0 {
		b.history = append([]string(nil), b.history[over:]...)
	}
	return lines
}

// appendPending adds data to the tail, completing it early whenever it
// would grow past MaxPendingBytes.
func (b *LineBuffer) appendPending(lines []string, data []byte) []string {
	for len(data) > 0 {
		if len(b.pending) == MaxPendingBytes {
			lines = b.complete(lines, b.pending)
		}
		n := min(MaxPendingBytes-len(b.pending), len(data))
		b.pending = append(b.pending, data[:n]...)
		data = data[n:]
	}
	return lines
}

// complete records raw as a finished line and empties the tail.
func (b *LineBuffer) complete(lines []string, raw []byte) []string {
	line := string(raw)
	b.pending = b.pending[:0]
	b.history = append(b.history, line)
	b.received++
	return append(lines, line)
}

// Pending returns the bytes received since the last newline.
func (b *LineBuffer) Pending() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.pending)
}

// Received returns how many lines have been completed in total. The
// newest history line is line number Received().
func (b *LineBuffer) Received() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.received
}

// View returns history, pending text and Received from one instant.
func (b *LineBuffer) View() (history []string, pending string, received uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	history = make([]string, len(b.history))
	copy(history, b.history)
	return history, string(b.pending), b.received
}

// History returns a copy of the completed lines, oldest first.
func (b *LineBuffer) History() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.history))
	copy(out, b.history)
	return out
}
