// Package output captures subprocess text streams in fixed memory.
package output

import (
	"strconv"
	"strings"
	"sync"
)

// DefaultMaxBytes is the capacity used when no valid override is configured.
const DefaultMaxBytes = 10 * 1024 * 1024

// MaxBytes parses a capacity override. Empty, non-numeric, zero and negative values
// all yield DefaultMaxBytes.
func MaxBytes(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return DefaultMaxBytes
	}
	return n
}

// BoundedBuffer keeps the trailing capacity bytes of everything appended to it.
// Once content has been dropped, Truncated reports true for the rest of the
// buffer's life.
//
// BoundedBuffer implements io.Writer so it can be attached to exec.Cmd.Stdout
// and exec.Cmd.Stderr directly. It is safe for concurrent use.
type BoundedBuffer struct {
	mu        sync.Mutex
	data      []byte
	capacity  int
	truncated bool
	onFirst   func()
}

// NewBoundedBuffer returns a buffer holding at most capacity bytes. A
// non-positive capacity means DefaultMaxBytes.
func NewBoundedBuffer(capacity int) *BoundedBuffer {
	if capacity <= 0 {
		capacity = DefaultMaxBytes
	}
	return &BoundedBuffer{capacity: capacity}
}

// OnTruncate registers fn to run the first time content is dropped. It runs at
// most once, outside the buffer lock.
func (b *BoundedBuffer) OnTruncate(fn func()) *BoundedBuffer {
	b.mu.Lock()
	b.onFirst = fn
	b.mu.Unlock()
	return b
}

// Append adds text to the tail of the buffer.
func (b *BoundedBuffer) Append(text string) {
	_, _ = b.Write([]byte(text))
}

// Write implements io.Writer. It never returns an error and always reports the
// full length as written.
func (b *BoundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	hook := b.appendLocked(p)
	b.mu.Unlock()

	if hook != nil {
		hook()
	}
	return len(p), nil
}

// appendLocked returns the truncation hook when this write is the one that
// first dropped content.
func (b *BoundedBuffer) appendLocked(p []byte) func() {
	wasTruncated := b.truncated

	switch {
	case len(p) >= b.capacity:
		if len(p) > b.capacity || len(b.data) > 0 {
			b.truncated = true
		}
		b.data = append(b.data[:0], p[len(p)-b.capacity:]...)
	case len(b.data)+len(p) > b.capacity:
		drop := len(b.data) + len(p) - b.capacity
		n := copy(b.data, b.data[drop:])
		b.data = append(b.data[:n], p...)
		b.truncated = true
	default:
		b.data = append(b.data, p...)
	}

	if b.truncated && !wasTruncated {
		return b.onFirst
	}
	return nil
}

// String returns the retained tail.
func (b *BoundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// Len returns the number of retained bytes.
func (b *BoundedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Truncated reports whether any content has ever been dropped.
func (b *BoundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Capacity returns the configured byte limit.
func (b *BoundedBuffer) Capacity() int {
	return b.capacity
}
