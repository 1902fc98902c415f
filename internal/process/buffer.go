package process

import (
	"strings"
	"sync"
	"time"
)

// OutputChunk represents a single piece of captured process output.
type OutputChunk struct {
	Data      string    // Raw output bytes as string
	Timestamp time.Time // When this chunk was captured
}

// captureBuffer provides memory-bounded FIFO storage for process output.
//
// When the buffer exceeds maxBytes, the oldest chunks are automatically
// evicted, so a chatty process only ever keeps the most recent output in
// memory. With maxBytes <= 0 the buffer is unbounded, which attach sessions
// use to capture a complete interactive turn.
//
// Thread-safe: all methods use mutex protection.
type captureBuffer struct {
	mu       sync.Mutex
	maxBytes int64
	size     int64
	chunks   []OutputChunk
}

// newCaptureBuffer creates a capture buffer with the specified size limit.
// A limit <= 0 means unbounded.
func newCaptureBuffer(maxBytes int64) *captureBuffer {
	return &captureBuffer{maxBytes: maxBytes}
}

// append adds a new output chunk, evicting oldest chunks if over the size limit.
func (b *captureBuffer) append(data []byte) {
	if len(data) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, OutputChunk{Data: string(data), Timestamp: time.Now()})
	b.size += int64(len(data))

	if b.maxBytes <= 0 {
		return
	}
	// Evict oldest chunks until we're back under the limit
	for b.size > b.maxBytes && len(b.chunks) > 0 {
		removed := b.chunks[0]
		b.size -= int64(len(removed.Data))
		b.chunks = b.chunks[1:]
	}
}

// snapshot returns a copy of all buffered chunks at the current moment.
// Safe to call concurrently with append().
func (b *captureBuffer) snapshot() []OutputChunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]OutputChunk, len(b.chunks))
	copy(out, b.chunks)
	return out
}

// combined returns all buffered output joined into a single string.
func (b *captureBuffer) combined() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sb strings.Builder
	sb.Grow(int(b.size))
	for _, c := range b.chunks {
		sb.WriteString(c.Data)
	}
	return sb.String()
}

// reset discards all buffered output.
func (b *captureBuffer) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.size = 0
}

// len reports the total number of buffered bytes.
func (b *captureBuffer) len() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}
