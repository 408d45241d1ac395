package supervisor

import "sync"

// RingBuffer is a fixed-capacity line buffer with FIFO eviction. It backs
// GetOutput and WebSocket subscribe replay, so appends from the poll
// goroutine and reads from HTTP/WebSocket goroutines are synchronized
// internally.
type RingBuffer struct {
	mu    sync.Mutex
	lines []string
	start int
	size  int
}

// NewRingBuffer creates a buffer holding at most capacity lines.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &RingBuffer{lines: make([]string, capacity)}
}

// Append adds lines in order, evicting the oldest once the buffer is full.
func (b *RingBuffer) Append(lines ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, line := range lines {
		b.lines[(b.start+b.size)%len(b.lines)] = line
		if b.size < len(b.lines) {
			b.size++
		} else {
			b.start = (b.start + 1) % len(b.lines)
		}
	}
}

// Tail returns the most recent n lines in insertion order. n <= 0 or n
// larger than the buffered count returns everything buffered.
func (b *RingBuffer) Tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > b.size {
		n = b.size
	}
	out := make([]string, n)
	first := b.size - n
	for i := 0; i < n; i++ {
		out[i] = b.lines[(b.start+first+i)%len(b.lines)]
	}
	return out
}

// Len returns the number of buffered lines.
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}
