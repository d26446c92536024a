package stage

import "sync"

// Default number of output bytes kept per stage.
const DefaultOutputLimit = 64 << 10

// Writer keeping only the last limit bytes written to it. Safe for
// concurrent use, since stdout and stderr of a command are copied from
// separate goroutines.
type tailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func newTailBuffer(limit int) *tailBuffer {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &tailBuffer{limit: limit}
}

// Implements [io.Writer]. Never fails.
func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if n >= b.limit {
		b.truncated = b.truncated || n > b.limit || len(b.buf) > 0
		b.buf = append(b.buf[:0], p[n-b.limit:]...)
		return n, nil
	}

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		copy(b.buf, b.buf[over:])
		b.buf = b.buf[:b.limit]
		b.truncated = true
	}
	return n, nil
}

// Returns the retained output and whether earlier output was dropped.
func (b *tailBuffer) contents() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf), b.truncated
}
