package process

import (
	"bytes"
	"sync"
)

// maxOutputBytes caps stdout/stderr per process to prevent OOM from
// chatty commands. Excess output is silently discarded, not an error.
const maxOutputBytes = 1 << 20 // 1 MB

// Buffer is a mutex-guarded, size-capped output accumulator. Execution
// goroutines keep writing into it after a timeout or a background
// promotion, so every access has to be safe for concurrent use.
type Buffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	remaining int
}

// NewBuffer returns a buffer capped at the default output limit.
func NewBuffer() *Buffer {
	return &Buffer{remaining: maxOutputBytes}
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining <= 0 {
		return len(p), nil
	}
	q := p
	if len(q) > b.remaining {
		q = q[:b.remaining]
	}
	n, err := b.buf.Write(q)
	b.remaining -= n
	if err != nil {
		return n, err
	}
	return len(p), nil
}

// String returns a snapshot of the accumulated output.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
