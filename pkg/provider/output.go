package provider

import "sync"

// OutputBuffer accumulates session or exec output and hands it out
// incrementally. Safe for concurrent append and poll.
type OutputBuffer struct {
	mu     sync.Mutex
	buf    []byte
	cursor int
}

// Append adds output to the buffer.
func (b *OutputBuffer) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	b.mu.Lock()
	b.buf = append(b.buf, data...)
	b.mu.Unlock()
}

// Next returns everything appended since the previous Next, or nil.
func (b *OutputBuffer) Next() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cursor >= len(b.buf) {
		return nil
	}
	out := make([]byte, len(b.buf)-b.cursor)
	copy(out, b.buf[b.cursor:])
	b.cursor = len(b.buf)
	return out
}

// String returns the full accumulated output.
func (b *OutputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
