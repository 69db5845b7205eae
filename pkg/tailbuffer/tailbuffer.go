package tailbuffer

import (
	"io"
	"sync"
)

// tailBuffer retains the most recent capacity bytes written to it. Reads
// drain the retained bytes oldest first.
type tailBuffer struct {
	lock sync.Mutex
	buf  []byte
	// start is the index of the oldest retained byte.
	start int
	// size is the number of retained bytes.
	size int
}

// NewTailBuffer creates a buffer retaining at most size bytes. It is safe for
// concurrent use, which allows a process to write stderr into it while the
// exit handler reads it.
func NewTailBuffer(size uint) io.ReadWriter {
	return &tailBuffer{buf: make([]byte, size)}
}

// Write implements io.Writer. It always reports the full input as written,
// even when older bytes are evicted.
func (t *tailBuffer) Write(p []byte) (int, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	capacity := len(t.buf)
	if capacity == 0 {
		return len(p), nil
	}
	tail := p
	if len(tail) > capacity {
		tail = tail[len(tail)-capacity:]
	}
	for _, b := range tail {
		end := (t.start + t.size) % capacity
		t.buf[end] = b
		if t.size == capacity {
			t.start = (t.start + 1) % capacity
		} else {
			t.size++
		}
	}
	return len(p), nil
}

// Read implements io.Reader, returning io.EOF once the buffer is empty.
func (t *tailBuffer) Read(p []byte) (int, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.size == 0 {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) && t.size > 0 {
		p[n] = t.buf[t.start]
		t.start = (t.start + 1) % len(t.buf)
		t.size--
		n++
	}
	return n, nil
}
