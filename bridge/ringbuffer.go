package bridge

import "sync"

// RingBuffer keeps the most recent sandbox output with absolute byte offsets,
// so a client can resume from the last offset it saw. Writes overwrite the
// oldest bytes once full.
type RingBuffer struct {
	mu       sync.Mutex
	data     []byte
	capacity int
	// writePos is the next write index within data.
	writePos int
	// written is the total number of bytes ever written; the retained window
	// is [written-min(written,capacity), written).
	written uint64
}

func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{data: make([]byte, capacity), capacity: capacity}
}

func (r *RingBuffer) Write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// only the tail of an oversized write can be retained
	src := p
	if len(src) > r.capacity {
		src = src[len(src)-r.capacity:]
		r.writePos = (r.writePos + len(p) - len(src)) % r.capacity
	}
	for off := 0; off < len(src); {
		n := copy(r.data[r.writePos:], src[off:])
		r.writePos = (r.writePos + n) % r.capacity
		off += n
	}
	r.written += uint64(len(p))
}

func (r *RingBuffer) oldestLocked() uint64 {
	if r.written > uint64(r.capacity) {
		return r.written - uint64(r.capacity)
	}
	return 0
}

// ReadFrom returns the retained bytes at or after offset, capped at max
// bytes (max <= 0 means no cap), and the offset of the first returned byte.
// start > offset means the bytes in between were overwritten.
func (r *RingBuffer) ReadFrom(offset uint64, max int) (data []byte, start uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldest := r.oldestLocked()
	start = offset
	if start < oldest {
		start = oldest
	}
	if start >= r.written {
		return nil, r.written
	}
	n := r.written - start
	if max > 0 && n > uint64(max) {
		n = uint64(max)
	}
	stored := r.written - oldest
	pos := (r.writePos - int(stored) + int(start-oldest)) % r.capacity
	if pos < 0 {
		pos += r.capacity
	}
	data = make([]byte, n)
	for copied := 0; copied < int(n); {
		c := copy(data[copied:], r.data[pos:])
		if c > int(n)-copied {
			c = int(n) - copied
		}
		pos = (pos + c) % r.capacity
		copied += c
	}
	return data, start
}

// Snapshot returns every retained byte.
func (r *RingBuffer) Snapshot() []byte {
	data, _ := r.ReadFrom(0, 0)
	return data
}

// Offset is the total number of bytes written so far.
func (r *RingBuffer) Offset() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Oldest is the offset of the oldest retained byte.
func (r *RingBuffer) Oldest() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.oldestLocked()
}

func (r *RingBuffer) Capacity() int { return r.capacity }
