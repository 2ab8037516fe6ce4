// Package console provides the shared console output buffer for supervised
// processes: a fixed-capacity ring written by a single drain goroutine and
// read by any number of subscribers, each holding its own cursor. Sequence
// numbers are monotonic for the lifetime of a ring, so a reader that falls
// behind eviction can tell exactly how much history it missed.
package console

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is the default close reason observed by cursors once a ring is
// closed and drained. Rings closed on process exit carry a more specific
// reason wrapping this one.
var ErrClosed = errors.New("console ring closed")

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 512

// Chunk is one fragment of console output, usually a single line including
// its trailing newline. Data must be treated as read-only by consumers.
type Chunk struct {
	Seq  uint64
	Data []byte
}

// Ring is the single-writer, multi-reader circular buffer. Append and Close
// are called by the owning drain goroutine; cursors may be created and read
// from any goroutine.
type Ring struct {
	mu     sync.Mutex
	chunks []Chunk
	size   int
	next   uint64
	closed bool
	reason error
	wake   chan struct{}
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		chunks: make([]Chunk, 0, capacity),
		size:   capacity,
		wake:   make(chan struct{}),
	}
}

// Append stores a copy of data as the next chunk and wakes blocked cursors.
// Appends after Close are discarded; the drain goroutine may still be
// flushing when the process exit path closes the ring.
func (r *Ring) Append(data []byte) {
	d := make([]byte, len(data))
	copy(d, data)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	c := Chunk{Seq: r.next, Data: d}
	if len(r.chunks) < r.size {
		r.chunks = append(r.chunks, c)
	} else {
		r.chunks[c.Seq%uint64(r.size)] = c
	}
	r.next++
	r.wakeLocked()
}

// Close marks the ring finished. Blocked cursors drain remaining chunks and
// then observe reason. A nil reason defaults to ErrClosed; the first close
// wins and later calls are no-ops.
func (r *Ring) Close(reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if reason == nil {
		reason = ErrClosed
	}
	r.closed = true
	r.reason = reason
	r.wakeLocked()
}

func (r *Ring) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Reason returns the close reason, or nil while the ring is still open.
func (r *Ring) Reason() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		return nil
	}
	return r.reason
}

// Len reports how many chunks are currently retained.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

// Snapshot copies the retained chunks in sequence order.
func (r *Ring) Snapshot() []Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Chunk, 0, len(r.chunks))
	for seq := r.oldestLocked(); seq < r.next; seq++ {
		out = append(out, r.chunks[seq%uint64(r.size)])
	}
	return out
}

// Cursor returns a reader positioned at the oldest retained chunk, so a new
// subscriber always sees the replay history strictly before live output.
func (r *Ring) Cursor() *Cursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Cursor{ring: r, pos: r.oldestLocked()}
}

func (r *Ring) oldestLocked() uint64 {
	if r.next <= uint64(len(r.chunks)) {
		return 0
	}
	return r.next - uint64(r.size)
}

func (r *Ring) wakeLocked() {
	close(r.wake)
	r.wake = make(chan struct{})
}

// Cursor is one subscriber's position in a ring. Cursors are not safe for
// concurrent use; each subscriber owns its own.
type Cursor struct {
	ring *Ring
	pos  uint64
}

// Seq reports the sequence number the cursor will read next.
func (c *Cursor) Seq() uint64 { return c.pos }

// Next returns the chunk at the cursor position, blocking until one is
// available, the ring closes (the close reason is returned once remaining
// chunks are drained), or ctx is done. skipped reports how many chunks were
// evicted past the cursor since its last read; it is zero unless the reader
// was lapped by the writer.
func (c *Cursor) Next(ctx context.Context) (Chunk, uint64, error) {
	for {
		c.ring.mu.Lock()
		if c.pos < c.ring.next {
			oldest := c.ring.oldestLocked()
			var skipped uint64
			if c.pos < oldest {
				skipped = oldest - c.pos
				c.pos = oldest
			}
			ch := c.ring.chunks[c.pos%uint64(c.ring.size)]
			c.pos++
			c.ring.mu.Unlock()
			return ch, skipped, nil
		}
		if c.ring.closed {
			reason := c.ring.reason
			c.ring.mu.Unlock()
			return Chunk{}, 0, reason
		}
		wake := c.ring.wake
		c.ring.mu.Unlock()

		select {
		case <-ctx.Done():
			return Chunk{}, 0, ctx.Err()
		case <-wake:
		}
	}
}
