// Package buffer provides a fixed-capacity linear byte buffer with explicit
// reader/writer cursors. Both CAN pipelines use it: the transmit side appends
// encoded messages at the write cursor while the chunker advances the read
// cursor, and the receive side accumulates frame payloads until a complete
// message is consumed from the front.
package buffer

// Linear is a fixed-capacity byte region with two cursors. Invariant:
// 0 <= pos <= limit <= cap. It never allocates after construction and is not
// safe for concurrent use; callers are expected to run on a single cooperative
// context.
type Linear struct {
	buf   []byte
	pos   int // bytes already consumed by the reader
	limit int // end of valid data
}

// New creates a Linear buffer with the given fixed capacity.
func New(capacity int) *Linear {
	if capacity < 0 {
		capacity = 0
	}
	return &Linear{buf: make([]byte, capacity)}
}

// Cap returns the fixed capacity.
func (b *Linear) Cap() int { return len(b.buf) }

// Len returns the number of unread bytes.
func (b *Linear) Len() int { return b.limit - b.pos }

// Free returns the contiguous space available at the write cursor.
func (b *Linear) Free() int { return len(b.buf) - b.limit }

// Reset discards all data and rewinds both cursors.
func (b *Linear) Reset() { b.pos, b.limit = 0, 0 }

// Append copies p at the write cursor, truncating silently at capacity, and
// returns the number of bytes stored.
func (b *Linear) Append(p []byte) int {
	n := copy(b.buf[b.limit:], p)
	b.limit += n
	return n
}

// Unread returns a view of the bytes between the read and write cursors.
func (b *Linear) Unread() []byte { return b.buf[b.pos:b.limit] }

// Peek returns a view of at most n unread bytes.
func (b *Linear) Peek(n int) []byte {
	if n > b.Len() {
		n = b.Len()
	}
	return b.buf[b.pos : b.pos+n]
}

// Advance marks n unread bytes as consumed.
func (b *Linear) Advance(n int) {
	b.pos += n
	if b.pos > b.limit {
		b.pos = b.limit
	}
}

// Compact shifts unread bytes to offset 0, reclaiming consumed space.
func (b *Linear) Compact() {
	if b.pos == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.pos:b.limit])
	b.pos, b.limit = 0, n
}

// Reserve returns a writable region of exactly n bytes at the write cursor, or
// nil if the message cannot fit. A fully drained buffer is rewound first so
// space is reused from offset 0; otherwise unread bytes are compacted when
// trailing space alone is insufficient. Callers encode into the region and
// then Commit the bytes actually written.
func (b *Linear) Reserve(n int) []byte {
	if b.pos >= b.limit {
		b.Reset()
	}
	if b.limit+n > len(b.buf) {
		if b.limit+n-b.pos > len(b.buf) {
			return nil
		}
		b.Compact()
	}
	return b.buf[b.limit : b.limit+n]
}

// Commit advances the write cursor over n bytes previously Reserved.
func (b *Linear) Commit(n int) {
	b.limit += n
	if b.limit > len(b.buf) {
		b.limit = len(b.buf)
	}
}

// Consume drops n bytes from the front of the unread region and shifts any
// remainder to offset 0. It returns the number of bytes that remain.
func (b *Linear) Consume(n int) int {
	if n > b.Len() {
		n = b.Len()
	}
	rest := copy(b.buf, b.buf[b.pos+n:b.limit])
	b.pos, b.limit = 0, rest
	return rest
}
