// Package buffer implements the segmented ingress/egress byte buffer
// a connection reads into and transmits from. A buffer is a chain of
// fixed-size chunk segments interleaved with borrowed segments that
// splice foreign bytes in without copying; a borrowed segment carries
// a release callback run when the segment is fully consumed.
package buffer

// ReleaseFunc is invoked when a borrowed segment has been consumed.
type ReleaseFunc func()

// Arena is the chunk allocator behind owned segments. A core
// satisfies this: chunks freed on a foreign core travel home through
// the owner's chunk ring.
type Arena interface {
	ID() int
	AllocChunk() []byte
	FreeChunk(owner int, b []byte)
}

// Segment is one contiguous byte area of the chain. Bytes [0, wpos)
// are written and immutable; rpos tracks consumption.
type Segment struct {
	data     []byte
	rpos     int
	wpos     int
	next     *Segment
	borrowed bool
	release  ReleaseFunc
	owner    int
}

// Bytes returns the written bytes of the segment.
func (s *Segment) Bytes() []byte { return s.data[:s.wpos] }

// Next returns the following segment in the chain.
func (s *Segment) Next() *Segment { return s.next }

// Buffer is the chain. Not safe for concurrent mutation; reading
// already-written bytes from other cores is safe because written
// ranges never change.
type Buffer struct {
	arena Arena
	head  *Segment
	tail  *Segment
}

// New creates an empty buffer over the given arena.
func New(arena Arena) *Buffer {
	return &Buffer{arena: arena}
}

func (b *Buffer) newSegment() *Segment {
	data := b.arena.AllocChunk()
	return &Segment{data: data, owner: b.arena.ID()}
}

func (b *Buffer) appendSegment(s *Segment) {
	if b.tail == nil {
		b.head = s
		b.tail = s
		return
	}
	b.tail.next = s
	b.tail = s
}

func (b *Buffer) freeSegment(s *Segment) {
	if s.borrowed {
		if s.release != nil {
			s.release()
		}
		return
	}
	b.arena.FreeChunk(s.owner, s.data)
}

// WritableSlice returns free space at the tail for a read(2) to land
// in, growing the chain if the tail is full or borrowed.
func (b *Buffer) WritableSlice() []byte {
	t := b.tail
	if t == nil || t.borrowed || t.wpos == len(t.data) {
		t = b.newSegment()
		b.appendSegment(t)
	}
	return t.data[t.wpos:]
}

// Commit marks n bytes of the last WritableSlice as written.
func (b *Buffer) Commit(n int) {
	b.tail.wpos += n
}

// Append copies p into the chain.
func (b *Buffer) Append(p []byte) {
	for len(p) > 0 {
		dst := b.WritableSlice()
		n := copy(dst, p)
		b.Commit(n)
		p = p[n:]
	}
}

// AppendString copies s into the chain.
func (b *Buffer) AppendString(s string) {
	for len(s) > 0 {
		dst := b.WritableSlice()
		n := copy(dst, s)
		b.Commit(n)
		s = s[n:]
	}
}

// SpliceIn attaches borrowed bytes with a release callback, avoiding
// a copy on the transmit path.
func (b *Buffer) SpliceIn(data []byte, release ReleaseFunc) {
	s := &Segment{data: data, wpos: len(data), borrowed: true, release: release}
	b.appendSegment(s)
}

// Empty reports whether no unconsumed bytes remain.
func (b *Buffer) Empty() bool {
	for s := b.head; s != nil; s = s.next {
		if s.rpos < s.wpos {
			return false
		}
	}
	return true
}

// Readable returns the number of unconsumed bytes.
func (b *Buffer) Readable() int {
	n := 0
	for s := b.head; s != nil; s = s.next {
		n += s.wpos - s.rpos
	}
	return n
}

// ReadSlice returns the oldest contiguous run of unconsumed bytes,
// or nil when the buffer is drained.
func (b *Buffer) ReadSlice() []byte {
	for b.head != nil {
		h := b.head
		if h.rpos < h.wpos {
			return h.data[h.rpos:h.wpos]
		}
		if h == b.tail && !h.borrowed {
			// Keep one writable tail segment around.
			return nil
		}
		b.head = h.next
		if b.head == nil {
			b.tail = nil
		}
		b.freeSegment(h)
	}
	return nil
}

// Consume advances the read position by n bytes, releasing segments
// as they drain. Used on the transmit side.
func (b *Buffer) Consume(n int) {
	for n > 0 {
		h := b.head
		avail := h.wpos - h.rpos
		if avail > n {
			h.rpos += n
			return
		}
		n -= avail
		h.rpos = h.wpos
		if h == b.tail {
			if !h.borrowed {
				return
			}
			b.head = nil
			b.tail = nil
		} else {
			b.head = h.next
		}
		b.freeSegment(h)
	}
}

// Reset drops all content, releasing every segment. Used when a
// connection is torn down with data still queued.
func (b *Buffer) Reset() {
	for b.head != nil {
		h := b.head
		b.head = h.next
		b.freeSegment(h)
	}
	b.tail = nil
}

// Release frees everything before the mark and moves the read
// position to it. Used on the receive side once a command's input has
// been fully processed and transmitted.
func (b *Buffer) Release(m Mark) {
	for b.head != nil && b.head != m.seg {
		h := b.head
		b.head = h.next
		if b.head == nil {
			b.tail = nil
		}
		b.freeSegment(h)
	}
	if b.head != nil && m.off > b.head.rpos {
		b.head.rpos = m.off
	}
}

// Mark is a stable position in the chain: the boundary up to which
// input may be released.
type Mark struct {
	seg *Segment
	off int
}

// Cursor walks written bytes without consuming them. The parser owns
// one; it only ever moves forward.
type Cursor struct {
	buf *Buffer
	seg *Segment
	off int
}

// Cursor returns a cursor at the current read position.
func (b *Buffer) Cursor() Cursor {
	c := Cursor{buf: b, seg: b.head}
	if b.head != nil {
		c.off = b.head.rpos
	}
	return c
}

// Mark converts the cursor position into a release mark.
func (c *Cursor) Mark() Mark {
	return Mark{seg: c.seg, off: c.off}
}

// Segment exposes the cursor's current segment for splice capture.
func (c *Cursor) Segment() *Segment { return c.seg }

// Offset exposes the cursor's offset within its segment.
func (c *Cursor) Offset() int { return c.off }

// normalize steps past exhausted segments.
func (c *Cursor) normalize() {
	for c.seg != nil && c.off >= c.seg.wpos {
		if c.seg.next == nil {
			return
		}
		c.seg = c.seg.next
		c.off = 0
	}
}

// Peek returns the next byte without advancing.
func (c *Cursor) Peek() (byte, bool) {
	if c.seg == nil {
		c.seg = c.buf.head
		c.off = 0
		if c.seg == nil {
			return 0, false
		}
		c.off = c.seg.rpos
	}
	c.normalize()
	if c.seg == nil || c.off >= c.seg.wpos {
		return 0, false
	}
	return c.seg.data[c.off], true
}

// Next consumes and returns the next byte.
func (c *Cursor) Next() (byte, bool) {
	v, ok := c.Peek()
	if ok {
		c.off++
	}
	return v, ok
}

// Skip advances up to n bytes, returning how many were skipped.
func (c *Cursor) Skip(n int) int {
	skipped := 0
	for skipped < n {
		if _, ok := c.Peek(); !ok {
			break
		}
		c.off++
		skipped++
	}
	return skipped
}

// Remaining returns the number of bytes between the cursor and the
// buffer's written end.
func (c *Cursor) Remaining() int {
	cc := *c
	n := 0
	for {
		if _, ok := cc.Peek(); !ok {
			return n
		}
		avail := cc.seg.wpos - cc.off
		n += avail
		cc.off = cc.seg.wpos
	}
}

// ValueRef captures an exact byte run inside the chain: the segment,
// the offset and the length. The bytes are stitched at copy time, so
// a payload may span segments.
type ValueRef struct {
	Seg *Segment
	Off int
	Len int
}

// Capture records the next n bytes as a ValueRef and advances past
// them. The caller must have verified n bytes are available.
func (c *Cursor) Capture(n int) ValueRef {
	c.Peek()
	ref := ValueRef{Seg: c.seg, Off: c.off, Len: n}
	c.Skip(n)
	return ref
}

// CopyTo stitches the referenced bytes into dst, which must hold at
// least Len bytes.
func (r ValueRef) CopyTo(dst []byte) {
	seg, off, left := r.Seg, r.Off, r.Len
	for left > 0 && seg != nil {
		avail := seg.wpos - off
		if avail > left {
			avail = left
		}
		copy(dst[r.Len-left:], seg.data[off:off+avail])
		left -= avail
		off = 0
		if left > 0 {
			seg = seg.next
		}
	}
}
