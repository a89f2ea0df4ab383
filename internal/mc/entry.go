package mc

import (
	"sync/atomic"

	"github.com/respu/go-mainmemory/internal/constants"
	"github.com/respu/go-mainmemory/internal/sched"
)

// entryOverhead approximates the bookkeeping cost of one entry for
// volume accounting.
const entryOverhead = 64

// Entry is one stored item. The data slice holds the key followed by
// the value; both are immutable after the entry is filled, so reading
// them only requires holding a reference, not the partition. The
// reference count equals the table pointer (while linked) plus every
// in-flight command result and transmit splice holding the entry.
type Entry struct {
	next *Entry // bucket chain

	// allocation-order ring the CLOCK hand walks
	clockNext, clockPrev *Entry

	hash    uint32
	keyLen  uint16
	linked  bool
	usedBit bool // second-chance flag, set on lookup hit
	flags   uint32
	exptime uint32 // parsed and recorded; entries do not time out
	stamp   uint64
	refs    atomic.Int32

	pooled bool
	owner  int // arena core the data chunk came from
	data   []byte
}

// Key returns the entry's key bytes.
func (e *Entry) Key() []byte { return e.data[:e.keyLen] }

// Value returns the entry's value bytes.
func (e *Entry) Value() []byte { return e.data[e.keyLen:] }

// Flags returns the client-opaque flags word.
func (e *Entry) Flags() uint32 { return e.flags }

// Stamp returns the CAS stamp.
func (e *Entry) Stamp() uint64 { return e.stamp }

// size is the entry's contribution to partition volume.
func (e *Entry) size() uint64 { return uint64(len(e.data)) + entryOverhead }

// Ref takes a reference.
func (e *Entry) Ref() { e.refs.Add(1) }

// Unref drops a reference, freeing the entry's storage when the last
// one goes. The entry is already unlinked by then, so freeing never
// touches partition state; the data chunk travels back to its arena
// through the owning core's chunk ring if needed.
func (e *Entry) Unref(c *sched.Core) {
	if e.refs.Add(-1) != 0 {
		return
	}
	e.free(c.FreeChunk)
}

func (e *Entry) free(ret func(owner int, b []byte)) {
	if e.pooled {
		ret(e.owner, e.data[:cap(e.data)])
	}
	e.data = nil
}

// newEntry allocates a detached entry sized for the given key and
// value lengths. Entries that would fill most of a chunk draw their
// storage from the executing core's arena; everything else gets an
// exact-size allocation.
func newEntry(ec *sched.Core, keyLen, valLen int) *Entry {
	n := keyLen + valLen
	e := &Entry{keyLen: uint16(keyLen), owner: ec.ID()}
	if n > constants.BufferSegmentSize/2 && n <= constants.BufferSegmentSize {
		e.data = ec.AllocChunk()[:n]
		e.pooled = true
	} else {
		e.data = make([]byte, n)
	}
	e.refs.Store(1)
	return e
}
