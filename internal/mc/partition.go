package mc

import (
	"bytes"

	"github.com/respu/go-mainmemory/internal/constants"
	"github.com/respu/go-mainmemory/internal/sched"
)

// Partition is one shard of the table. All structural state is
// guarded by the engine's serialization strategy; only entry refcounts
// and immutable entry data are touched outside it.
//
// Bucket count is always a power of two. During a striding expand,
// used lies in [size/2, size] and a key's bucket is h&(size-1) when
// that index is below used, h&((size-1)>>1) otherwise.
type Partition struct {
	index int
	owner int // owning core

	buckets []*Entry
	size    uint32 // current allocated bucket count
	used    uint32 // buckets valid under the current mask
	maxSize uint32

	nentries uint32
	volume   uint64
	volMax   uint64

	stampSeq   uint64
	flushStamp uint64

	striding bool
	evicting bool
	flushing bool

	// clock is the sentinel of the allocation-order ring; hand walks
	// clockNext from wherever it last stopped.
	clock Entry
	hand  *Entry

	lock SpinLock
	comb combiner

	eng *Engine
}

func newPartition(eng *Engine, index, owner int, volMax uint64) *Partition {
	p := &Partition{
		index:   index,
		owner:   owner,
		size:    constants.MinPartitionBuckets,
		used:    constants.MinPartitionBuckets,
		maxSize: constants.MaxPartitionBuckets,
		volMax:  volMax,
		buckets: make([]*Entry, constants.MinPartitionBuckets),
		eng:     eng,
	}
	p.clock.clockNext = &p.clock
	p.clock.clockPrev = &p.clock
	p.hand = &p.clock
	p.comb.init()
	return p
}

// Index returns the partition's index.
func (p *Partition) Index() int { return p.index }

// Owner returns the owning core's id.
func (p *Partition) Owner() int { return p.owner }

// bucketFor applies the striding-aware bucket rule to a hash whose
// partition bits have already been shifted out.
func (p *Partition) bucketFor(h uint32) uint32 {
	idx := h & (p.size - 1)
	if idx >= p.used {
		idx = h & ((p.size - 1) >> 1)
	}
	return idx
}

// stale reports whether the entry predates the last flush.
func (p *Partition) stale(e *Entry) bool {
	return e.stamp <= p.flushStamp
}

// lookup finds the live entry for the key, or nil. A hit sets the
// second-chance bit; a stale hit is removed on the spot.
func (p *Partition) lookup(h uint32, key []byte) *Entry {
	idx := p.bucketFor(h)
	for e := p.buckets[idx]; e != nil; e = e.next {
		if e.hash != h || int(e.keyLen) != len(key) || !bytes.Equal(e.Key(), key) {
			continue
		}
		if p.stale(e) {
			p.unlink(e)
			return nil
		}
		e.usedBit = true
		return e
	}
	return nil
}

// link inserts a detached entry into its bucket and the clock ring;
// the reference the entry was created with becomes the table
// reference.
func (p *Partition) link(e *Entry) {
	idx := p.bucketFor(e.hash)
	e.next = p.buckets[idx]
	p.buckets[idx] = e
	// allocation order: insert at the ring tail
	e.clockPrev = p.clock.clockPrev
	e.clockNext = &p.clock
	p.clock.clockPrev.clockNext = e
	p.clock.clockPrev = e
	e.linked = true
	p.nentries++
	p.volume += e.size()
	p.maybeStride()
}

// unlink removes an entry from its bucket and the clock ring and
// drops the table reference. The caller keeps any result reference it
// already holds.
func (p *Partition) unlink(e *Entry) {
	idx := p.bucketFor(e.hash)
	prev := &p.buckets[idx]
	for *prev != nil && *prev != e {
		prev = &(*prev).next
	}
	if *prev == e {
		*prev = e.next
	}
	e.next = nil
	if p.hand == e {
		p.hand = e.clockNext
	}
	e.clockPrev.clockNext = e.clockNext
	e.clockNext.clockPrev = e.clockPrev
	e.clockNext = nil
	e.clockPrev = nil
	e.linked = false
	p.nentries--
	p.volume -= e.size()
	p.eng.releaseLocal(e)
}

// create allocates a detached entry with a fresh stamp, or nil when
// the partition is at its hard volume cap. Crossing the soft
// watermark kicks background eviction.
func (p *Partition) create(ec *sched.Core, keyLen, valLen int) *Entry {
	need := uint64(keyLen+valLen) + entryOverhead
	if p.volume+need > p.volMax {
		p.maybeEvict(need)
		return nil
	}
	if p.volume+need+constants.EvictReserve > p.volMax {
		p.maybeEvict(need)
	}
	e := newEntry(ec, keyLen, valLen)
	p.stampSeq++
	e.stamp = p.stampSeq
	return e
}

// maybeStride starts a background expand when chains grow past two
// entries per bucket on average.
func (p *Partition) maybeStride() {
	if p.striding {
		return
	}
	if p.used < p.size || (p.nentries > 2*p.used && p.size < p.maxSize) {
		p.striding = p.eng.scheduleMaintenance(p, (*Partition).strideStep)
	}
}

// strideStep is one bounded unit of the incremental expand, run
// serialized on the partition. When the whole current area has been
// consumed it doubles the bucket array in place, then re-bucketizes
// StrideBuckets chains under the larger mask.
func (p *Partition) strideStep(ec *sched.Core) {
	if p.used == p.size {
		if p.size >= p.maxSize || p.nentries <= 2*p.used {
			p.striding = false
			return
		}
		grown := make([]*Entry, p.size*2)
		copy(grown, p.buckets)
		p.buckets = grown
		p.size *= 2
		// used stays at size/2: the new half fills stride by stride.
	}
	half := p.size / 2
	steps := uint32(constants.StrideBuckets)
	for steps > 0 && p.used < p.size {
		source := p.used - half
		target := source + half
		var keep, move *Entry
		e := p.buckets[source]
		for e != nil {
			next := e.next
			h := e.hash & (p.size - 1)
			if h == target {
				e.next = move
				move = e
			} else {
				e.next = keep
				keep = e
			}
			e = next
		}
		p.buckets[source] = keep
		p.buckets[target] = move
		p.used++
		steps--
	}
	if p.eng.obs != nil {
		p.eng.obs.ObserveStride()
	}
	if p.used < p.size || (p.nentries > 2*p.used && p.size < p.maxSize) {
		p.striding = p.eng.scheduleMaintenance(p, (*Partition).strideStep)
		return
	}
	p.striding = false
}

// maybeEvict starts the CLOCK loop when volume plus the pending
// reservation crosses the cap.
func (p *Partition) maybeEvict(reserve uint64) {
	if p.evicting || p.nentries == 0 {
		return
	}
	if p.volume+reserve+constants.EvictReserve <= p.volMax {
		return
	}
	p.evicting = p.eng.scheduleMaintenance(p, (*Partition).evictStep)
}

// evictStep advances the clock hand: a set second-chance bit buys the
// entry another round, a clear one evicts it. Bounded per step; the
// loop reschedules itself until volume drops below the watermark.
func (p *Partition) evictStep(ec *sched.Core) {
	var target uint64
	if p.volMax > constants.EvictReserve {
		target = p.volMax - constants.EvictReserve
	}
	budget := constants.StrideBuckets
	for p.volume > target && p.nentries > 0 && budget > 0 {
		e := p.hand
		if e == &p.clock {
			p.hand = e.clockNext
			continue
		}
		p.hand = e.clockNext
		if e.usedBit {
			e.usedBit = false
			budget--
			continue
		}
		sz := e.size()
		p.unlink(e)
		if p.eng.obs != nil {
			p.eng.obs.ObserveEviction(sz)
		}
		budget--
	}
	if p.volume > target && p.nentries > 0 {
		p.evicting = p.eng.scheduleMaintenance(p, (*Partition).evictStep)
		return
	}
	p.evicting = false
}

// flush invalidates every current entry by raising the flush stamp;
// a background sweep reclaims them incrementally while lookups treat
// them as missing in the meantime.
func (p *Partition) flush() {
	p.flushStamp = p.stampSeq
	if !p.flushing && p.nentries > 0 {
		p.flushing = p.eng.scheduleMaintenance(p, (*Partition).flushStep)
	}
}

// flushStep removes a bounded batch of stale entries. The ring is in
// stamp order, so the stale population is a prefix: the first live
// entry ends the sweep.
func (p *Partition) flushStep(ec *sched.Core) {
	budget := constants.StrideBuckets
	for budget > 0 {
		e := p.clock.clockNext
		if e == &p.clock || !p.stale(e) {
			p.flushing = false
			return
		}
		p.unlink(e)
		budget--
	}
	p.flushing = p.eng.scheduleMaintenance(p, (*Partition).flushStep)
}

// Stats snapshot for the stats command. Must run serialized.
func (p *Partition) statsLocked() (nentries uint32, nbuckets uint32, volume uint64) {
	return p.nentries, p.used, p.volume
}
