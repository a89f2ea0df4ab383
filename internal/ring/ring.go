// Package ring implements the bounded lock-free queues used for
// cross-core messaging. Two shapes are provided: a single-producer
// single-consumer ring for point-to-point channels, and a
// multi-producer multi-consumer ring in the Giacomoni/Scogland style
// where every slot carries its own sequence word.
//
// Capacities are always powers of two so index masking replaces
// division on the hot path.
package ring

import (
	"runtime"
	"sync/atomic"
)

// roundPow2 rounds n up to the next power of two, minimum 2.
func roundPow2(n int) uint64 {
	c := uint64(2)
	for c < uint64(n) {
		c <<= 1
	}
	return c
}

// pause is the spin-wait hint used inside backoff loops. Each call
// spins twice as long as the one before it. Go exposes no
// architectural PAUSE, so after a burst of raw spins the caller must
// hand the processor back to the runtime.
func pause(spins int) int {
	if spins < 16 {
		for i := 0; i < 1<<spins; i++ {
		}
		return spins + 1
	}
	runtime.Gosched()
	return 0
}

type spscSlot[T any] struct {
	full atomic.Bool
	val  T
}

// SPSC is a bounded single-producer single-consumer ring. The producer
// side and the consumer side each own one cursor; the per-slot full
// flag carries the release/acquire edge that publishes the payload.
type SPSC[T any] struct {
	mask  uint64
	slots []spscSlot[T]
	// head is advanced only by the consumer, tail only by the
	// producer, so neither needs atomic access itself.
	head uint64
	_    [56]byte
	tail uint64
}

// NewSPSC creates an SPSC ring with at least the given capacity.
func NewSPSC[T any](capacity int) *SPSC[T] {
	n := roundPow2(capacity)
	return &SPSC[T]{
		mask:  n - 1,
		slots: make([]spscSlot[T], n),
	}
}

// Put publishes v. It fails (returns false) when the ring is full; the
// producer is expected to yield and retry.
func (r *SPSC[T]) Put(v T) bool {
	s := &r.slots[r.tail&r.mask]
	if s.full.Load() {
		return false
	}
	s.val = v
	s.full.Store(true)
	r.tail++
	return true
}

// Get consumes the oldest value. The acquire load of the full flag
// guarantees the payload write is visible before it is read.
func (r *SPSC[T]) Get() (T, bool) {
	s := &r.slots[r.head&r.mask]
	if !s.full.Load() {
		var zero T
		return zero, false
	}
	v := s.val
	var zero T
	s.val = zero
	s.full.Store(false)
	r.head++
	return v, true
}

// PutWait publishes with backoff for producers that must succeed; the
// consumer drains independently, so the wait is bounded.
func (r *SPSC[T]) PutWait(v T) {
	spins := 0
	for !r.Put(v) {
		spins = pause(spins)
	}
}

type mpmcSlot[T any] struct {
	// lock is the slot sequence word: producers set it to tail+1 after
	// publishing, consumers to head+capacity after reading.
	lock atomic.Uint64
	val  T
}

// MPMC is a bounded multi-producer multi-consumer ring.
type MPMC[T any] struct {
	mask  uint64
	slots []mpmcSlot[T]
	_     [48]byte
	head  atomic.Uint64
	_     [56]byte
	tail  atomic.Uint64
}

// NewMPMC creates an MPMC ring with at least the given capacity.
func NewMPMC[T any](capacity int) *MPMC[T] {
	n := roundPow2(capacity)
	r := &MPMC[T]{
		mask:  n - 1,
		slots: make([]mpmcSlot[T], n),
	}
	for i := range r.slots {
		r.slots[i].lock.Store(uint64(i))
	}
	return r
}

// Cap returns the ring capacity.
func (r *MPMC[T]) Cap() int { return len(r.slots) }

// Put attempts a non-blocking enqueue. A producer claims a slot by
// advancing the tail, writes the payload, then stamps the slot with
// tail+1 to hand it to consumers.
func (r *MPMC[T]) Put(v T) bool {
	for {
		tail := r.tail.Load()
		s := &r.slots[tail&r.mask]
		seq := s.lock.Load()
		switch {
		case seq == tail:
			if r.tail.CompareAndSwap(tail, tail+1) {
				s.val = v
				s.lock.Store(tail + 1)
				return true
			}
		case seq < tail:
			// Slot not yet released by its consumer: ring is full.
			return false
		default:
			// Lost the race; reload the tail.
		}
	}
}

// Get attempts a non-blocking dequeue. A consumer claims a slot by
// advancing the head, reads the payload, then stamps the slot with
// head+capacity to hand it back to producers.
func (r *MPMC[T]) Get() (T, bool) {
	for {
		head := r.head.Load()
		s := &r.slots[head&r.mask]
		seq := s.lock.Load()
		switch {
		case seq == head+1:
			if r.head.CompareAndSwap(head, head+1) {
				v := s.val
				var zero T
				s.val = zero
				s.lock.Store(head + r.mask + 1)
				return v, true
			}
		case seq <= head:
			// Slot not yet published: ring is empty.
			var zero T
			return zero, false
		default:
			// Lost the race; reload the head.
		}
	}
}

// PutWait enqueues with exponential backoff for sites where the
// enqueue must succeed.
func (r *MPMC[T]) PutWait(v T) {
	spins := 0
	for !r.Put(v) {
		spins = pause(spins)
	}
}
