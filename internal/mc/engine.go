package mc

import (
	"fmt"
	"math/bits"

	"github.com/respu/go-mainmemory/internal/buffer"
	"github.com/respu/go-mainmemory/internal/constants"
	"github.com/respu/go-mainmemory/internal/interfaces"
	"github.com/respu/go-mainmemory/internal/sched"
)

// StoreResult is the outcome of a storage command.
type StoreResult int

const (
	Stored StoreResult = iota
	NotStored
	Exists
	NotFound
	OutOfMemory
)

// DeltaResult is the outcome of incr/decr.
type DeltaResult struct {
	Found      bool
	NonNumeric bool
	OOM        bool
	Value      uint64
}

// StatsSnapshot aggregates partition state for the stats command.
type StatsSnapshot struct {
	Entries uint64
	Buckets uint64
	Volume  uint64
}

// Engine is the sharded table: a fixed power-of-two set of
// partitions, each pinned to a core and serialized by the configured
// strategy. Entries never move between partitions; the low hash bits
// pick the partition, the remaining bits place the key inside it.
type Engine struct {
	parts    []*Partition
	partMask uint32
	partBits uint32
	strat    strategy
	kind     StrategyKind
	rt       *sched.Runtime
	obs      interfaces.Observer
}

// NewEngine builds the table. partitions must be a power of two.
func NewEngine(rt *sched.Runtime, partitions int, volumePerPart uint64, kind StrategyKind, obs interfaces.Observer) (*Engine, error) {
	if partitions <= 0 || partitions&(partitions-1) != 0 {
		return nil, fmt.Errorf("partition count %d is not a power of two", partitions)
	}
	if volumePerPart == 0 {
		volumePerPart = constants.DefaultVolumePerPartition
	}
	e := &Engine{
		partMask: uint32(partitions - 1),
		partBits: uint32(bits.TrailingZeros32(uint32(partitions))),
		strat:    newStrategy(kind),
		kind:     kind,
		rt:       rt,
		obs:      obs,
	}
	for i := 0; i < partitions; i++ {
		owner := i % rt.NumCores()
		e.parts = append(e.parts, newPartition(e, i, owner, volumePerPart))
	}
	return e, nil
}

// Strategy returns the configured serialization strategy.
func (e *Engine) Strategy() StrategyKind { return e.kind }

// NumPartitions returns the shard count.
func (e *Engine) NumPartitions() int { return len(e.parts) }

// locate splits a key's hash into the owning partition and the
// in-partition placement bits.
func (e *Engine) locate(key []byte) (*Partition, uint32) {
	h := Hash(key)
	return e.parts[h&e.partMask], h >> e.partBits
}

// scheduleMaintenance queues a background partition routine (stride,
// evict, flush sweep) on the owning core, serialized like any other
// action. Called from inside a serialized section, so the work is
// deferred through the inbox rather than run in place; a full inbox
// fails the submit and the caller clears its in-progress flag so a
// later mutation retries.
func (e *Engine) scheduleMaintenance(p *Partition, step func(*Partition, *sched.Core)) bool {
	return e.rt.TrySubmit(p.owner, &sched.WorkItem{
		Pinned: true,
		Routine: func(ec *sched.Core, _ any) {
			e.strat.do(ec, p, func(ec *sched.Core) { step(p, ec) })
		},
	})
}

// releaseLocal unrefs an entry from inside a serialized section; the
// data chunk is routed back to its arena core's chunk ring.
func (e *Engine) releaseLocal(ent *Entry) {
	if ent.refs.Add(-1) != 0 {
		return
	}
	ent.free(e.rt.ReturnChunk)
}

// Release drops a result or splice reference from task context.
func (e *Engine) Release(c *sched.Core, ent *Entry) {
	ent.Unref(c)
}

// Lookup returns the live entry for key, referenced, or nil.
func (e *Engine) Lookup(c *sched.Core, key []byte) *Entry {
	p, h := e.locate(key)
	a := Action{Key: key, Hash: h, Part: p}
	e.strat.do(c, p, func(*sched.Core) { p.actLookup(&a) })
	return a.OldEntry
}

// Set unconditionally stores the value.
func (e *Engine) Set(c *sched.Core, key []byte, flags, exptime uint32, val buffer.ValueRef) StoreResult {
	p, h := e.locate(key)
	a := Action{Key: key, Hash: h, Part: p}
	res := OutOfMemory
	e.strat.do(c, p, func(ec *sched.Core) {
		p.actCreate(ec, &a, val.Len)
		if a.NewEntry == nil {
			return
		}
		fillEntry(a.NewEntry, flags, exptime, val)
		p.actUpsert(&a)
		res = Stored
	})
	return res
}

// Add stores only when the key is absent.
func (e *Engine) Add(c *sched.Core, key []byte, flags, exptime uint32, val buffer.ValueRef) StoreResult {
	p, h := e.locate(key)
	a := Action{Key: key, Hash: h, Part: p}
	res := OutOfMemory
	e.strat.do(c, p, func(ec *sched.Core) {
		if p.lookup(h, key) != nil {
			res = NotStored
			return
		}
		p.actCreate(ec, &a, val.Len)
		if a.NewEntry == nil {
			return
		}
		fillEntry(a.NewEntry, flags, exptime, val)
		p.actInsert(&a)
		res = Stored
	})
	return res
}

// Replace stores only when the key is present.
func (e *Engine) Replace(c *sched.Core, key []byte, flags, exptime uint32, val buffer.ValueRef) StoreResult {
	p, h := e.locate(key)
	a := Action{Key: key, Hash: h, Part: p}
	res := OutOfMemory
	e.strat.do(c, p, func(ec *sched.Core) {
		if p.lookup(h, key) == nil {
			res = NotStored
			return
		}
		p.actCreate(ec, &a, val.Len)
		if a.NewEntry == nil {
			return
		}
		fillEntry(a.NewEntry, flags, exptime, val)
		p.actUpdate(&a)
		if a.EntryMatch {
			res = Stored
		} else {
			p.actCancel(&a)
			res = NotStored
		}
	})
	return res
}

// Concat implements append/prepend: the stored value is rewritten as
// old+new or new+old; flags and exptime of the old entry survive.
func (e *Engine) Concat(c *sched.Core, key []byte, val buffer.ValueRef, prepend bool) StoreResult {
	p, h := e.locate(key)
	a := Action{Key: key, Hash: h, Part: p}
	res := OutOfMemory
	e.strat.do(c, p, func(ec *sched.Core) {
		old := p.lookup(h, key)
		if old == nil {
			res = NotStored
			return
		}
		oldVal := old.Value()
		p.actCreate(ec, &a, len(oldVal)+val.Len)
		if a.NewEntry == nil {
			return
		}
		ne := a.NewEntry
		ne.flags = old.flags
		ne.exptime = old.exptime
		dst := ne.Value()
		if prepend {
			val.CopyTo(dst[:val.Len])
			copy(dst[val.Len:], oldVal)
		} else {
			copy(dst, oldVal)
			val.CopyTo(dst[len(oldVal):])
		}
		a.Stamp = old.stamp
		a.MatchStamp = true
		p.actUpdate(&a)
		if a.EntryMatch {
			res = Stored
		} else {
			p.actCancel(&a)
			res = NotStored
		}
	})
	return res
}

// Cas stores only when the current stamp matches the client's.
func (e *Engine) Cas(c *sched.Core, key []byte, flags, exptime uint32, stamp uint64, val buffer.ValueRef) StoreResult {
	p, h := e.locate(key)
	a := Action{Key: key, Hash: h, Part: p, Stamp: stamp, MatchStamp: true}
	res := OutOfMemory
	e.strat.do(c, p, func(ec *sched.Core) {
		if p.lookup(h, key) == nil {
			res = NotFound
			return
		}
		p.actCreate(ec, &a, val.Len)
		if a.NewEntry == nil {
			return
		}
		fillEntry(a.NewEntry, flags, exptime, val)
		p.actUpdate(&a)
		if a.EntryMatch {
			res = Stored
		} else {
			p.actCancel(&a)
			res = Exists
		}
	})
	return res
}

// Delta implements incr/decr. Decrement clamps at zero; the rewritten
// value keeps the old entry's flags.
func (e *Engine) Delta(c *sched.Core, key []byte, delta uint64, incr bool) DeltaResult {
	p, h := e.locate(key)
	a := Action{Key: key, Hash: h, Part: p}
	var res DeltaResult
	e.strat.do(c, p, func(ec *sched.Core) {
		old := p.lookup(h, key)
		if old == nil {
			return
		}
		res.Found = true
		cur, ok := parseDecimal(old.Value())
		if !ok {
			res.NonNumeric = true
			return
		}
		if incr {
			cur += delta
		} else if cur < delta {
			cur = 0
		} else {
			cur -= delta
		}
		var numbuf [20]byte
		num := formatDecimal(numbuf[:0], cur)
		p.actCreate(ec, &a, len(num))
		if a.NewEntry == nil {
			res.OOM = true
			return
		}
		ne := a.NewEntry
		ne.flags = old.flags
		ne.exptime = old.exptime
		copy(ne.Value(), num)
		a.Stamp = old.stamp
		a.MatchStamp = true
		p.actUpdate(&a)
		if !a.EntryMatch {
			p.actCancel(&a)
			res.Found = false
			return
		}
		res.Value = cur
	})
	return res
}

// Delete removes the entry; reports whether one existed.
func (e *Engine) Delete(c *sched.Core, key []byte) bool {
	p, h := e.locate(key)
	a := Action{Key: key, Hash: h, Part: p}
	e.strat.do(c, p, func(*sched.Core) { p.actDelete(&a) })
	if a.OldEntry == nil {
		return false
	}
	a.OldEntry.Unref(c)
	return true
}

// FlushAll invalidates every partition, optionally after a delay in
// microseconds. An immediate flush completes before returning so the
// OK reply never races a surviving lookup.
func (e *Engine) FlushAll(c *sched.Core, delayMicros int64) {
	if delayMicros <= 0 {
		for _, p := range e.parts {
			part := p
			e.strat.do(c, part, func(*sched.Core) { part.flush() })
		}
		return
	}
	expiry := c.Now() + delayMicros
	c.AddTimer(expiry, 0, func(tc *sched.Core) {
		for _, p := range e.parts {
			part := p
			e.strat.doAsync(tc, part, func(*sched.Core) { part.flush() })
		}
	})
}

// Stats sums partition counters under serialization.
func (e *Engine) Stats(c *sched.Core) StatsSnapshot {
	var snap StatsSnapshot
	for _, p := range e.parts {
		part := p
		e.strat.do(c, part, func(*sched.Core) {
			n, b, v := part.statsLocked()
			snap.Entries += uint64(n)
			snap.Buckets += uint64(b)
			snap.Volume += v
		})
	}
	return snap
}

// fillEntry copies the payload and metadata into a fresh entry.
func fillEntry(ent *Entry, flags, exptime uint32, val buffer.ValueRef) {
	ent.flags = flags
	ent.exptime = exptime
	val.CopyTo(ent.Value())
}

// parseDecimal parses an unsigned decimal value; anything but digits
// rejects.
func parseDecimal(b []byte) (uint64, bool) {
	if len(b) == 0 || len(b) > 20 {
		return 0, false
	}
	var v uint64
	for _, ch := range b {
		if ch < '0' || ch > '9' {
			return 0, false
		}
		v = v*10 + uint64(ch-'0')
	}
	return v, true
}

// formatDecimal appends the decimal form of v.
func formatDecimal(dst []byte, v uint64) []byte {
	var tmp [20]byte
	i := len(tmp)
	for {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
		if v == 0 {
			break
		}
	}
	return append(dst, tmp[i:]...)
}
