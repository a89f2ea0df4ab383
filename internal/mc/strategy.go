package mc

import (
	"sync/atomic"

	"github.com/respu/go-mainmemory/internal/constants"
	"github.com/respu/go-mainmemory/internal/ring"
	"github.com/respu/go-mainmemory/internal/sched"
)

// StrategyKind selects how partition access is serialized.
type StrategyKind int

const (
	// StrategyDirect takes the partition spinlock on the caller's core.
	StrategyDirect StrategyKind = iota
	// StrategyDelegate ships the operation to the partition's owning
	// core and blocks on a future.
	StrategyDelegate
	// StrategyCombine queues the operation on the partition's
	// combiner; one contender executes a batch on behalf of all.
	StrategyCombine
)

func (k StrategyKind) String() string {
	switch k {
	case StrategyDirect:
		return "direct"
	case StrategyDelegate:
		return "delegate"
	case StrategyCombine:
		return "combine"
	default:
		return "unknown"
	}
}

// partFunc runs with the partition serialized. ec is the core actually
// executing; allocation inside the critical section must use it.
type partFunc func(ec *sched.Core)

// strategy linearizes partFuncs against one partition.
type strategy interface {
	// do runs fn serialized against p and returns once it has run.
	do(c *sched.Core, p *Partition, fn partFunc)
	// doAsync schedules fn to run serialized against p without
	// waiting. Used by background maintenance and remote releases.
	doAsync(c *sched.Core, p *Partition, fn partFunc)
}

// directStrategy: callers lock the partition in place.
type directStrategy struct{}

func (directStrategy) do(c *sched.Core, p *Partition, fn partFunc) {
	p.lock.Lock(c)
	fn(c)
	p.lock.Unlock()
}

func (s directStrategy) doAsync(c *sched.Core, p *Partition, fn partFunc) {
	c.Submit(p.owner, &sched.WorkItem{
		Pinned: true,
		Routine: func(ec *sched.Core, _ any) {
			p.lock.Lock(ec)
			fn(ec)
			p.lock.Unlock()
		},
	})
}

// delegateStrategy: every operation executes on the partition's
// owning core; single-threaded execution of non-suspending closures
// is the serialization.
type delegateStrategy struct{}

func (delegateStrategy) do(c *sched.Core, p *Partition, fn partFunc) {
	if c.ID() == p.owner {
		fn(c)
		return
	}
	fut := sched.NewFuture()
	c.Submit(p.owner, &sched.WorkItem{
		Pinned: true,
		Routine: func(ec *sched.Core, _ any) {
			fn(ec)
			fut.Complete(ec, nil, nil)
		},
	})
	_, _ = fut.Wait(c)
}

func (delegateStrategy) doAsync(c *sched.Core, p *Partition, fn partFunc) {
	if c.ID() == p.owner {
		fn(c)
		return
	}
	c.Submit(p.owner, &sched.WorkItem{
		Pinned:  true,
		Routine: func(ec *sched.Core, _ any) { fn(ec) },
	})
}

// combineRequest is one queued operation; done is the per-operation
// flag contenders spin on.
type combineRequest struct {
	fn   partFunc
	done atomic.Bool
}

// combiner is the lock-free combining queue attached to a partition.
type combiner struct {
	q    *ring.MPMC[*combineRequest]
	busy atomic.Bool
}

func (cb *combiner) init() {
	cb.q = ring.NewMPMC[*combineRequest](constants.InboxRingSize)
}

// do queues fn, then either wins the right to execute a batch of
// queued operations or spins on its own done flag until another
// winner has executed it. The handoff limit bounds one winner's batch.
func (cb *combiner) do(c *sched.Core, req *combineRequest) {
	cb.q.PutWait(req)
	spins := 0
	for {
		if req.done.Load() {
			return
		}
		if cb.busy.CompareAndSwap(false, true) {
			for n := 0; n < constants.CombinerHandoffLimit; n++ {
				r, ok := cb.q.Get()
				if !ok {
					break
				}
				r.fn(c)
				r.done.Store(true)
			}
			cb.busy.Store(false)
			if req.done.Load() {
				return
			}
			continue
		}
		spins++
		if spins >= spinBurst {
			spins = 0
			c.Yield()
		}
	}
}

type combineStrategy struct{}

func (combineStrategy) do(c *sched.Core, p *Partition, fn partFunc) {
	p.comb.do(c, &combineRequest{fn: fn})
}

func (combineStrategy) doAsync(c *sched.Core, p *Partition, fn partFunc) {
	c.Submit(p.owner, &sched.WorkItem{
		Pinned: true,
		Routine: func(ec *sched.Core, _ any) {
			p.comb.do(ec, &combineRequest{fn: fn})
		},
	})
}

func newStrategy(kind StrategyKind) strategy {
	switch kind {
	case StrategyDelegate:
		return delegateStrategy{}
	case StrategyCombine:
		return combineStrategy{}
	default:
		return directStrategy{}
	}
}
