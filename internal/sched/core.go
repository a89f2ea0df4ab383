package sched

import (
	"fmt"
	"sync/atomic"

	"github.com/respu/go-mainmemory/internal/constants"
	"github.com/respu/go-mainmemory/internal/interfaces"
	"github.com/respu/go-mainmemory/internal/logging"
	"github.com/respu/go-mainmemory/internal/ring"
)

// Idler is how a core sleeps when nothing is runnable. The primary
// core's idler blocks in the event backend; secondary cores block on a
// timed condition. Wake must be callable from any thread and must be
// sticky: a Wake delivered before Idle makes the next Idle return
// immediately.
type Idler interface {
	Idle(timeoutMicros int64)
	Wake()
	Close() error
}

// Core is a per-CPU worker thread and its owned scheduling state. All
// fields except the inbound rings and the stop flag are touched only
// by the owning thread.
type Core struct {
	id      int
	rt      *Runtime
	primary bool

	runq    [numPriorities]taskList
	dead    taskList
	tasks   map[*Task]struct{}
	current *Task
	nextID  uint64

	// parked is the baton handoff from a suspending task back into
	// the dispatcher.
	parked chan struct{}

	// inbound rings; the consumer is always this core. Scheduling
	// wakeups arrive on one single-producer ring per peer core; work
	// and chunk returns share multi-producer rings because they are
	// also fed from outside task context.
	schedIn []*ring.SPSC[*Task]
	inbox   *ring.MPMC[*WorkItem]
	chunks  *ring.MPMC[[]byte]

	timers  timerQueue
	nowMono int64
	nowReal int64
	clock   interfaces.Clock

	waitCache []*waitEntry

	// work queue state shared by master, dealer and workers
	workQ      []*WorkItem
	workWait   WaitQueue
	workers    int
	maxWorkers int

	// chunk arena: local free list, remote returns via the chunks ring
	chunkPool [][]byte

	idler Idler

	// clog stages records in this core's chunk arena; the sink
	// returns each chunk here once flushed. Owner-thread only, like
	// the arena behind it.
	clog *logging.Logger

	// stop is the only cross-thread flag on the core; everything else
	// is owner-only.
	stop          atomic.Bool
	stopInitiated bool
}

func newCore(rt *Runtime, id int) *Core {
	return &Core{
		id:         id,
		rt:         rt,
		primary:    id == 0,
		tasks:      make(map[*Task]struct{}),
		parked:     make(chan struct{}),
		inbox:      ring.NewMPMC[*WorkItem](constants.InboxRingSize),
		chunks:     ring.NewMPMC[[]byte](constants.ChunkRingSize),
		clock:      rt.clock,
		waitCache:  make([]*waitEntry, 0, constants.WaitEntryCacheSize),
		maxWorkers: rt.maxWorkers,
	}
}

// ID returns the core's index.
func (c *Core) ID() int { return c.id }

// Primary reports whether this is the core that owns the event backend.
func (c *Core) Primary() bool { return c.primary }

// Runtime returns the owning runtime.
func (c *Core) Runtime() *Runtime { return c.rt }

// Current returns the task currently holding the baton, if any.
func (c *Core) Current() *Task { return c.current }

// Log returns the core's chunk-backed logger. Only tasks of this core
// may use it.
func (c *Core) Log() *logging.Logger { return c.clog }

// Now returns the cached monotonic time in µs, refreshing it if the
// core has not ticked yet.
func (c *Core) Now() int64 {
	if c.nowMono == 0 {
		c.nowMono = c.clock.MonotonicMicros()
	}
	return c.nowMono
}

// NowReal returns the cached realtime clock in µs.
func (c *Core) NowReal() int64 {
	if c.nowReal == 0 {
		c.nowReal = c.clock.RealtimeMicros()
	}
	return c.nowReal
}

// SetIdler installs the core's sleep/wake mechanism. Must be called
// before the runtime starts.
func (c *Core) SetIdler(idler Idler) { c.idler = idler }

// Wake interrupts the core's idler. Safe to call from any thread.
func (c *Core) Wake() {
	if c.idler != nil {
		c.idler.Wake()
	}
}

// Stopping reports whether the core has been asked to stop. Tasks
// poll this at their loop heads.
func (c *Core) Stopping() bool { return c.stop.Load() }

// Spawn creates a task on this core and makes it runnable. Spawn may
// only be called from the owning thread (a task of this core, or
// before the runtime starts).
func (c *Core) Spawn(priority Priority, name string, fn TaskFunc, arg any) *Task {
	c.nextID++
	t := &Task{
		core:     c,
		id:       c.nextID,
		name:     name,
		priority: priority,
		entry:    fn,
		arg:      arg,
		resume:   make(chan struct{}),
		state:    StatePending,
	}
	c.tasks[t] = struct{}{}
	go c.trampoline(t)
	c.runq[priority].pushBack(t)
	return t
}

// trampoline is the goroutine body backing a task. It waits for the
// first baton handoff, runs the entry routine, then exits the task.
// A cancellation unwind (panic with the taskCancelled sentinel) is
// absorbed here; any other panic is fatal to the process.
func (c *Core) trampoline(t *Task) {
	<-t.resume
	func() {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(taskCancelled); !ok {
					panic(r)
				}
			}
		}()
		t.entry(c, t.arg)
	}()
	c.exitCurrent()
}

// exitCurrent marks the running task exited, runs its cleanup stack
// LIFO, pushes it onto the dead list and hands the baton back. The
// goroutine then returns.
func (c *Core) exitCurrent() {
	t := c.current
	for i := len(t.cleanups) - 1; i >= 0; i-- {
		t.cleanups[i]()
	}
	t.cleanups = nil
	t.state = StateExited
	c.dead.pushBack(t)
	c.parked <- struct{}{}
}

// PushCleanup registers a cleanup handler on the current task. The
// handlers run LIFO at exit or cancellation.
func (c *Core) PushCleanup(fn func()) {
	c.current.cleanups = append(c.current.cleanups, fn)
}

// PopCleanup removes the most recently pushed handler, running it when
// execute is set.
func (c *Core) PopCleanup(execute bool) {
	t := c.current
	n := len(t.cleanups)
	if n == 0 {
		return
	}
	fn := t.cleanups[n-1]
	t.cleanups = t.cleanups[:n-1]
	if execute {
		fn()
	}
}

// TestCancel unwinds the current task if cancellation was requested.
func (c *Core) TestCancel() {
	if c.current.cancelled {
		panic(taskCancelled{})
	}
}

// Cancel requests cancellation of a task of this core and wakes it if
// blocked.
func (c *Core) Cancel(t *Task) {
	t.cancelled = true
	c.makeRunnable(t)
}

// switchOut hands the baton from the current task back to the
// dispatcher and parks until resumed.
func (c *Core) switchOut() {
	t := c.current
	c.parked <- struct{}{}
	<-t.resume
}

// Yield re-queues the current task at the tail of its priority band
// and dispatches. Round-robin within a band falls out of the FIFO.
func (c *Core) Yield() {
	t := c.current
	t.state = StatePending
	c.runq[t.priority].pushBack(t)
	c.switchOut()
}

// Block suspends the current task until another task runs it. A
// wakeup that landed while the task was still running is consumed
// immediately instead of being lost.
func (c *Core) Block() {
	t := c.current
	if t.notified {
		t.notified = false
		return
	}
	t.state = StateBlocked
	c.switchOut()
}

// Run makes a task runnable. Cross-core targets are posted to the
// owner's scheduling ring for this core and the owner is woken;
// running an already-runnable task is idempotent.
func (c *Core) Run(t *Task) {
	if t.core == c {
		c.makeRunnable(t)
		return
	}
	t.core.schedIn[c.id].PutWait(t)
	t.core.Wake()
}

// makeRunnable transitions a task of this core to the run queue.
func (c *Core) makeRunnable(t *Task) {
	switch t.state {
	case StateBlocked:
		t.state = StatePending
		c.runq[t.priority].pushBack(t)
	case StateRunning:
		t.notified = true
	case StatePending, StateExited, StateInvalid:
		// idempotent
	}
}

// drainSched applies cross-core wakeups from every peer ring.
func (c *Core) drainSched() {
	for _, r := range c.schedIn {
		if r == nil {
			continue
		}
		for {
			t, ok := r.Get()
			if !ok {
				break
			}
			c.makeRunnable(t)
		}
	}
}

// drainChunks reclaims chunks returned by other cores.
func (c *Core) drainChunks() {
	for {
		b, ok := c.chunks.Get()
		if !ok {
			return
		}
		c.putChunk(b)
	}
}

// hasRunnable reports whether any run queue is non-empty.
func (c *Core) hasRunnable() bool {
	for i := range c.runq {
		if !c.runq[i].empty() {
			return true
		}
	}
	return false
}

// pickRunnable pops the highest-priority runnable task.
func (c *Core) pickRunnable() *Task {
	for i := range c.runq {
		if t := c.runq[i].popFront(); t != nil {
			return t
		}
	}
	return nil
}

// reapDead releases exited tasks.
func (c *Core) reapDead() {
	for {
		t := c.dead.popFront()
		if t == nil {
			return
		}
		delete(c.tasks, t)
		t.state = StateInvalid
		t.arg = nil
	}
}

// dispatch is the boot loop of the core: it hands the baton to
// runnable tasks, reaps the dead list and sleeps in the idler when
// nothing is runnable. It returns once every task has exited.
func (c *Core) dispatch() {
	for len(c.tasks) > 0 {
		c.drainSched()
		if c.stop.Load() && !c.stopInitiated {
			c.initiateStop()
		}
		t := c.pickRunnable()
		if t == nil {
			// Nothing to do: block the thread until woken or until
			// the next timer is due.
			timeout := constants.DealerTimeout.Microseconds()
			if d := c.nextTimerDelay(); d >= 0 && d < timeout {
				timeout = d
			}
			c.idler.Idle(timeout)
			c.timerTick()
			if c.stopInitiated {
				// Tasks that blocked after the first cancel sweep
				// (e.g. a writer flushing to a stalled peer) get
				// kicked again so shutdown converges.
				for t := range c.tasks {
					if t.state == StateBlocked {
						c.Cancel(t)
					}
				}
			}
			continue
		}
		t.state = StateRunning
		c.current = t
		t.resume <- struct{}{}
		<-c.parked
		c.current = nil
		c.reapDead()
	}
}

// initiateStop cancels every task once so blocked tasks unwind.
func (c *Core) initiateStop() {
	c.stopInitiated = true
	for t := range c.tasks {
		if t.state == StateBlocked {
			c.Cancel(t)
		} else {
			t.cancelled = true
		}
	}
}

// AllocChunk hands out a buffer segment chunk from the core-local
// arena.
func (c *Core) AllocChunk() []byte {
	if n := len(c.chunkPool); n > 0 {
		b := c.chunkPool[n-1]
		c.chunkPool = c.chunkPool[:n-1]
		return b
	}
	return make([]byte, constants.BufferSegmentSize)
}

// FreeChunk returns a chunk allocated on the core ownerID. When the
// caller is on a different core the chunk travels through the owner's
// chunks ring; the owner's free list is drained only by the owner.
func (c *Core) FreeChunk(ownerID int, b []byte) {
	if ownerID == c.id {
		c.putChunk(b)
		return
	}
	owner := c.rt.cores[ownerID]
	if !owner.chunks.Put(b) {
		// Ring full: let the GC have it rather than stall.
		return
	}
	owner.Wake()
}

func (c *Core) putChunk(b []byte) {
	if cap(b) != constants.BufferSegmentSize {
		return
	}
	if len(c.chunkPool) < constants.ChunkRingSize {
		c.chunkPool = append(c.chunkPool, b[:constants.BufferSegmentSize])
	}
}

// String describes the core for log lines.
func (c *Core) String() string {
	return fmt.Sprintf("core %d", c.id)
}
