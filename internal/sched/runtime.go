package sched

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/respu/go-mainmemory/internal/constants"
	"github.com/respu/go-mainmemory/internal/interfaces"
	"github.com/respu/go-mainmemory/internal/logging"
	"github.com/respu/go-mainmemory/internal/ring"
)

// realClock implements interfaces.Clock over the runtime clocks.
type realClock struct {
	base time.Time
}

func (c *realClock) MonotonicMicros() int64 {
	// time.Since reads the monotonic reading embedded in base.
	return time.Since(c.base).Microseconds() + 1
}

func (c *realClock) RealtimeMicros() int64 {
	return time.Now().UnixMicro()
}

// NewRealClock returns a Clock backed by the system clocks.
func NewRealClock() interfaces.Clock {
	return &realClock{base: time.Now()}
}

// condIdler is the sleep/wake mechanism of secondary cores: a timed
// wait on a one-slot condition channel. Wake is sticky.
type condIdler struct {
	ch    chan struct{}
	timer *time.Timer
}

func newCondIdler() *condIdler {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return &condIdler{ch: make(chan struct{}, 1), timer: t}
}

func (i *condIdler) Idle(timeoutMicros int64) {
	i.timer.Reset(time.Duration(timeoutMicros) * time.Microsecond)
	select {
	case <-i.ch:
		if !i.timer.Stop() {
			select {
			case <-i.timer.C:
			default:
			}
		}
	case <-i.timer.C:
	}
}

func (i *condIdler) Wake() {
	select {
	case i.ch <- struct{}{}:
	default:
	}
}

func (i *condIdler) Close() error {
	i.timer.Stop()
	return nil
}

// Config configures a runtime.
type Config struct {
	Cores      int
	MaxWorkers int
	PinCores   bool
	Clock      interfaces.Clock

	// LogOutput receives the per-core loggers' flushed chunks;
	// defaults to stderr.
	LogOutput io.Writer
}

// Runtime owns the cores. One OS thread is locked per core; the
// primary core (index 0) additionally owns the event backend through
// the idler installed by the server layer.
type Runtime struct {
	cores         []*Core
	clock         interfaces.Clock
	sink          *logging.WriterSink
	maxWorkers    int
	pinCores      bool
	dealerTimeout int64

	wg      sync.WaitGroup
	started bool
}

// NewRuntime creates the cores without starting their threads, so the
// caller can install idlers and boot tasks first.
func NewRuntime(config Config) (*Runtime, error) {
	n := config.Cores
	if n <= 0 {
		n = runtime.NumCPU()
		if n <= 0 {
			n = 1
		}
	}
	maxWorkers := config.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = constants.DefaultMaxWorkers
	}
	clock := config.Clock
	if clock == nil {
		clock = NewRealClock()
	}
	logOut := config.LogOutput
	if logOut == nil {
		logOut = os.Stderr
	}
	rt := &Runtime{
		clock:         clock,
		maxWorkers:    maxWorkers,
		pinCores:      config.PinCores,
		dealerTimeout: constants.DealerTimeout.Microseconds(),
	}
	// Flushed log chunks travel back to the core that formatted them
	// through its chunks ring.
	rt.sink = logging.NewWriterSink(logOut, rt.ReturnChunk)
	for i := 0; i < n; i++ {
		rt.cores = append(rt.cores, newCore(rt, i))
	}
	// One scheduling SPSC per (producer, consumer) pair; slot [i] on
	// a core is written only by core i. Each core also gets a logger
	// staging records in its own chunk arena.
	for _, c := range rt.cores {
		c.schedIn = make([]*ring.SPSC[*Task], n)
		for i := 0; i < n; i++ {
			if i != c.id {
				c.schedIn[i] = ring.NewSPSC[*Task](constants.SchedRingSize)
			}
		}
		c.clog = logging.NewChunkLogger(c, rt.sink, logging.Default().Level())
	}
	return rt, nil
}

// TrySubmit posts a work item without blocking; it fails when the
// target's inbox is full. Safe from any core, including the target's
// own tasks.
func (rt *Runtime) TrySubmit(target int, w *WorkItem) bool {
	tc := rt.cores[target]
	if !tc.inbox.Put(w) {
		return false
	}
	tc.Wake()
	return true
}

// NumCores returns the number of cores.
func (rt *Runtime) NumCores() int { return len(rt.cores) }

// Core returns the core with the given index.
func (rt *Runtime) Core(id int) *Core { return rt.cores[id] }

// Primary returns core 0.
func (rt *Runtime) Primary() *Core { return rt.cores[0] }

// Start locks one OS thread per core, spawns the always-present
// master and dealer tasks and enters the dispatch loops. Cores
// without an installed idler get a condition idler.
func (rt *Runtime) Start() error {
	if rt.started {
		return fmt.Errorf("runtime already started")
	}
	rt.started = true
	for _, c := range rt.cores {
		if c.idler == nil {
			c.SetIdler(newCondIdler())
		}
		c.Spawn(PriorityMaster, "master", masterMain, nil)
		c.Spawn(PriorityIdle, "dealer", dealerMain, nil)
	}
	for _, c := range rt.cores {
		rt.wg.Add(1)
		go func(c *Core) {
			defer rt.wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			if rt.pinCores {
				if err := pinThread(c.id); err != nil {
					c.clog.Warnf("core %d: failed to set CPU affinity: %v", c.id, err)
				}
			}
			c.clog.Debugf("core %d: dispatch loop running", c.id)
			c.timerTick()
			c.dispatch()
			c.clog.Debugf("core %d: dispatch loop exited", c.id)
			_ = c.idler.Close()
		}(c)
	}
	return nil
}

// Stop asks every core to stop and wakes it. Blocked tasks are
// cancelled by their dispatcher; Stop returns once every core loop
// has exited.
func (rt *Runtime) Stop() {
	for _, c := range rt.cores {
		c.stop.Store(true)
		c.Wake()
	}
	rt.wg.Wait()
}

// Wait blocks until every core loop has exited.
func (rt *Runtime) Wait() {
	rt.wg.Wait()
}

// ReturnChunk hands a chunk back to the arena of the core that
// allocated it. Safe from any thread; the owner reclaims it from its
// chunks ring. A full ring drops the chunk to the garbage collector.
func (rt *Runtime) ReturnChunk(owner int, b []byte) {
	if cap(b) != constants.BufferSegmentSize {
		return
	}
	c := rt.cores[owner]
	if c.chunks.Put(b[:constants.BufferSegmentSize]) {
		c.Wake()
	}
}
