package server

import (
	"errors"

	"github.com/respu/go-mainmemory/internal/event"
	"github.com/respu/go-mainmemory/internal/sched"
)

// ErrIOTimeout is surfaced as a value when a readiness wait expires.
var ErrIOTimeout = errors.New("i/o wait timed out")

// ErrIOCancelled reports the task was cancelled while waiting.
var ErrIOCancelled = errors.New("i/o wait cancelled")

// ErrIOFailed reports the backend delivered an error condition for
// the descriptor.
var ErrIOFailed = errors.New("i/o error on descriptor")

type fdWaiter struct {
	in, out         *sched.Task
	inErr, outErr   bool
	inFired, outFired bool
}

// IOQueue ties the primary core to the event backend: tasks park here
// for descriptor readiness, and the core's idle path runs Listen,
// waking them as events arrive. It is the primary core's Idler.
type IOQueue struct {
	core    *sched.Core
	backend event.Backend
	changes []event.Change
	events  []event.Event
	waiters map[int]*fdWaiter
}

// NewIOQueue prepares the backend and binds it to the core.
func NewIOQueue(c *sched.Core, backend event.Backend) (*IOQueue, error) {
	if err := backend.Prepare(); err != nil {
		return nil, err
	}
	return &IOQueue{
		core:    c,
		backend: backend,
		waiters: make(map[int]*fdWaiter),
	}, nil
}

func (q *IOQueue) waiter(fd int) *fdWaiter {
	w := q.waiters[fd]
	if w == nil {
		w = &fdWaiter{}
		q.waiters[fd] = w
	}
	return w
}

// WaitRead parks the current task until fd is readable. A positive
// timeout (µs) turns expiry into ErrIOTimeout.
func (q *IOQueue) WaitRead(fd int, timeoutMicros int64) error {
	t := q.core.Current()
	w := q.waiter(fd)
	w.in = t
	w.inErr = false
	w.inFired = false
	q.changes = append(q.changes, event.Change{FD: fd, ArmInput: true})
	var tm *sched.Timer
	if timeoutMicros > 0 {
		tm = q.core.AddTimer(q.core.Now()+timeoutMicros, 0, func(tc *sched.Core) {
			if w.in == t && !w.inFired {
				w.in = nil
				tc.Run(t)
			}
		})
	}
	q.core.Block()
	if tm != nil {
		tm.Cancel()
	}
	switch {
	case w.inFired && w.inErr:
		return ErrIOFailed
	case w.inFired:
		return nil
	case t.Cancelled():
		w.in = nil
		return ErrIOCancelled
	default:
		return ErrIOTimeout
	}
}

// WaitWrite parks the current task until fd is writable.
func (q *IOQueue) WaitWrite(fd int, timeoutMicros int64) error {
	t := q.core.Current()
	w := q.waiter(fd)
	w.out = t
	w.outErr = false
	w.outFired = false
	q.changes = append(q.changes, event.Change{FD: fd, ArmOutput: true})
	var tm *sched.Timer
	if timeoutMicros > 0 {
		tm = q.core.AddTimer(q.core.Now()+timeoutMicros, 0, func(tc *sched.Core) {
			if w.out == t && !w.outFired {
				w.out = nil
				tc.Run(t)
			}
		})
	}
	q.core.Block()
	if tm != nil {
		tm.Cancel()
	}
	switch {
	case w.outFired && w.outErr:
		return ErrIOFailed
	case w.outFired:
		return nil
	case t.Cancelled():
		w.out = nil
		return ErrIOCancelled
	default:
		return ErrIOTimeout
	}
}

// Forget drops all interest in a descriptor, typically just before
// close.
func (q *IOQueue) Forget(fd int) {
	delete(q.waiters, fd)
	q.changes = append(q.changes, event.Change{FD: fd, Unregister: true})
}

// Idle implements sched.Idler: apply pending changes, sleep in the
// backend, translate deliveries into task wakeups.
func (q *IOQueue) Idle(timeoutMicros int64) {
	evs, err := q.backend.Listen(q.changes, q.events[:0], timeoutMicros)
	q.changes = q.changes[:0]
	q.events = evs
	if err != nil {
		return
	}
	for _, ev := range evs {
		w := q.waiters[ev.FD]
		if w == nil {
			continue
		}
		switch ev.Kind {
		case event.Input, event.InputError:
			if w.in != nil {
				t := w.in
				w.in = nil
				w.inFired = true
				w.inErr = ev.Kind == event.InputError
				q.core.Run(t)
			}
		case event.Output, event.OutputError:
			if w.out != nil {
				t := w.out
				w.out = nil
				w.outFired = true
				w.outErr = ev.Kind == event.OutputError
				q.core.Run(t)
			}
		}
	}
}

// Wake implements sched.Idler via the backend's self-pipe.
func (q *IOQueue) Wake() {
	_ = q.backend.Wake()
}

// Close implements sched.Idler.
func (q *IOQueue) Close() error {
	return q.backend.Cleanup()
}
