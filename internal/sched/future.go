package sched

import "sync"

// FutureState tracks a future's lifecycle.
type FutureState int32

const (
	FuturePending FutureState = iota
	FutureReady
	FutureCancelled
)

// Future is a one-shot result cell shared between a producer task and
// waiters that may live on other cores. Unlike wait queues, a future
// crosses cores, so its waiter list is guarded by a mutex; the wakeups
// themselves still flow through the owning cores' scheduling rings.
type Future struct {
	mu      sync.Mutex
	state   FutureState
	value   any
	err     error
	waiters []*Task
}

// NewFuture creates a pending future.
func NewFuture() *Future { return &Future{} }

// Complete stores the result and wakes every waiter. May be called
// from any core; completing twice is a no-op.
func (f *Future) Complete(c *Core, value any, err error) {
	f.mu.Lock()
	if f.state != FuturePending {
		f.mu.Unlock()
		return
	}
	f.value = value
	f.err = err
	f.state = FutureReady
	waiters := f.waiters
	f.waiters = nil
	f.mu.Unlock()
	for _, t := range waiters {
		c.Run(t)
	}
}

// CancelFuture moves the future to the cancelled state and wakes the
// waiters; they observe a nil value.
func (f *Future) CancelFuture(c *Core) {
	f.mu.Lock()
	if f.state != FuturePending {
		f.mu.Unlock()
		return
	}
	f.state = FutureCancelled
	waiters := f.waiters
	f.waiters = nil
	f.mu.Unlock()
	for _, t := range waiters {
		c.Run(t)
	}
}

// Wait blocks the current task until the future settles and returns
// the stored result.
func (f *Future) Wait(c *Core) (any, error) {
	for {
		f.mu.Lock()
		if f.state != FuturePending {
			v, err := f.value, f.err
			f.mu.Unlock()
			return v, err
		}
		f.waiters = append(f.waiters, c.current)
		f.mu.Unlock()
		c.Block()
		c.TestCancel()
	}
}

// State returns the future's current state.
func (f *Future) State() FutureState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}
