package mc

import (
	"sync/atomic"

	"github.com/respu/go-mainmemory/internal/sched"
)

// SpinLock is the task-aware spinlock guarding a partition under the
// direct strategy. Contending tasks spin briefly, then yield their
// core so the holder can make progress.
type SpinLock struct {
	v atomic.Uint32
}

const spinBurst = 64

// Lock acquires the lock, yielding the calling task between bursts.
func (l *SpinLock) Lock(c *sched.Core) {
	spins := 0
	for !l.v.CompareAndSwap(0, 1) {
		spins++
		if spins >= spinBurst {
			spins = 0
			c.Yield()
		}
	}
}

// TryLock acquires the lock without waiting.
func (l *SpinLock) TryLock() bool {
	return l.v.CompareAndSwap(0, 1)
}

// Unlock releases the lock.
func (l *SpinLock) Unlock() {
	l.v.Store(0)
}
