package sched

// waitEntry parks one task on one wait queue. Entries are pooled per
// core; a task takes one from its core's cache to block and returns it
// on wake.
type waitEntry struct {
	task       *Task
	queue      *WaitQueue
	next, prev *waitEntry
	released   bool // set by Signal/Broadcast before the wake
}

// WaitQueue is a doubly linked list of wait entries attachable to any
// object. All operations run on the owning core; signalling a task of
// another core goes through Run, never through a foreign wait queue.
type WaitQueue struct {
	head, tail *waitEntry
}

// Empty reports whether no task is waiting.
func (q *WaitQueue) Empty() bool { return q.head == nil }

func (q *WaitQueue) pushBack(e *waitEntry) {
	e.queue = q
	e.next = nil
	e.prev = q.tail
	if q.tail != nil {
		q.tail.next = e
	} else {
		q.head = e
	}
	q.tail = e
}

func (q *WaitQueue) pushFront(e *waitEntry) {
	e.queue = q
	e.prev = nil
	e.next = q.head
	if q.head != nil {
		q.head.prev = e
	} else {
		q.tail = e
	}
	q.head = e
}

func (q *WaitQueue) popFront() *waitEntry {
	e := q.head
	if e == nil {
		return nil
	}
	q.remove(e)
	return e
}

func (q *WaitQueue) remove(e *waitEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else if q.head == e {
		q.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else if q.tail == e {
		q.tail = e.prev
	}
	e.next = nil
	e.prev = nil
	e.queue = nil
}

// WaitBack enqueues the current task at the tail of q and blocks.
func (c *Core) WaitBack(q *WaitQueue) {
	e := c.getWaitEntry()
	e.task = c.current
	c.current.waitEnt = e
	q.pushBack(e)
	c.Block()
	c.finishWait(e)
}

// WaitFront enqueues the current task at the head of q and blocks.
// Idle workers use this so they are reused ahead of the master
// spawning fresh ones.
func (c *Core) WaitFront(q *WaitQueue) {
	e := c.getWaitEntry()
	e.task = c.current
	c.current.waitEnt = e
	q.pushFront(e)
	c.Block()
	c.finishWait(e)
}

// finishWait unlinks the entry if the wake did not come from a signal
// (cancellation, timer) and returns it to the cache.
func (c *Core) finishWait(e *waitEntry) {
	if !e.released && e.queue != nil {
		e.queue.remove(e)
	}
	e.task.waitEnt = nil
	c.putWaitEntry(e)
}

// Signal dequeues the head waiter, marks its entry released and makes
// the task runnable. Signalling an empty queue is a no-op.
func (c *Core) Signal(q *WaitQueue) bool {
	e := q.popFront()
	if e == nil {
		return false
	}
	e.released = true
	c.makeRunnable(e.task)
	return true
}

// Broadcast signals every waiter on q.
func (c *Core) Broadcast(q *WaitQueue) {
	for c.Signal(q) {
	}
}

func (c *Core) getWaitEntry() *waitEntry {
	if n := len(c.waitCache); n > 0 {
		e := c.waitCache[n-1]
		c.waitCache = c.waitCache[:n-1]
		e.released = false
		return e
	}
	return &waitEntry{}
}

func (c *Core) putWaitEntry(e *waitEntry) {
	e.task = nil
	e.released = false
	if len(c.waitCache) < cap(c.waitCache) {
		c.waitCache = append(c.waitCache, e)
	}
}
