package sched

// WorkItem is a unit of work submitted to a core. A fresh worker task
// is spawned to run it unless an idle worker picks it up first.
type WorkItem struct {
	Routine func(c *Core, arg any)
	Arg     any
	Pinned  bool
}

// Submit posts a work item to the target core. Same-core submissions
// land on the local work queue directly; remote ones travel through
// the target's inbox ring with a wakeup.
func (c *Core) Submit(target int, w *WorkItem) {
	tc := c.rt.cores[target]
	if tc == c {
		c.addWork(w)
		return
	}
	tc.inbox.PutWait(w)
	tc.Wake()
}

// SubmitFromOutside posts work to a core from a non-task context
// (startup, foreign goroutines). Always goes through the ring.
func (rt *Runtime) SubmitFromOutside(target int, w *WorkItem) {
	tc := rt.cores[target]
	tc.inbox.PutWait(w)
	tc.Wake()
}

// addWork appends to the local queue and lets a waiter (idle worker
// first, master otherwise) take it.
func (c *Core) addWork(w *WorkItem) {
	c.workQ = append(c.workQ, w)
	c.Signal(&c.workWait)
}

// popWork takes the oldest pending local work item.
func (c *Core) popWork() *WorkItem {
	if len(c.workQ) == 0 {
		return nil
	}
	w := c.workQ[0]
	c.workQ[0] = nil
	c.workQ = c.workQ[1:]
	return w
}

// drainInbox moves submitted work items onto the local queue.
func (c *Core) drainInbox() {
	for {
		w, ok := c.inbox.Get()
		if !ok {
			return
		}
		c.addWork(w)
	}
}

// masterMain spawns worker tasks while work is queued and the worker
// cap leaves room. Idle workers wait at the front of the same queue,
// so they win the race against a fresh spawn.
func masterMain(c *Core, _ any) {
	for !c.Stopping() {
		if len(c.workQ) > 0 && c.workers < c.maxWorkers {
			w := c.popWork()
			c.workers++
			c.Spawn(PriorityDefault, "worker", workerMain, w)
			continue
		}
		c.WaitBack(&c.workWait)
	}
}

// workerMain consumes its initial work item, then keeps draining the
// local queue, parking at the front of the worker wait queue between
// bursts.
func workerMain(c *Core, arg any) {
	w := arg.(*WorkItem)
	for {
		w.Routine(c, w.Arg)
		w = c.popWork()
		for w == nil {
			if c.Stopping() {
				c.workers--
				return
			}
			c.WaitFront(&c.workWait)
			if c.Stopping() {
				c.workers--
				return
			}
			w = c.popWork()
		}
	}
}

// dealerMain is the idle-priority task that pumps the core: it drains
// the inbound rings, fires timers and then sleeps in the core's idler
// with a bounded timeout.
func dealerMain(c *Core, _ any) {
	for !c.Stopping() {
		c.drainInbox()
		c.drainSched()
		c.drainChunks()
		c.timerTick()
		if c.hasRunnable() {
			c.Yield()
			continue
		}
		timeout := c.rt.dealerTimeout
		if d := c.nextTimerDelay(); d >= 0 && d < timeout {
			timeout = d
		}
		c.idler.Idle(timeout)
		c.timerTick()
		c.Yield()
	}
}
