//go:build linux && uring

// io_uring poller backend. Built with -tags uring; the default Linux
// backend remains epoll.
package event

import (
	"fmt"
	"syscall"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

const uringEntries = 256

// Uring implements Backend over io_uring poll operations. Each armed
// direction is one POLL_ADD; completions are inherently one-shot.
// The self-pipe is an eventfd kept armed at all times.
type Uring struct {
	ring    *giouring.Ring
	eventfd int
	armed   map[uint64]int // user data -> fd
	seq     uint64
}

// NewUring returns an unprepared io_uring backend.
func NewUring() *Uring {
	return &Uring{eventfd: -1, armed: make(map[uint64]int)}
}

const (
	udWake   uint64 = 1 << 63
	udOutput uint64 = 1 << 62
)

// Prepare sets up the ring and the eventfd self-pipe.
func (u *Uring) Prepare() error {
	ring, err := giouring.CreateRing(uringEntries)
	if err != nil {
		return fmt.Errorf("io_uring_setup: %w", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		ring.QueueExit()
		return fmt.Errorf("eventfd: %w", err)
	}
	u.ring = ring
	u.eventfd = efd
	u.armWake()
	return nil
}

// Wake posts to the eventfd. Thread-safe.
func (u *Uring) Wake() error {
	var one [8]byte
	one[0] = 1
	_, err := unix.Write(u.eventfd, one[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (u *Uring) armWake() {
	sqe := u.ring.GetSQE()
	if sqe == nil {
		return
	}
	sqe.PreparePollAdd(u.eventfd, unix.POLLIN)
	sqe.UserData = udWake
}

func (u *Uring) armFD(fd int, output bool) {
	sqe := u.ring.GetSQE()
	if sqe == nil {
		return
	}
	mask := uint32(unix.POLLIN | unix.POLLRDHUP)
	ud := uint64(u.seq)
	u.seq++
	if output {
		mask = unix.POLLOUT
		ud |= udOutput
	}
	sqe.PreparePollAdd(fd, mask)
	sqe.UserData = ud
	u.armed[ud] = fd
}

// Listen applies arms as POLL_ADD submissions, then waits.
func (u *Uring) Listen(changes []Change, events []Event, timeoutMicros int64) ([]Event, error) {
	if u.ring == nil {
		return events, ErrNotPrepared
	}
	for _, ch := range changes {
		if ch.Unregister {
			continue // poll entries are one-shot; nothing to remove
		}
		if ch.ArmInput {
			u.armFD(ch.FD, false)
		}
		if ch.ArmOutput {
			u.armFD(ch.FD, true)
		}
	}
	ts := syscall.NsecToTimespec(timeoutMicros * 1000)
	cqe, err := u.ring.SubmitAndWaitTimeout(1, &ts, nil)
	if err != nil && err != syscall.ETIME && err != syscall.EINTR {
		return events, fmt.Errorf("io_uring_enter: %w", err)
	}
	_ = cqe
	cqes := make([]*giouring.CompletionQueueEvent, uringEntries)
	n := u.ring.PeekBatchCQE(cqes)
	for i := uint32(0); i < n; i++ {
		c := cqes[i]
		if c.UserData == udWake {
			u.drainWake()
			u.armWake()
			continue
		}
		fd, ok := u.armed[c.UserData]
		if !ok {
			continue
		}
		delete(u.armed, c.UserData)
		output := c.UserData&udOutput != 0
		kind := Input
		if output {
			kind = Output
		}
		if c.Res < 0 || (c.Res&int32(unix.POLLERR|unix.POLLHUP)) != 0 {
			if output {
				kind = OutputError
			} else {
				kind = InputError
			}
		}
		events = append(events, Event{FD: fd, Kind: kind})
	}
	u.ring.CQAdvance(n)
	return events, nil
}

func (u *Uring) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(u.eventfd, buf[:]); err != nil {
			return
		}
	}
}

// Cleanup tears the ring down.
func (u *Uring) Cleanup() error {
	if u.ring != nil {
		u.ring.QueueExit()
		u.ring = nil
	}
	if u.eventfd >= 0 {
		unix.Close(u.eventfd)
		u.eventfd = -1
	}
	return nil
}
