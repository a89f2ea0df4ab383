//go:build linux

package event

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// maxEvents bounds one epoll_wait batch.
const maxEvents = 128

type fdState struct {
	registered bool
	armedIn    bool
	armedOut   bool
}

// Epoll is the Linux backend. The self-pipe is an eventfd registered
// for level-triggered input; a pending wake keeps it readable so a
// Wake delivered before Listen is never lost.
type Epoll struct {
	epfd    int
	eventfd int
	states  map[int]*fdState
	buf     [maxEvents]unix.EpollEvent
}

// NewEpoll returns an unprepared epoll backend.
func NewEpoll() *Epoll {
	return &Epoll{epfd: -1, eventfd: -1, states: make(map[int]*fdState)}
}

// Prepare creates the epoll instance and the eventfd self-pipe.
func (e *Epoll) Prepare() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(efd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, efd, &ev); err != nil {
		unix.Close(efd)
		unix.Close(epfd)
		return fmt.Errorf("epoll_ctl eventfd: %w", err)
	}
	e.epfd = epfd
	e.eventfd = efd
	return nil
}

// Wake makes the current or next Listen return. Thread-safe.
func (e *Epoll) Wake() error {
	var one [8]byte
	one[0] = 1
	_, err := unix.Write(e.eventfd, one[:])
	if err == unix.EAGAIN {
		// Counter saturated: a wake is already pending.
		return nil
	}
	return err
}

func (e *Epoll) state(fd int) *fdState {
	s := e.states[fd]
	if s == nil {
		s = &fdState{}
		e.states[fd] = s
	}
	return s
}

func (e *Epoll) apply(ch Change) error {
	s := e.state(ch.FD)
	if ch.Unregister {
		if s.registered {
			_ = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, ch.FD, nil)
		}
		delete(e.states, ch.FD)
		return nil
	}
	if ch.ArmInput {
		s.armedIn = true
	}
	if ch.ArmOutput {
		s.armedOut = true
	}
	return e.arm(ch.FD, s)
}

// arm installs the fd's current interest mask, one-shot.
func (e *Epoll) arm(fd int, s *fdState) error {
	var mask uint32 = unix.EPOLLONESHOT | unix.EPOLLRDHUP
	if s.armedIn {
		mask |= unix.EPOLLIN
	}
	if s.armedOut {
		mask |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
	op := unix.EPOLL_CTL_MOD
	if !s.registered {
		op = unix.EPOLL_CTL_ADD
	}
	err := unix.EpollCtl(e.epfd, op, fd, &ev)
	if err == unix.ENOENT && op == unix.EPOLL_CTL_MOD {
		err = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	}
	if err != nil {
		return fmt.Errorf("epoll_ctl fd %d: %w", fd, err)
	}
	s.registered = true
	return nil
}

// Listen applies the change batch, waits for events and translates
// them. A fired one-shot disarms the delivered direction; the other
// direction, if still armed, is re-armed before returning.
func (e *Epoll) Listen(changes []Change, events []Event, timeoutMicros int64) ([]Event, error) {
	if e.epfd < 0 {
		return events, ErrNotPrepared
	}
	for _, ch := range changes {
		if err := e.apply(ch); err != nil {
			return events, err
		}
	}
	msec := -1
	if timeoutMicros >= 0 {
		msec = int(timeoutMicros / 1000)
		if timeoutMicros > 0 && msec == 0 {
			msec = 1
		}
	}
	var n int
	var err error
	for {
		n, err = unix.EpollWait(e.epfd, e.buf[:], msec)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return events, fmt.Errorf("epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		ev := &e.buf[i]
		fd := int(ev.Fd)
		if fd == e.eventfd {
			e.drainWake()
			continue
		}
		s := e.states[fd]
		if s == nil {
			continue
		}
		failed := ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 || (failed && s.armedIn) {
			if s.armedIn {
				s.armedIn = false
				kind := Input
				if ev.Events&unix.EPOLLERR != 0 {
					kind = InputError
				}
				events = append(events, Event{FD: fd, Kind: kind})
			}
		}
		if ev.Events&unix.EPOLLOUT != 0 || (failed && s.armedOut) {
			if s.armedOut {
				s.armedOut = false
				kind := Output
				if ev.Events&unix.EPOLLERR != 0 {
					kind = OutputError
				}
				events = append(events, Event{FD: fd, Kind: kind})
			}
		}
		if s.armedIn || s.armedOut {
			if err := e.arm(fd, s); err != nil {
				return events, err
			}
		}
	}
	return events, nil
}

func (e *Epoll) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(e.eventfd, buf[:])
		if err != nil {
			return
		}
	}
}

// Cleanup closes the kernel objects.
func (e *Epoll) Cleanup() error {
	if e.eventfd >= 0 {
		unix.Close(e.eventfd)
		e.eventfd = -1
	}
	if e.epfd >= 0 {
		unix.Close(e.epfd)
		e.epfd = -1
	}
	return nil
}
