//go:build darwin || freebsd || netbsd || dragonfly

package event

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const maxEvents = 128

type fdState struct {
	armedIn  bool
	armedOut bool
}

// Kqueue is the BSD backend. Read and write interest are independent
// one-shot kevent filters; the self-pipe is a nonblocking pipe pair.
type Kqueue struct {
	kq       int
	pipeR    int
	pipeW    int
	states   map[int]*fdState
	buf      [maxEvents]unix.Kevent_t
	pending  []unix.Kevent_t
}

// NewKqueue returns an unprepared kqueue backend.
func NewKqueue() *Kqueue {
	return &Kqueue{kq: -1, pipeR: -1, pipeW: -1, states: make(map[int]*fdState)}
}

// Prepare creates the kqueue and the self-pipe.
func (k *Kqueue) Prepare() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return fmt.Errorf("kqueue: %w", err)
	}
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		unix.Close(kq)
		return fmt.Errorf("pipe: %w", err)
	}
	unix.SetNonblock(fds[0], true)
	unix.SetNonblock(fds[1], true)
	k.kq = kq
	k.pipeR = fds[0]
	k.pipeW = fds[1]
	// The self-pipe is the one persistent (non-oneshot) filter.
	kev := unix.Kevent_t{
		Ident:  uint64(k.pipeR),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD,
	}
	if _, err := unix.Kevent(k.kq, []unix.Kevent_t{kev}, nil, nil); err != nil {
		k.Cleanup()
		return fmt.Errorf("kevent self-pipe: %w", err)
	}
	return nil
}

// Wake writes one byte into the self-pipe. Thread-safe.
func (k *Kqueue) Wake() error {
	var b = [1]byte{1}
	_, err := unix.Write(k.pipeW, b[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (k *Kqueue) state(fd int) *fdState {
	s := k.states[fd]
	if s == nil {
		s = &fdState{}
		k.states[fd] = s
	}
	return s
}

func (k *Kqueue) apply(ch Change) {
	s := k.state(ch.FD)
	if ch.Unregister {
		if s.armedIn {
			k.pending = append(k.pending, unix.Kevent_t{
				Ident: uint64(ch.FD), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE,
			})
		}
		if s.armedOut {
			k.pending = append(k.pending, unix.Kevent_t{
				Ident: uint64(ch.FD), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE,
			})
		}
		delete(k.states, ch.FD)
		return
	}
	if ch.ArmInput && !s.armedIn {
		s.armedIn = true
		k.pending = append(k.pending, unix.Kevent_t{
			Ident: uint64(ch.FD), Filter: unix.EVFILT_READ,
			Flags: unix.EV_ADD | unix.EV_ONESHOT,
		})
	}
	if ch.ArmOutput && !s.armedOut {
		s.armedOut = true
		k.pending = append(k.pending, unix.Kevent_t{
			Ident: uint64(ch.FD), Filter: unix.EVFILT_WRITE,
			Flags: unix.EV_ADD | unix.EV_ONESHOT,
		})
	}
}

// Listen applies the change batch and waits for deliveries.
func (k *Kqueue) Listen(changes []Change, events []Event, timeoutMicros int64) ([]Event, error) {
	if k.kq < 0 {
		return events, ErrNotPrepared
	}
	for _, ch := range changes {
		k.apply(ch)
	}
	var ts *unix.Timespec
	if timeoutMicros >= 0 {
		t := unix.NsecToTimespec(timeoutMicros * 1000)
		ts = &t
	}
	var n int
	var err error
	for {
		n, err = unix.Kevent(k.kq, k.pending, k.buf[:], ts)
		if err != unix.EINTR {
			break
		}
		// Changes were consumed by the interrupted call.
		k.pending = k.pending[:0]
	}
	k.pending = k.pending[:0]
	if err != nil {
		return events, fmt.Errorf("kevent: %w", err)
	}
	for i := 0; i < n; i++ {
		kev := &k.buf[i]
		fd := int(kev.Ident)
		if fd == k.pipeR {
			k.drainWake()
			continue
		}
		s := k.states[fd]
		if s == nil {
			continue
		}
		failed := kev.Flags&unix.EV_ERROR != 0
		switch kev.Filter {
		case unix.EVFILT_READ:
			s.armedIn = false
			kind := Input
			if failed {
				kind = InputError
			}
			events = append(events, Event{FD: fd, Kind: kind})
		case unix.EVFILT_WRITE:
			s.armedOut = false
			kind := Output
			if failed {
				kind = OutputError
			}
			events = append(events, Event{FD: fd, Kind: kind})
		}
	}
	return events, nil
}

func (k *Kqueue) drainWake() {
	var buf [64]byte
	for {
		_, err := unix.Read(k.pipeR, buf[:])
		if err != nil {
			return
		}
	}
}

// Cleanup closes the kernel objects.
func (k *Kqueue) Cleanup() error {
	for _, fd := range []int{k.pipeR, k.pipeW, k.kq} {
		if fd >= 0 {
			unix.Close(fd)
		}
	}
	k.pipeR, k.pipeW, k.kq = -1, -1, -1
	return nil
}

// NewBackend returns the platform's default backend.
func NewBackend() Backend { return NewKqueue() }
