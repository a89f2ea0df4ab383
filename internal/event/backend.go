// Package event abstracts the readiness backend a primary core blocks
// in: epoll on Linux, kqueue on the BSDs, optionally io_uring behind
// the uring build tag. One watched descriptor, the self-pipe, exists
// only to make Listen return when another core needs this one awake.
package event

import "errors"

// Kind classifies a delivered readiness event.
type Kind int

const (
	Input Kind = iota
	Output
	InputError
	OutputError
)

// Event is one readiness delivery.
type Event struct {
	FD   int
	Kind Kind
}

// Change arms or disarms interest in a descriptor. Arms are one-shot:
// a delivered event disarms that direction until re-armed.
type Change struct {
	FD        int
	ArmInput  bool
	ArmOutput bool
	// Unregister removes the descriptor entirely.
	Unregister bool
}

// Backend is the poller contract. Prepare allocates the kernel
// object; Listen applies the pending change batch, waits up to
// timeoutMicros (0 polls, <0 waits forever) and appends deliveries to
// events, returning the filled slice. Wake may be called from any
// thread. Cleanup releases the kernel object.
type Backend interface {
	Prepare() error
	Listen(changes []Change, events []Event, timeoutMicros int64) ([]Event, error)
	Wake() error
	Cleanup() error
}

// ErrNotPrepared is returned when Listen is called before Prepare.
var ErrNotPrepared = errors.New("event backend not prepared")
