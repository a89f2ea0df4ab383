// Package interfaces provides internal interface definitions for
// go-mainmemory. These are separate from the public interfaces to avoid
// circular imports between the main package and internal packages.
package interfaces

import "errors"

// ErrAgain is returned by a Socket when the operation would block.
// The caller parks the task on the event backend and retries.
var ErrAgain = errors.New("operation would block")

// Socket is the minimal transport contract the core consumes. Real
// implementations wrap nonblocking file descriptors; test
// implementations serve from memory.
type Socket interface {
	// Read fills p with available bytes. Returns ErrAgain when no data
	// is ready, io.EOF when the peer hung up.
	Read(p []byte) (n int, err error)

	// Write sends as much of p as the transport accepts. Returns
	// ErrAgain when the transport is full.
	Write(p []byte) (n int, err error)

	Close() error

	// Fd returns the file descriptor to register with the event
	// backend, or -1 for sockets that are always ready.
	Fd() int
}

// Clock provides the two time bases the runtime caches per tick.
type Clock interface {
	MonotonicMicros() int64
	RealtimeMicros() int64
}

// Logger interface for optional logging.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer interface for metrics collection.
// Implementations must be thread-safe as methods are called from
// multiple core threads.
type Observer interface {
	ObserveCommand(op string, latencyNs uint64, hit bool)
	ObserveStore(bytes uint64, success bool)
	ObserveEviction(bytes uint64)
	ObserveStride()
	ObserveConn(opened bool)
	ObserveBytes(in, out uint64)
}
