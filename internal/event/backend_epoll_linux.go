//go:build linux && !uring

package event

// NewBackend returns the platform's default backend.
func NewBackend() Backend { return NewEpoll() }
