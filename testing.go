package mainmemory

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/respu/go-mainmemory/internal/sched"
)

// MemSocket is an in-memory Socket implementation for protocol-level
// tests: the full client input is supplied up front and everything
// the server writes is captured. Read returns io.EOF once the input
// is exhausted, which makes the connection wind down exactly like a
// peer hangup.
type MemSocket struct {
	mu     sync.Mutex
	in     []byte
	out    []byte
	closed chan struct{}
	once   sync.Once
}

// NewMemSocket creates a socket that will serve the given input.
func NewMemSocket(input []byte) *MemSocket {
	return &MemSocket{in: input, closed: make(chan struct{})}
}

// Read implements the Socket contract.
func (s *MemSocket) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.in) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.in)
	s.in = s.in[n:]
	return n, nil
}

// Write implements the Socket contract.
func (s *MemSocket) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, p...)
	return len(p), nil
}

// Close implements the Socket contract and unblocks Done.
func (s *MemSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// Fd reports the socket as always-ready.
func (s *MemSocket) Fd() int { return -1 }

// Done is closed once the server has closed the connection.
func (s *MemSocket) Done() <-chan struct{} { return s.closed }

// Output returns everything the server wrote.
func (s *MemSocket) Output() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.out))
	copy(out, s.out)
	return out
}

// ServeMem attaches an in-memory socket as a connection on the
// primary core.
func (s *Server) ServeMem(sock *MemSocket) {
	s.rt.SubmitFromOutside(0, &sched.WorkItem{
		Routine: func(c *sched.Core, _ any) {
			s.srv.ServeSocket(c, sock)
		},
	})
}

// RunScript drives one connection's worth of protocol input through a
// fresh server with no network listeners and returns the reply bytes.
func RunScript(params Params, input string) (string, error) {
	params.ListenAddr = ""
	params.ControlSocket = ""
	srv, err := CreateAndServe(params, nil)
	if err != nil {
		return "", err
	}
	defer srv.Stop()

	sock := NewMemSocket([]byte(input))
	srv.ServeMem(sock)
	select {
	case <-sock.Done():
	case <-time.After(10 * time.Second):
		return "", fmt.Errorf("connection did not finish: %q", input)
	}
	return string(sock.Output()), nil
}
