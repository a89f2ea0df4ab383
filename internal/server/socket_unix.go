//go:build linux || darwin || freebsd || netbsd || dragonfly

package server

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/respu/go-mainmemory/internal/interfaces"
)

// fdSocket adapts a nonblocking file descriptor to the Socket
// contract the core consumes.
type fdSocket struct {
	fd int
}

func newFDSocket(fd int) *fdSocket { return &fdSocket{fd: fd} }

func (s *fdSocket) Fd() int { return s.fd }

func (s *fdSocket) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, interfaces.ErrAgain
		case err != nil:
			return 0, err
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (s *fdSocket) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(s.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, interfaces.ErrAgain
		case err != nil:
			return 0, err
		}
		return n, nil
	}
}

func (s *fdSocket) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

// listenTCP opens a nonblocking TCP listening socket on host:port.
func listenTCP(addr string) (int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return -1, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return -1, fmt.Errorf("bad port %q", portStr)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return -1, fmt.Errorf("bad address %q", host)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return -1, fmt.Errorf("only IPv4 addresses are supported, got %q", host)
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	var sa unix.SockaddrInet4
	sa.Port = port
	copy(sa.Addr[:], ip4)
	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// listenUnix opens a nonblocking Unix stream socket, replacing a
// stale path.
func listenUnix(path string) (int, error) {
	_ = os.Remove(path)
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa := unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func closeListener(l *listener) {
	if l.fd >= 0 {
		unix.Close(l.fd)
		l.fd = -1
	}
	if l.path != "" {
		_ = os.Remove(l.path)
	}
}
