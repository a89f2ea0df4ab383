//go:build linux || freebsd || netbsd || dragonfly

package server

import (
	"golang.org/x/sys/unix"

	"github.com/respu/go-mainmemory/internal/interfaces"
)

// acceptConn accepts one pending connection as a nonblocking fd.
func acceptConn(lfd int) (int, error) {
	for {
		nfd, _, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
			return nfd, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return -1, interfaces.ErrAgain
		default:
			return -1, err
		}
	}
}
