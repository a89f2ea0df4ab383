//go:build darwin

package server

import (
	"golang.org/x/sys/unix"

	"github.com/respu/go-mainmemory/internal/interfaces"
)

// acceptConn accepts one pending connection; darwin has no accept4,
// so the flags are applied after the fact.
func acceptConn(lfd int) (int, error) {
	for {
		nfd, _, err := unix.Accept(lfd)
		switch err {
		case nil:
			unix.CloseOnExec(nfd)
			if err := unix.SetNonblock(nfd, true); err != nil {
				unix.Close(nfd)
				return -1, err
			}
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
