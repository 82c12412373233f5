package proxy

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// backlogControl returns a net.ListenConfig.Control hook that sets
// SO_REUSEADDR on the listening socket. Go's net package always calls
// listen(2) with its own computed backlog — golang.org/x/sys/unix exposes
// the raw socket descriptor here but not a way to override that particular
// argument without bypassing net.Listen entirely — so tcp_backlog is
// treated as an informational hint (spec §6) rather than a strict
// listen(2) parameter.
func backlogControl(_ int) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
