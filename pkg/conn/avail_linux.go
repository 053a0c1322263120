//go:build linux

package conn

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// socketAvailable asks the kernel how many bytes are queued on the socket.
func socketAvailable(c syscall.Conn) (int, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return 0, err
	}
	var n int
	var ioctlErr error
	err = raw.Control(func(fd uintptr) {
		n, ioctlErr = unix.IoctlGetInt(int(fd), unix.TIOCINQ)
	})
	if err != nil {
		return 0, err
	}
	return n, ioctlErr
}
