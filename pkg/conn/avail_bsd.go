//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package conn

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// fionread is _IOR('f', 127, int), shared by the BSDs and darwin.
const fionread = 0x4004667f

// socketAvailable asks the kernel how many bytes are queued on the socket.
func socketAvailable(c syscall.Conn) (int, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return 0, err
	}
	var n int
	var ioctlErr error
	err = raw.Control(func(fd uintptr) {
		n, ioctlErr = unix.IoctlGetInt(int(fd), fionread)
	})
	if err != nil {
		return 0, err
	}
	return n, ioctlErr
}
