//go:build !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd

package conn

import "syscall"

// socketAvailable is not supported here; batches then end at each read.
func socketAvailable(c syscall.Conn) (int, error) {
	return 0, nil
}
