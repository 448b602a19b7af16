//go:build unix

package lan

import (
	"syscall"
)

// enableBroadcast sets SO_BROADCAST so beacons may target broadcast
// addresses.
func enableBroadcast(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
