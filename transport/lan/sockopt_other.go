//go:build !unix

package lan

import "syscall"

func enableBroadcast(network, address string, c syscall.RawConn) error {
	return nil
}
