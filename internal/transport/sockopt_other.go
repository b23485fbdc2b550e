//go:build !unix && !windows

package transport

import "syscall"

func setBroadcast(network, address string, c syscall.RawConn) error {
	return nil
}
