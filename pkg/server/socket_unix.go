//go:build unix

package server

import "syscall"

// setSocketOptions marks a listening socket reusable
func setSocketOptions(fd uintptr) error {
	return syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
