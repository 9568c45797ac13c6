//go:build windows

package server

import "syscall"

// setSocketOptions marks a listening socket reusable. On Windows the
// descriptor is a syscall.Handle.
func setSocketOptions(fd uintptr) error {
	return syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
