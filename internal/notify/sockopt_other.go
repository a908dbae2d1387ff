//go:build !linux && !darwin

package notify

import "syscall"

// Port sharing and broadcast are not configured on this platform; a single
// receiver per port still works.
func broadcastControl(network, address string, c syscall.RawConn) error { return nil }

func reuseControl(network, address string, c syscall.RawConn) error { return nil }
