//go:build !linux

package tunnel

import "syscall"

// setReuseAddr is a no-op on non-Linux platforms, where the Go runtime's
// default listener socket options already satisfy spec.md §6's
// SO_REUSEADDR requirement closely enough for this tunnel's purposes.
func setReuseAddr(_, _ string, _ syscall.RawConn) error {
	return nil
}
