//go:build linux

package tunnel

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setReuseAddr is a net.ListenConfig.Control hook that sets SO_REUSEADDR
// explicitly, mirroring the platform-hook style the wider example pack uses
// for socket tuning (e.g. the teacher corpus's tcpquickack_linux.go). Go's
// runtime already sets SO_REUSEADDR for TCP listeners on Linux, so this is
// belt-and-suspenders, but it makes spec.md §6's listener contract
// ("SO_REUSEADDR") an explicit, auditable property of this code rather than
// an implicit runtime default.
func setReuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
