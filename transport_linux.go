//go:build linux

package dbus

import (
	"net"

	"golang.org/x/sys/unix"
)

// tuneUnixSocket sets SO_PASSCRED on the freshly-dialed socket so the
// bus daemon can retrieve this process's credentials via
// SCM_CREDENTIALS, which EXTERNAL authentication asserts (spec.md
// §4.4 step 2). Production D-Bus clients (e.g. godbus/dbus, present
// in this corpus via arnnvv-bluetalk's dependency on it) set this
// before the handshake begins; the teacher's unixTransport.Dial skips
// it entirely.
func tuneUnixSocket(conn net.Conn) error {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return &TransportError{Reason: "could not access raw unix socket", Cause: err}
	}
	var setErr error
	err = raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
	})
	if err != nil {
		return &TransportError{Reason: "raw socket control failed", Cause: err}
	}
	if setErr != nil {
		return &TransportError{Reason: "SO_PASSCRED failed", Cause: setErr}
	}
	return nil
}
