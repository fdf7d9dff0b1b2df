//go:build !linux

package dbus

import "net"

// tuneUnixSocket is a no-op on non-Linux platforms: SO_PASSCRED is a
// Linux-specific socket option, and the EXTERNAL mechanism on other
// platforms (e.g. BSD's LOCAL_PEERCRED, used implicitly by the
// kernel) does not require the client to opt in.
func tuneUnixSocket(conn net.Conn) error {
	return nil
}
