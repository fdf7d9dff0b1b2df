package dbus

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strings"

	uuid "github.com/satori/go.uuid"
)

// address is a parsed "transport:key=value,..." D-Bus address
// (spec.md §6). This core supports only the "unix" transport, per
// spec.md's External Interfaces section; the other bus transports
// (tcp, nonce-tcp, launchd, systemd, unixexec) are peripheral socket
// concerns the distilled spec explicitly treats as out of scope
// beyond "unix", so parsing them is not carried forward from the
// teacher's broader transport.go (see DESIGN.md).
type address struct {
	path     string // filesystem path, or the abstract name (no "@"; dialAddress adds it)
	abstract bool
	guid     uuid.UUID
	hasGUID  bool
}

// parseAddress parses one "transport:key=value,..." entry. D-Bus
// addresses may list several semicolon-separated alternatives; this
// core tries them in order via parseAddressList.
func parseAddress(entry string) (*address, error) {
	colon := strings.IndexByte(entry, ':')
	if colon < 0 {
		return nil, &TransportError{Reason: fmt.Sprintf("malformed address %q: no transport prefix", entry)}
	}
	transportType := entry[:colon]
	if transportType != "unix" {
		return nil, &TransportError{Reason: fmt.Sprintf("unsupported transport %q (only \"unix\" is supported)", transportType)}
	}

	opts := map[string]string{}
	for _, kv := range strings.Split(entry[colon+1:], ",") {
		if kv == "" {
			continue
		}
		pair := strings.SplitN(kv, "=", 2)
		if len(pair) != 2 {
			return nil, &TransportError{Reason: fmt.Sprintf("malformed address component %q", kv)}
		}
		key, err := url.QueryUnescape(pair[0])
		if err != nil {
			return nil, &TransportError{Reason: "bad percent-encoding in address key", Cause: err}
		}
		value, err := url.QueryUnescape(pair[1])
		if err != nil {
			return nil, &TransportError{Reason: "bad percent-encoding in address value", Cause: err}
		}
		opts[key] = value
	}

	addr := &address{}
	path, hasPath := opts["path"]
	abstract, hasAbstract := opts["abstract"]
	switch {
	case hasPath && hasAbstract:
		return nil, &TransportError{Reason: "unix transport cannot set both 'path' and 'abstract'"}
	case hasPath:
		addr.path = path
	case hasAbstract:
		addr.path = abstract
		addr.abstract = true
	default:
		return nil, &TransportError{Reason: "unix transport requires 'path' or 'abstract'"}
	}

	// D-Bus GUIDs are 32 lowercase hex digits, not the dashed RFC 4122
	// textual form, so they decode directly into a UUID's raw bytes
	// (matching parseHandshakeGUID's treatment of the SASL reply).
	if g, ok := opts["guid"]; ok {
		raw, err := hex.DecodeString(g)
		if err != nil || len(raw) != 16 {
			return nil, &TransportError{Reason: "malformed guid in address"}
		}
		parsed, err := uuid.FromBytes(raw)
		if err != nil {
			return nil, &TransportError{Reason: "malformed guid in address", Cause: err}
		}
		addr.guid = parsed
		addr.hasGUID = true
	}

	return addr, nil
}

// parseAddressList parses a ';'-separated list of address
// alternatives, D-Bus's way of offering several candidate transports;
// the caller tries each until one dials successfully.
func parseAddressList(s string) ([]*address, error) {
	var addrs []*address
	for _, entry := range strings.Split(s, ";") {
		if entry == "" {
			continue
		}
		a, err := parseAddress(entry)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}
	if len(addrs) == 0 {
		return nil, &TransportError{Reason: "empty address list"}
	}
	return addrs, nil
}

// dialAddress opens the stream socket named by addr. Abstract-namespace
// names are dialed with a leading '@', which the Go runtime's net
// package translates to a leading NUL byte on Linux.
func dialAddress(ctx context.Context, addr *address) (net.Conn, error) {
	name := addr.path
	if addr.abstract {
		name = "@" + name
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", name)
	if err != nil {
		return nil, &TransportError{Reason: "dial unix socket failed", Cause: err}
	}
	if err := tuneUnixSocket(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
