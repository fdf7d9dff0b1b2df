package dbus

import "fmt"

// SignatureError reports a malformed type signature: an unknown type
// code, unbalanced braces, or an empty struct/dict.
type SignatureError struct {
	Signature string
	Index     int
	Reason    string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("dbus: bad signature %q at index %d: %s", e.Signature, e.Index, e.Reason)
}

// MarshalError reports a value that does not match the shape its
// codec expects: wrong Go type, numeric out of range, non-UTF-8
// string, or a string/signature too long for its length prefix.
type MarshalError struct {
	Reason string
	Cause  error
}

func (e *MarshalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("dbus: marshal: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("dbus: marshal: %s", e.Reason)
}

func (e *MarshalError) Unwrap() error { return e.Cause }

// ProtocolError reports on-wire bytes that violate the message
// layout invariants: bad endianness byte, bad version, a declared
// length that overflows the receive buffer, or an unknown header
// field basic type. The connection closes whenever this is raised
// against a live Connection (spec.md §7).
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("dbus: protocol error: %s", e.Reason)
}

// AuthError reports that every configured SASL mechanism was
// rejected, or that the server sent handshake text this client
// cannot parse.
type AuthError struct {
	Reason string
	Cause  error
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("dbus: auth: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("dbus: auth: %s", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// TransportError wraps a socket-level failure: dial failure, write
// failure, or an unexpected close.
type TransportError struct {
	Reason string
	Cause  error
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("dbus: transport: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("dbus: transport: %s", e.Reason)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// CallError reports that the peer replied with kind = error. It
// carries the D-Bus error name (e.g.
// "org.freedesktop.DBus.Error.UnknownMethod") and the decoded error
// body, if any.
type CallError struct {
	Name string
	Body []interface{}
}

func (e *CallError) Error() string {
	if len(e.Body) > 0 {
		if msg, ok := e.Body[0].(string); ok {
			return fmt.Sprintf("dbus: %s: %s", e.Name, msg)
		}
	}
	return fmt.Sprintf("dbus: %s", e.Name)
}

// TimeoutError reports that a call's deadline elapsed before a reply
// arrived. The pending-table entry has already been evicted by the
// time the caller observes this.
type TimeoutError struct {
	Serial uint32
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("dbus: call serial %d timed out waiting for reply", e.Serial)
}

// CancelledError reports that a call's context was done (cancelled,
// or its deadline passed) before a reply arrived. Cause is the
// context.Context error that triggered it.
type CancelledError struct {
	Serial uint32
	Cause  error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("dbus: call serial %d cancelled: %v", e.Serial, e.Cause)
}

func (e *CancelledError) Unwrap() error { return e.Cause }
