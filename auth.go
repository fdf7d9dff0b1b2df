package dbus

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	uuid "github.com/satori/go.uuid"
)

// authMethod is one SASL-style mechanism this core can attempt, in
// priority order (spec.md §4.4 step 2): EXTERNAL, then ANONYMOUS.
// DBUS_COOKIE_SHA1 (which the teacher implements in full) is not
// carried forward — spec.md names exactly EXTERNAL and ANONYMOUS as
// the prioritized list, and cookie auth additionally needs
// filesystem access to ~/.dbus-keyrings that has no home in this
// core's scope (see DESIGN.md).
type authMethod interface {
	name() string
	authLine() []byte
}

type externalAuth struct{}

func (externalAuth) name() string { return "EXTERNAL" }

func (externalAuth) authLine() []byte {
	uid := strconv.Itoa(os.Getuid())
	hexUID := hex.EncodeToString([]byte(uid))
	return []byte(fmt.Sprintf("AUTH EXTERNAL %s\r\n", hexUID))
}

type anonymousAuth struct{}

func (anonymousAuth) name() string { return "ANONYMOUS" }

func (anonymousAuth) authLine() []byte { return []byte("AUTH ANONYMOUS \r\n") }

var authMethods = []authMethod{externalAuth{}, anonymousAuth{}}

// authenticate performs the four-phase handshake of spec.md §4.4
// phases 1-2: write the mandatory leading NUL byte, then try each
// SASL mechanism in turn until one gets "OK <guid>\r\n", at which
// point it writes "BEGIN\r\n" and returns the server's GUID. A
// REJECTED, ERROR, or any other non-OK reply moves on to the next
// mechanism; exhausting the list is an AuthError.
func authenticate(rw io.ReadWriter, log *logrus.Logger) (uuid.UUID, error) {
	if _, err := rw.Write([]byte{0}); err != nil {
		return uuid.UUID{}, &AuthError{Reason: "writing leading NUL byte failed", Cause: err}
	}

	br := bufio.NewReader(rw)
	var lastRejection error
	for _, m := range authMethods {
		if _, err := rw.Write(m.authLine()); err != nil {
			return uuid.UUID{}, &AuthError{Reason: "writing AUTH line failed", Cause: err}
		}

		line, err := readHandshakeLine(br)
		if err != nil {
			return uuid.UUID{}, &AuthError{Reason: "reading handshake reply failed", Cause: err}
		}

		if strings.HasPrefix(line, "OK ") {
			guid := parseHandshakeGUID(strings.TrimPrefix(line, "OK "))
			if _, err := rw.Write([]byte("BEGIN\r\n")); err != nil {
				return guid, &AuthError{Reason: "writing BEGIN failed", Cause: err}
			}
			log.WithFields(logrus.Fields{"mechanism": m.name()}).Debug("dbus: SASL handshake complete")
			return guid, nil
		}

		log.WithFields(logrus.Fields{"mechanism": m.name(), "reply": line}).Debug("dbus: SASL mechanism rejected")
		lastRejection = fmt.Errorf("%s: %s", m.name(), line)
	}

	return uuid.UUID{}, &AuthError{Reason: "no usable auth method", Cause: lastRejection}
}

// readHandshakeLine reads one CRLF-terminated line of handshake text
// (spec.md §6), stripping the trailing CRLF.
func readHandshakeLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// parseHandshakeGUID decodes the hex-encoded GUID the server sends
// after "OK ". D-Bus GUIDs are 32 lowercase hex digits (not the
// dashed RFC 4122 textual form), so they decode directly into a
// UUID's 16 raw bytes. A malformed or absent GUID yields the zero
// UUID rather than failing the handshake — spec.md §6 only requires
// the GUID be "parsed and retained," not validated strictly.
func parseHandshakeGUID(hexGUID string) uuid.UUID {
	raw, err := hex.DecodeString(strings.TrimSpace(hexGUID))
	if err != nil || len(raw) != 16 {
		return uuid.UUID{}
	}
	g, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.UUID{}
	}
	return g
}
