package dbus

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	busDaemonName = "org.freedesktop.DBus"
	busDaemonPath = ObjectPath("/org/freedesktop/DBus")
)

// Connection is a single client connection to a message bus: one
// socket, one handshake, one serial space, one reader goroutine
// fanning replies and signals out to their waiters (spec.md §5's
// "single-threaded cooperative event loop" emulated with a dedicated
// dispatch goroutine plus a mutex-guarded pending table rather than
// an actual single thread).
type Connection struct {
	conn        net.Conn
	log         *logrus.Logger
	guid        string
	callTimeout time.Duration

	uniqueNameMu sync.RWMutex
	uniqueName   string

	// writeMu serializes the assign-serial/register-waiter/write
	// sequence so that messages hit the wire in the order their
	// serials were handed out, and so a reply can never race ahead of
	// the pending-table insert for its own call (spec.md §5 Ordering).
	writeMu sync.Mutex
	serial  uint32

	pendingMu sync.Mutex
	pending   map[uint32]*pendingCall

	signalMu      sync.Mutex
	signalWatches signalWatchSet

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

type pendingCall struct {
	replyCh chan *Message
}

// Connect dials the bus named by cfg.address (or, if unset,
// DBUS_SESSION_BUS_ADDRESS), performs the SASL handshake, and issues
// the mandatory Hello call to obtain this connection's unique name.
// ctx bounds the whole sequence; WithDialTimeout supplies a default
// deadline when ctx carries none.
func Connect(ctx context.Context, opts ...Option) (*Connection, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	addr := cfg.address
	if addr == "" {
		addr = os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	}
	if addr == "" {
		return nil, &TransportError{Reason: "no bus address: set WithAddress or DBUS_SESSION_BUS_ADDRESS"}
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && cfg.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.dialTimeout)
		defer cancel()
	}

	addrs, err := parseAddressList(addr)
	if err != nil {
		return nil, err
	}

	var conn net.Conn
	var dialErr error
	for _, a := range addrs {
		conn, dialErr = dialAddress(ctx, a)
		if dialErr == nil {
			break
		}
	}
	if dialErr != nil {
		return nil, dialErr
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	guid, err := authenticate(conn, cfg.logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	c := &Connection{
		conn:          conn,
		log:           cfg.logger,
		guid:          guid.String(),
		callTimeout:   cfg.callTimeout,
		serial:        1,
		pending:       make(map[uint32]*pendingCall),
		signalWatches: make(signalWatchSet),
		closed:        make(chan struct{}),
	}

	go c.dispatchLoop(cfg.readBufferSize)

	var uniqueName string
	if err := c.call(ctx, cfg.callTimeout, busDaemonName, busDaemonPath, busDaemonName, "Hello", "", nil, &uniqueName); err != nil {
		c.Close()
		return nil, err
	}
	c.uniqueNameMu.Lock()
	c.uniqueName = uniqueName
	c.uniqueNameMu.Unlock()

	c.logEntry().WithField("guid", c.guid).Info("dbus: connected")
	return c, nil
}

// UniqueName returns the name the bus daemon assigned this connection
// during Hello, e.g. ":1.42".
func (c *Connection) UniqueName() string {
	c.uniqueNameMu.RLock()
	defer c.uniqueNameMu.RUnlock()
	return c.uniqueName
}

// nextSerial returns the next serial to assign, wrapping from 2^31
// back to 1 rather than overflowing uint32's full range (spec.md §5,
// resolved Open Question: 0 stays permanently reserved for "no
// serial"). Callers must hold writeMu.
func (c *Connection) nextSerial() uint32 {
	s := c.serial
	if s == 0 {
		s = 1
	}
	if s == 1<<31 {
		c.serial = 1
	} else {
		c.serial = s + 1
	}
	return s
}

// Send transmits msg with no expectation of a reply: flags should
// include FlagNoReplyExpected for method calls, and it is always
// implicit for method-return, error, and signal messages. Send
// assigns and stamps the outgoing serial itself.
func (c *Connection) Send(kind MessageKind, flags MessageFlags, destination string, path ObjectPath, iface, member, errorName string, replySerial uint32, bodySig string, body []interface{}) error {
	_, _, err := c.send(kind, flags, destination, path, iface, member, errorName, replySerial, bodySig, body, false)
	return err
}

// send builds and writes one message, optionally registering a
// pending-call waiter before the write so a reply arriving before
// Write returns still finds its entry (spec.md §5).
func (c *Connection) send(kind MessageKind, flags MessageFlags, destination string, path ObjectPath, iface, member, errorName string, replySerial uint32, bodySig string, body []interface{}, wantReply bool) (chan *Message, uint32, error) {
	b := newMessageBuilder(kind, flags)
	if path != "" {
		if err := b.setPath(path); err != nil {
			return nil, 0, err
		}
	}
	if iface != "" {
		if err := b.setInterface(iface); err != nil {
			return nil, 0, err
		}
	}
	if member != "" {
		if err := b.setMember(member); err != nil {
			return nil, 0, err
		}
	}
	if errorName != "" {
		if err := b.setErrorName(errorName); err != nil {
			return nil, 0, err
		}
	}
	if replySerial != 0 {
		if err := b.setReplySerial(replySerial); err != nil {
			return nil, 0, err
		}
	}
	if destination != "" {
		if err := b.setDestination(destination); err != nil {
			return nil, 0, err
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	serial := c.nextSerial()
	// The serial lands at fixed offset 8 regardless of header-fields
	// content, so it can be patched in after build() rather than
	// threaded through messageBuilder.
	buf, err := b.build(bodySig, body)
	if err != nil {
		return nil, 0, err
	}
	patchSerial(buf, serial)

	var replyCh chan *Message
	if wantReply {
		replyCh = make(chan *Message, 1)
		c.pendingMu.Lock()
		c.pending[serial] = &pendingCall{replyCh: replyCh}
		c.pendingMu.Unlock()
	}

	if _, err := c.conn.Write(buf); err != nil {
		if wantReply {
			c.pendingMu.Lock()
			delete(c.pending, serial)
			c.pendingMu.Unlock()
		}
		return nil, 0, &TransportError{Reason: "write failed", Cause: err}
	}
	return replyCh, serial, nil
}

// patchSerial overwrites the serial field at its fixed offset 8,
// independent of byte order since messages built locally are always
// little-endian (message.go's newMessageBuilder always emits 'l').
func patchSerial(buf []byte, serial uint32) {
	buf[8] = byte(serial)
	buf[9] = byte(serial >> 8)
	buf[10] = byte(serial >> 16)
	buf[11] = byte(serial >> 24)
}

// Call issues a method call and blocks for its reply, honoring ctx's
// deadline/cancellation in addition to timeout. A method-return
// unmarshals its body into out (each element a pointer, as with
// fmt.Sscan); a reply of kind error is reported as a *CallError.
func (c *Connection) Call(ctx context.Context, destination string, path ObjectPath, iface, member string, bodySig string, args []interface{}, out ...interface{}) error {
	return c.call(ctx, c.callTimeout, destination, path, iface, member, bodySig, args, out...)
}

func (c *Connection) call(ctx context.Context, timeout time.Duration, destination string, path ObjectPath, iface, member string, bodySig string, args []interface{}, out ...interface{}) error {
	replyCh, serial, err := c.send(KindMethodCall, 0, destination, path, iface, member, "", 0, bodySig, args, true)
	if err != nil {
		return err
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return c.closeErrOrDefault()
		}
		if reply.Kind == KindError {
			return &CallError{Name: reply.ErrorName, Body: reply.Body}
		}
		return scanBody(reply.Body, out)
	case <-timeoutCh:
		c.evictPending(serial)
		return &TimeoutError{Serial: serial}
	case <-ctx.Done():
		c.evictPending(serial)
		return &CancelledError{Serial: serial, Cause: ctx.Err()}
	case <-c.closed:
		return c.closeErrOrDefault()
	}
}

// evictPending removes serial's waiter so a reply arriving after the
// caller has already given up on it is silently dropped rather than
// sent to a channel nobody is still reading from (its buffer of 1
// absorbs exactly one such late arrival either way).
func (c *Connection) evictPending(serial uint32) {
	c.pendingMu.Lock()
	delete(c.pending, serial)
	c.pendingMu.Unlock()
}

// scanBody assigns each element of body into the pointer at the
// matching position of out, the way reply arguments are unpacked.
func scanBody(body []interface{}, out []interface{}) error {
	if len(out) == 0 {
		return nil
	}
	if len(out) > len(body) {
		return &MarshalError{Reason: "reply body has fewer values than requested"}
	}
	for i, dst := range out {
		if err := assign(dst, body[i]); err != nil {
			return err
		}
	}
	return nil
}

func assign(dst, src interface{}) error {
	switch d := dst.(type) {
	case *string:
		v, ok := src.(string)
		if !ok {
			return &MarshalError{Reason: "reply value is not a string"}
		}
		*d = v
	case *ObjectPath:
		v, ok := src.(ObjectPath)
		if !ok {
			return &MarshalError{Reason: "reply value is not an object path"}
		}
		*d = v
	case *Signature:
		v, ok := src.(Signature)
		if !ok {
			return &MarshalError{Reason: "reply value is not a signature"}
		}
		*d = v
	case *bool:
		v, ok := src.(bool)
		if !ok {
			return &MarshalError{Reason: "reply value is not a bool"}
		}
		*d = v
	case *uint32:
		v, err := toUint64(src)
		if err != nil {
			return err
		}
		*d = uint32(v)
	case *int32:
		v, err := toInt64(src)
		if err != nil {
			return err
		}
		*d = int32(v)
	case *uint64:
		v, err := toUint64(src)
		if err != nil {
			return err
		}
		*d = v
	case *int64:
		v, err := toInt64(src)
		if err != nil {
			return err
		}
		*d = v
	case *float64:
		v, ok := toFloat64(src)
		if !ok {
			return &MarshalError{Reason: "reply value is not a number"}
		}
		*d = v
	case *[]string:
		seq, err := asAnySequence(src)
		if err != nil {
			return err
		}
		out := make([]string, len(seq))
		for i, e := range seq {
			s, ok := e.(string)
			if !ok {
				return &MarshalError{Reason: "reply array element is not a string"}
			}
			out[i] = s
		}
		*d = out
	case *interface{}:
		*d = src
	default:
		return &MarshalError{Reason: fmt.Sprintf("unsupported reply destination type %T", dst)}
	}
	return nil
}

// addMatch asks the bus daemon to start routing signals matching rule
// to this connection.
func (c *Connection) addMatch(rule string) error {
	return c.Call(context.Background(), busDaemonName, busDaemonPath, busDaemonName, "AddMatch", "s", []interface{}{rule})
}

// removeMatch undoes a prior addMatch.
func (c *Connection) removeMatch(rule string) error {
	return c.Call(context.Background(), busDaemonName, busDaemonPath, busDaemonName, "RemoveMatch", "s", []interface{}{rule})
}

// dispatchLoop is the connection's single reader goroutine: it reads
// raw fragments off the socket, feeds them through the reassembler,
// decodes each complete message, and routes it to a pending call's
// waiter or to matching signal watches (spec.md §4.4/§5). A malformed
// message is a protocol error and tears down the connection, per
// spec.md §7.
func (c *Connection) dispatchLoop(bufSize int) {
	re := &reassembler{}
	br := bufio.NewReaderSize(c.conn, bufSize)
	frag := make([]byte, bufSize)

	for {
		n, err := br.Read(frag)
		if n > 0 {
			messages, rerr := re.feed(frag[:n])
			for _, raw := range messages {
				msg, derr := decodeMessage(raw)
				if derr != nil {
					c.teardown(derr)
					return
				}
				c.dispatch(msg)
			}
			if rerr != nil {
				c.teardown(rerr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.teardown(&TransportError{Reason: "connection closed by peer"})
			} else {
				c.teardown(&TransportError{Reason: "read failed", Cause: err})
			}
			return
		}
	}
}

func (c *Connection) dispatch(msg *Message) {
	switch msg.Kind {
	case KindMethodReturn, KindError:
		c.pendingMu.Lock()
		call, ok := c.pending[msg.ReplySerial]
		if ok {
			delete(c.pending, msg.ReplySerial)
		}
		c.pendingMu.Unlock()
		if !ok {
			c.logEntry().WithField("reply_serial", msg.ReplySerial).Debug("dbus: dropping reply with no matching waiter")
			return
		}
		call.replyCh <- msg
	case KindSignal:
		// Held across delivery, not just the snapshot: Cancel takes the
		// same lock around its remove-then-close, so a watch can never
		// be closed while a send to it is in flight (signal.go).
		c.signalMu.Lock()
		watches := c.signalWatches.findMatches(msg)
		for _, w := range watches {
			w.C <- msg
		}
		c.signalMu.Unlock()
	case KindMethodCall:
		c.logEntry().WithFields(logrus.Fields{"interface": msg.Interface, "member": msg.Member}).Debug("dbus: ignoring inbound method call (no server-side dispatch)")
	}
}

// Close shuts down the socket and completes every pending call with a
// "connection closed" error (spec.md §5). It is safe to call more
// than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = &TransportError{Reason: "connection closed"}
		close(c.closed)
		c.conn.Close()

		c.pendingMu.Lock()
		pending := c.pending
		c.pending = make(map[uint32]*pendingCall)
		c.pendingMu.Unlock()
		for _, call := range pending {
			close(call.replyCh)
		}

		c.signalMu.Lock()
		for _, byInterface := range c.signalWatches {
			for _, byMember := range byInterface {
				for _, watches := range byMember {
					for _, w := range watches {
						close(w.C)
					}
				}
			}
		}
		c.signalWatches = make(signalWatchSet)
		c.signalMu.Unlock()
	})
	return nil
}

// teardown is invoked from the reader goroutine on any unrecoverable
// read/protocol error: it logs the cause and closes the connection.
func (c *Connection) teardown(cause error) {
	c.logEntry().WithError(cause).Warn("dbus: connection torn down")
	c.closeOnce.Do(func() {
		c.closeErr = cause
		close(c.closed)
		c.conn.Close()

		c.pendingMu.Lock()
		pending := c.pending
		c.pending = make(map[uint32]*pendingCall)
		c.pendingMu.Unlock()
		for _, call := range pending {
			close(call.replyCh)
		}
	})
}

func (c *Connection) closeErrOrDefault() error {
	if c.closeErr != nil {
		return c.closeErr
	}
	return &TransportError{Reason: "connection closed"}
}
