package dbus

import (
	"context"
	"net"
	"testing"
	"time"
)

// newTestConnection wires up a Connection directly around one end of a
// net.Pipe, skipping Connect's dial/handshake steps so tests can drive
// the wire protocol precisely from the other end.
func newTestConnection(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	c := &Connection{
		conn:          client,
		log:           discardLogger(),
		serial:        1,
		pending:       make(map[uint32]*pendingCall),
		signalWatches: make(signalWatchSet),
		closed:        make(chan struct{}),
	}
	go c.dispatchLoop(DefaultReadBufferSize)
	t.Cleanup(func() { server.Close() })
	return c, server
}

// readOneMessage reads exactly one framed message off conn, decoding
// it for inspection by the fake-server goroutines below.
func readOneMessage(t *testing.T, conn net.Conn) *Message {
	t.Helper()
	header := make([]byte, 16)
	if _, err := readFull(conn, header); err != nil {
		t.Fatalf("reading fixed header: %v", err)
	}
	n, err := messageLen(header)
	if err != nil {
		t.Fatalf("messageLen: %v", err)
	}
	full := make([]byte, n)
	copy(full, header)
	if _, err := readFull(conn, full[16:]); err != nil {
		t.Fatalf("reading message remainder: %v", err)
	}
	msg, err := decodeMessage(full)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	return msg
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestConnectionCallRoundTrip(t *testing.T) {
	c, server := newTestConnection(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		call := readOneMessage(t, server)
		if call.Member != "Ping" {
			t.Errorf("got member %q, want Ping", call.Member)
		}

		b := newMessageBuilder(KindMethodReturn, 0)
		if err := b.setReplySerial(call.Serial); err != nil {
			t.Errorf("setReplySerial: %v", err)
			return
		}
		buf, err := b.build("s", []interface{}{"pong"})
		if err != nil {
			t.Errorf("build reply: %v", err)
			return
		}
		patchSerial(buf, 99)
		if _, err := server.Write(buf); err != nil {
			t.Errorf("writing reply: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var reply string
	if err := c.Call(ctx, "org.example.Dest", "/obj", "org.example.I", "Ping", "", nil, &reply); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if reply != "pong" {
		t.Errorf("reply = %q, want pong", reply)
	}
	<-done
}

func TestConnectionCallErrorReply(t *testing.T) {
	c, server := newTestConnection(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		call := readOneMessage(t, server)

		b := newMessageBuilder(KindError, 0)
		if err := b.setReplySerial(call.Serial); err != nil {
			t.Errorf("setReplySerial: %v", err)
			return
		}
		if err := b.setErrorName("org.example.Failed"); err != nil {
			t.Errorf("setErrorName: %v", err)
			return
		}
		buf, err := b.build("", nil)
		if err != nil {
			t.Errorf("build: %v", err)
			return
		}
		patchSerial(buf, 99)
		if _, err := server.Write(buf); err != nil {
			t.Errorf("writing reply: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := c.Call(ctx, "org.example.Dest", "/obj", "org.example.I", "Fail", "", nil)
	<-done
	if err == nil {
		t.Fatal("expected an error reply to surface as an error")
	}
	callErr, ok := err.(*CallError)
	if !ok {
		t.Fatalf("got %T, want *CallError", err)
	}
	if callErr.Name != "org.example.Failed" {
		t.Errorf("CallError.Name = %q, want org.example.Failed", callErr.Name)
	}
}

func TestConnectionCallTimeout(t *testing.T) {
	c, server := newTestConnection(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		readOneMessage(t, server) // never replies
	}()

	err := c.call(context.Background(), 30*time.Millisecond, "org.example.Dest", "/obj", "org.example.I", "Slow", "", nil)
	<-done
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if _, ok := err.(*TimeoutError); !ok {
		t.Fatalf("got %T, want *TimeoutError", err)
	}
}

func TestConnectionSignalDispatch(t *testing.T) {
	c, server := newTestConnection(t)

	watch := &SignalWatch{bus: c, rule: &MatchRule{Interface: "org.example.I", Member: "Tick"}, C: make(chan *Message, 1)}
	c.signalMu.Lock()
	c.signalWatches.add(watch)
	c.signalMu.Unlock()

	b := newMessageBuilder(KindSignal, 0)
	if err := b.setInterface("org.example.I"); err != nil {
		t.Fatalf("setInterface: %v", err)
	}
	if err := b.setMember("Tick"); err != nil {
		t.Fatalf("setMember: %v", err)
	}
	if err := b.setPath("/obj"); err != nil {
		t.Fatalf("setPath: %v", err)
	}
	buf, err := b.build("", nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	go func() {
		if _, err := server.Write(buf); err != nil {
			t.Errorf("writing signal: %v", err)
		}
	}()

	select {
	case msg := <-watch.C:
		if msg.Member != "Tick" {
			t.Errorf("got member %q, want Tick", msg.Member)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal delivery")
	}
}

func TestConnectionCloseEvictsPendingCalls(t *testing.T) {
	c, server := newTestConnection(t)
	go readOneMessage(t, server)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.call(context.Background(), 0, "org.example.Dest", "/obj", "org.example.I", "Hang", "", nil)
	}()

	time.Sleep(20 * time.Millisecond)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected pending call to fail once the connection is closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call never unblocked after Close")
	}
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	c, _ := newTestConnection(t)
	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
