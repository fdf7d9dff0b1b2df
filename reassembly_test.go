package dbus

import "testing"

func buildPingMessage(t *testing.T) []byte {
	t.Helper()
	b := newMessageBuilder(KindMethodCall, FlagNoReplyExpected)
	if err := b.setMember("Ping"); err != nil {
		t.Fatalf("setMember: %v", err)
	}
	buf, err := b.build("", nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return buf
}

func TestReassemblerSingleCompleteMessage(t *testing.T) {
	msg := buildPingMessage(t)
	re := &reassembler{}
	out, err := re.feed(msg)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(out) != 1 || len(out[0]) != len(msg) {
		t.Fatalf("got %d messages, want 1 of length %d", len(out), len(msg))
	}
}

func TestReassemblerSplitAcrossReads(t *testing.T) {
	msg := buildPingMessage(t)
	re := &reassembler{}

	out, err := re.feed(msg[:10])
	if err != nil {
		t.Fatalf("feed first fragment: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("got %d messages from a partial header, want 0", len(out))
	}

	out, err = re.feed(msg[10:])
	if err != nil {
		t.Fatalf("feed remainder: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d messages after remainder, want 1", len(out))
	}
}

func TestReassemblerCoalescedMessages(t *testing.T) {
	msg := buildPingMessage(t)
	both := append(append([]byte{}, msg...), msg...)

	re := &reassembler{}
	out, err := re.feed(both)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d messages, want 2", len(out))
	}
}

func TestReassemblerByteAtATime(t *testing.T) {
	msg := buildPingMessage(t)
	re := &reassembler{}

	var total [][]byte
	for i := range msg {
		out, err := re.feed(msg[i : i+1])
		if err != nil {
			t.Fatalf("feed byte %d: %v", i, err)
		}
		total = append(total, out...)
	}
	if len(total) != 1 || len(total[0]) != len(msg) {
		t.Fatalf("got %d messages, want 1 full message", len(total))
	}
}

func TestReassemblerMalformedLength(t *testing.T) {
	buf := make([]byte, 16)
	buf[0] = 'l'
	buf[1] = byte(KindMethodCall)
	buf[3] = protocolVersion
	// bodyLen at [4:8] huge, header-fields len 0.
	buf[4], buf[5], buf[6], buf[7] = 0xff, 0xff, 0xff, 0xff

	re := &reassembler{}
	_, err := re.feed(buf)
	if err != nil {
		t.Fatalf("feed should not error solely from a large declared length: %v", err)
	}
}
