package dbus

import (
	"testing"
)

func TestMessageBuilderRoundTrip(t *testing.T) {
	b := newMessageBuilder(KindMethodCall, 0)
	if err := b.setPath("/org/example/Foo"); err != nil {
		t.Fatalf("setPath: %v", err)
	}
	if err := b.setInterface("org.example.Foo"); err != nil {
		t.Fatalf("setInterface: %v", err)
	}
	if err := b.setMember("Bar"); err != nil {
		t.Fatalf("setMember: %v", err)
	}
	if err := b.setDestination("org.example.Service"); err != nil {
		t.Fatalf("setDestination: %v", err)
	}

	buf, err := b.build("si", []interface{}{"hello", int32(42)})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	msg, err := decodeMessage(buf)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if msg.Kind != KindMethodCall {
		t.Errorf("Kind = %v, want method_call", msg.Kind)
	}
	if msg.Path != "/org/example/Foo" {
		t.Errorf("Path = %q", msg.Path)
	}
	if msg.Interface != "org.example.Foo" {
		t.Errorf("Interface = %q", msg.Interface)
	}
	if msg.Member != "Bar" {
		t.Errorf("Member = %q", msg.Member)
	}
	if msg.Destination != "org.example.Service" {
		t.Errorf("Destination = %q", msg.Destination)
	}
	if msg.Sig != "si" {
		t.Errorf("Sig = %q, want \"si\"", msg.Sig)
	}
	if len(msg.Body) != 2 || msg.Body[0] != "hello" || msg.Body[1] != int32(42) {
		t.Errorf("Body = %v", msg.Body)
	}
}

func TestMessageBuilderNoBody(t *testing.T) {
	b := newMessageBuilder(KindMethodCall, FlagNoReplyExpected)
	if err := b.setMember("Ping"); err != nil {
		t.Fatalf("setMember: %v", err)
	}
	buf, err := b.build("", nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	msg, err := decodeMessage(buf)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if msg.Flags&FlagNoReplyExpected == 0 {
		t.Errorf("Flags = %v, want FlagNoReplyExpected set", msg.Flags)
	}
	if len(msg.Body) != 0 {
		t.Errorf("Body = %v, want empty", msg.Body)
	}
}

func TestMessageLenMatchesBuiltLength(t *testing.T) {
	b := newMessageBuilder(KindSignal, 0)
	if err := b.setPath("/a"); err != nil {
		t.Fatalf("setPath: %v", err)
	}
	if err := b.setInterface("a.b"); err != nil {
		t.Fatalf("setInterface: %v", err)
	}
	if err := b.setMember("C"); err != nil {
		t.Fatalf("setMember: %v", err)
	}
	buf, err := b.build("u", []interface{}{uint32(9)})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	n, err := messageLen(buf)
	if err != nil {
		t.Fatalf("messageLen: %v", err)
	}
	if n != len(buf) {
		t.Errorf("messageLen = %d, want %d", n, len(buf))
	}
}

func TestDecodeMessageShortHeader(t *testing.T) {
	if _, err := decodeMessage([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected ProtocolError for short header")
	}
}

func TestDecodeMessageUnknownEndianness(t *testing.T) {
	buf := make([]byte, 16)
	buf[0] = 'x'
	if _, err := decodeMessage(buf); err == nil {
		t.Fatal("expected ProtocolError for unknown endianness byte")
	}
}

func TestDecodeMessageBadVersion(t *testing.T) {
	b := newMessageBuilder(KindMethodCall, 0)
	buf, err := b.build("", nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	buf[3] = 99
	if _, err := decodeMessage(buf); err == nil {
		t.Fatal("expected ProtocolError for unsupported protocol version")
	}
}

func TestReplySerialHeader(t *testing.T) {
	b := newMessageBuilder(KindMethodReturn, 0)
	if err := b.setReplySerial(77); err != nil {
		t.Fatalf("setReplySerial: %v", err)
	}
	buf, err := b.build("", nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	msg, err := decodeMessage(buf)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if msg.ReplySerial != 77 {
		t.Errorf("ReplySerial = %d, want 77", msg.ReplySerial)
	}
}

func TestSetHeaderRejectsUnknownId(t *testing.T) {
	b := newMessageBuilder(KindMethodCall, 0)
	if err := b.setHeader(200, "x"); err == nil {
		t.Fatal("expected error for unknown header field id")
	}
}
