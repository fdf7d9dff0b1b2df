package dbus

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func marshalOne(t *testing.T, sig string, v interface{}) []byte {
	t.Helper()
	cs, err := parseSignature(sig)
	if err != nil {
		t.Fatalf("parseSignature(%q): %v", sig, err)
	}
	w := newWriteCursor(64)
	if err := cs[0].marshal(w, v); err != nil {
		t.Fatalf("marshal(%q, %v): %v", sig, v, err)
	}
	return w.bytes()
}

func unmarshalOne(t *testing.T, sig string, buf []byte) interface{} {
	t.Helper()
	cs, err := parseSignature(sig)
	if err != nil {
		t.Fatalf("parseSignature(%q): %v", sig, err)
	}
	r := newReadCursor(buf, binary.LittleEndian)
	v, err := cs[0].unmarshal(r)
	if err != nil {
		t.Fatalf("unmarshal(%q): %v", sig, err)
	}
	return v
}

func TestArrayCodecRoundTrip(t *testing.T) {
	buf := marshalOne(t, "au", []interface{}{uint32(1), uint32(2), uint32(3)})
	got := unmarshalOne(t, "au", buf)

	want := []interface{}{uint32(1), uint32(2), uint32(3)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("array round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestArrayCodecEmpty(t *testing.T) {
	buf := marshalOne(t, "as", []interface{}{})
	// length (0) + no alignment padding needed for 's' past the
	// 4-byte length field.
	if binary.LittleEndian.Uint32(buf[:4]) != 0 {
		t.Fatalf("expected zero length for empty array")
	}
	got := unmarshalOne(t, "as", buf)
	seq, ok := got.([]interface{})
	if !ok || len(seq) != 0 {
		t.Fatalf("got %v, want empty sequence", got)
	}
}

func TestStructCodecRoundTrip(t *testing.T) {
	buf := marshalOne(t, "(si)", []interface{}{"hi", int32(-7)})
	got := unmarshalOne(t, "(si)", buf)

	want := []interface{}{"hi", int32(-7)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("struct round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestStructCodecPadsTo8(t *testing.T) {
	w := newWriteCursor(16)
	w.putU8(1) // misalign position to 1
	cs, err := parseSignature("(i)")
	if err != nil {
		t.Fatalf("parseSignature: %v", err)
	}
	if err := cs[0].marshal(w, []interface{}{int32(5)}); err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// struct must start at offset 8.
	if binary.LittleEndian.Uint32(w.bytes()[8:12]) != 5 {
		t.Errorf("struct field not written at 8-byte aligned offset")
	}
}

func TestArrayOfStructRoundTrip(t *testing.T) {
	buf := marshalOne(t, "a(si)", []interface{}{
		[]interface{}{"a", int32(1)},
		[]interface{}{"b", int32(2)},
	})
	got := unmarshalOne(t, "a(si)", buf)
	want := []interface{}{
		[]interface{}{"a", int32(1)},
		[]interface{}{"b", int32(2)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("array-of-struct round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestPrimitiveCodecRangeCheck(t *testing.T) {
	cs, err := parseSignature("y")
	if err != nil {
		t.Fatalf("parseSignature: %v", err)
	}
	w := newWriteCursor(8)
	if err := cs[0].marshal(w, 300); err == nil {
		t.Fatal("expected MarshalError for byte value out of range")
	}
}

func TestStringCodecRejectsNonUTF8(t *testing.T) {
	cs, err := parseSignature("s")
	if err != nil {
		t.Fatalf("parseSignature: %v", err)
	}
	w := newWriteCursor(8)
	if err := cs[0].marshal(w, string([]byte{0xff, 0xfe})); err == nil {
		t.Fatal("expected MarshalError for non-UTF-8 string")
	}
}

func TestObjectPathAndSignatureCodecs(t *testing.T) {
	buf := marshalOne(t, "o", ObjectPath("/a/b"))
	got := unmarshalOne(t, "o", buf)
	if got != ObjectPath("/a/b") {
		t.Errorf("got %v, want /a/b", got)
	}

	buf = marshalOne(t, "g", Signature("ai"))
	got = unmarshalOne(t, "g", buf)
	if got != Signature("ai") {
		t.Errorf("got %v, want ai", got)
	}
}
