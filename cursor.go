package dbus

import (
	"encoding/binary"
	"math"
)

// writeCursor is a position-tracked view over a growable byte buffer.
// It offers aligned writes of fixed-width scalars, length-prefixed
// strings, variable-width signatures, and explicit padding, matching
// the D-Bus marshalling rules in full.
//
// All scalar writes are little-endian: this core only ever emits
// little-endian messages (spec.md §1).
type writeCursor struct {
	buf []byte
}

func newWriteCursor(capHint int) *writeCursor {
	return &writeCursor{buf: make([]byte, 0, capHint)}
}

// position returns the current write offset.
func (w *writeCursor) position() int { return len(w.buf) }

// bytes returns the buffer written so far. The slice aliases the
// cursor's internal storage and is only valid until the next write.
func (w *writeCursor) bytes() []byte { return w.buf }

// pad advances the position to the next multiple of a, writing zeros
// into the skipped bytes. a must be one of 1, 2, 4, 8.
func (w *writeCursor) pad(a int) {
	for len(w.buf)%a != 0 {
		w.buf = append(w.buf, 0)
	}
}

func (w *writeCursor) putBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *writeCursor) putU8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writeCursor) putBool(v bool) {
	w.pad(4)
	var u uint32
	if v {
		u = 1
	}
	w.putU32(u)
}

func (w *writeCursor) putU16(v uint16) {
	w.pad(2)
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *writeCursor) putI16(v int16) {
	w.putU16(uint16(v))
}

func (w *writeCursor) putU32(v uint32) {
	w.pad(4)
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *writeCursor) putI32(v int32) {
	w.putU32(uint32(v))
}

func (w *writeCursor) putU64(v uint64) {
	w.pad(8)
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *writeCursor) putI64(v int64) {
	w.putU64(uint64(v))
}

func (w *writeCursor) putF64(v float64) {
	w.putU64(math.Float64bits(v))
}

// putString writes a D-Bus STRING or OBJECT_PATH: 4-byte-aligned
// uint32 byte length (excluding the trailing NUL), the UTF-8 bytes,
// then one NUL byte.
func (w *writeCursor) putString(s string) {
	w.pad(4)
	w.putU32(uint32(len(s)))
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

// putSignature writes a D-Bus SIGNATURE: a uint8 length, the bytes,
// then a NUL. No prior alignment — signatures are alignment 1.
func (w *writeCursor) putSignature(s string) {
	w.buf = append(w.buf, byte(len(s)))
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

// reserveU32 records the current position, writes a zero placeholder,
// and returns a handle that can later back-patch the real value. The
// handle is an offset, not a pointer, so it stays valid across any
// number of subsequent appends (the buffer may reallocate, but
// buf[off:off+4] always addresses the same logical bytes).
func (w *writeCursor) reserveU32() uint32LenPatch {
	w.pad(4)
	off := len(w.buf)
	w.buf = append(w.buf, 0, 0, 0, 0)
	return uint32LenPatch{off: off}
}

type uint32LenPatch struct{ off int }

// patch back-fills the reserved slot with the length computed from
// elementsStart to the cursor's current position.
func (p uint32LenPatch) patch(w *writeCursor, elementsStart int) {
	length := uint32(w.position() - elementsStart)
	binary.LittleEndian.PutUint32(w.buf[p.off:p.off+4], length)
}

// patchAt rewrites a uint32 at an arbitrary already-written offset,
// used for the two header slots (body length, header-fields length)
// whose final position is known ahead of time.
func (w *writeCursor) patchAt(off int, v uint32) {
	binary.LittleEndian.PutUint32(w.buf[off:off+4], v)
}

// readCursor mirrors writeCursor for parsing: get* methods read at the
// cursor's current position and advance it, honoring the byte order carried by the
// enclosing message's endianness flag (byte 0: 'l' little, 'B' big).
type readCursor struct {
	buf   []byte
	pos   int
	order binary.ByteOrder
}

func newReadCursor(buf []byte, order binary.ByteOrder) *readCursor {
	return &readCursor{buf: buf, order: order}
}

func (r *readCursor) position() int        { return r.pos }
func (r *readCursor) seek(p int)           { r.pos = p }
func (r *readCursor) remaining() int       { return len(r.buf) - r.pos }
func (r *readCursor) atEnd() bool          { return r.pos >= len(r.buf) }

func (r *readCursor) pad(a int) {
	for r.pos%a != 0 {
		r.pos++
	}
}

func (r *readCursor) need(n int) error {
	if r.pos+n > len(r.buf) {
		return &ProtocolError{Reason: "truncated message: need more bytes than remain"}
	}
	return nil
}

func (r *readCursor) getU8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *readCursor) getBool() (bool, error) {
	v, err := r.getU32()
	if err != nil {
		return false, err
	}
	if v != 0 && v != 1 {
		return false, &MarshalError{Reason: "boolean value out of range"}
	}
	return v == 1, nil
}

func (r *readCursor) getU16() (uint16, error) {
	r.pad(2)
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := r.order.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *readCursor) getI16() (int16, error) {
	v, err := r.getU16()
	return int16(v), err
}

func (r *readCursor) getU32() (uint32, error) {
	r.pad(4)
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := r.order.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *readCursor) getI32() (int32, error) {
	v, err := r.getU32()
	return int32(v), err
}

func (r *readCursor) getU64() (uint64, error) {
	r.pad(8)
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := r.order.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *readCursor) getI64() (int64, error) {
	v, err := r.getU64()
	return int64(v), err
}

func (r *readCursor) getF64() (float64, error) {
	v, err := r.getU64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

func (r *readCursor) getString() (string, error) {
	n, err := r.getU32()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n) + 1); err != nil {
		return "", err
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n) + 1 // skip trailing NUL
	return s, nil
}

func (r *readCursor) getSignature() (string, error) {
	n, err := r.getU8()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n) + 1); err != nil {
		return "", err
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n) + 1
	return s, nil
}
