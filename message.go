package dbus

import (
	"encoding/binary"

	"golang.org/x/exp/slices"
)

// MessageKind is the message type byte at header offset 1.
type MessageKind uint8

const (
	KindInvalid MessageKind = iota
	KindMethodCall
	KindMethodReturn
	KindError
	KindSignal
)

var messageKindString = map[MessageKind]string{
	KindInvalid:      "invalid",
	KindMethodCall:   "method_call",
	KindMethodReturn: "method_return",
	KindError:        "error",
	KindSignal:       "signal",
}

func (k MessageKind) String() string { return messageKindString[k] }

// MessageFlags is the bitwise-OR'd flags byte at header offset 2.
type MessageFlags uint8

const (
	FlagNoReplyExpected MessageFlags = 1 << iota
	FlagNoAutoStart
)

const protocolVersion = 1

// Message is the in-memory representation of one unit on the wire:
// kind, flags, protocol version, endianness, serial, the present
// header fields, and a decoded body (spec.md §3).
type Message struct {
	Order    byte // 'l' or 'B', as read off the wire; always 'l' when built locally
	Kind     MessageKind
	Flags    MessageFlags
	Protocol uint8
	Serial   uint32

	Path        ObjectPath
	Interface   string
	Member      string
	ErrorName   string
	ReplySerial uint32
	Destination string
	Sender      string
	Sig         string

	Body []interface{}
}

// messageBuilder lays down a message per spec.md §4.3: fixed 16-byte
// header, a variable header-fields array, required 8-byte alignment,
// body, then the two length fields are back-patched.
type messageBuilder struct {
	cursor  *writeCursor
	headers map[uint8]Variant
}

// newMessageBuilder begins a message: the fixed prefix (endianness
// 'l', kind, flags, version) plus zero placeholders for body length,
// serial, and header-fields length.
func newMessageBuilder(kind MessageKind, flags MessageFlags) *messageBuilder {
	c := newWriteCursor(64)
	c.putU8('l')
	c.putU8(byte(kind))
	c.putU8(byte(flags))
	c.putU8(protocolVersion)
	c.putU32(0) // body length placeholder, offset 4
	c.putU32(0) // serial placeholder, offset 8
	c.putU32(0) // header-fields length placeholder, offset 12
	return &messageBuilder{cursor: c, headers: map[uint8]Variant{}}
}

// setHeader records a header entry as a Variant: the header fields
// array is the one place on the wire a type-erased value paired with
// its own signature actually appears (spec.md §3 table; every field
// id has a fixed, single-basic-type signature, known from
// headerFieldCodec). Allowed (id, type) pairings are fixed by spec.md
// §3: 1 -> object path, 2/3/4/6/7 -> string, 5 -> uint32, 8 -> signature.
func (b *messageBuilder) setHeader(id uint8, value interface{}) error {
	sigChar, ok := headerFieldCodec(id)
	if !ok {
		return &MarshalError{Reason: "unknown header field id"}
	}
	b.headers[id] = Variant{Sig: Signature(string(sigChar)), Value: value}
	return nil
}

func (b *messageBuilder) setPath(p ObjectPath) error   { return b.setHeader(fieldPath, p) }
func (b *messageBuilder) setInterface(s string) error  { return b.setHeader(fieldInterface, s) }
func (b *messageBuilder) setMember(s string) error     { return b.setHeader(fieldMember, s) }
func (b *messageBuilder) setErrorName(s string) error  { return b.setHeader(fieldErrorName, s) }
func (b *messageBuilder) setReplySerial(s uint32) error { return b.setHeader(fieldReplySerial, s) }
func (b *messageBuilder) setDestination(s string) error { return b.setHeader(fieldDestination, s) }
func (b *messageBuilder) setSender(s string) error      { return b.setHeader(fieldSender, s) }

// build marshals the header-fields array and the body, and back-patches
// the two length fields, per spec.md §4.3.
func (b *messageBuilder) build(bodySig string, bodyValues []interface{}) ([]byte, error) {
	var bodyCodecs []codec
	if bodySig != "" {
		var err error
		bodyCodecs, err = compileSignature(bodySig)
		if err != nil {
			return nil, err
		}
		if _, has := b.headers[fieldSignature]; !has {
			if err := b.setHeader(fieldSignature, Signature(bodySig)); err != nil {
				return nil, err
			}
		}
	}

	ids := make([]uint8, 0, len(b.headers))
	for id := range b.headers {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		entry := b.headers[id]
		sigChar := entry.Sig[0]
		valueCodec, err := basicCodecFor(sigChar)
		if err != nil {
			return nil, err
		}
		b.cursor.pad(8)
		b.cursor.putU8(id)
		b.cursor.putSignature(string(sigChar))
		if err := valueCodec.marshal(b.cursor, entry.Value); err != nil {
			return nil, err
		}
	}

	headerFieldsLen := uint32(b.cursor.position() - 16)
	b.cursor.patchAt(12, headerFieldsLen)

	b.cursor.pad(8)
	bodyStart := b.cursor.position()
	for i, v := range bodyValues {
		if err := bodyCodecs[i].marshal(b.cursor, v); err != nil {
			return nil, err
		}
	}
	bodyLen := uint32(b.cursor.position() - bodyStart)
	b.cursor.patchAt(4, bodyLen)

	return b.cursor.bytes(), nil
}

// byteOrderOf maps the endianness flag byte to a binary.ByteOrder,
// per spec.md §4.1: 'l' = 0x6c little-endian, 'B' = 0x42 big-endian.
func byteOrderOf(flag byte) (binary.ByteOrder, error) {
	switch flag {
	case 'l':
		return binary.LittleEndian, nil
	case 'B':
		return binary.BigEndian, nil
	default:
		return nil, &ProtocolError{Reason: "unknown message endianness byte"}
	}
}

// decodeMessage parses exactly one complete message out of buf
// (the caller, typically the reassembly loop, guarantees buf holds
// precisely message_len bytes — spec.md §4.3 Reader).
func decodeMessage(buf []byte) (*Message, error) {
	if len(buf) < 16 {
		return nil, &ProtocolError{Reason: "message shorter than fixed header"}
	}
	order, err := byteOrderOf(buf[0])
	if err != nil {
		return nil, err
	}
	kind := MessageKind(buf[1])
	if kind == KindInvalid || kind > KindSignal {
		return nil, &ProtocolError{Reason: "unknown message kind"}
	}
	version := buf[3]
	if version != protocolVersion {
		return nil, &ProtocolError{Reason: "unsupported protocol version"}
	}

	r := newReadCursor(buf, order)
	r.seek(4)
	bodyLen, err := r.getU32()
	if err != nil {
		return nil, err
	}
	serial, err := r.getU32()
	if err != nil {
		return nil, err
	}
	fieldsLen, err := r.getU32()
	if err != nil {
		return nil, err
	}
	if int(16+fieldsLen) > len(buf) {
		return nil, &ProtocolError{Reason: "header-fields length overflows message"}
	}

	msg := &Message{
		Order:    buf[0],
		Kind:     kind,
		Flags:    MessageFlags(buf[2]),
		Protocol: version,
		Serial:   serial,
	}

	fieldsEnd := 16 + int(fieldsLen)
	for r.position() < fieldsEnd {
		r.pad(8)
		if r.position() >= fieldsEnd {
			break
		}
		id, err := r.getU8()
		if err != nil {
			return nil, err
		}
		sig, err := r.getSignature()
		if err != nil {
			return nil, err
		}
		if len(sig) != 1 {
			return nil, &ProtocolError{Reason: "header field variant signature must be a single basic type"}
		}
		valueCodec, err := basicCodecFor(sig[0])
		if err != nil {
			return nil, err
		}
		v, err := valueCodec.unmarshal(r)
		if err != nil {
			return nil, err
		}
		switch id {
		case fieldPath:
			msg.Path, _ = v.(ObjectPath)
		case fieldInterface:
			msg.Interface, _ = v.(string)
		case fieldMember:
			msg.Member, _ = v.(string)
		case fieldErrorName:
			msg.ErrorName, _ = v.(string)
		case fieldReplySerial:
			msg.ReplySerial, _ = v.(uint32)
		case fieldDestination:
			msg.Destination, _ = v.(string)
		case fieldSender:
			msg.Sender, _ = v.(string)
		case fieldSignature:
			if s, ok := v.(Signature); ok {
				msg.Sig = string(s)
			}
		}
	}

	bodyStart := roundUp(16+int(fieldsLen), 8)
	if bodyStart+int(bodyLen) > len(buf) {
		return nil, &ProtocolError{Reason: "body length overflows message"}
	}
	if bodyLen > 0 {
		if msg.Sig == "" {
			return nil, &ProtocolError{Reason: "non-empty body with no SIGNATURE header field"}
		}
		bodyCodecs, err := compileSignature(msg.Sig)
		if err != nil {
			return nil, err
		}
		br := newReadCursor(buf[:bodyStart+int(bodyLen)], order)
		br.seek(bodyStart)
		body := make([]interface{}, len(bodyCodecs))
		for i, c := range bodyCodecs {
			v, err := c.unmarshal(br)
			if err != nil {
				return nil, err
			}
			body[i] = v
		}
		msg.Body = body
	}

	return msg, nil
}

// roundUp returns n rounded up to the next multiple of a.
func roundUp(n, a int) int {
	if n%a == 0 {
		return n
	}
	return n + (a - n%a)
}

// messageLen computes the total byte length of the message starting
// at buf, per spec.md §4.4's reassembly formula, without requiring
// the full message to be present. buf must contain at least the
// fixed 16-byte header.
func messageLen(buf []byte) (int, error) {
	if len(buf) < 16 {
		return 0, errShortHeader
	}
	order, err := byteOrderOf(buf[0])
	if err != nil {
		return 0, err
	}
	bodyLen := order.Uint32(buf[4:8])
	fieldsLen := order.Uint32(buf[12:16])
	return roundUp(16+int(fieldsLen), 8) + int(bodyLen), nil
}

var errShortHeader = &ProtocolError{Reason: "fewer than 16 bytes available"}
