package dbus

// Header field ids, spec.md §3 table. Each id is paired with a fixed
// basic type by the wire format; setHeader rejects an unknown id and
// always records a known id with its own type, so a value that type
// cannot marshal fails when build runs (spec.md §4.3).
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrorName   = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
)

// headerFieldCodec returns the single-character basic-type signature
// required for a given header field id, and whether that id is known
// at all. An id outside this set that nonetheless appears on the wire
// is not rejected: decodeMessage decodes its value and skips it, and
// the value is not kept on the Message.
func headerFieldCodec(id uint8) (byte, bool) {
	switch id {
	case fieldPath:
		return 'o', true
	case fieldInterface, fieldMember, fieldErrorName, fieldDestination, fieldSender:
		return 's', true
	case fieldReplySerial:
		return 'u', true
	case fieldSignature:
		return 'g', true
	}
	return 0, false
}

// basicCodecFor returns the codec for a single basic-type signature
// character, used to marshal/unmarshal header field values (which are
// always one basic type, never containers).
func basicCodecFor(sig byte) (codec, error) {
	if pc, ok := newPrimitiveCodec(sig); ok {
		return pc, nil
	}
	switch sig {
	case 's':
		return &stringCodec{kindString}, nil
	case 'o':
		return &stringCodec{kindObjectPath}, nil
	case 'g':
		return &stringCodec{kindSignature}, nil
	}
	return nil, &ProtocolError{Reason: "unknown header field basic type code"}
}
