package dbus

import (
	"fmt"
	"sync"
	"unicode/utf8"
)

// codec is the compiled form of one complete type in a signature. It
// knows its own alignment, its canonical signature substring, and how
// to size and marshal a value. Codecs are immutable and pure once
// built, so the same codec can be shared across every call that uses
// the same signature (see codecTable below).
type codec interface {
	// alignment is one of 1, 2, 4, 8.
	alignment() int
	// signature returns the canonical D-Bus type string this codec
	// encodes, e.g. "i", "as", "(si)".
	signature() string
	// estimate returns an upper bound on the bytes marshal(v) will
	// write, starting from any alignment. It need not be exact; it
	// only has to cover worst-case padding plus the value.
	estimate(v interface{}) (int, error)
	// marshal writes v to w. w's current position need not already
	// be aligned for this codec; marshal aligns itself.
	marshal(w *writeCursor, v interface{}) error
	// unmarshal reads one value of this codec's type from r.
	unmarshal(r *readCursor) (interface{}, error)
}

// --- primitive codecs -------------------------------------------------

type primitiveKind byte

const (
	kindByte primitiveKind = iota
	kindBool
	kindInt16
	kindUint16
	kindInt32
	kindUint32
	kindInt64
	kindUint64
	kindFloat64
)

type primitiveCodec struct {
	kind primitiveKind
	sig  byte
	w    int
}

func newPrimitiveCodec(sig byte) (*primitiveCodec, bool) {
	switch sig {
	case 'y':
		return &primitiveCodec{kindByte, sig, 1}, true
	case 'b':
		return &primitiveCodec{kindBool, sig, 4}, true
	case 'n':
		return &primitiveCodec{kindInt16, sig, 2}, true
	case 'q':
		return &primitiveCodec{kindUint16, sig, 2}, true
	case 'i':
		return &primitiveCodec{kindInt32, sig, 4}, true
	case 'u':
		return &primitiveCodec{kindUint32, sig, 4}, true
	case 'x':
		return &primitiveCodec{kindInt64, sig, 8}, true
	case 't':
		return &primitiveCodec{kindUint64, sig, 8}, true
	case 'd':
		return &primitiveCodec{kindFloat64, sig, 8}, true
	}
	return nil, false
}

func (c *primitiveCodec) alignment() int      { return c.w }
func (c *primitiveCodec) signature() string   { return string(c.sig) }
func (c *primitiveCodec) estimate(interface{}) (int, error) {
	return 2*c.w - 1, nil
}

func (c *primitiveCodec) marshal(w *writeCursor, v interface{}) error {
	switch c.kind {
	case kindByte:
		n, err := toInt64(v)
		if err != nil || n < 0 || n > 0xff {
			return &MarshalError{Reason: fmt.Sprintf("value %v out of range for BYTE", v), Cause: err}
		}
		w.putU8(uint8(n))
	case kindBool:
		b, ok := v.(bool)
		if !ok {
			return &MarshalError{Reason: fmt.Sprintf("value %v is not a bool", v)}
		}
		w.putBool(b)
	case kindInt16:
		n, err := toInt64(v)
		if err != nil || n < -1<<15 || n > 1<<15-1 {
			return &MarshalError{Reason: fmt.Sprintf("value %v out of range for INT16", v), Cause: err}
		}
		w.putI16(int16(n))
	case kindUint16:
		n, err := toInt64(v)
		if err != nil || n < 0 || n > 0xffff {
			return &MarshalError{Reason: fmt.Sprintf("value %v out of range for UINT16", v), Cause: err}
		}
		w.putU16(uint16(n))
	case kindInt32:
		n, err := toInt64(v)
		if err != nil || n < -1<<31 || n > 1<<31-1 {
			return &MarshalError{Reason: fmt.Sprintf("value %v out of range for INT32", v), Cause: err}
		}
		w.putI32(int32(n))
	case kindUint32:
		n, err := toInt64(v)
		if err != nil || n < 0 || n > 0xffffffff {
			return &MarshalError{Reason: fmt.Sprintf("value %v out of range for UINT32", v), Cause: err}
		}
		w.putU32(uint32(n))
	case kindInt64:
		n, err := toInt64(v)
		if err != nil {
			return &MarshalError{Reason: fmt.Sprintf("value %v is not an integer", v), Cause: err}
		}
		w.putI64(n)
	case kindUint64:
		n, err := toUint64(v)
		if err != nil {
			return &MarshalError{Reason: fmt.Sprintf("value %v is not an unsigned integer", v), Cause: err}
		}
		w.putU64(n)
	case kindFloat64:
		f, ok := toFloat64(v)
		if !ok {
			return &MarshalError{Reason: fmt.Sprintf("value %v is not a number", v)}
		}
		w.putF64(f)
	}
	return nil
}

func (c *primitiveCodec) unmarshal(r *readCursor) (interface{}, error) {
	switch c.kind {
	case kindByte:
		return r.getU8()
	case kindBool:
		return r.getBool()
	case kindInt16:
		return r.getI16()
	case kindUint16:
		return r.getU16()
	case kindInt32:
		return r.getI32()
	case kindUint32:
		return r.getU32()
	case kindInt64:
		return r.getI64()
	case kindUint64:
		return r.getU64()
	case kindFloat64:
		return r.getF64()
	}
	panic("unreachable primitive kind")
}

// --- string-shaped codecs: STRING, OBJECT_PATH, SIGNATURE -----------

type stringKind byte

const (
	kindString stringKind = iota
	kindObjectPath
	kindSignature
)

type stringCodec struct{ kind stringKind }

func (c *stringCodec) alignment() int {
	if c.kind == kindSignature {
		return 1
	}
	return 4
}

func (c *stringCodec) signature() string {
	switch c.kind {
	case kindObjectPath:
		return "o"
	case kindSignature:
		return "g"
	default:
		return "s"
	}
}

func (c *stringCodec) estimate(v interface{}) (int, error) {
	s, err := c.asString(v)
	if err != nil {
		return 0, err
	}
	if c.kind == kindSignature {
		return 2 + len(s), nil
	}
	return 1 + 2*4 - 1 + len(s), nil
}

func (c *stringCodec) asString(v interface{}) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case ObjectPath:
		return string(s), nil
	case Signature:
		return string(s), nil
	default:
		return "", &MarshalError{Reason: fmt.Sprintf("value %v is not a string", v)}
	}
}

func (c *stringCodec) marshal(w *writeCursor, v interface{}) error {
	s, err := c.asString(v)
	if err != nil {
		return err
	}
	if !utf8.ValidString(s) {
		return &MarshalError{Reason: "string is not valid UTF-8"}
	}
	switch c.kind {
	case kindSignature:
		if len(s) > 0xff {
			return &MarshalError{Reason: "signature longer than 255 bytes"}
		}
		w.putSignature(s)
	default:
		if uint64(len(s)) > 0xffffffff {
			return &MarshalError{Reason: "string too long for uint32 length prefix"}
		}
		w.putString(s)
	}
	return nil
}

func (c *stringCodec) unmarshal(r *readCursor) (interface{}, error) {
	switch c.kind {
	case kindSignature:
		s, err := r.getSignature()
		return Signature(s), err
	case kindObjectPath:
		s, err := r.getString()
		return ObjectPath(s), err
	default:
		return r.getString()
	}
}

// --- struct codec -----------------------------------------------------

type structCodec struct {
	fields []codec
	sig    string
}

func newStructCodec(fields []codec) *structCodec {
	sig := "("
	for _, f := range fields {
		sig += f.signature()
	}
	sig += ")"
	return &structCodec{fields: fields, sig: sig}
}

func (c *structCodec) alignment() int    { return 8 }
func (c *structCodec) signature() string { return c.sig }

func (c *structCodec) estimate(v interface{}) (int, error) {
	vals, err := asSequence(v, len(c.fields))
	if err != nil {
		return 0, err
	}
	total := 7
	for i, f := range c.fields {
		n, err := f.estimate(vals[i])
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (c *structCodec) marshal(w *writeCursor, v interface{}) error {
	vals, err := asSequence(v, len(c.fields))
	if err != nil {
		return err
	}
	w.pad(8)
	for i, f := range c.fields {
		if err := f.marshal(w, vals[i]); err != nil {
			return err
		}
	}
	return nil
}

func (c *structCodec) unmarshal(r *readCursor) (interface{}, error) {
	r.pad(8)
	out := make([]interface{}, len(c.fields))
	for i, f := range c.fields {
		v, err := f.unmarshal(r)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// --- array codec --------------------------------------------------

type arrayCodec struct {
	elem codec
	sig  string
}

func newArrayCodec(elem codec) *arrayCodec {
	return &arrayCodec{elem: elem, sig: "a" + elem.signature()}
}

func (c *arrayCodec) alignment() int    { return 4 }
func (c *arrayCodec) signature() string { return c.sig }

func (c *arrayCodec) estimate(v interface{}) (int, error) {
	vals, err := asAnySequence(v)
	if err != nil {
		return 0, err
	}
	total := 2*4 - 1
	for _, e := range vals {
		n, err := c.elem.estimate(e)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// marshal implements the array marshalling algorithm of spec.md §4.2:
// reserve the length slot, align to the element's alignment, marshal
// each element, then back-patch the length with the span from just
// after the element-alignment padding to the final position. Empty
// arrays still emit the element-alignment padding and report a
// length of zero.
func (c *arrayCodec) marshal(w *writeCursor, v interface{}) error {
	vals, err := asAnySequence(v)
	if err != nil {
		return err
	}
	patch := w.reserveU32()
	w.pad(c.elem.alignment())
	elementsStart := w.position()
	for _, e := range vals {
		if err := c.elem.marshal(w, e); err != nil {
			return err
		}
	}
	patch.patch(w, elementsStart)
	return nil
}

func (c *arrayCodec) unmarshal(r *readCursor) (interface{}, error) {
	length, err := r.getU32()
	if err != nil {
		return nil, err
	}
	r.pad(c.elem.alignment())
	end := r.position() + int(length)
	if end > len(r.buf) {
		return nil, &ProtocolError{Reason: "array length overflows message body"}
	}
	out := make([]interface{}, 0)
	for r.position() < end {
		v, err := c.elem.unmarshal(r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// --- placeholder extension-point codecs ------------------------------
//
// Dictionaries (a{kv}), variants (v) and file descriptors (h) are
// specified extension points this core does not fill (spec.md §1,
// Non-goals). No codec types exist for them: the parser recognizes
// the tokens and fails with a precise SignatureError rather than
// silently misparsing, per DESIGN NOTES §9.

func unsupportedExtension(sig string, tok byte, idx int) error {
	name := map[byte]string{'v': "variant", 'h': "file descriptor", '{': "dict entry"}[tok]
	return &SignatureError{Signature: sig, Index: idx, Reason: fmt.Sprintf("%s codec is an unfilled extension point in this core", name)}
}

// --- signature parsing -------------------------------------------------

type frameKind int

const (
	frameRoot frameKind = iota
	frameStruct
	frameDict
	frameArray
)

type frame struct {
	kind     frameKind
	elems    []codec
	dictKeys int // dict: number of key codecs seen so far (0 or 1 expected before value)
}

// parseSignature compiles a signature string into an ordered list of
// codecs, one per top-level type, using the push-down builder
// algorithm of spec.md §4.2: a stack of partial containers, primitive
// tokens delivered to the top frame, 'a' pushing an Array frame that
// consumes exactly one upcoming complete type, '(' / '{' pushing
// Struct/Dict frames that accumulate until the matching close.
func parseSignature(sig string) ([]codec, error) {
	stack := []*frame{{kind: frameRoot}}

	deliver := func(c codec) error {
		for {
			top := stack[len(stack)-1]
			switch top.kind {
			case frameArray:
				stack = stack[:len(stack)-1]
				c = newArrayCodec(c)
				continue // an array frame always re-delivers to its new parent
			default:
				top.elems = append(top.elems, c)
				return nil
			}
		}
	}

	for i := 0; i < len(sig); i++ {
		tok := sig[i]
		switch tok {
		case 'a':
			stack = append(stack, &frame{kind: frameArray})
		case '(':
			stack = append(stack, &frame{kind: frameStruct})
		case '{':
			// A dict entry is only valid as the sole content of an
			// array frame (the "a{KV}" shape spec.md §3 requires).
			if len(stack) == 0 || stack[len(stack)-1].kind != frameArray {
				return nil, &SignatureError{Signature: sig, Index: i, Reason: "'{' not immediately preceded by 'a'"}
			}
			return nil, unsupportedExtension(sig, '{', i)
		case ')':
			if len(stack) < 2 || stack[len(stack)-1].kind != frameStruct {
				return nil, &SignatureError{Signature: sig, Index: i, Reason: "unmatched ')'"}
			}
			top := stack[len(stack)-1]
			if len(top.elems) == 0 {
				return nil, &SignatureError{Signature: sig, Index: i, Reason: "empty struct '()'"}
			}
			stack = stack[:len(stack)-1]
			if err := deliver(newStructCodec(top.elems)); err != nil {
				return nil, err
			}
		case '}':
			return nil, &SignatureError{Signature: sig, Index: i, Reason: "unmatched '}' (dict entries are not supported by this core)"}
		case 'v', 'h':
			return nil, unsupportedExtension(sig, tok, i)
		default:
			pc, ok := newPrimitiveCodec(tok)
			var c codec
			if ok {
				c = pc
			} else {
				switch tok {
				case 's':
					c = &stringCodec{kindString}
				case 'o':
					c = &stringCodec{kindObjectPath}
				case 'g':
					c = &stringCodec{kindSignature}
				default:
					return nil, &SignatureError{Signature: sig, Index: i, Reason: fmt.Sprintf("unknown type code %q", tok)}
				}
			}
			if err := deliver(c); err != nil {
				return nil, err
			}
		}
	}

	if len(stack) != 1 {
		top := stack[len(stack)-1]
		reason := "unbalanced signature: unclosed container"
		if top.kind == frameArray {
			reason = "signature ends with unmatched trailing 'a'"
		}
		return nil, &SignatureError{Signature: sig, Index: len(sig), Reason: reason}
	}
	return stack[0].elems, nil
}

// --- codec interning ----------------------------------------------
//
// A global table from signature string to compiled codec list
// eliminates re-parsing and de-duplicates storage for the common case
// of repeatedly calling the same method (DESIGN NOTES §9).

var (
	codecTableMu sync.RWMutex
	codecTable   = map[string][]codec{}
)

// compileSignature returns the cached codec list for sig, parsing and
// interning it on first use.
func compileSignature(sig string) ([]codec, error) {
	codecTableMu.RLock()
	if c, ok := codecTable[sig]; ok {
		codecTableMu.RUnlock()
		return c, nil
	}
	codecTableMu.RUnlock()

	c, err := parseSignature(sig)
	if err != nil {
		return nil, err
	}

	codecTableMu.Lock()
	codecTable[sig] = c
	codecTableMu.Unlock()
	return c, nil
}

// concatSignature returns the joined canonical signature of a codec
// list. build does not call it: it sets the SIGNATURE header field
// from the body signature string it was given.
func concatSignature(cs []codec) string {
	s := ""
	for _, c := range cs {
		s += c.signature()
	}
	return s
}
