package dbus

import (
	"fmt"
	"reflect"
)

// ObjectPath identifies a bus object, e.g. "/org/freedesktop/DBus".
// It marshals like a string but is validated more strictly in
// principle (spec.md GLOSSARY); this core does not currently enforce
// the "/"-delimited ASCII grammar beyond what UTF-8 validity already
// guarantees on marshal.
type ObjectPath string

// Signature is a D-Bus type-signature value, distinct from Go string
// so the codec can tell a SIGNATURE-typed argument apart from a
// STRING-typed one.
type Signature string

// Variant is a type-erased value paired with its own signature. Only
// the subset this core fills in appears on the wire today: header
// field values, which are always a single basic type known from the
// field id (spec.md §3 table). A general-purpose variant codec for
// body values is a Non-goal (spec.md §1).
type Variant struct {
	Sig   Signature
	Value interface{}
}

func toInt64(v interface{}) (int64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > 1<<63-1 {
			return 0, fmt.Errorf("value %d overflows int64", u)
		}
		return int64(u), nil
	}
	return 0, fmt.Errorf("value of type %T is not an integer", v)
}

func toUint64(v interface{}) (uint64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := rv.Int()
		if i < 0 {
			return 0, fmt.Errorf("negative value %d is not a valid unsigned integer", i)
		}
		return uint64(i), nil
	}
	return 0, fmt.Errorf("value of type %T is not an unsigned integer", v)
}

func toFloat64(v interface{}) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, true
	case float32:
		return float64(f), true
	}
	return 0, false
}

// asSequence returns v as a slice of exactly n values, for struct
// marshalling where the field count is fixed by the signature.
func asSequence(v interface{}, n int) ([]interface{}, error) {
	seq, err := asAnySequence(v)
	if err != nil {
		return nil, err
	}
	if len(seq) != n {
		return nil, &MarshalError{Reason: fmt.Sprintf("struct value has %d fields, signature expects %d", len(seq), n)}
	}
	return seq, nil
}

// asAnySequence coerces v into an ordered []interface{}, accepting a
// literal []interface{} or any other slice/array via reflection, so
// that both hand-built call sites ([]interface{}{7, -3}) and
// natively-typed slices ([]string{"a","b"}) work as array/struct
// values (spec.md §3 Value contract: "ordered sequence for a and for
// (...)").
func asAnySequence(v interface{}) ([]interface{}, error) {
	if seq, ok := v.([]interface{}); ok {
		return seq, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	}
	return nil, &MarshalError{Reason: fmt.Sprintf("value of type %T is not a sequence", v)}
}
