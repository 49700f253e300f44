package dbus

import (
	"fmt"
	"math"
	"math/big"
	"unicode/utf8"

	"github.com/hakit/dbuscore/fragments"
)

// Marshal encodes v onto e in the DBus wire format. v's type must
// match a complete DBus type; Marshal returns a [MarshalError] if it
// does not, or if a value is out of range for its declared type.
func Marshal(e *fragments.Encoder, v Value) error {
	return marshalValue(e, v)
}

// MarshalSequence encodes a top-level sequence of values, e.g. a
// message body or a header field array, with no surrounding framing.
func MarshalSequence(e *fragments.Encoder, vs []Value) error {
	for i, v := range vs {
		if err := marshalValue(e, v); err != nil {
			return fmt.Errorf("marshalling value %d of sequence: %w", i, err)
		}
	}
	return nil
}

func marshalValue(e *fragments.Encoder, v Value) error {
	switch v.typ.Kind {
	case KindByte:
		b, _ := v.Byte()
		e.Uint8(b)
	case KindBool:
		b, _ := v.Bool()
		var u uint32
		if b {
			u = 1
		}
		e.Uint32(u)
	case KindInt16:
		n, _ := v.Int16()
		e.Uint16(uint16(n))
	case KindUint16:
		n, _ := v.Uint16()
		e.Uint16(n)
	case KindInt32:
		n, _ := v.Int32()
		e.Uint32(uint32(n))
	case KindUint32:
		n, _ := v.Uint32()
		e.Uint32(n)
	case KindFloat64:
		f, _ := v.Float64()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return &MarshalError{Type: "d", Reason: fmt.Sprintf("%v is not a finite double", f)}
		}
		e.Uint64(math.Float64bits(f))
	case KindInt64:
		return marshalInt64(e, v)
	case KindUint64:
		return marshalUint64(e, v)
	case KindString:
		s, _ := v.String()
		return marshalString(e, s)
	case KindPath:
		p, _ := v.ObjectPath()
		if !p.Valid() {
			return &MarshalError{Type: "o", Reason: fmt.Sprintf("object path %q is not valid", string(p))}
		}
		e.String(string(p))
	case KindSig:
		s, ok := v.SignatureValue()
		if !ok {
			return &MarshalError{Type: "g", Reason: "invalid signature value"}
		}
		e.SignatureString(s.String())
	case KindFD:
		n, _ := v.UnixFD()
		e.Uint32(n)
	case KindArray:
		return marshalArray(e, v)
	case KindStruct:
		return marshalStruct(e, v)
	case KindDict:
		return marshalDictEntry(e, v)
	case KindVariant:
		return marshalVariant(e, v)
	default:
		return &MarshalError{Reason: fmt.Sprintf("cannot marshal value of kind %q", byte(v.typ.Kind))}
	}
	return nil
}

func marshalString(e *fragments.Encoder, s string) error {
	if !utf8.ValidString(s) {
		return &MarshalError{Type: "s", Reason: "string is not valid UTF-8"}
	}
	for _, r := range s {
		if r == 0 {
			return &MarshalError{Type: "s", Reason: "string contains embedded NUL byte"}
		}
	}
	e.String(s)
	return nil
}

func marshalInt64(e *fragments.Encoder, v Value) error {
	switch n := v.basic.(type) {
	case int64:
		e.Uint64(uint64(n))
		return nil
	case *big.Int:
		if !n.IsInt64() {
			return &MarshalError{Type: "x", Reason: fmt.Sprintf("value %s overflows int64", n)}
		}
		e.Uint64(uint64(n.Int64()))
		return nil
	}
	return &MarshalError{Type: "x", Reason: "malformed int64 value"}
}

func marshalUint64(e *fragments.Encoder, v Value) error {
	switch n := v.basic.(type) {
	case uint64:
		e.Uint64(n)
		return nil
	case *big.Int:
		if !n.IsUint64() {
			return &MarshalError{Type: "t", Reason: fmt.Sprintf("value %s overflows uint64", n)}
		}
		e.Uint64(n.Uint64())
		return nil
	}
	return &MarshalError{Type: "t", Reason: "malformed uint64 value"}
}

func marshalArray(e *fragments.Encoder, v Value) error {
	elems, _ := v.Elements()
	align := v.typ.Elem.Kind.Align()
	var err error
	aerr := e.Array(align, func() error {
		for _, el := range elems {
			if err = marshalValue(e, el); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return aerr
}

func marshalStruct(e *fragments.Encoder, v Value) error {
	fields, _ := v.Fields()
	var err error
	serr := e.Struct(func() error {
		for _, f := range fields {
			if err = marshalValue(e, f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return serr
}

func marshalDictEntry(e *fragments.Encoder, v Value) error {
	k, val, _ := v.DictEntry()
	var err error
	serr := e.Struct(func() error {
		if err = marshalValue(e, k); err != nil {
			return err
		}
		if err = marshalValue(e, val); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	return serr
}

func marshalVariant(e *fragments.Encoder, v Value) error {
	inner, ok := v.Variant()
	if !ok {
		return &MarshalError{Type: "v", Reason: "invalid variant value"}
	}
	sig := Signature{Types: []Type{inner.typ}}
	e.SignatureString(sig.String())
	return marshalValue(e, inner)
}
