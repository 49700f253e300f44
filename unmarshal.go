package dbus

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/hakit/dbuscore/fragments"
)

// UnmarshalOptions controls how [Unmarshal] decodes 64-bit integers
// and byte arrays.
type UnmarshalOptions struct {
	// PreserveLargeIntegers causes 64-bit integers to always decode to
	// a *big.Int-backed Value, rather than only when the value doesn't
	// fit in an int64/uint64. This keeps the representation uniform
	// for callers re-marshalling values they didn't generate
	// themselves.
	PreserveLargeIntegers bool
	// ByteArraysAsBuffers causes "ay" values to decode directly into a
	// single [NewByteArray]-shaped Value backed by a byte slice,
	// instead of boxing every byte into its own Value. The zero value
	// decodes element-by-element; [Config]'s default flips this on, since
	// that's the shape callers reading file contents, icons, or cookies
	// off the bus actually want.
	ByteArraysAsBuffers bool
}

// Unmarshal decodes one complete value of type t from d.
func Unmarshal(d *fragments.Decoder, t Type, opts UnmarshalOptions) (Value, error) {
	return unmarshalValue(d, t, opts)
}

// UnmarshalSequence decodes a sequence of values, one per type in
// sig, in order, with no surrounding framing.
func UnmarshalSequence(d *fragments.Decoder, sig Signature, opts UnmarshalOptions) ([]Value, error) {
	vs := make([]Value, len(sig.Types))
	for i, t := range sig.Types {
		v, err := unmarshalValue(d, t, opts)
		if err != nil {
			return nil, fmt.Errorf("unmarshalling value %d of sequence: %w", i, err)
		}
		vs[i] = v
	}
	return vs, nil
}

func wrapShortRead(err error, typ string) error {
	if err == nil {
		return nil
	}
	ue := &UnmarshalError{Type: typ, Reason: err.Error()}
	if errors.Is(err, fragments.ErrShortRead) {
		return fmt.Errorf("%w: %w", ErrShortRead, ue)
	}
	return ue
}

func unmarshalValue(d *fragments.Decoder, t Type, opts UnmarshalOptions) (Value, error) {
	switch t.Kind {
	case KindByte:
		b, err := d.Uint8()
		if err != nil {
			return Value{}, wrapShortRead(err, "y")
		}
		return NewByte(b), nil
	case KindBool:
		u, err := d.Uint32()
		if err != nil {
			return Value{}, wrapShortRead(err, "b")
		}
		if u > 1 {
			return Value{}, &UnmarshalError{Type: "b", Reason: fmt.Sprintf("invalid boolean wire value %d", u)}
		}
		return NewBool(u == 1), nil
	case KindInt16:
		u, err := d.Uint16()
		if err != nil {
			return Value{}, wrapShortRead(err, "n")
		}
		return NewInt16(int16(u)), nil
	case KindUint16:
		u, err := d.Uint16()
		if err != nil {
			return Value{}, wrapShortRead(err, "q")
		}
		return NewUint16(u), nil
	case KindInt32:
		u, err := d.Uint32()
		if err != nil {
			return Value{}, wrapShortRead(err, "i")
		}
		return NewInt32(int32(u)), nil
	case KindUint32:
		u, err := d.Uint32()
		if err != nil {
			return Value{}, wrapShortRead(err, "u")
		}
		return NewUint32(u), nil
	case KindFloat64:
		u, err := d.Uint64()
		if err != nil {
			return Value{}, wrapShortRead(err, "d")
		}
		return NewFloat64(math.Float64frombits(u)), nil
	case KindInt64:
		u, err := d.Uint64()
		if err != nil {
			return Value{}, wrapShortRead(err, "x")
		}
		return Value{typ: Type{Kind: KindInt64}, basic: int64FromWire(u, opts.PreserveLargeIntegers)}, nil
	case KindUint64:
		u, err := d.Uint64()
		if err != nil {
			return Value{}, wrapShortRead(err, "t")
		}
		return Value{typ: Type{Kind: KindUint64}, basic: uint64FromWire(u, opts.PreserveLargeIntegers)}, nil
	case KindString:
		s, err := d.String()
		if err != nil {
			return Value{}, wrapShortRead(err, "s")
		}
		if !utf8.ValidString(s) {
			return Value{}, &UnmarshalError{Type: "s", Reason: "string is not valid UTF-8"}
		}
		return NewString(s), nil
	case KindPath:
		s, err := d.String()
		if err != nil {
			return Value{}, wrapShortRead(err, "o")
		}
		p := ObjectPath(s)
		if !p.Valid() {
			return Value{}, &UnmarshalError{Type: "o", Reason: fmt.Sprintf("object path %q is not valid", s)}
		}
		return NewObjectPath(p), nil
	case KindSig:
		s, err := d.SignatureString()
		if err != nil {
			return Value{}, wrapShortRead(err, "g")
		}
		sig, perr := ParseSignature(s)
		if perr != nil {
			return Value{}, &UnmarshalError{Type: "g", Reason: perr.Error()}
		}
		return NewSignatureValue(sig), nil
	case KindFD:
		u, err := d.Uint32()
		if err != nil {
			return Value{}, wrapShortRead(err, "h")
		}
		return NewUnixFD(u), nil
	case KindArray:
		return unmarshalArray(d, t, opts)
	case KindStruct:
		return unmarshalStruct(d, t, opts)
	case KindDict:
		return unmarshalDictEntry(d, t, opts)
	case KindVariant:
		return unmarshalVariant(d, opts)
	default:
		return Value{}, &UnmarshalError{Reason: fmt.Sprintf("cannot unmarshal value of kind %q", byte(t.Kind))}
	}
}

func unmarshalArray(d *fragments.Decoder, t Type, opts UnmarshalOptions) (Value, error) {
	if t.Elem.Kind == KindByte && opts.ByteArraysAsBuffers {
		bs, err := d.Bytes()
		if err != nil {
			return Value{}, wrapShortRead(err, "ay")
		}
		return NewByteArray(bs), nil
	}

	var elems []Value
	var innerErr error
	align := t.Elem.Kind.Align()
	err := d.Array(align, func(idx int) error {
		v, err := unmarshalValue(d, *t.Elem, opts)
		if err != nil {
			innerErr = err
			return err
		}
		elems = append(elems, v)
		return nil
	})
	if innerErr != nil {
		return Value{}, innerErr
	}
	if err != nil {
		return Value{}, wrapShortRead(err, "a"+t.Elem.String())
	}
	et := *t.Elem
	return Value{typ: Type{Kind: KindArray, Elem: &et}, container: elems}, nil
}

func unmarshalStruct(d *fragments.Decoder, t Type, opts UnmarshalOptions) (Value, error) {
	fields := make([]Value, len(t.Fields))
	err := d.Struct(func() error {
		for i, ft := range t.Fields {
			v, err := unmarshalValue(d, ft, opts)
			if err != nil {
				return err
			}
			fields[i] = v
		}
		return nil
	})
	if err != nil {
		return Value{}, err
	}
	return Value{typ: Type{Kind: KindStruct, Fields: t.Fields}, container: fields}, nil
}

func unmarshalDictEntry(d *fragments.Decoder, t Type, opts UnmarshalOptions) (Value, error) {
	var key, val Value
	err := d.Struct(func() error {
		k, err := unmarshalValue(d, *t.Key, opts)
		if err != nil {
			return err
		}
		v, err := unmarshalValue(d, *t.Elem, opts)
		if err != nil {
			return err
		}
		key, val = k, v
		return nil
	})
	if err != nil {
		return Value{}, err
	}
	kt, et := *t.Key, *t.Elem
	return Value{typ: Type{Kind: KindDict, Key: &kt, Elem: &et}, dictKey: &key, dictVal: &val}, nil
}

func unmarshalVariant(d *fragments.Decoder, opts UnmarshalOptions) (Value, error) {
	sigStr, err := d.SignatureString()
	if err != nil {
		return Value{}, wrapShortRead(err, "v")
	}
	sig, perr := ParseSignature(sigStr)
	if perr != nil {
		return Value{}, &UnmarshalError{Type: "v", Reason: perr.Error()}
	}
	if !sig.IsSingle() {
		return Value{}, &UnmarshalError{Type: "v", Reason: fmt.Sprintf("variant signature %q does not describe exactly one type", sigStr)}
	}
	inner, err := unmarshalValue(d, sig.Single(), opts)
	if err != nil {
		return Value{}, err
	}
	return NewVariant(inner), nil
}
