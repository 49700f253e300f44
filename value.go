package dbus

import (
	"fmt"
	"math/big"
)

// A Value is a single DBus value of any type: one of the basic scalar
// types, or one of the four container shapes (array, struct,
// dict-entry, variant).
//
// The zero Value is invalid; use one of the New* constructors, or a
// value returned by [Unmarshal], to get a usable Value.
type Value struct {
	typ Type

	// Exactly one of the following is populated, chosen by typ.Kind.
	basic     any // bool, byte, int16, uint16, int32, uint32, float64, string, *big.Int / int64 / uint64, or []byte (NewByteArray)
	container []Value
	dictKey   *Value // KindDict only: the entry's key
	dictVal   *Value // KindDict only: the entry's value
	variant   *Value // KindVariant only: the wrapped value
}

// Type returns v's DBus type.
func (v Value) Type() Type { return v.typ }

// IsValid reports whether v was produced by a constructor or a
// successful unmarshal, as opposed to being a zero Value.
func (v Value) IsValid() bool { return v.typ.Kind != KindInvalid }

func basicValue(k Kind, val any) Value {
	return Value{typ: Type{Kind: k}, basic: val}
}

func NewByte(v byte) Value       { return basicValue(KindByte, v) }
func NewBool(v bool) Value       { return basicValue(KindBool, v) }
func NewInt16(v int16) Value     { return basicValue(KindInt16, v) }
func NewUint16(v uint16) Value   { return basicValue(KindUint16, v) }
func NewInt32(v int32) Value     { return basicValue(KindInt32, v) }
func NewUint32(v uint32) Value   { return basicValue(KindUint32, v) }
func NewFloat64(v float64) Value { return basicValue(KindFloat64, v) }
func NewString(v string) Value   { return basicValue(KindString, v) }
func NewObjectPath(v ObjectPath) Value {
	return Value{typ: Type{Kind: KindPath}, basic: string(v)}
}
func NewSignatureValue(s Signature) Value {
	return Value{typ: Type{Kind: KindSig}, basic: s.String()}
}
func NewUnixFD(v uint32) Value { return basicValue(KindFD, v) }

// NewInt64 constructs a 64-bit signed integer Value. v may be an
// int64, a *big.Int, a decimal or hex string, or a [Int64Parts] triple
// per the 64-bit integer marshalling policy.
func NewInt64(v any) (Value, error) {
	i, err := normalizeInt64(v)
	if err != nil {
		return Value{}, err
	}
	return Value{typ: Type{Kind: KindInt64}, basic: i}, nil
}

// NewUint64 constructs a 64-bit unsigned integer Value. v may be a
// uint64, a *big.Int, a decimal or hex string, or a [Uint64Parts]
// triple per the 64-bit integer marshalling policy.
func NewUint64(v any) (Value, error) {
	u, err := normalizeUint64(v)
	if err != nil {
		return Value{}, err
	}
	return Value{typ: Type{Kind: KindUint64}, basic: u}, nil
}

// NewArray constructs an array Value of element type elem, containing
// elements in order. All elements must have type elem; NewArray
// returns an error if not.
func NewArray(elem Type, elements ...Value) (Value, error) {
	for i, e := range elements {
		if !typesEqual(e.typ, elem) {
			return Value{}, fmt.Errorf("array element %d has type %s, want %s", i, e.typ, elem)
		}
	}
	cp := append([]Value(nil), elements...)
	return Value{typ: Type{Kind: KindArray, Elem: &elem}, container: cp}, nil
}

// NewByteArray constructs an "ay" Value backed directly by bs, without
// boxing each byte into its own Value. This is the representation
// [Unmarshal] produces when [UnmarshalOptions.ByteArraysAsBuffers] is
// set, for byte blobs (file contents, cookies, icons) too large to box
// element-by-element without cost.
func NewByteArray(bs []byte) Value {
	byteType := Type{Kind: KindByte}
	return Value{typ: Type{Kind: KindArray, Elem: &byteType}, basic: append([]byte(nil), bs...)}
}

// NewStruct constructs a struct Value from fields, in order.
func NewStruct(fields ...Value) (Value, error) {
	if len(fields) == 0 {
		return Value{}, fmt.Errorf("struct must have at least one field")
	}
	types := make([]Type, len(fields))
	for i, f := range fields {
		types[i] = f.typ
	}
	cp := append([]Value(nil), fields...)
	return Value{typ: Type{Kind: KindStruct, Fields: types}, container: cp}, nil
}

// NewDictEntry constructs a dict-entry Value. key must have a basic
// type.
func NewDictEntry(key, val Value) (Value, error) {
	if !key.typ.Kind.IsBasic() {
		return Value{}, fmt.Errorf("dict entry key type %s is not a basic type", key.typ)
	}
	k, v := key, val
	return Value{typ: Type{Kind: KindDict, Key: &k.typ, Elem: &v.typ}, dictKey: &k, dictVal: &v}, nil
}

// NewVariant wraps inner in a variant Value.
func NewVariant(inner Value) Value {
	v := inner
	return Value{typ: Type{Kind: KindVariant}, variant: &v}
}

func typesEqual(a, b Type) bool {
	return a.String() == b.String()
}

// Byte, Bool, Int16, Uint16, Int32, Uint32, Float64, String, ObjectPath
// and SignatureValue all return the value held by v along with
// whether v actually holds that type.

func (v Value) Byte() (byte, bool)       { b, ok := v.basic.(byte); return b, ok && v.typ.Kind == KindByte }
func (v Value) Bool() (bool, bool)       { b, ok := v.basic.(bool); return b, ok && v.typ.Kind == KindBool }
func (v Value) Int16() (int16, bool)     { b, ok := v.basic.(int16); return b, ok && v.typ.Kind == KindInt16 }
func (v Value) Uint16() (uint16, bool)   { b, ok := v.basic.(uint16); return b, ok && v.typ.Kind == KindUint16 }
func (v Value) Int32() (int32, bool)     { b, ok := v.basic.(int32); return b, ok && v.typ.Kind == KindInt32 }
func (v Value) Uint32() (uint32, bool)   { b, ok := v.basic.(uint32); return b, ok && v.typ.Kind == KindUint32 }
func (v Value) Float64() (float64, bool) { b, ok := v.basic.(float64); return b, ok && v.typ.Kind == KindFloat64 }
func (v Value) String() (string, bool) {
	b, ok := v.basic.(string)
	return b, ok && v.typ.Kind == KindString
}
func (v Value) ObjectPath() (ObjectPath, bool) {
	b, ok := v.basic.(string)
	return ObjectPath(b), ok && v.typ.Kind == KindPath
}
func (v Value) SignatureValue() (Signature, bool) {
	b, ok := v.basic.(string)
	if !ok || v.typ.Kind != KindSig {
		return Signature{}, false
	}
	s, err := ParseSignature(b)
	return s, err == nil
}
func (v Value) UnixFD() (uint32, bool) { b, ok := v.basic.(uint32); return b, ok && v.typ.Kind == KindFD }

// Int64 returns v's value as an int64 when it fits, and whether that
// conversion was lossless.
func (v Value) Int64() (int64, bool) {
	if v.typ.Kind != KindInt64 {
		return 0, false
	}
	switch n := v.basic.(type) {
	case int64:
		return n, true
	case *big.Int:
		if n.IsInt64() {
			return n.Int64(), true
		}
	}
	return 0, false
}

// Uint64 returns v's value as a uint64 when it fits, and whether that
// conversion was lossless.
func (v Value) Uint64() (uint64, bool) {
	if v.typ.Kind != KindUint64 {
		return 0, false
	}
	switch n := v.basic.(type) {
	case uint64:
		return n, true
	case *big.Int:
		if n.IsUint64() {
			return n.Uint64(), true
		}
	}
	return 0, false
}

// BigInt returns v's 64-bit integer value as a *big.Int, regardless of
// whether it was constructed from a native int or a big value.
func (v Value) BigInt() (*big.Int, bool) {
	switch n := v.basic.(type) {
	case int64:
		if v.typ.Kind == KindInt64 {
			return big.NewInt(n), true
		}
	case uint64:
		if v.typ.Kind == KindUint64 {
			return new(big.Int).SetUint64(n), true
		}
	case *big.Int:
		if v.typ.Kind == KindInt64 || v.typ.Kind == KindUint64 {
			return new(big.Int).Set(n), true
		}
	}
	return nil, false
}

// Elements returns the elements of an array Value.
func (v Value) Elements() ([]Value, bool) {
	if v.typ.Kind != KindArray {
		return nil, false
	}
	if bs, ok := v.basic.([]byte); ok {
		elems := make([]Value, len(bs))
		for i, b := range bs {
			elems[i] = NewByte(b)
		}
		return elems, true
	}
	return v.container, true
}

// Bytes returns the contents of an "ay" Value as a byte slice,
// whether it was built with [NewByteArray] or boxed element-by-element
// with [NewArray]. ok is false for any Value that isn't a byte array.
func (v Value) Bytes() ([]byte, bool) {
	if v.typ.Kind != KindArray || v.typ.Elem == nil || v.typ.Elem.Kind != KindByte {
		return nil, false
	}
	if bs, ok := v.basic.([]byte); ok {
		return append([]byte(nil), bs...), true
	}
	bs := make([]byte, len(v.container))
	for i, el := range v.container {
		bs[i], _ = el.Byte()
	}
	return bs, true
}

// Fields returns the fields of a struct Value, in order.
func (v Value) Fields() ([]Value, bool) {
	if v.typ.Kind != KindStruct {
		return nil, false
	}
	return v.container, true
}

// DictEntry returns the key and value of a dict-entry Value.
func (v Value) DictEntry() (key, val Value, ok bool) {
	if v.typ.Kind != KindDict || v.dictKey == nil {
		return Value{}, Value{}, false
	}
	return *v.dictKey, *v.dictVal, true
}

// Variant returns the value wrapped by a variant Value.
func (v Value) Variant() (Value, bool) {
	if v.typ.Kind != KindVariant || v.variant == nil {
		return Value{}, false
	}
	return *v.variant, true
}
