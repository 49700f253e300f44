package dbus

import (
	"errors"
	"math"
	"math/big"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kr/pretty"

	"github.com/hakit/dbuscore/fragments"
)

// roundtrip marshals v, then unmarshals the result back using typ,
// and returns what came out the other end.
func roundtrip(t *testing.T, v Value, typ Type, opts UnmarshalOptions) Value {
	t.Helper()
	e := &fragments.Encoder{Order: fragments.LittleEndian}
	if err := Marshal(e, v); err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	d := fragments.NewDecoder(e.Out, fragments.LittleEndian)
	got, err := Unmarshal(d, typ, opts)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return got
}

func TestMarshalRoundtripBasic(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		typ  Type
	}{
		{"byte", NewByte(200), Type{Kind: KindByte}},
		{"bool true", NewBool(true), Type{Kind: KindBool}},
		{"bool false", NewBool(false), Type{Kind: KindBool}},
		{"int16 negative", NewInt16(-32768), Type{Kind: KindInt16}},
		{"int16 positive", NewInt16(32767), Type{Kind: KindInt16}},
		{"uint32", NewUint32(0xdeadbeef), Type{Kind: KindUint32}},
		{"float64", NewFloat64(3.14159), Type{Kind: KindFloat64}},
		{"string", NewString("hello, gopher"), Type{Kind: KindString}},
		{"object path", NewObjectPath("/org/test/Gopher"), Type{Kind: KindPath}},
		{"empty string", NewString(""), Type{Kind: KindString}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := roundtrip(t, tc.v, tc.typ, UnmarshalOptions{})
			if diff := cmp.Diff(tc.v, got, cmp.AllowUnexported(Value{}, Type{})); diff != "" {
				t.Errorf("roundtrip mismatch (-want +got):\n%s\n%s", diff, pretty.Sprint(got))
			}
		})
	}
}

func TestMarshalFloat64RejectsNonFinite(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		e := &fragments.Encoder{Order: fragments.LittleEndian}
		err := Marshal(e, NewFloat64(f))
		var merr *MarshalError
		if !errors.As(err, &merr) {
			t.Errorf("Marshal(%v) = %v, want a *MarshalError", f, err)
		}
	}
}

func TestMarshalInt16Boundaries(t *testing.T) {
	for _, n := range []int16{-32768, -1, 0, 1, 32767} {
		got := roundtrip(t, NewInt16(n), Type{Kind: KindInt16}, UnmarshalOptions{})
		gotN, ok := got.Int16()
		if !ok || gotN != n {
			t.Errorf("roundtrip of int16 %d = %v, ok=%v", n, gotN, ok)
		}
	}
}

func TestMarshalStructAlignment(t *testing.T) {
	// A struct with a leading byte followed by a uint64 must pad the
	// uint64 up to the next 8-byte boundary, per DBus struct alignment
	// rules: the struct itself aligns to 8, and every member aligns to
	// its own natural boundary within that.
	u64, err := NewUint64(uint64(0x0102030405060708))
	if err != nil {
		t.Fatalf("NewUint64: %v", err)
	}
	s, err := NewStruct(NewByte(0xff), u64)
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}

	e := &fragments.Encoder{Order: fragments.LittleEndian}
	if err := Marshal(e, s); err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	// struct header: byte(1) + pad(7) + uint64(8) = 16 bytes
	if len(e.Out) != 16 {
		t.Fatalf("encoded struct is %d bytes, want 16 (byte + 7 bytes padding + uint64)", len(e.Out))
	}

	typ := Type{Kind: KindStruct, Fields: []Type{{Kind: KindByte}, {Kind: KindUint64}}}
	d := fragments.NewDecoder(e.Out, fragments.LittleEndian)
	got, err := Unmarshal(d, typ, UnmarshalOptions{})
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	fields, ok := got.Fields()
	if !ok || len(fields) != 2 {
		t.Fatalf("Fields() = %v, %v, want 2 fields", fields, ok)
	}
	gotU64, ok := fields[1].Uint64()
	if !ok || gotU64 != 0x0102030405060708 {
		t.Errorf("decoded uint64 field = %v, want 0x0102030405060708", gotU64)
	}
}

func TestMarshalDictEntryWithVariant(t *testing.T) {
	entry, err := NewDictEntry(NewString("count"), NewVariant(NewUint32(7)))
	if err != nil {
		t.Fatalf("NewDictEntry: %v", err)
	}
	typ := Type{Kind: KindDict, Key: &Type{Kind: KindString}, Elem: &Type{Kind: KindVariant}}
	got := roundtrip(t, entry, typ, UnmarshalOptions{})

	k, v, ok := got.DictEntry()
	if !ok {
		t.Fatalf("DictEntry() ok=false")
	}
	key, ok := k.String()
	if !ok || key != "count" {
		t.Errorf("dict key = %v, want %q", key, "count")
	}
	inner, ok := v.Variant()
	if !ok {
		t.Fatalf("dict value is not a variant")
	}
	n, ok := inner.Uint32()
	if !ok || n != 7 {
		t.Errorf("variant inner value = %v, want 7", n)
	}
}

func TestByteArrayDecodesAsBuffer(t *testing.T) {
	want := []byte("hello, gopher")
	byteType := Type{Kind: KindByte}
	arrType := Type{Kind: KindArray, Elem: &byteType}

	boxed := make([]Value, len(want))
	for i, b := range want {
		boxed[i] = NewByte(b)
	}
	v, err := NewArray(byteType, boxed...)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}

	t.Run("buffers", func(t *testing.T) {
		got := roundtrip(t, v, arrType, UnmarshalOptions{ByteArraysAsBuffers: true})
		bs, ok := got.Bytes()
		if !ok || string(bs) != string(want) {
			t.Errorf("Bytes() = %q, %v, want %q", bs, ok, want)
		}
		if _, isContainer := got.Elements(); !isContainer {
			t.Errorf("Elements() ok=false on a buffer-backed byte array")
		}
	})

	t.Run("boxed", func(t *testing.T) {
		got := roundtrip(t, v, arrType, UnmarshalOptions{})
		elems, ok := got.Elements()
		if !ok || len(elems) != len(want) {
			t.Fatalf("Elements() = %v, %v, want %d boxed bytes", elems, ok, len(want))
		}
		bs, ok := got.Bytes()
		if !ok || string(bs) != string(want) {
			t.Errorf("Bytes() = %q, %v, want %q", bs, ok, want)
		}
	})
}

func TestMarshalUint64PreservesBigInt(t *testing.T) {
	huge := new(big.Int).SetUint64(1<<64 - 1)
	v, err := NewUint64(huge)
	if err != nil {
		t.Fatalf("NewUint64: %v", err)
	}
	got := roundtrip(t, v, Type{Kind: KindUint64}, UnmarshalOptions{PreserveLargeIntegers: true})
	n, ok := got.Uint64()
	if !ok {
		t.Fatalf("Uint64() ok=false")
	}
	if n != huge.Uint64() {
		t.Errorf("decoded value = %d, want %s", n, huge)
	}
	b, ok := got.BigInt()
	if !ok || b.Cmp(huge) != 0 {
		t.Errorf("BigInt() = %v, %v, want %s", b, ok, huge)
	}
}
