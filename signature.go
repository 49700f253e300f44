package dbus

import (
	"fmt"
	"strings"
)

// Kind identifies the shape of a DBus type: one of the thirteen basic
// types, or one of the four container types.
type Kind byte

const (
	KindInvalid Kind = 0
	KindByte    Kind = 'y'
	KindBool    Kind = 'b'
	KindInt16   Kind = 'n'
	KindUint16  Kind = 'q'
	KindInt32   Kind = 'i'
	KindUint32  Kind = 'u'
	KindInt64   Kind = 'x'
	KindUint64  Kind = 't'
	KindFloat64 Kind = 'd'
	KindString  Kind = 's'
	KindPath    Kind = 'o'
	KindSig     Kind = 'g'
	KindFD      Kind = 'h'

	KindArray   Kind = 'a'
	KindVariant Kind = 'v'
	KindStruct  Kind = '('
	KindDict    Kind = '{'
)

// IsBasic reports whether k is one of the thirteen basic (non-container)
// types. Only basic types may appear as a dict-entry key.
func (k Kind) IsBasic() bool {
	switch k {
	case KindByte, KindBool, KindInt16, KindUint16, KindInt32, KindUint32,
		KindInt64, KindUint64, KindFloat64, KindString, KindPath, KindSig, KindFD:
		return true
	}
	return false
}

// Align returns the natural wire alignment, in bytes, of a value of
// kind k.
func (k Kind) Align() int {
	switch k {
	case KindByte, KindSig:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindBool, KindInt32, KindUint32, KindString, KindPath, KindFD, KindArray:
		return 4
	case KindInt64, KindUint64, KindFloat64, KindStruct, KindDict:
		return 8
	case KindVariant:
		// A variant's own signature string is 1-byte aligned; the
		// codec aligns the inner value independently once it knows the
		// inner type.
		return 1
	}
	return 1
}

const (
	// MaxNesting is the deepest a signature's container types may nest,
	// per the DBus specification.
	MaxNesting = 32
	// MaxSignatureLength is the longest a signature string may be, in
	// bytes, per the DBus specification.
	MaxSignatureLength = 255
)

// A SignatureError reports a problem parsing or constructing a DBus
// type signature.
type SignatureError struct {
	Signature string
	Reason    string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("invalid DBus signature %q: %s", e.Signature, e.Reason)
}

// A Type is one node in a parsed DBus type signature tree.
//
// Type is a value type: the zero Type is KindInvalid.
type Type struct {
	Kind Kind
	// Elem is the element type of an array (KindArray), or the value
	// type of a dict-entry (KindDict).
	Elem *Type
	// Key is the key type of a dict-entry (KindDict). Always a basic
	// type.
	Key *Type
	// Fields are the member types of a struct (KindStruct), in order.
	Fields []Type
}

// String renders t back to its DBus signature string form.
func (t Type) String() string {
	var b strings.Builder
	t.write(&b)
	return b.String()
}

func (t Type) write(b *strings.Builder) {
	switch t.Kind {
	case KindArray:
		b.WriteByte('a')
		t.Elem.write(b)
	case KindDict:
		b.WriteByte('{')
		t.Key.write(b)
		t.Elem.write(b)
		b.WriteByte('}')
	case KindStruct:
		b.WriteByte('(')
		for _, f := range t.Fields {
			f.write(b)
		}
		b.WriteByte(')')
	default:
		b.WriteByte(byte(t.Kind))
	}
}

// A Signature is an ordered sequence of complete DBus types: the type
// of a single value, or (for message bodies and header field arrays)
// the types of a sequence of values.
//
// Signature is a value type; the zero Signature is the signature of an
// empty value sequence ("").
type Signature struct {
	Types []Type
}

// ParseSignature parses a DBus type signature string.
func ParseSignature(sig string) (Signature, error) {
	if len(sig) > MaxSignatureLength {
		return Signature{}, &SignatureError{sig, "exceeds maximum signature length of 255 bytes"}
	}
	p := &sigParser{orig: sig, rest: sig}
	var types []Type
	for p.rest != "" {
		t, err := p.parseOne(0, false)
		if err != nil {
			return Signature{}, err
		}
		types = append(types, t)
	}
	return Signature{types}, nil
}

// MustParseSignature is like [ParseSignature], but panics on error. It
// is intended for signatures that are fixed at compile time.
func MustParseSignature(sig string) Signature {
	s, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return s
}

type sigParser struct {
	orig string
	rest string
}

func (p *sigParser) errf(reason string, args ...any) error {
	return &SignatureError{p.orig, fmt.Sprintf(reason, args...)}
}

// parseOne consumes exactly one complete type from the front of
// p.rest. depth counts container nesting so far; inArray is true only
// while parsing the immediate element type of an array, the one place
// a dict-entry type is allowed to appear.
func (p *sigParser) parseOne(depth int, inArray bool) (Type, error) {
	if depth > MaxNesting {
		return Type{}, p.errf("exceeds maximum container nesting of %d", MaxNesting)
	}
	if p.rest == "" {
		return Type{}, p.errf("unexpected end of signature")
	}
	c := p.rest[0]
	switch Kind(c) {
	case KindByte, KindBool, KindInt16, KindUint16, KindInt32, KindUint32,
		KindInt64, KindUint64, KindFloat64, KindString, KindPath, KindSig, KindFD:
		p.rest = p.rest[1:]
		return Type{Kind: Kind(c)}, nil
	case KindVariant:
		p.rest = p.rest[1:]
		return Type{Kind: KindVariant}, nil
	case KindArray:
		p.rest = p.rest[1:]
		elem, err := p.parseOne(depth+1, true)
		if err != nil {
			return Type{}, err
		}
		return Type{Kind: KindArray, Elem: &elem}, nil
	case '(':
		p.rest = p.rest[1:]
		var fields []Type
		for {
			if p.rest == "" {
				return Type{}, p.errf("unterminated struct, missing ')'")
			}
			if p.rest[0] == ')' {
				p.rest = p.rest[1:]
				break
			}
			f, err := p.parseOne(depth+1, false)
			if err != nil {
				return Type{}, err
			}
			fields = append(fields, f)
		}
		if len(fields) == 0 {
			return Type{}, p.errf("struct must have at least one field")
		}
		return Type{Kind: KindStruct, Fields: fields}, nil
	case '{':
		if !inArray {
			return Type{}, p.errf("dict entry type found outside of an array")
		}
		p.rest = p.rest[1:]
		key, err := p.parseOne(depth+1, false)
		if err != nil {
			return Type{}, err
		}
		if !key.Kind.IsBasic() {
			return Type{}, p.errf("dict entry key type %q must be a basic type", key)
		}
		val, err := p.parseOne(depth+1, false)
		if err != nil {
			return Type{}, err
		}
		if p.rest == "" || p.rest[0] != '}' {
			return Type{}, p.errf("unterminated dict entry, missing '}'")
		}
		p.rest = p.rest[1:]
		return Type{Kind: KindDict, Key: &key, Elem: &val}, nil
	case ')', '}':
		return Type{}, p.errf("unexpected %q", c)
	default:
		return Type{}, p.errf("unknown type code %q", c)
	}
}

// String renders s back to its DBus signature string form.
func (s Signature) String() string {
	var b strings.Builder
	for _, t := range s.Types {
		t.write(&b)
	}
	return b.String()
}

// IsZero reports whether s is the signature of an empty value
// sequence (a void message body).
func (s Signature) IsZero() bool { return len(s.Types) == 0 }

// IsSingle reports whether s describes exactly one complete type, as
// opposed to a sequence of several (or zero).
func (s Signature) IsSingle() bool { return len(s.Types) == 1 }

// Single returns the lone type in s. It panics if !s.IsSingle().
func (s Signature) Single() Type {
	if !s.IsSingle() {
		panic("Signature.Single called on a non-single signature")
	}
	return s.Types[0]
}
