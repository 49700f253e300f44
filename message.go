package dbus

import (
	"errors"
	"fmt"
	"io"

	"github.com/hakit/dbuscore/fragments"
)

// wrapFrameTruncation marks err as satisfying errors.Is(err,
// ErrShortRead) when it represents a message frame that ended before
// its declared length, e.g. a peer closing mid-write.
func wrapFrameTruncation(err error, what string) error {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return fmt.Errorf("reading %s: %w: %w", what, ErrShortRead, err)
	}
	return fmt.Errorf("reading %s: %w", what, err)
}

// MessageType is the type of a DBus message.
type MessageType byte

const (
	TypeCall MessageType = iota + 1
	TypeReturn
	TypeError
	TypeSignal
)

func (t MessageType) String() string {
	switch t {
	case TypeCall:
		return "method_call"
	case TypeReturn:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Flags is the DBus message flags byte.
type Flags byte

const (
	FlagNoReplyExpected Flags = 1 << iota
	FlagNoAutoStart
	FlagAllowInteractiveAuthorization
)

const protocolVersion = 1

type headerFieldCode byte

const (
	fieldPath headerFieldCode = iota + 1
	fieldInterface
	fieldMember
	fieldErrorName
	fieldReplySerial
	fieldDestination
	fieldSender
	fieldSignature
	fieldUnixFDs
)

// Header carries the envelope fields of a DBus message: routing
// information, framing metadata, and the signature of the body that
// follows it.
type Header struct {
	Type        MessageType
	Flags       Flags
	Serial      uint32
	Path        ObjectPath
	Interface   string
	Member      string
	ErrorName   string
	ReplySerial uint32
	Destination string
	Sender      string
	Signature   Signature
	UnixFDs     uint32
}

// Valid reports whether h carries the header fields required for its
// message Type, per the DBus specification.
func (h *Header) Valid() error {
	if h.Serial == 0 {
		return &InvalidMessageError{"message serial must be non-zero"}
	}
	switch h.Type {
	case TypeCall:
		if h.Path == "" {
			return &InvalidMessageError{"method call missing required PATH field"}
		}
		if h.Member == "" {
			return &InvalidMessageError{"method call missing required MEMBER field"}
		}
	case TypeReturn:
		if h.ReplySerial == 0 {
			return &InvalidMessageError{"method return missing required REPLY_SERIAL field"}
		}
	case TypeError:
		if h.ReplySerial == 0 {
			return &InvalidMessageError{"error missing required REPLY_SERIAL field"}
		}
		if h.ErrorName == "" {
			return &InvalidMessageError{"error missing required ERROR_NAME field"}
		}
	case TypeSignal:
		if h.Path == "" {
			return &InvalidMessageError{"signal missing required PATH field"}
		}
		if h.Interface == "" {
			return &InvalidMessageError{"signal missing required INTERFACE field"}
		}
		if h.Member == "" {
			return &InvalidMessageError{"signal missing required MEMBER field"}
		}
	default:
		return &InvalidMessageError{fmt.Sprintf("unknown message type %d", byte(h.Type))}
	}
	return nil
}

// WantReply reports whether a method call message requires a reply.
func (h *Header) WantReply() bool {
	return h.Type == TypeCall && h.Flags&FlagNoReplyExpected == 0
}

// CanInteract reports whether the sender allows an interactive
// authorization prompt to be triggered on its behalf.
func (h *Header) CanInteract() bool {
	return h.Flags&FlagAllowInteractiveAuthorization != 0
}

// A Message is a complete DBus message: a header plus a body of
// values whose types match h.Signature.
type Message struct {
	Header
	Body []Value
}

// EncodeMessage serializes m to the DBus wire format using the given
// byte order.
func EncodeMessage(order fragments.ByteOrder, m *Message) ([]byte, error) {
	if err := m.Valid(); err != nil {
		return nil, err
	}

	body := &fragments.Encoder{Order: order}
	if err := MarshalSequence(body, m.Body); err != nil {
		return nil, fmt.Errorf("marshalling message body: %w", err)
	}
	sig, err := bodySignature(m.Body)
	if err != nil {
		return nil, err
	}
	m.Signature = sig

	e := &fragments.Encoder{Order: order}
	e.ByteOrderFlag()
	e.Uint8(byte(m.Type))
	e.Uint8(byte(m.Flags))
	e.Uint8(protocolVersion)
	e.Uint32(uint32(len(body.Out)))
	e.Uint32(m.Serial)

	if err := encodeHeaderFields(e, &m.Header); err != nil {
		return nil, err
	}
	e.Pad(8)
	e.Write(body.Out)
	return e.Out, nil
}

func bodySignature(body []Value) (Signature, error) {
	types := make([]Type, len(body))
	for i, v := range body {
		if !v.IsValid() {
			return Signature{}, &MarshalError{Reason: fmt.Sprintf("body value %d is invalid", i)}
		}
		types[i] = v.Type()
	}
	return Signature{Types: types}, nil
}

func encodeHeaderFields(e *fragments.Encoder, h *Header) error {
	type field struct {
		code headerFieldCode
		val  Value
	}
	var fields []field
	if h.Path != "" {
		fields = append(fields, field{fieldPath, NewObjectPath(h.Path)})
	}
	if h.Interface != "" {
		fields = append(fields, field{fieldInterface, NewString(h.Interface)})
	}
	if h.Member != "" {
		fields = append(fields, field{fieldMember, NewString(h.Member)})
	}
	if h.ErrorName != "" {
		fields = append(fields, field{fieldErrorName, NewString(h.ErrorName)})
	}
	if h.ReplySerial != 0 {
		fields = append(fields, field{fieldReplySerial, NewUint32(h.ReplySerial)})
	}
	if h.Destination != "" {
		fields = append(fields, field{fieldDestination, NewString(h.Destination)})
	}
	if h.Sender != "" {
		fields = append(fields, field{fieldSender, NewString(h.Sender)})
	}
	if !h.Signature.IsZero() {
		fields = append(fields, field{fieldSignature, NewSignatureValue(h.Signature)})
	}
	if h.UnixFDs != 0 {
		fields = append(fields, field{fieldUnixFDs, NewUint32(h.UnixFDs)})
	}

	var err error
	aerr := e.Array(8, func() error {
		for _, f := range fields {
			if err = e.Struct(func() error {
				e.Uint8(byte(f.code))
				return marshalVariant(e, NewVariant(f.val))
			}); err != nil {
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

// ReadMessage reads one complete DBus message from r.
func ReadMessage(r io.Reader, opts UnmarshalOptions) (*Message, error) {
	var prefix [16]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, wrapFrameTruncation(err, "message prefix")
	}
	order, ok := fragments.OrderForFlag(prefix[0])
	if !ok {
		return nil, &InvalidMessageError{fmt.Sprintf("unknown byte order flag %q", prefix[0])}
	}
	typ := MessageType(prefix[1])
	flags := Flags(prefix[2])
	version := prefix[3]
	if version != protocolVersion {
		return nil, &InvalidMessageError{fmt.Sprintf("unsupported protocol version %d", version)}
	}
	bodyLen := order.Uint32(prefix[4:8])
	serial := order.Uint32(prefix[8:12])
	fieldsLen := order.Uint32(prefix[12:16])

	// Header fields array is padded to 8-byte struct alignment; the
	// array contents start right after the length word we already
	// consumed, so we only need to round the remaining read up to a
	// multiple of 8.
	fieldsPadded := (int(fieldsLen) + 7) &^ 7
	fieldsBuf := make([]byte, fieldsPadded)
	if _, err := io.ReadFull(r, fieldsBuf); err != nil {
		return nil, wrapFrameTruncation(err, "message header fields")
	}

	h := Header{Type: typ, Flags: flags, Serial: serial}
	// decodeHeaderFields reads the array's length word itself, so it
	// decodes from the prefix plus the fields, starting at the length
	// word at offset 12; that also keeps alignment relative to the
	// start of the message.
	hdr := append(prefix[:], fieldsBuf[:fieldsLen]...)
	fd := fragments.NewDecoder(hdr, order)
	if _, err := fd.Read(12); err != nil {
		return nil, err
	}
	if err := decodeHeaderFields(fd, &h); err != nil {
		return nil, err
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, wrapFrameTruncation(err, "message body")
	}
	if err := h.Valid(); err != nil {
		return nil, err
	}

	var values []Value
	if !h.Signature.IsZero() {
		bd := fragments.NewDecoder(body, order)
		vs, err := UnmarshalSequence(bd, h.Signature, opts)
		if err != nil {
			return nil, fmt.Errorf("unmarshalling message body: %w", err)
		}
		values = vs
	}

	return &Message{Header: h, Body: values}, nil
}

func decodeHeaderFields(d *fragments.Decoder, h *Header) error {
	return d.Array(8, func(idx int) error {
		return d.Struct(func() error {
			code, err := d.Uint8()
			if err != nil {
				return err
			}
			v, err := unmarshalVariant(d, UnmarshalOptions{})
			if err != nil {
				return fmt.Errorf("header field %d: %w", code, err)
			}
			inner, _ := v.Variant()
			switch headerFieldCode(code) {
			case fieldPath:
				p, _ := inner.ObjectPath()
				h.Path = p
			case fieldInterface:
				s, _ := inner.String()
				h.Interface = s
			case fieldMember:
				s, _ := inner.String()
				h.Member = s
			case fieldErrorName:
				s, _ := inner.String()
				h.ErrorName = s
			case fieldReplySerial:
				u, _ := inner.Uint32()
				h.ReplySerial = u
			case fieldDestination:
				s, _ := inner.String()
				h.Destination = s
			case fieldSender:
				s, _ := inner.String()
				h.Sender = s
			case fieldSignature:
				sig, _ := inner.SignatureValue()
				h.Signature = sig
			case fieldUnixFDs:
				u, _ := inner.Uint32()
				h.UnixFDs = u
			default:
				// Unknown header fields are preserved on the wire by
				// virtue of being in the array, but we don't need to
				// retain them once decoded: nothing in this library
				// re-serializes a message it didn't build itself.
			}
			return nil
		})
	})
}
