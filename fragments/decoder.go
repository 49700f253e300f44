package fragments

import (
	"errors"
	"fmt"
)

// ErrShortRead is returned when a Decoder method needs more bytes than
// remain in the buffer.
var ErrShortRead = errors.New("short read: truncated DBus message")

// A Decoder is a random-access reader over a complete in-memory DBus
// message body, tracking a read cursor and handling the alignment
// padding the wire format requires between values.
type Decoder struct {
	// Order is the byte order used to read multi-byte values.
	Order ByteOrder
	// In is the bytes being decoded.
	In []byte
	// pos is the next unread byte offset in In.
	pos int
}

// NewDecoder returns a Decoder reading bs in the given byte order,
// starting at offset 0.
func NewDecoder(bs []byte, order ByteOrder) *Decoder {
	return &Decoder{Order: order, In: bs}
}

// Pos returns the decoder's current read offset into In.
func (d *Decoder) Pos() int { return d.pos }

// Remaining returns the number of unread bytes left in In.
func (d *Decoder) Remaining() int { return len(d.In) - d.pos }

// Pad advances the cursor as needed to make Pos() a multiple of align.
func (d *Decoder) Pad(align int) error {
	extra := d.pos % align
	if extra == 0 {
		return nil
	}
	skip := align - extra
	if d.Remaining() < skip {
		return ErrShortRead
	}
	d.pos += skip
	return nil
}

// Read returns the next n bytes verbatim, with no padding or framing,
// and advances the cursor past them.
func (d *Decoder) Read(n int) ([]byte, error) {
	if n < 0 || d.Remaining() < n {
		return nil, ErrShortRead
	}
	bs := d.In[d.pos : d.pos+n]
	d.pos += n
	return bs, nil
}

// Bytes reads a DBus byte array: a 4-byte length prefix followed by
// that many raw bytes.
func (d *Decoder) Bytes() ([]byte, error) {
	ln, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	return d.Read(int(ln))
}

// String reads a DBus string or object path: a 4-byte length prefix,
// that many UTF-8 bytes, then a discarded trailing NUL.
func (d *Decoder) String() (string, error) {
	ln, err := d.Uint32()
	if err != nil {
		return "", err
	}
	bs, err := d.Read(int(ln) + 1)
	if err != nil {
		return "", err
	}
	if bs[len(bs)-1] != 0 {
		return "", fmt.Errorf("string is not NUL-terminated")
	}
	return string(bs[:len(bs)-1]), nil
}

// SignatureString reads a DBus signature: a 1-byte length prefix, that
// many ASCII bytes, then a discarded trailing NUL.
func (d *Decoder) SignatureString() (string, error) {
	ln, err := d.Uint8()
	if err != nil {
		return "", err
	}
	bs, err := d.Read(int(ln) + 1)
	if err != nil {
		return "", err
	}
	if bs[len(bs)-1] != 0 {
		return "", fmt.Errorf("signature is not NUL-terminated")
	}
	return string(bs[:len(bs)-1]), nil
}

// Uint8 reads a single byte. Bytes need no padding.
func (d *Decoder) Uint8() (uint8, error) {
	bs, err := d.Read(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Uint16 reads a uint16, aligned to 2 bytes.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.Pad(2); err != nil {
		return 0, err
	}
	bs, err := d.Read(2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(bs), nil
}

// Uint32 reads a uint32, aligned to 4 bytes.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.Pad(4); err != nil {
		return 0, err
	}
	bs, err := d.Read(4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(bs), nil
}

// Uint64 reads a uint64, aligned to 8 bytes.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	bs, err := d.Read(8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(bs), nil
}

// Array reads a DBus array: a 4-byte length (in bytes, not elements),
// optional padding to the element alignment, then calls readElement
// repeatedly, once per index, until the declared byte length has been
// consumed. readElement must consume exactly one element's worth of
// bytes and must not read past the array's declared end.
func (d *Decoder) Array(elemAlign int, readElement func(idx int) error) error {
	ln, err := d.Uint32()
	if err != nil {
		return err
	}
	if err := d.Pad(elemAlign); err != nil {
		return err
	}
	if d.Remaining() < int(ln) {
		return ErrShortRead
	}
	end := d.pos + int(ln)
	idx := 0
	for d.pos < end {
		if err := readElement(idx); err != nil {
			return err
		}
		idx++
	}
	if d.pos != end {
		return fmt.Errorf("array element decoding overran declared array length")
	}
	return nil
}

// Struct pads the cursor to the 8-byte struct alignment, then calls
// fields to read the struct's members in order.
func (d *Decoder) Struct(fields func() error) error {
	if err := d.Pad(8); err != nil {
		return err
	}
	return fields()
}

// ByteOrderFlag reads a DBus byte-order-flag byte and sets d.Order to
// match it.
func (d *Decoder) ByteOrderFlag() error {
	v, err := d.Uint8()
	if err != nil {
		return err
	}
	order, ok := OrderForFlag(v)
	if !ok {
		return fmt.Errorf("unknown byte order flag %q", v)
	}
	d.Order = order
	return nil
}
