package fragments

// An Encoder appends a DBus wire-format message to a byte slice,
// inserting padding as needed to conform to DBus alignment rules. Every
// method except [Encoder.Write] pads before writing; Write outputs bytes
// verbatim and leaves alignment to the caller.
type Encoder struct {
	// Order is the byte order used for multi-byte values.
	Order ByteOrder
	// Out is the encoded output so far.
	Out []byte
}

// Pad inserts zero bytes as needed to make len(e.Out) a multiple of
// align. If the output is already aligned, it inserts nothing.
func (e *Encoder) Pad(align int) {
	extra := len(e.Out) % align
	if extra == 0 {
		return
	}
	var zero [8]byte
	e.Out = append(e.Out, zero[:align-extra]...)
}

// Write appends bs to the output without padding or alignment.
func (e *Encoder) Write(bs []byte) {
	e.Out = append(e.Out, bs...)
}

// Bytes writes a DBus byte array: a 4-byte length prefix followed by
// the raw bytes.
func (e *Encoder) Bytes(bs []byte) {
	e.Pad(4)
	e.Uint32(uint32(len(bs)))
	e.Out = append(e.Out, bs...)
}

// String writes a DBus string or object path: a 4-byte length prefix
// (excluding the terminator), the UTF-8 bytes, then a trailing NUL.
func (e *Encoder) String(s string) {
	e.Pad(4)
	e.Uint32(uint32(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// SignatureString writes a DBus signature: a 1-byte length prefix, the
// ASCII signature bytes, then a trailing NUL.
func (e *Encoder) SignatureString(s string) {
	e.Out = append(e.Out, byte(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// Uint8 writes a single byte. Bytes need no padding.
func (e *Encoder) Uint8(u8 uint8) {
	e.Out = append(e.Out, u8)
}

// Uint16 writes a uint16, aligned to 2 bytes.
func (e *Encoder) Uint16(u16 uint16) {
	e.Pad(2)
	e.Out = e.Order.AppendUint16(e.Out, u16)
}

// Uint32 writes a uint32, aligned to 4 bytes.
func (e *Encoder) Uint32(u32 uint32) {
	e.Pad(4)
	e.Out = e.Order.AppendUint32(e.Out, u32)
}

// Uint64 writes a uint64, aligned to 8 bytes.
func (e *Encoder) Uint64(u64 uint64) {
	e.Pad(8)
	e.Out = e.Order.AppendUint64(e.Out, u64)
}

// Array reserves a 4-byte length slot, aligns to elemAlign, runs
// elements to encode the array contents, then backpatches the length
// slot with the number of bytes elements wrote (excluding the length
// field itself and the alignment padding before the first element, per
// the DBus spec).
func (e *Encoder) Array(elemAlign int, elements func() error) error {
	e.Pad(4)
	lenOffset := len(e.Out)
	e.Uint32(0)
	e.Pad(elemAlign)

	start := len(e.Out)
	err := elements()
	n := len(e.Out) - start
	e.Order.PutUint32(e.Out[lenOffset:], uint32(n))
	return err
}

// Struct pads to the 8-byte struct alignment, then runs fields to
// encode the struct's members.
func (e *Encoder) Struct(fields func() error) error {
	e.Pad(8)
	return fields()
}

// ByteOrderFlag writes the DBus byte-order-flag byte ('l' or 'B')
// matching e.Order.
func (e *Encoder) ByteOrderFlag() {
	e.Out = append(e.Out, e.Order.dbusFlag())
}
