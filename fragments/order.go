// Package fragments provides the low-level byte-buffer primitives used
// to build and parse DBus wire data: an append-only encoder tracking a
// running offset for alignment, and a random-access decoder with the
// matching alignment-aware readers.
//
// Callers outside this module should not need it directly; it exists to
// be shared between the marshaller, unmarshaller and message codec, all
// of which must agree on exactly how alignment and byte order work.
package fragments

import (
	"encoding/binary"

	"golang.org/x/sys/cpu"
)

// A ByteOrder converts between a DBus wire byte order and Go integers,
// and knows its own DBus byte-order-flag byte ('l' or 'B').
type ByteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
	dbusFlag() byte
}

type stdOrder struct {
	binary.ByteOrder
	appendOrder binary.AppendByteOrder
	flag        byte
}

func (o stdOrder) AppendUint16(b []byte, v uint16) []byte { return o.appendOrder.AppendUint16(b, v) }
func (o stdOrder) AppendUint32(b []byte, v uint32) []byte { return o.appendOrder.AppendUint32(b, v) }
func (o stdOrder) AppendUint64(b []byte, v uint64) []byte { return o.appendOrder.AppendUint64(b, v) }
func (o stdOrder) dbusFlag() byte                         { return o.flag }

var (
	// LittleEndian is the DBus 'l' byte order.
	LittleEndian ByteOrder = stdOrder{binary.LittleEndian, binary.LittleEndian, 'l'}
	// BigEndian is the DBus 'B' byte order.
	BigEndian ByteOrder = stdOrder{binary.BigEndian, binary.BigEndian, 'B'}
	// NativeEndian is whichever of LittleEndian or BigEndian matches the
	// host's native byte order. Outbound messages use this by default,
	// since there's no reason to pay for a byte swap the receiver has to
	// undo right back.
	NativeEndian ByteOrder = nativeEndian()
)

func nativeEndian() ByteOrder {
	if cpu.IsBigEndian {
		return BigEndian
	}
	return LittleEndian
}

// OrderForFlag returns the ByteOrder corresponding to a DBus wire
// byte-order-flag byte, or false if flag is not a recognized flag.
func OrderForFlag(flag byte) (ByteOrder, bool) {
	switch flag {
	case 'l':
		return LittleEndian, true
	case 'B':
		return BigEndian, true
	default:
		return nil, false
	}
}
