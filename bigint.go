package dbus

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Int64Parts is an alternate way to construct a 64-bit signed integer
// Value out of a high/low/sign triple, for callers marshalling values
// that arrived as split words (e.g. from a protocol that transports
// 64-bit integers as two 32-bit halves).
type Int64Parts struct {
	High     uint32
	Low      uint32
	Negative bool
}

// Uint64Parts is the unsigned counterpart of [Int64Parts].
type Uint64Parts struct {
	High uint32
	Low  uint32
}

// normalizeInt64 implements the marshalling side of the 64-bit integer
// policy: accept a native int, a decimal or hex string, a *big.Int, or
// an [Int64Parts] triple, and produce either an int64 (when the value
// fits) or a *big.Int (when it doesn't).
func normalizeInt64(v any) (any, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case *big.Int:
		if n.IsInt64() {
			return n.Int64(), nil
		}
		return new(big.Int).Set(n), nil
	case string:
		b, err := parseBigIntString(n)
		if err != nil {
			return nil, &MarshalError{Reason: fmt.Sprintf("parsing int64 string %q: %v", n, err)}
		}
		if b.IsInt64() {
			return b.Int64(), nil
		}
		return b, nil
	case Int64Parts:
		b := new(big.Int).SetUint64(uint64(n.High))
		b.Lsh(b, 32)
		b.Or(b, new(big.Int).SetUint64(uint64(n.Low)))
		if n.Negative {
			b.Neg(b)
		}
		if b.IsInt64() {
			return b.Int64(), nil
		}
		return b, nil
	default:
		return nil, &MarshalError{Reason: fmt.Sprintf("cannot use %T as a 64-bit integer", v)}
	}
}

// normalizeUint64 is the unsigned counterpart of normalizeInt64.
func normalizeUint64(v any) (any, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case uint:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case *big.Int:
		if n.Sign() < 0 {
			return nil, &MarshalError{Reason: "cannot use negative big.Int as a uint64"}
		}
		if n.IsUint64() {
			return n.Uint64(), nil
		}
		return new(big.Int).Set(n), nil
	case string:
		b, err := parseBigIntString(n)
		if err != nil {
			return nil, &MarshalError{Reason: fmt.Sprintf("parsing uint64 string %q: %v", n, err)}
		}
		if b.Sign() < 0 {
			return nil, &MarshalError{Reason: fmt.Sprintf("uint64 string %q is negative", n)}
		}
		if b.IsUint64() {
			return b.Uint64(), nil
		}
		return b, nil
	case Uint64Parts:
		b := new(big.Int).SetUint64(uint64(n.High))
		b.Lsh(b, 32)
		b.Or(b, new(big.Int).SetUint64(uint64(n.Low)))
		if b.IsUint64() {
			return b.Uint64(), nil
		}
		return b, nil
	default:
		return nil, &MarshalError{Reason: fmt.Sprintf("cannot use %T as a 64-bit unsigned integer", v)}
	}
}

func parseBigIntString(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	base := 10
	neg := false
	rest := s
	if strings.HasPrefix(rest, "-") {
		neg = true
		rest = rest[1:]
	} else if strings.HasPrefix(rest, "+") {
		rest = rest[1:]
	}
	if strings.HasPrefix(rest, "0x") || strings.HasPrefix(rest, "0X") {
		base = 16
		rest = rest[2:]
	}
	b, ok := new(big.Int).SetString(rest, base)
	if !ok {
		return nil, strconv.ErrSyntax
	}
	if neg {
		b.Neg(b)
	}
	return b, nil
}

// int64FromWire and uint64FromWire convert the 8 raw bytes decoded off the wire for a
// 64-bit field into either an int64/uint64 (the common, cheap case) or
// a *big.Int, used only when the caller has asked to always preserve
// large integers as big.Int via [Config.PreserveLargeIntegers].
func int64FromWire(raw uint64, preserve bool) any {
	if preserve {
		return new(big.Int).SetInt64(int64(raw))
	}
	return int64(raw)
}

func uint64FromWire(raw uint64, preserve bool) any {
	if preserve {
		return new(big.Int).SetUint64(raw)
	}
	return raw
}
