package dbus

import (
	"errors"
	"fmt"
)

// MarshalError is returned when a [Value] cannot be encoded against a
// requested [Signature].
type MarshalError struct {
	// Type is the signature or Go type that caused the error, when
	// known.
	Type string
	// Reason explains what went wrong.
	Reason string
}

func (e *MarshalError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("dbus marshal error: %s", e.Reason)
	}
	return fmt.Sprintf("dbus marshal error for %s: %s", e.Type, e.Reason)
}

// UnmarshalError is returned when wire bytes cannot be decoded against
// a requested [Signature].
type UnmarshalError struct {
	Type   string
	Reason string
}

func (e *UnmarshalError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("dbus unmarshal error: %s", e.Reason)
	}
	return fmt.Sprintf("dbus unmarshal error for %s: %s", e.Type, e.Reason)
}

// ErrShortRead is returned, possibly wrapped, when a message is
// truncated: fewer bytes are available than its declared lengths
// require.
var ErrShortRead = errors.New("short read: truncated dbus message")

// InvalidMessageError reports a structurally malformed message: one
// whose header fields are inconsistent with its message type, or
// whose framing otherwise violates the DBus specification.
type InvalidMessageError struct {
	Reason string
}

func (e *InvalidMessageError) Error() string {
	return fmt.Sprintf("invalid dbus message: %s", e.Reason)
}

// AuthFailedError reports that the SASL authentication handshake with
// the bus failed.
type AuthFailedError struct {
	Reason string
}

func (e *AuthFailedError) Error() string {
	return fmt.Sprintf("dbus authentication failed: %s", e.Reason)
}

// ErrConnectionClosed is returned by any operation attempted on, or
// blocked against, a [Conn] that has been closed.
var ErrConnectionClosed = errors.New("dbus connection closed")

// DBusError is the error returned from a failed DBus method call: the
// remote peer replied with an error message instead of a normal
// return.
type DBusError struct {
	// Name is the error name provided by the remote peer, e.g.
	// "org.freedesktop.DBus.Error.UnknownMethod".
	Name string
	// Detail is the human-readable explanation of what went wrong, the
	// first string argument of the error message body, if any.
	Detail string
	// Body holds the full set of values in the error message's body.
	Body []Value
}

func (e *DBusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("dbus error %s", e.Name)
	}
	return fmt.Sprintf("dbus error %s: %s", e.Name, e.Detail)
}

// Is reports whether target is a DBusError with the same Name,
// allowing callers to match specific DBus error names with errors.Is.
func (e *DBusError) Is(target error) bool {
	var o *DBusError
	if !errors.As(target, &o) {
		return false
	}
	return o.Name == e.Name
}
