package dbus

import (
	"cmp"
	"context"
	"fmt"
)

// well-known interface and namespace names the core itself depends on.
const (
	ifaceBus            = "org.freedesktop.DBus"
	ifacePeer           = "org.freedesktop.DBus.Peer"
	ifaceProps          = "org.freedesktop.DBus.Properties"
	ifaceIntrospectable = "org.freedesktop.DBus.Introspectable"
	ifaceObjectManager  = "org.freedesktop.DBus.ObjectManager"
	errUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	errUnknownProperty  = "org.freedesktop.DBus.Error.UnknownProperty"
	errUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	errUnknownObject    = "org.freedesktop.DBus.Error.UnknownObject"
	errPropertyReadOnly = "org.freedesktop.DBus.Error.PropertyReadOnly"
	errInvalidArgs      = "org.freedesktop.DBus.Error.InvalidArgs"
)

// Interface is a set of methods, properties and signals offered by an
// [Object].
type Interface struct {
	o    Object
	name string
}

// Conn returns the DBus connection associated with the interface.
func (f Interface) Conn() *Conn { return f.o.Conn() }

// Peer returns the Peer that is offering the interface.
func (f Interface) Peer() Peer { return f.o.Peer() }

// Object returns the Object that implements the interface.
func (f Interface) Object() Object { return f.o }

// Name returns the name of the interface.
func (f Interface) Name() string { return f.name }

func (f Interface) String() string {
	if f.name == "" {
		return fmt.Sprintf("%s:<no interface>", f.Object())
	}
	return fmt.Sprintf("%s:%s", f.Object(), f.name)
}

// Compare compares two interfaces, with the same convention as [cmp.Compare].
func (f Interface) Compare(other Interface) int {
	if ret := f.Object().Compare(other.Object()); ret != 0 {
		return ret
	}
	return cmp.Compare(f.Name(), other.Name())
}

// Call invokes method on the interface with the given argument
// values, and returns the values of the method's reply.
//
// This is a low-level calling API: it is the caller's responsibility
// to supply argument values that match the signature of the method
// being invoked, in order. args may be nil for methods that accept no
// parameters.
func (f Interface) Call(ctx context.Context, method string, args []Value) ([]Value, error) {
	return f.Object().Conn().call(ctx, f.Peer().Name(), f.Object().Path(), f.name, method, args, 0)
}

// OneWay invokes method on the interface with the given argument
// values, and tells the peer not to send a reply.
//
// OneWay returns once the call has been written to the connection.
// Since the broker suppresses the reply at the caller's request,
// there is no way to know whether the call was delivered to, or acted
// on by, the peer.
func (f Interface) OneWay(ctx context.Context, method string, args []Value) error {
	_, err := f.Object().Conn().call(ctx, f.Peer().Name(), f.Object().Path(), f.name, method, args, FlagNoReplyExpected)
	return err
}

// GetProperty reads the named property of the interface, via
// org.freedesktop.DBus.Properties.Get.
//
// The Get call returns its result wrapped in a variant; GetProperty
// auto-unwraps it, per §4.9.
func (f Interface) GetProperty(ctx context.Context, name string) (Value, error) {
	args := []Value{NewString(f.name), NewString(name)}
	resp, err := f.Object().Interface(ifaceProps).Call(ctx, "Get", args)
	if err != nil {
		return Value{}, err
	}
	if len(resp) != 1 {
		return Value{}, &UnmarshalError{Reason: "Properties.Get returned an unexpected number of values"}
	}
	inner, ok := resp[0].Variant()
	if !ok {
		return Value{}, &UnmarshalError{Reason: "Properties.Get did not return a variant"}
	}
	return inner, nil
}

// SetProperty sets the named property of the interface to value, via
// org.freedesktop.DBus.Properties.Set.
func (f Interface) SetProperty(ctx context.Context, name string, value Value) error {
	args := []Value{NewString(f.name), NewString(name), NewVariant(value)}
	_, err := f.Object().Interface(ifaceProps).Call(ctx, "Set", args)
	return err
}

// GetAllProperties returns every property exported by the interface,
// via org.freedesktop.DBus.Properties.GetAll.
func (f Interface) GetAllProperties(ctx context.Context) (map[string]Value, error) {
	args := []Value{NewString(f.name)}
	resp, err := f.Object().Interface(ifaceProps).Call(ctx, "GetAll", args)
	if err != nil {
		return nil, err
	}
	if len(resp) != 1 {
		return nil, &UnmarshalError{Reason: "Properties.GetAll returned an unexpected number of values"}
	}
	entries, ok := resp[0].Elements()
	if !ok {
		return nil, &UnmarshalError{Reason: "Properties.GetAll did not return an array"}
	}
	ret := make(map[string]Value, len(entries))
	for _, e := range entries {
		k, v, ok := e.DictEntry()
		if !ok {
			continue
		}
		name, _ := k.String()
		inner, _ := v.Variant()
		ret[name] = inner
	}
	return ret, nil
}
