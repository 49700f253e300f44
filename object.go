package dbus

import (
	"cmp"
	"context"
	"fmt"
)

// Object is a DBus object: a path exported by a [Peer].
type Object struct {
	p    Peer
	path ObjectPath
}

// Conn returns the DBus connection associated with the object.
func (o Object) Conn() *Conn { return o.p.Conn() }

// Peer returns the Peer hosting the object.
func (o Object) Peer() Peer { return o.p }

// Path returns the object's path.
func (o Object) Path() ObjectPath { return o.path }

func (o Object) String() string {
	return fmt.Sprintf("%s%s", o.p, o.path)
}

// Compare compares two objects, with the same convention as [cmp.Compare].
func (o Object) Compare(other Object) int {
	if ret := o.p.Compare(other.p); ret != 0 {
		return ret
	}
	return cmp.Compare(o.path, other.path)
}

// Interface returns a handle to the named interface offered by the
// object.
func (o Object) Interface(name string) Interface {
	return Interface{
		o:    o,
		name: name,
	}
}

// Introspect retrieves and returns the raw Introspection XML for the
// object, as produced by org.freedesktop.DBus.Introspectable.Introspect.
func (o Object) Introspect(ctx context.Context) (string, error) {
	resp, err := o.Interface(ifaceIntrospectable).Call(ctx, "Introspect", nil)
	if err != nil {
		return "", err
	}
	if len(resp) != 1 {
		return "", &UnmarshalError{Reason: "Introspect returned an unexpected number of values"}
	}
	s, ok := resp[0].String()
	if !ok {
		return "", &UnmarshalError{Reason: "Introspect did not return a string"}
	}
	return s, nil
}

// Describe introspects the object and returns the parsed
// [ObjectDescription] for it, without following §4.9's single-child
// recursion rule.
func (o Object) Describe(ctx context.Context) (*ObjectDescription, error) {
	xmlStr, err := o.Introspect(ctx)
	if err != nil {
		return nil, err
	}
	return ParseObjectDescription(xmlStr)
}

// Interfaces introspects the object and returns a handle to each
// interface it offers, per §4.9: if the root node has no interfaces
// but a single child node, introspection recurses into that child.
func (o Object) Interfaces(ctx context.Context) ([]Interface, error) {
	descs, err := o.introspectRecursive(ctx)
	if err != nil {
		return nil, err
	}
	ret := make([]Interface, 0, len(descs))
	for name := range descs {
		ret = append(ret, o.Interface(name))
	}
	return ret, nil
}

func (o Object) introspectRecursive(ctx context.Context) (map[string]*InterfaceDescription, error) {
	xmlStr, err := o.Introspect(ctx)
	if err != nil {
		return nil, err
	}
	desc, err := ParseObjectDescription(xmlStr)
	if err != nil {
		return nil, err
	}
	if len(desc.Interfaces) == 0 && len(desc.Children) == 1 {
		child := o.path.Join(desc.Children[0])
		return o.p.Object(child).introspectRecursive(ctx)
	}
	return desc.Interfaces, nil
}
