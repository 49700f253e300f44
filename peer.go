package dbus

import (
	"cmp"
	"context"
	"strings"
)

// Peer is a handle to a remote participant on the bus, identified by
// its unique or well-known name.
//
// A Peer value is purely local: constructing one does not contact the
// bus, and does not guarantee the name is currently owned by anyone.
type Peer struct {
	c    *Conn
	name string
}

// Name returns the peer's bus name.
func (p Peer) Name() string { return p.name }

func (p Peer) String() string { return p.name }

// Compare compares two peers, with the same convention as [cmp.Compare].
func (p Peer) Compare(other Peer) int {
	return cmp.Compare(p.name, other.name)
}

// Ping calls org.freedesktop.DBus.Peer.Ping on the remote peer, to
// check that it is alive and processing messages.
func (p Peer) Ping(ctx context.Context) error {
	_, err := p.Object("/").Interface(ifacePeer).Call(ctx, "Ping", nil)
	return err
}

// Conn returns the connection this Peer handle is bound to.
func (p Peer) Conn() *Conn { return p.c }

// Object returns a handle to the object at path, as exported by this
// peer.
func (p Peer) Object(path ObjectPath) Object {
	return Object{
		p:    p,
		path: path,
	}
}

// IsUniqueName reports whether the peer is addressed by the unique
// connection name the broker assigns it (e.g. ":1.42"), rather than a
// well-known name it has claimed.
func (p Peer) IsUniqueName() bool {
	return strings.HasPrefix(p.name, ":")
}

// Credentials describes the identity the broker associates with a
// peer's connection, as reported by GetConnectionCredentials.
type Credentials struct {
	UID *uint32
	PID *uint32
}

// Identity returns the Unix credentials the broker recorded for the
// peer's connection, via org.freedesktop.DBus.GetConnectionCredentials.
func (p Peer) Identity(ctx context.Context) (Credentials, error) {
	args := []Value{NewString(p.name)}
	resp, err := p.c.bus.Interface(ifaceBus).Call(ctx, "GetConnectionCredentials", args)
	if err != nil {
		return Credentials{}, err
	}
	if len(resp) != 1 {
		return Credentials{}, &UnmarshalError{Reason: "GetConnectionCredentials returned an unexpected number of values"}
	}
	entries, ok := resp[0].Elements()
	if !ok {
		return Credentials{}, &UnmarshalError{Reason: "GetConnectionCredentials did not return a dict"}
	}
	var ret Credentials
	for _, e := range entries {
		k, v, ok := e.DictEntry()
		if !ok {
			continue
		}
		name, _ := k.String()
		inner, _ := v.Variant()
		switch name {
		case "UnixUserID":
			if u, ok := inner.Uint32(); ok {
				ret.UID = &u
			}
		case "ProcessID":
			if u, ok := inner.Uint32(); ok {
				ret.PID = &u
			}
		}
	}
	return ret, nil
}

// UID returns the Unix user ID of the peer's connection.
//
// Deprecated: use [Peer.Identity], which returns every credential the
// broker knows about in one call.
func (p Peer) UID(ctx context.Context) (uint32, error) {
	args := []Value{NewString(p.name)}
	resp, err := p.c.bus.Interface(ifaceBus).Call(ctx, "GetConnectionUnixUser", args)
	if err != nil {
		return 0, err
	}
	return singleUint32(resp, "GetConnectionUnixUser")
}

// PID returns the Unix process ID of the peer's connection.
//
// Deprecated: use [Peer.Identity], which returns every credential the
// broker knows about in one call.
func (p Peer) PID(ctx context.Context) (uint32, error) {
	args := []Value{NewString(p.name)}
	resp, err := p.c.bus.Interface(ifaceBus).Call(ctx, "GetConnectionUnixProcessID", args)
	if err != nil {
		return 0, err
	}
	return singleUint32(resp, "GetConnectionUnixProcessID")
}

// Exists reports whether the peer's name currently has an owner.
func (p Peer) Exists(ctx context.Context) (bool, error) {
	args := []Value{NewString(p.name)}
	resp, err := p.c.bus.Interface(ifaceBus).Call(ctx, "NameHasOwner", args)
	if err != nil {
		return false, err
	}
	if len(resp) != 1 {
		return false, &UnmarshalError{Reason: "NameHasOwner returned an unexpected number of values"}
	}
	b, ok := resp[0].Bool()
	if !ok {
		return false, &UnmarshalError{Reason: "NameHasOwner did not return a bool"}
	}
	return b, nil
}

// Owner returns the unique name of the current primary owner of the
// peer's name.
func (p Peer) Owner(ctx context.Context) (Peer, error) {
	args := []Value{NewString(p.name)}
	resp, err := p.c.bus.Interface(ifaceBus).Call(ctx, "GetNameOwner", args)
	if err != nil {
		return Peer{}, err
	}
	if len(resp) != 1 {
		return Peer{}, &UnmarshalError{Reason: "GetNameOwner returned an unexpected number of values"}
	}
	name, ok := resp[0].String()
	if !ok {
		return Peer{}, &UnmarshalError{Reason: "GetNameOwner did not return a string"}
	}
	return p.c.Peer(name), nil
}

// QueuedOwners returns the unique names waiting in succession order to
// become the owner of the peer's name, starting with the current
// owner.
func (p Peer) QueuedOwners(ctx context.Context) ([]Peer, error) {
	args := []Value{NewString(p.name)}
	resp, err := p.c.bus.Interface(ifaceBus).Call(ctx, "ListQueuedOwners", args)
	if err != nil {
		return nil, err
	}
	return peersFromStringArray(p.c, resp, "ListQueuedOwners")
}
