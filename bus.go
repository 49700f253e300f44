package dbus

import (
	"context"
	"errors"
	"fmt"
)

// NameRequest is a request to take ownership of a DBus [Peer]
// name. See [Conn.RequestName] for detailed behavior.
type NameRequest struct {
	// Name is the bus name to request.
	Name string
	// ReplaceCurrent is whether to attempt to replace the current
	// primary owner of Name, if one exists. Replacement is only
	// possible if the current primary owner requested the name with
	// AllowReplacement set.
	ReplaceCurrent bool
	// NoQueue, if set, causes RequestName to return an error if
	// primary ownership of Name cannot be granted.
	NoQueue bool
	// AllowReplacement is whether to allow the requestor to be
	// replaced as primary owner, if another Peer requests the name
	// with ReplaceCurrent set.
	AllowReplacement bool
}

// RequestName asks the bus to assign an additional name to the Conn.
//
// A bus name has a single owner which receives DBus traffic for that
// name, and a queue of "backup" owners that are willing to take over
// should the current owner disconnect or abandon the name.
//
// If there are no other claims to the requested name, the Conn
// becomes the name's owner, and RequestName returns (true, nil). The
// options in [NameRequest] control behavior when there are multiple
// claims to the requested name.
//
// By default, if the name already has an owner, RequestName adds Conn
// to the queue of backup owners and returns (false, nil). The bus
// will send the [NameAcquired] signal when Conn becomes the owner of
// the name. If ownership is taken away, the bus indicates this with
// the [NameLost] signal and places Conn back in the queue of backup
// owners.
//
// [NameRequest.NoQueue] indicates that Conn should never join the
// backup queue for a name. RequestName returns an error if it cannot
// immediately become the owner. If ownership is later lost, the bus
// indicates this with the [NameLost] signal and forgets that Conn
// made any claim to the name until it requests it anew.
//
// If [NameRequest.ReplaceCurrent] is set, RequestName attempts to
// skip the queue and forcibly take ownership of the name from its
// current owner. The current owner must have set
// [NameRequest.AllowReplacement] in its own request, otherwise the
// name request is handled as if ReplaceCurrent wasn't set.
//
// [NameRequest.AllowReplacement] controls whether another client
// using [NameRequest.ReplaceCurrent] can take ownership away from
// this Conn. If set, the caller should watch the [NameLost] signal to
// detect loss of ownership.
func (c *Conn) RequestName(ctx context.Context, req NameRequest) (isPrimaryOwner bool, err error) {
	flags := requestNameFlags(req.AllowReplacement, req.ReplaceCurrent, req.NoQueue)
	args := []Value{NewString(req.Name), NewUint32(flags)}
	resp, err := c.bus.Interface(ifaceBus).Call(ctx, "RequestName", args)
	if err != nil {
		return false, err
	}
	code, err := singleUint32(resp, "RequestName")
	if err != nil {
		return false, err
	}
	switch code {
	case 1: // became primary owner
		return true, nil
	case 2: // queued, not primary
		return false, nil
	case 3:
		return false, errors.New("requested name not available")
	case 4: // already the primary owner
		return true, nil
	default:
		return false, fmt.Errorf("unknown response code %d to RequestName", code)
	}
}

func requestNameFlags(allowReplacement, replaceCurrent, noQueue bool) uint32 {
	var flags uint32
	if allowReplacement {
		flags |= 0x1
	}
	if replaceCurrent {
		flags |= 0x2
	}
	if noQueue {
		flags |= 0x4
	}
	return flags
}

// ReleaseName abandons ownership, or a queued claim to ownership, of
// name.
func (c *Conn) ReleaseName(ctx context.Context, name string) error {
	_, err := c.bus.Interface(ifaceBus).Call(ctx, "ReleaseName", []Value{NewString(name)})
	return err
}

// Peers lists the bus names currently known to the broker.
func (c *Conn) Peers(ctx context.Context) ([]Peer, error) {
	resp, err := c.bus.Interface(ifaceBus).Call(ctx, "ListNames", nil)
	if err != nil {
		return nil, err
	}
	return peersFromStringArray(c, resp, "ListNames")
}

// ActivatablePeers lists the bus names that the broker can activate
// on demand.
func (c *Conn) ActivatablePeers(ctx context.Context) ([]Peer, error) {
	resp, err := c.bus.Interface(ifaceBus).Call(ctx, "ListActivatableNames", nil)
	if err != nil {
		return nil, err
	}
	return peersFromStringArray(c, resp, "ListActivatableNames")
}

// BusID returns the broker's unique identifier.
func (c *Conn) BusID(ctx context.Context) (string, error) {
	resp, err := c.bus.Interface(ifaceBus).Call(ctx, "GetId", nil)
	if err != nil {
		return "", err
	}
	if len(resp) != 1 {
		return "", &UnmarshalError{Reason: "GetId returned an unexpected number of values"}
	}
	id, ok := resp[0].String()
	if !ok {
		return "", &UnmarshalError{Reason: "GetId did not return a string"}
	}
	return id, nil
}

// Features returns the set of optional features the broker supports.
func (c *Conn) Features(ctx context.Context) ([]string, error) {
	v, err := c.bus.Interface(ifaceBus).GetProperty(ctx, "Features")
	if err != nil {
		return nil, err
	}
	elems, ok := v.Elements()
	if !ok {
		return nil, &UnmarshalError{Reason: "Features property is not an array"}
	}
	ret := make([]string, 0, len(elems))
	for _, e := range elems {
		if s, ok := e.String(); ok {
			ret = append(ret, s)
		}
	}
	return ret, nil
}

func peersFromStringArray(c *Conn, resp []Value, method string) ([]Peer, error) {
	if len(resp) != 1 {
		return nil, &UnmarshalError{Reason: method + " returned an unexpected number of values"}
	}
	elems, ok := resp[0].Elements()
	if !ok {
		return nil, &UnmarshalError{Reason: method + " did not return an array"}
	}
	ret := make([]Peer, 0, len(elems))
	for _, e := range elems {
		if s, ok := e.String(); ok {
			ret = append(ret, c.Peer(s))
		}
	}
	return ret, nil
}

func singleUint32(resp []Value, method string) (uint32, error) {
	if len(resp) != 1 {
		return 0, &UnmarshalError{Reason: method + " returned an unexpected number of values"}
	}
	v, ok := resp[0].Uint32()
	if !ok {
		return 0, &UnmarshalError{Reason: method + " did not return a uint32"}
	}
	return v, nil
}

// addMatch registers m's filter string with the broker, per §4.8: the
// broker only sees a single AddMatch call for a given filter string,
// no matter how many local Watchers request it.
func (c *Conn) addMatch(ctx context.Context, m *Match) error {
	rule := m.filterString()
	return c.matchRefs.acquire(ctx, rule, func(ctx context.Context) error {
		_, err := c.bus.Interface(ifaceBus).Call(ctx, "AddMatch", []Value{NewString(rule)})
		return err
	})
}

// removeMatch releases this Watcher's interest in m's filter
// string, issuing a broker RemoveMatch call only once every local
// Watcher has released it.
func (c *Conn) removeMatch(ctx context.Context, m *Match) error {
	rule := m.filterString()
	return c.matchRefs.release(ctx, rule, func(ctx context.Context) error {
		_, err := c.bus.Interface(ifaceBus).Call(ctx, "RemoveMatch", []Value{NewString(rule)})
		return err
	})
}

// NameOwnerChanged is emitted by the broker whenever ownership of a
// bus name changes, including names coming into or out of existence.
type NameOwnerChanged struct {
	Name     string
	Previous string
	New      string
}

func nameOwnerChangedFromBody(body []Value) (NameOwnerChanged, bool) {
	if len(body) != 3 {
		return NameOwnerChanged{}, false
	}
	name, ok1 := body[0].String()
	prev, ok2 := body[1].String()
	next, ok3 := body[2].String()
	return NameOwnerChanged{Name: name, Previous: prev, New: next}, ok1 && ok2 && ok3
}

// NameLost is emitted by the broker to a Conn that has lost
// ownership, or a queued claim, to a bus name.
type NameLost struct {
	Name string
}

// NameAcquired is emitted by the broker to a Conn that has become the
// owner of a bus name.
type NameAcquired struct {
	Name string
}
