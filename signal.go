package dbus

import (
	"context"
	"sync"
)

// matchRegistry tracks this session's subscriptions to signal match
// rules, refcounted by filter string: repeated acquire calls for the
// same rule coalesce into a single broker AddMatch, per §4.8, and the
// broker rule is only dropped once every local Watcher has released
// it.
type matchRegistry struct {
	mu      sync.Mutex
	entries map[string]*matchRefcount
}

type matchRefcount struct {
	refs  int
	ready chan struct{} // closed once the in-flight broker call completes
	err   error
}

func newMatchRegistry() *matchRegistry {
	return &matchRegistry{entries: map[string]*matchRefcount{}}
}

// acquire increments the refcount for rule, issuing the broker call
// via do on a 0→1 transition. A concurrent first acquire for the same
// rule waits on the single in-flight call instead of issuing its own.
func (r *matchRegistry) acquire(ctx context.Context, rule string, do func(ctx context.Context) error) error {
	r.mu.Lock()
	if e, ok := r.entries[rule]; ok {
		e.refs++
		ready := e.ready
		r.mu.Unlock()
		if ready == nil {
			return nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		r.mu.Lock()
		err := e.err
		r.mu.Unlock()
		return err
	}
	e := &matchRefcount{refs: 1, ready: make(chan struct{})}
	r.entries[rule] = e
	r.mu.Unlock()

	err := do(ctx)

	r.mu.Lock()
	e.err = err
	if err != nil {
		delete(r.entries, rule)
	}
	ready := e.ready
	e.ready = nil
	r.mu.Unlock()
	close(ready)
	return err
}

// release decrements the refcount for rule, issuing the broker call
// via do on a 1→0 transition.
func (r *matchRegistry) release(ctx context.Context, rule string, do func(ctx context.Context) error) error {
	r.mu.Lock()
	e, ok := r.entries[rule]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, rule)
	r.mu.Unlock()
	return do(ctx)
}

// PropertiesChanged is the decoded body of an
// org.freedesktop.DBus.Properties.PropertiesChanged signal.
type PropertiesChanged struct {
	Interface   string
	Changed     map[string]Value
	Invalidated []string
}

// DecodePropertiesChanged decodes the body of a PropertiesChanged
// signal, as delivered in a [Notification].
func DecodePropertiesChanged(body []Value) (PropertiesChanged, bool) {
	if len(body) != 3 {
		return PropertiesChanged{}, false
	}
	iface, ok := body[0].String()
	if !ok {
		return PropertiesChanged{}, false
	}
	entries, ok := body[1].Elements()
	if !ok {
		return PropertiesChanged{}, false
	}
	changed := make(map[string]Value, len(entries))
	for _, e := range entries {
		k, v, ok := e.DictEntry()
		if !ok {
			continue
		}
		name, ok := k.String()
		if !ok {
			continue
		}
		inner, _ := v.Variant()
		changed[name] = inner
	}
	invList, ok := body[2].Elements()
	if !ok {
		return PropertiesChanged{}, false
	}
	invalidated := make([]string, 0, len(invList))
	for _, v := range invList {
		if s, ok := v.String(); ok {
			invalidated = append(invalidated, s)
		}
	}
	return PropertiesChanged{Interface: iface, Changed: changed, Invalidated: invalidated}, true
}

// InterfacesAdded is the decoded body of an
// org.freedesktop.DBus.ObjectManager.InterfacesAdded signal.
type InterfacesAdded struct {
	Path       ObjectPath
	Interfaces []string
}

// DecodeInterfacesAdded decodes the body of an InterfacesAdded
// signal, as delivered in a [Notification].
func DecodeInterfacesAdded(body []Value) (InterfacesAdded, bool) {
	if len(body) != 2 {
		return InterfacesAdded{}, false
	}
	path, ok := body[0].ObjectPath()
	if !ok {
		return InterfacesAdded{}, false
	}
	entries, ok := body[1].Elements()
	if !ok {
		return InterfacesAdded{}, false
	}
	ret := InterfacesAdded{Path: path}
	for _, e := range entries {
		k, _, ok := e.DictEntry()
		if !ok {
			continue
		}
		if name, ok := k.String(); ok {
			ret.Interfaces = append(ret.Interfaces, name)
		}
	}
	return ret, true
}

// InterfacesRemoved is the decoded body of an
// org.freedesktop.DBus.ObjectManager.InterfacesRemoved signal.
type InterfacesRemoved struct {
	Path       ObjectPath
	Interfaces []string
}

// DecodeInterfacesRemoved decodes the body of an InterfacesRemoved
// signal, as delivered in a [Notification].
func DecodeInterfacesRemoved(body []Value) (InterfacesRemoved, bool) {
	if len(body) != 2 {
		return InterfacesRemoved{}, false
	}
	path, ok := body[0].ObjectPath()
	if !ok {
		return InterfacesRemoved{}, false
	}
	elems, ok := body[1].Elements()
	if !ok {
		return InterfacesRemoved{}, false
	}
	ret := InterfacesRemoved{Path: path}
	for _, v := range elems {
		if s, ok := v.String(); ok {
			ret.Interfaces = append(ret.Interfaces, s)
		}
	}
	return ret, true
}
