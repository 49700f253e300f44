package dbus

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/creachadair/mds/value"
)

// Match is a filter that matches DBus signals and property changes.
type Match struct {
	sender       value.Maybe[string]
	object       value.Maybe[ObjectPath]
	objectPrefix value.Maybe[ObjectPath]
	iface        value.Maybe[string]
	member       value.Maybe[string]
	argStr       map[int]string
	argPath      map[int]ObjectPath
	arg0NS       value.Maybe[string]
}

// NewMatch returns a new Match that matches all signals.
func NewMatch() *Match {
	return &Match{}
}

// filterString returns the match in the string format that DBus wants
// for the AddMatch and RemoveMatch methods.
func (m *Match) filterString() string {
	ms := []string{"type='signal'"}
	kv := func(k, v string) {
		ms = append(ms, fmt.Sprintf("%s=%s", k, escapeMatchArg(v)))
	}

	if s, ok := m.sender.GetOK(); ok {
		kv("sender", s)
	}
	if o, ok := m.object.GetOK(); ok {
		kv("path", o.String())
	}
	if p, ok := m.objectPrefix.GetOK(); ok && p != "/" {
		ms = append(ms, "path_namespace="+escapeMatchArg(p.String()))
	}
	if iface, ok := m.iface.GetOK(); ok {
		kv("interface", iface)
	}
	if member, ok := m.member.GetOK(); ok {
		kv("member", member)
	}
	for _, i := range slices.Sorted(maps.Keys(m.argStr)) {
		kv(fmt.Sprintf("arg%d", i), m.argStr[i])
	}
	for _, i := range slices.Sorted(maps.Keys(m.argPath)) {
		kv(fmt.Sprintf("arg%dpath", i), m.argPath[i].String())
	}
	if n, ok := m.arg0NS.GetOK(); ok {
		kv("arg0namespace", n)
	}
	return strings.Join(ms, ",")
}

// matches reports whether the received message satisfies the filter,
// using the same match semantics the bus applies to a Match's
// filterString().
//
// This is necessary because a DBus connection receives a single
// stream of signals. When multiple Watchers are active, the received
// signals are the union of all the Watchers' filters, so each Watcher
// must additionally filter for its own matches.
func (m *Match) matches(msg *Message) bool {
	if s, ok := m.sender.GetOK(); ok && msg.Sender != s {
		return false
	}
	if o, ok := m.object.GetOK(); ok && msg.Path != o {
		return false
	}
	if p, ok := m.objectPrefix.GetOK(); ok && msg.Path != p && !p.IsPrefixOf(msg.Path) {
		return false
	}
	if iface, ok := m.iface.GetOK(); ok && msg.Interface != iface {
		return false
	}
	if member, ok := m.member.GetOK(); ok && msg.Member != member {
		return false
	}

	for i, want := range m.argStr {
		if i >= len(msg.Body) {
			return false
		}
		got, ok := msg.Body[i].String()
		if !ok || got != want {
			return false
		}
	}
	for i, want := range m.argPath {
		if i >= len(msg.Body) {
			return false
		}
		if got, ok := msg.Body[i].String(); ok {
			if got != want.String() && !want.IsPrefixOf(ObjectPath(got)) {
				return false
			}
		} else if got, ok := msg.Body[i].ObjectPath(); ok {
			if got != want && !want.IsPrefixOf(got) {
				return false
			}
		} else {
			return false
		}
	}
	if n, ok := m.arg0NS.GetOK(); ok {
		if len(msg.Body) == 0 {
			return false
		}
		got, ok := msg.Body[0].String()
		if !ok || (got != n && !strings.HasPrefix(got, n+".")) {
			return false
		}
	}

	return true
}

// Signal restricts the Match to a single signal name, member on
// iface.
func (m *Match) Signal(iface, member string) *Match {
	m.iface = value.Just(iface)
	m.member = value.Just(member)
	return m
}

// Peer restricts the Match to a single sending Peer.
func (m *Match) Peer(p Peer) *Match {
	m.sender = value.Just(p.Name())
	return m
}

// Object restricts the match to a single sending Object.
func (m *Match) Object(o Object) *Match {
	m.objectPrefix = value.Absent[ObjectPath]()
	m.object = value.Just(o.Path())
	return m
}

// ObjectPrefix restricts the Match to the Objects rooted at the given
// path prefix.
//
// For example, ObjectPrefix("/mascots/gopher") matches signals
// emitted by /mascots/gopher, /mascots/gopher/plushie,
// /mascots/gopher/art/renee-french, but not /mascots/glenda.
func (m *Match) ObjectPrefix(o ObjectPath) *Match {
	m.object = value.Absent[ObjectPath]()
	m.objectPrefix = value.Just(o)
	return m
}

// ArgStr restricts the Match to signals whose i-th body argument is a
// string equal to val.
func (m *Match) ArgStr(i int, val string) *Match {
	if m.argStr == nil {
		m.argStr = map[int]string{}
	}
	m.argStr[i] = val
	return m
}

// ArgPathPrefix restricts the Match to signals whose i-th body
// argument is an object path with the given prefix.
func (m *Match) ArgPathPrefix(i int, val ObjectPath) *Match {
	if m.argPath == nil {
		m.argPath = map[int]ObjectPath{}
	}
	m.argPath[i] = val
	return m
}

// Arg0Namespace restricts the Match to signals whose first body
// argument is a peer or interface name with the given dot-separated
// prefix.
func (m *Match) Arg0Namespace(val string) *Match {
	m.arg0NS = value.Just(val)
	return m
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", `'\''`)
	return "'" + s + "'"
}
