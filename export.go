package dbus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// PropertyAccess describes how a property exported via [Export] may
// be accessed.
type PropertyAccess int

const (
	PropReadOnly PropertyAccess = iota
	PropWriteOnly
	PropReadWrite
)

func (a PropertyAccess) readable() bool { return a == PropReadOnly || a == PropReadWrite }
func (a PropertyAccess) writable() bool { return a == PropWriteOnly || a == PropReadWrite }

// ExportedMethod is one method of an [Export].
type ExportedMethod struct {
	Name    string
	In      []ArgumentDescription
	Out     []ArgumentDescription
	Handler HandlerFunc
}

// ExportedProperty is one property of an [Export].
type ExportedProperty struct {
	Name   string
	Type   Signature
	Access PropertyAccess

	// Get reads the current value. Required unless Access is
	// PropWriteOnly.
	Get func(ctx context.Context, path ObjectPath) (Value, error)
	// Set updates the value. Required if Access allows writes.
	Set func(ctx context.Context, path ObjectPath, v Value) error
}

// ExportedSignal documents a signal an [Export] may emit with
// [Conn.EmitSignal]. It carries no behavior: it exists so that
// Introspect output advertises the signal to peers.
type ExportedSignal struct {
	Name string
	Args []ArgumentDescription
}

// Export is an implementation of a DBus interface, ready to be
// attached to one or more object paths with [Conn.Export].
type Export struct {
	Name       string
	Methods    []ExportedMethod
	Properties []ExportedProperty
	Signals    []ExportedSignal
}

func (e *Export) method(name string) (ExportedMethod, bool) {
	for _, m := range e.Methods {
		if m.Name == name {
			return m, true
		}
	}
	return ExportedMethod{}, false
}

func (e *Export) property(name string) (ExportedProperty, bool) {
	for _, p := range e.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return ExportedProperty{}, false
}

// exportRegistry tracks the interfaces exported at each local object
// path, and serves the introspection and property-access machinery
// every exported object gets for free.
type exportRegistry struct {
	mu   sync.Mutex
	once sync.Once

	// byPath[path][interfaceName] is the Export implementing
	// interfaceName at path.
	byPath map[ObjectPath]map[string]*Export
}

func (r *exportRegistry) register(path ObjectPath, e *Export) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byPath == nil {
		r.byPath = map[ObjectPath]map[string]*Export{}
	}
	m := r.byPath[path]
	if m == nil {
		m = map[string]*Export{}
		r.byPath[path] = m
	}
	m[e.Name] = e
}

func (r *exportRegistry) unregister(path ObjectPath, ifaceName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.byPath[path]
	if m == nil {
		return
	}
	delete(m, ifaceName)
	if len(m) == 0 {
		delete(r.byPath, path)
	}
}

func (r *exportRegistry) lookup(path ObjectPath, ifaceName string) (*Export, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.byPath[path]
	if m == nil {
		return nil, false
	}
	e, ok := m[ifaceName]
	return e, ok
}

func (r *exportRegistry) interfaceNames(path ObjectPath) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.byPath[path]
	ret := make([]string, 0, len(m))
	for name := range m {
		ret = append(ret, name)
	}
	sort.Strings(ret)
	return ret
}

// children returns the names of path's immediate child objects, as
// inferred from every currently-exported path that is a descendant of
// path.
func (r *exportRegistry) children(path ObjectPath) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := string(path)
	if prefix != "/" {
		prefix += "/"
	}
	seen := map[string]bool{}
	var ret []string
	for p := range r.byPath {
		ps := string(p)
		if p == path || !strings.HasPrefix(ps, prefix) {
			continue
		}
		rest := ps[len(prefix):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		if rest != "" && !seen[rest] {
			seen[rest] = true
			ret = append(ret, rest)
		}
	}
	sort.Strings(ret)
	return ret
}

const introspectPreamble = `<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN"
"http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">
`

// introspectXML renders the Introspection XML document for path, per
// §4.9 and §6.
func (r *exportRegistry) introspectXML(path ObjectPath) string {
	var b strings.Builder
	b.WriteString(introspectPreamble)
	fmt.Fprintf(&b, "<node name=\"%s\">\n", path)

	for _, name := range r.interfaceNames(path) {
		e, ok := r.lookup(path, name)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "  <interface name=\"%s\">\n", name)
		for _, m := range e.Methods {
			fmt.Fprintf(&b, "    <method name=\"%s\">\n", m.Name)
			for _, a := range m.In {
				writeArg(&b, a, "in")
			}
			for _, a := range m.Out {
				writeArg(&b, a, "out")
			}
			b.WriteString("    </method>\n")
		}
		for _, s := range e.Signals {
			fmt.Fprintf(&b, "    <signal name=\"%s\">\n", s.Name)
			for _, a := range s.Args {
				writeArg(&b, a, "")
			}
			b.WriteString("    </signal>\n")
		}
		for _, p := range e.Properties {
			access := "read"
			switch p.Access {
			case PropWriteOnly:
				access = "write"
			case PropReadWrite:
				access = "readwrite"
			}
			fmt.Fprintf(&b, "    <property name=\"%s\" type=\"%s\" access=\"%s\"/>\n", p.Name, p.Type, access)
		}
		b.WriteString("  </interface>\n")
	}

	for _, child := range r.children(path) {
		fmt.Fprintf(&b, "  <node name=\"%s\"/>\n", child)
	}

	b.WriteString("</node>\n")
	return b.String()
}

func writeArg(b *strings.Builder, a ArgumentDescription, direction string) {
	if direction == "" {
		fmt.Fprintf(b, "      <arg name=\"%s\" type=\"%s\"/>\n", a.Name, a.Type)
		return
	}
	fmt.Fprintf(b, "      <arg name=\"%s\" type=\"%s\" direction=\"%s\"/>\n", a.Name, a.Type, direction)
}

// Export registers iface as an implementation of iface.Name at path.
//
// Every exported object automatically answers
// org.freedesktop.DBus.Introspectable.Introspect and the
// org.freedesktop.DBus.Properties methods, built from the Export's
// declared methods and properties.
func (c *Conn) Export(path ObjectPath, iface Export) error {
	if !path.Valid() {
		return fmt.Errorf("invalid object path %q", path)
	}
	if iface.Name == "" {
		return fmt.Errorf("export interface must have a name")
	}

	cp := iface
	c.exports.register(path, &cp)
	c.installBuiltinHandlers()
	for _, m := range iface.Methods {
		c.installExportedMethod(iface.Name, m.Name)
	}
	return nil
}

// Unexport removes the implementation of ifaceName previously
// registered at path with [Conn.Export].
func (c *Conn) Unexport(path ObjectPath, ifaceName string) {
	c.exports.unregister(path, ifaceName)
}

func (c *Conn) installBuiltinHandlers() {
	c.exports.once.Do(func() {
		c.Handle(ifaceIntrospectable, "Introspect", c.handleIntrospect)
		c.Handle(ifaceProps, "Get", c.handlePropGet)
		c.Handle(ifaceProps, "Set", c.handlePropSet)
		c.Handle(ifaceProps, "GetAll", c.handlePropGetAll)
	})
}

// installExportedMethod wires a single dispatch closure for
// (ifaceName, methodName) into the connection's handler table. The
// closure looks up the target Export dynamically by object path on
// every call, so re-registering it for a second object exporting the
// same interface is harmless.
func (c *Conn) installExportedMethod(ifaceName, methodName string) {
	c.Handle(ifaceName, methodName, func(ctx context.Context, obj ObjectPath, args []Value) ([]Value, error) {
		e, ok := c.exports.lookup(obj, ifaceName)
		if !ok {
			return nil, &DBusError{Name: errUnknownObject, Detail: fmt.Sprintf("no object exports %s at %s", ifaceName, obj)}
		}
		m, ok := e.method(methodName)
		if !ok {
			return nil, &DBusError{Name: errUnknownMethod, Detail: fmt.Sprintf("no such method %s.%s", ifaceName, methodName)}
		}
		return m.Handler(ctx, obj, args)
	})
}

func (c *Conn) handleIntrospect(ctx context.Context, obj ObjectPath, args []Value) ([]Value, error) {
	return []Value{NewString(c.exports.introspectXML(obj))}, nil
}

func (c *Conn) handlePropGet(ctx context.Context, obj ObjectPath, args []Value) ([]Value, error) {
	if len(args) != 2 {
		return nil, &DBusError{Name: errInvalidArgs, Detail: "Properties.Get expects (interface, property)"}
	}
	ifaceName, _ := args[0].String()
	propName, _ := args[1].String()
	e, ok := c.exports.lookup(obj, ifaceName)
	if !ok {
		return nil, &DBusError{Name: errUnknownInterface, Detail: fmt.Sprintf("no such interface %s", ifaceName)}
	}
	p, ok := e.property(propName)
	if !ok {
		return nil, &DBusError{Name: errUnknownProperty, Detail: fmt.Sprintf("no such property %s.%s", ifaceName, propName)}
	}
	if !p.Access.readable() {
		return nil, &DBusError{Name: errPropertyReadOnly, Detail: fmt.Sprintf("property %s.%s is not readable", ifaceName, propName)}
	}
	v, err := p.Get(ctx, obj)
	if err != nil {
		return nil, err
	}
	return []Value{NewVariant(v)}, nil
}

func (c *Conn) handlePropSet(ctx context.Context, obj ObjectPath, args []Value) ([]Value, error) {
	if len(args) != 3 {
		return nil, &DBusError{Name: errInvalidArgs, Detail: "Properties.Set expects (interface, property, value)"}
	}
	ifaceName, _ := args[0].String()
	propName, _ := args[1].String()
	newVal, ok := args[2].Variant()
	if !ok {
		return nil, &DBusError{Name: errInvalidArgs, Detail: "Properties.Set value must be a variant"}
	}
	e, ok := c.exports.lookup(obj, ifaceName)
	if !ok {
		return nil, &DBusError{Name: errUnknownInterface, Detail: fmt.Sprintf("no such interface %s", ifaceName)}
	}
	p, ok := e.property(propName)
	if !ok {
		return nil, &DBusError{Name: errUnknownProperty, Detail: fmt.Sprintf("no such property %s.%s", ifaceName, propName)}
	}
	if !p.Access.writable() {
		return nil, &DBusError{Name: errPropertyReadOnly, Detail: fmt.Sprintf("property %s.%s is read-only", ifaceName, propName)}
	}
	if err := p.Set(ctx, obj, newVal); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *Conn) handlePropGetAll(ctx context.Context, obj ObjectPath, args []Value) ([]Value, error) {
	if len(args) != 1 {
		return nil, &DBusError{Name: errInvalidArgs, Detail: "Properties.GetAll expects (interface)"}
	}
	ifaceName, _ := args[0].String()
	e, ok := c.exports.lookup(obj, ifaceName)
	if !ok {
		return nil, &DBusError{Name: errUnknownInterface, Detail: fmt.Sprintf("no such interface %s", ifaceName)}
	}

	stringType := Type{Kind: KindString}
	variantType := Type{Kind: KindVariant}
	entryType := Type{Kind: KindDict, Key: &stringType, Elem: &variantType}

	var entries []Value
	for _, p := range e.Properties {
		if !p.Access.readable() {
			continue
		}
		v, err := p.Get(ctx, obj)
		if err != nil {
			continue
		}
		entry, err := NewDictEntry(NewString(p.Name), NewVariant(v))
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	arr, err := NewArray(entryType, entries...)
	if err != nil {
		return nil, err
	}
	return []Value{arr}, nil
}
