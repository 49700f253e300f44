package dbus

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"maps"
	"os"
	"strings"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/hakit/dbuscore/fragments"
	"github.com/hakit/dbuscore/transport"
)

var machineID = sync.OnceValues(func() (string, error) {
	bs, err := os.ReadFile("/etc/machine-id")
	if errors.Is(err, fs.ErrNotExist) {
		bs, err = os.ReadFile("/var/lib/dbus/machine-id")
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(bs)), nil
})

// Config controls how a [Conn] is established and how it decodes
// values.
type Config struct {
	// Address is the DBus server address to connect to. If empty,
	// [SystemBus] and [SessionBus] each supply their own default.
	Address string
	// Auth controls which SASL mechanisms are attempted while
	// connecting. The zero value tries EXTERNAL, then
	// DBUS_COOKIE_SHA1, then ANONYMOUS.
	Auth transport.Authenticator
	// PreserveLargeIntegers causes all decoded 64-bit integers to use
	// a big.Int-backed Value, not just ones that don't fit in an
	// int64/uint64.
	PreserveLargeIntegers bool
	// ByteArraysAsBuffers controls whether "ay" values decode as a
	// single contiguous byte slice rather than one boxed Value per
	// byte. Defaults to true; set to false to get per-byte Values
	// instead (e.g. to compare against [UnmarshalOptions]'s zero
	// value in tests).
	ByteArraysAsBuffers *bool
	// DirectPeer suppresses the initial Hello call, for peer-to-peer
	// connections that do not go through a bus broker.
	DirectPeer bool
}

func (c Config) unmarshalOpts() UnmarshalOptions {
	return UnmarshalOptions{
		PreserveLargeIntegers: c.PreserveLargeIntegers,
		ByteArraysAsBuffers:   c.ByteArraysAsBuffers == nil || *c.ByteArraysAsBuffers,
	}
}

// SystemBus connects and authenticates to the system bus.
func SystemBus(ctx context.Context) (*Conn, error) {
	return Connect(ctx, Config{Address: transport.SystemBusAddress()})
}

// SessionBus connects and authenticates to the caller's session bus.
func SessionBus(ctx context.Context) (*Conn, error) {
	addr, ok := transport.SessionBusAddress()
	if !ok {
		return nil, errors.New("session bus not available: DBUS_SESSION_BUS_ADDRESS is not set")
	}
	return Connect(ctx, Config{Address: addr})
}

// Connect dials and authenticates the bus described by cfg, and
// completes the DBus Hello handshake.
func Connect(ctx context.Context, cfg Config) (*Conn, error) {
	t, err := transport.Dial(ctx, cfg.Address, cfg.Auth)
	if err != nil {
		if errors.Is(err, transport.ErrAuthFailed) {
			return nil, &AuthFailedError{Reason: err.Error()}
		}
		return nil, err
	}
	c := &Conn{
		t:        t,
		cfg:      cfg,
		order:    fragments.NativeEndian,
		calls:    map[uint32]*pendingCall{},
		handlers: map[interfaceMember]HandlerFunc{},
		watchers:  mapset.New[*Watcher](),
		claims:    mapset.New[*Claim](),
		matchRefs: newMatchRegistry(),
		exports:   &exportRegistry{},
	}
	c.bus = c.Peer(ifaceBus).Object("/org/freedesktop/DBus")

	go c.readLoop()

	if !cfg.DirectPeer {
		resp, err := c.bus.Interface(ifaceBus).Call(ctx, "Hello", nil)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("getting dbus client id: %w", err)
		}
		if len(resp) != 1 {
			c.Close()
			return nil, fmt.Errorf("getting dbus client id: unexpected Hello reply")
		}
		name, _ := resp[0].String()
		c.clientID = name
	}

	c.Handle("org.freedesktop.DBus.Peer", "Ping", func(ctx context.Context, path ObjectPath, args []Value) ([]Value, error) {
		return nil, nil
	})
	c.Handle("org.freedesktop.DBus.Peer", "GetMachineId", func(ctx context.Context, path ObjectPath, args []Value) ([]Value, error) {
		id, err := machineID()
		if err != nil {
			return nil, err
		}
		return []Value{NewString(id)}, nil
	})

	return c, nil
}

// Conn is an authenticated DBus connection, running a single
// cooperative read loop that dispatches inbound messages and
// completes outstanding calls.
type Conn struct {
	t     transport.Transport
	cfg   Config
	order fragments.ByteOrder

	clientID string
	bus      Object

	writeMu sync.Mutex

	mu         sync.Mutex
	closed     bool
	calls      map[uint32]*pendingCall
	lastSerial uint32
	watchers   mapset.Set[*Watcher]
	claims     mapset.Set[*Claim]
	handlers   map[interfaceMember]HandlerFunc
	matchRefs  *matchRegistry
	exports    *exportRegistry
}

type interfaceMember struct {
	Interface string
	Member    string
}

func (im interfaceMember) String() string { return im.Interface + "." + im.Member }

type pendingCall struct {
	notify chan struct{}
	resp   *[]Value
	sig    Signature
	err    error
}

// Close shuts down the connection: all pending calls fail with
// [ErrConnectionClosed], all [Watcher]s and [Claim]s are closed, and
// the underlying transport is closed.
func (c *Conn) Close() error {
	var (
		pend map[uint32]*pendingCall
		ws   mapset.Set[*Watcher]
		cs   mapset.Set[*Claim]
	)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pend, c.calls = c.calls, nil
	ws, c.watchers = c.watchers, nil
	cs, c.claims = c.claims, nil
	c.mu.Unlock()

	for p := range maps.Values(pend) {
		p.err = ErrConnectionClosed
		close(p.notify)
	}
	for w := range ws {
		w.Close()
	}
	for cl := range cs {
		cl.Close()
	}
	return c.t.Close()
}

// LocalName returns the connection's unique bus name, as assigned by
// the broker during the Hello handshake.
func (c *Conn) LocalName() string { return c.clientID }

// Peer returns a handle to the named remote peer. The returned value
// is purely local: it does not indicate that the peer exists or is
// reachable.
func (c *Conn) Peer(name string) Peer {
	return Peer{c: c, name: name}
}

func (c *Conn) nextSerial() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrConnectionClosed
	}
	c.lastSerial++
	return c.lastSerial, nil
}

func (c *Conn) writeMsg(m *Message) error {
	bs, err := EncodeMessage(c.order, m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.t.Write(bs)
	return err
}

func (c *Conn) readLoop() {
	for {
		m, err := ReadMessage(c.t, c.cfg.unmarshalOpts())
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			log.Printf("dbus: read error, closing connection: %v", err)
			c.Close()
			return
		}
		c.dispatch(m)
	}
}

func (c *Conn) dispatch(m *Message) {
	switch m.Type {
	case TypeCall:
		go c.dispatchCall(m)
	case TypeReturn:
		c.dispatchReturn(m)
	case TypeError:
		c.dispatchErr(m)
	case TypeSignal:
		c.dispatchSignal(m)
	default:
		log.Printf("dbus: ignoring message of unknown type %d", byte(m.Type))
	}
}

func (c *Conn) dispatchCall(m *Message) {
	ctx := withContextSender(context.Background(), m.Sender)

	handler, serial, err := func() (HandlerFunc, uint32, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return nil, 0, ErrConnectionClosed
		}
		h := c.handlers[interfaceMember{m.Interface, m.Member}]
		c.lastSerial++
		return h, c.lastSerial, nil
	}()
	if err != nil {
		return
	}

	if handler == nil {
		c.replyError(serial, m, "org.freedesktop.DBus.Error.UnknownMethod",
			fmt.Sprintf("no such method %s.%s", m.Interface, m.Member))
		return
	}

	resp, err := handler(ctx, m.Path, m.Body)
	if m.WantReply() {
		if err != nil {
			name := "org.freedesktop.DBus.Error.Failed"
			var derr *DBusError
			if errors.As(err, &derr) {
				name = derr.Name
			}
			c.replyError(serial, m, name, err.Error())
			return
		}
		c.reply(serial, m, resp)
	}
}

func (c *Conn) reply(serial uint32, call *Message, body []Value) {
	rm := &Message{Header: Header{
		Type:        TypeReturn,
		Serial:      serial,
		Destination: call.Sender,
		ReplySerial: call.Serial,
	}, Body: body}
	if err := c.writeMsg(rm); err != nil {
		log.Printf("dbus: writing method return: %v", err)
	}
}

func (c *Conn) replyError(serial uint32, call *Message, name, detail string) {
	var body []Value
	if detail != "" {
		body = []Value{NewString(detail)}
	}
	rm := &Message{Header: Header{
		Type:        TypeError,
		Serial:      serial,
		Destination: call.Sender,
		ReplySerial: call.Serial,
		ErrorName:   name,
	}, Body: body}
	if err := c.writeMsg(rm); err != nil {
		log.Printf("dbus: writing error return: %v", err)
	}
}

func (c *Conn) dispatchReturn(m *Message) {
	pending := c.popPending(m.ReplySerial)
	if pending == nil {
		return
	}
	if pending.resp != nil {
		*pending.resp = m.Body
	}
	close(pending.notify)
}

func (c *Conn) dispatchErr(m *Message) {
	pending := c.popPending(m.ReplySerial)
	if pending == nil {
		return
	}
	detail := ""
	if len(m.Body) > 0 {
		if s, ok := m.Body[0].String(); ok {
			detail = s
		}
	}
	pending.err = &DBusError{Name: m.ErrorName, Detail: detail, Body: m.Body}
	close(pending.notify)
}

func (c *Conn) popPending(serial uint32) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.calls[serial]
	delete(c.calls, serial)
	return p
}

func (c *Conn) dispatchSignal(m *Message) {
	if m.Interface == "org.freedesktop.DBus.Properties" && m.Member == "PropertiesChanged" {
		c.dispatchPropChange(m)
	}
	for w := range c.lockedWatchers() {
		w.deliverSignal(m)
	}
}

func (c *Conn) dispatchPropChange(m *Message) {
	if len(m.Body) < 3 {
		return
	}
	iface, _ := m.Body[0].String()
	changed, _ := m.Body[1].Elements()
	for w := range c.lockedWatchers() {
		w.deliverPropChange(m, iface, changed)
	}
}

func (c *Conn) lockedWatchers() []*Watcher {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := make([]*Watcher, 0, len(c.watchers))
	for w := range c.watchers {
		ret = append(ret, w)
	}
	return ret
}

// call issues a method call and, if wantReply, blocks until the reply
// arrives, ctx is done, or the connection closes.
func (c *Conn) call(ctx context.Context, destination string, path ObjectPath, iface, method string, args []Value, flags Flags) ([]Value, error) {
	serial, err := c.nextSerial()
	if err != nil {
		return nil, err
	}

	noReply := flags&FlagNoReplyExpected != 0
	var resp []Value
	pending := &pendingCall{notify: make(chan struct{}, 1)}
	if !noReply {
		pending.resp = &resp
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrConnectionClosed
		}
		c.calls[serial] = pending
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			if c.calls[serial] == pending {
				delete(c.calls, serial)
			}
			c.mu.Unlock()
		}()
	}

	hdr := Header{
		Type:        TypeCall,
		Flags:       flags,
		Serial:      serial,
		Destination: destination,
		Path:        path,
		Interface:   iface,
		Member:      method,
	}
	if err := hdr.Valid(); err != nil {
		return nil, err
	}
	if err := c.writeMsg(&Message{Header: hdr, Body: args}); err != nil {
		return nil, err
	}
	if noReply {
		return nil, nil
	}

	select {
	case <-pending.notify:
		return resp, pending.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EmitSignal broadcasts a signal from obj on the given interface.
func (c *Conn) EmitSignal(ctx context.Context, obj ObjectPath, iface, signal string, args []Value) error {
	serial, err := c.nextSerial()
	if err != nil {
		return err
	}
	hdr := Header{
		Type:      TypeSignal,
		Serial:    serial,
		Path:      obj,
		Interface: iface,
		Member:    signal,
	}
	return c.writeMsg(&Message{Header: hdr, Body: args})
}

// HandlerFunc implements one exported method. args holds the decoded
// method call body, in the order declared by the interface
// description; the returned slice is the method's return values, in
// the same order.
//
// Use [ContextSender] to find the unique bus name of the caller.
type HandlerFunc func(ctx context.Context, object ObjectPath, args []Value) ([]Value, error)

// Handle registers fn to serve calls to methodName on interfaceName,
// for every object path on this connection.
func (c *Conn) Handle(interfaceName, methodName string, fn HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[interfaceMember{interfaceName, methodName}] = fn
}
