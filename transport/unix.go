// Package transport implements the DBus transport-acquisition layer:
// parsing bus addresses, dialing the underlying socket, and running
// the SASL authentication handshake before handing back a plain byte
// stream for the message codec to use.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// Transport is a raw, authenticated DBus connection: a byte stream
// ready to carry DBus messages.
type Transport interface {
	io.ReadWriteCloser
}

// FDTransport is implemented by transports that can pass UNIX file
// descriptors alongside message bytes, for the wire format's 'h' type
// (§4.3) once NEGOTIATE_UNIX_FD has been accepted during auth (§6).
// The transports returned by [Dial] implement it for both UNIX and
// TCP addresses, but SendFDs and RecvFDs return an error unless the
// underlying connection is a UNIX domain socket.
type FDTransport interface {
	Transport
	SendFDs(fds []int) error
	RecvFDs(n int) ([]int, error)
}

// Dial connects and authenticates to the bus described by addr, a
// DBus server address string (e.g.
// "unix:path=/run/dbus/system_bus_socket" or
// "tcp:host=localhost,port=1234"), trying each semicolon-separated
// alternative in turn until one succeeds.
func Dial(ctx context.Context, addr string, auth Authenticator) (Transport, error) {
	addrs, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no usable addresses in %q", addr)
	}
	var lastErr error
	for _, a := range addrs {
		t, err := dialOne(ctx, a)
		if err != nil {
			lastErr = err
			continue
		}
		if err := authenticate(t, auth); err != nil {
			t.Close()
			lastErr = err
			continue
		}
		return t, nil
	}
	return nil, fmt.Errorf("could not connect to any address in %q: %w", addr, lastErr)
}

func dialOne(ctx context.Context, a Address) (*streamTransport, error) {
	var (
		conn net.Conn
		err  error
	)
	d := net.Dialer{}
	switch a.Transport {
	case "unix":
		path := a.Params["path"]
		if path == "" {
			path = "@" + a.Params["abstract"]
		}
		conn, err = d.DialContext(ctx, "unix", path)
	case "tcp":
		host, port := a.Params["host"], a.Params["port"]
		if host == "" {
			host = "localhost"
		}
		conn, err = d.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	default:
		return nil, fmt.Errorf("unsupported transport %q", a.Transport)
	}
	if err != nil {
		return nil, err
	}
	return &streamTransport{conn: conn, buf: bufio.NewReader(conn)}, nil
}

// streamTransport adapts a net.Conn into the buffered reader the SASL
// handshake needs (to read line-delimited text) while remaining a
// plain Transport afterwards.
type streamTransport struct {
	conn net.Conn
	buf  *bufio.Reader
}

func (t *streamTransport) Read(bs []byte) (int, error)  { return t.buf.Read(bs) }
func (t *streamTransport) Write(bs []byte) (int, error) { return t.conn.Write(bs) }
func (t *streamTransport) Close() error                 { return t.conn.Close() }

func (t *streamTransport) readLine() (string, error) {
	return t.buf.ReadString('\n')
}

func (t *streamTransport) setDeadline(d time.Time) error {
	return t.conn.SetDeadline(d)
}

// SendFDs passes fds to the peer as ancillary data on the next
// message. It only works when the underlying connection is a UNIX
// domain socket.
func (t *streamTransport) SendFDs(fds []int) error {
	uc, ok := t.conn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("transport does not support FD passing")
	}
	oob := unix.UnixRights(fds...)
	_, _, err := uc.WriteMsgUnix(nil, oob, nil)
	return err
}

// RecvFDs reads n file descriptors passed as ancillary data on the
// next message. It only works when the underlying connection is a
// UNIX domain socket.
func (t *streamTransport) RecvFDs(n int) ([]int, error) {
	uc, ok := t.conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("transport does not support FD passing")
	}
	oob := make([]byte, unix.CmsgSpace(n*4))
	_, oobn, flags, _, err := uc.ReadMsgUnix(nil, oob)
	if err != nil {
		return nil, err
	}
	if flags&unix.MSG_CTRUNC != 0 {
		return nil, fmt.Errorf("control message truncated while receiving FDs")
	}
	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, err
	}
	var fds []int
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		got, err := unix.ParseUnixRights(&scm)
		if err != nil {
			return nil, err
		}
		fds = append(fds, got...)
	}
	return fds, nil
}
