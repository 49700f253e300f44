package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"testing"
)

// TestAuthenticateExhaustionReturnsAuthFailedError simulates a peer
// that rejects every mechanism in the default list, and checks that
// the resulting error can be recognized with errors.Is(err,
// ErrAuthFailed), the way [dbus.Connect] does at the package
// boundary.
func TestAuthenticateExhaustionReturnsAuthFailedError(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r := bufio.NewReader(serverConn)
		// the initial NUL byte preceding the first AUTH line.
		if _, err := r.ReadByte(); err != nil {
			return
		}
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			_ = line
			if _, err := io.WriteString(serverConn, "REJECTED\r\n"); err != nil {
				return
			}
		}
	}()

	t2 := &streamTransport{conn: clientConn, buf: bufio.NewReader(clientConn)}
	err := authenticate(t2, Authenticator{})
	clientConn.Close()
	serverConn.Close()
	<-done

	if err == nil {
		t.Fatalf("authenticate succeeded against a peer that rejects every mechanism")
	}
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("authenticate error = %v, want one wrapping ErrAuthFailed", err)
	}
}
