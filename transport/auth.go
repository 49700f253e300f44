package transport

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrAuthFailed is wrapped into the error authenticate returns once
// every configured mechanism has been rejected by the peer. Callers
// above this package (see [dbus.AuthFailedError]) use errors.Is to
// recognize it.
var ErrAuthFailed = errors.New("no SASL mechanism succeeded")

// Mechanism is the name of a SASL authentication mechanism that a
// DBus [Authenticator] can attempt.
type Mechanism string

const (
	MechanismExternal   Mechanism = "EXTERNAL"
	MechanismCookieSHA1 Mechanism = "DBUS_COOKIE_SHA1"
	MechanismAnonymous  Mechanism = "ANONYMOUS"
)

// Authenticator drives the client side of the DBus SASL handshake. Its
// zero value tries EXTERNAL, then DBUS_COOKIE_SHA1, then ANONYMOUS, in
// that order, which is sufficient to authenticate to the standard
// system and session buses and falls back to ANONYMOUS only if both
// identity-proving mechanisms are rejected.
type Authenticator struct {
	// Mechanisms lists the SASL mechanisms to try, in order. A nil
	// slice means {EXTERNAL, DBUS_COOKIE_SHA1, ANONYMOUS}.
	Mechanisms []Mechanism
	// Now is not read by the handshake: DBUS_COOKIE_SHA1 cookies are
	// chosen by id alone, with no freshness check.
	Now func() time.Time
}

func (a Authenticator) mechanisms() []Mechanism {
	if len(a.Mechanisms) > 0 {
		return a.Mechanisms
	}
	return []Mechanism{MechanismExternal, MechanismCookieSHA1, MechanismAnonymous}
}

// authenticate runs the SASL handshake over t, ending with BEGIN on
// success.
func authenticate(t *streamTransport, auth Authenticator) error {
	if err := t.setDeadline(time.Now().Add(30 * time.Second)); err != nil {
		return err
	}
	defer t.setDeadline(time.Time{})

	if _, err := t.Write([]byte{0}); err != nil {
		return err
	}

	var lastErr error
	for _, mech := range auth.mechanisms() {
		ok, err := tryMechanism(t, mech, auth)
		if err != nil {
			return err
		}
		if ok {
			if _, err := io.WriteString(t, "NEGOTIATE_UNIX_FD\r\n"); err != nil {
				return err
			}
			line, err := t.readLine()
			if err != nil {
				return err
			}
			_ = line // AGREE_UNIX_FD vs ERROR; callers that need FD passing use FDTransport directly.
			if _, err := io.WriteString(t, "BEGIN\r\n"); err != nil {
				return err
			}
			return nil
		}
		lastErr = fmt.Errorf("mechanism %s rejected", mech)
	}
	return fmt.Errorf("dbus auth: %w: %w", ErrAuthFailed, lastErr)
}

func tryMechanism(t *streamTransport, mech Mechanism, auth Authenticator) (bool, error) {
	switch mech {
	case MechanismExternal:
		return tryExternal(t)
	case MechanismCookieSHA1:
		return tryCookieSHA1(t, auth)
	case MechanismAnonymous:
		return tryAnonymous(t)
	default:
		return false, fmt.Errorf("unsupported auth mechanism %q", mech)
	}
}

func tryExternal(t *streamTransport) (bool, error) {
	uid := hex.EncodeToString([]byte(strconv.Itoa(os.Getuid())))
	if _, err := io.WriteString(t, "AUTH EXTERNAL "+uid+"\r\n"); err != nil {
		return false, err
	}
	line, err := t.readLine()
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(line, "OK "), nil
}

func tryAnonymous(t *streamTransport) (bool, error) {
	trace := hex.EncodeToString([]byte("dbuscore"))
	if _, err := io.WriteString(t, "AUTH ANONYMOUS "+trace+"\r\n"); err != nil {
		return false, err
	}
	line, err := t.readLine()
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(line, "OK "), nil
}

// tryCookieSHA1 implements the DBUS_COOKIE_SHA1 mechanism: the server
// names a cookie context and id; the client reads the matching secret
// from ~/.dbus-keyrings/<context> and proves knowledge of it by
// hashing it together with a server-provided and a client-provided
// challenge.
func tryCookieSHA1(t *streamTransport, auth Authenticator) (bool, error) {
	uid := hex.EncodeToString([]byte(strconv.Itoa(os.Getuid())))
	if _, err := io.WriteString(t, "AUTH DBUS_COOKIE_SHA1 "+uid+"\r\n"); err != nil {
		return false, err
	}
	line, err := t.readLine()
	if err != nil {
		return false, err
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "DATA ") {
		return false, nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(line, "DATA "))
	if err != nil {
		return false, fmt.Errorf("decoding DBUS_COOKIE_SHA1 challenge: %w", err)
	}
	fields := strings.SplitN(string(raw), " ", 3)
	if len(fields) != 3 {
		return false, fmt.Errorf("malformed DBUS_COOKIE_SHA1 challenge %q", raw)
	}
	context, cookieID, serverChallenge := fields[0], fields[1], fields[2]

	cookie, err := readCookie(context, cookieID)
	if err != nil {
		return false, fmt.Errorf("reading DBUS_COOKIE_SHA1 cookie: %w", err)
	}

	clientChallenge := make([]byte, 16)
	if _, err := rand.Read(clientChallenge); err != nil {
		return false, err
	}
	clientChallengeHex := hex.EncodeToString(clientChallenge)

	h := sha1.New()
	io.WriteString(h, serverChallenge+":"+clientChallengeHex+":"+cookie)
	resp := fmt.Sprintf("%s %s", clientChallengeHex, hex.EncodeToString(h.Sum(nil)))

	if _, err := io.WriteString(t, "DATA "+hex.EncodeToString([]byte(resp))+"\r\n"); err != nil {
		return false, err
	}
	respLine, err := t.readLine()
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(respLine, "OK "), nil
}

func readCookie(context, id string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(home, ".dbus-keyrings", context)
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		fields := strings.SplitN(s.Text(), " ", 3)
		if len(fields) != 3 {
			continue
		}
		if fields[0] == id {
			return fields[2], nil
		}
	}
	if err := s.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no cookie with id %s in keyring %s", id, context)
}
