package transport

import (
	"fmt"
	"os"
	"strings"
)

// Address is one parsed alternative from a DBus server address
// string: a transport name and its comma-separated key=value
// parameters.
type Address struct {
	Transport string
	Params    map[string]string
}

// ParseAddress parses a DBus server address string: a
// semicolon-separated list of transport addresses, each of the form
// "transport:key1=value1,key2=value2".
func ParseAddress(s string) ([]Address, error) {
	var ret []Address
	for _, part := range strings.Split(s, ";") {
		if part == "" {
			continue
		}
		transport, params, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("malformed DBus address %q: missing transport prefix", part)
		}
		a := Address{Transport: transport, Params: map[string]string{}}
		for _, kv := range strings.Split(params, ",") {
			if kv == "" {
				continue
			}
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, fmt.Errorf("malformed DBus address %q: bad key=value pair %q", part, kv)
			}
			a.Params[k] = unescapeAddressValue(v)
		}
		ret = append(ret, a)
	}
	return ret, nil
}

// unescapeAddressValue undoes the percent-encoding DBus addresses use
// for bytes outside the address-safe character set.
func unescapeAddressValue(v string) string {
	if !strings.Contains(v, "%") {
		return v
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] == '%' && i+2 < len(v) {
			hi, lo := v[i+1], v[i+2]
			if h, ok := hexVal(hi); ok {
				if l, ok := hexVal(lo); ok {
					b.WriteByte(h<<4 | l)
					i += 2
					continue
				}
			}
		}
		b.WriteByte(v[i])
	}
	return b.String()
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// SystemBusAddress returns the well-known address of the system bus.
func SystemBusAddress() string {
	if a := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); a != "" {
		return a
	}
	return "unix:path=/run/dbus/system_bus_socket"
}

// SessionBusAddress returns the current user's session bus address
// from the environment, and whether one was found.
func SessionBusAddress() (string, bool) {
	a := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	return a, a != ""
}
