package dbus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cocagne/txdbus/transport"
)

// Address is a single parsed DBus server address, e.g.
// "unix:path=/run/dbus/system_bus_socket" or "tcp:host=localhost,port=1234".
type Address struct {
	Transport string
	Params    map[string]string
}

// ParseAddress parses a DBus address list, as found in
// DBUS_SESSION_BUS_ADDRESS or a bus config file. Multiple addresses
// are separated by semicolons, and are tried in order until one
// succeeds.
func ParseAddress(s string) ([]Address, error) {
	var ret []Address
	for _, one := range strings.Split(s, ";") {
		if one == "" {
			continue
		}
		addr, err := parseOneAddress(one)
		if err != nil {
			return nil, err
		}
		ret = append(ret, addr)
	}
	if len(ret) == 0 {
		return nil, fmt.Errorf("empty address list %q", s)
	}
	return ret, nil
}

func parseOneAddress(s string) (Address, error) {
	transportName, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Address{}, fmt.Errorf("invalid address %q, missing transport prefix", s)
	}
	params := map[string]string{}
	for _, kv := range strings.Split(rest, ",") {
		if kv == "" {
			continue
		}
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return Address{}, fmt.Errorf("invalid address %q, malformed key-value pair %q", s, kv)
		}
		unescaped, err := unescapeAddressValue(v)
		if err != nil {
			return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
		}
		params[k] = unescaped
	}
	return Address{Transport: transportName, Params: params}, nil
}

// unescapeAddressValue undoes the percent-encoding that DBus address
// values use to represent bytes outside their permitted charset.
func unescapeAddressValue(s string) (string, error) {
	var ret strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			ret.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated percent escape in %q", s)
		}
		hi, lo := hexDigit(s[i+1]), hexDigit(s[i+2])
		if hi < 0 || lo < 0 {
			return "", fmt.Errorf("invalid percent escape %q", s[i:i+3])
		}
		ret.WriteByte(byte(hi<<4 | lo))
		i += 2
	}
	return ret.String(), nil
}

func hexDigit(b byte) int {
	switch {
	case b >= '0' && b <= '9':
		return int(b - '0')
	case b >= 'a' && b <= 'f':
		return int(b-'a') + 10
	case b >= 'A' && b <= 'F':
		return int(b-'A') + 10
	default:
		return -1
	}
}

// Dial connects to the first address in addrs that can be reached.
func Dial(ctx context.Context, addrs []Address) (transport.Transport, error) {
	var errs []error
	for _, addr := range addrs {
		t, err := dialOne(ctx, addr)
		if err == nil {
			return t, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", addr.Transport, err))
	}
	return nil, errors.Join(errs...)
}

func dialOne(ctx context.Context, addr Address) (transport.Transport, error) {
	switch addr.Transport {
	case "unix":
		if path, ok := addr.Params["path"]; ok {
			return wrapAuthError(transport.DialUnix(ctx, path))
		}
		if abstract, ok := addr.Params["abstract"]; ok {
			return wrapAuthError(transport.DialUnix(ctx, "@"+abstract))
		}
		return nil, errors.New("unix address missing path or abstract parameter")
	case "tcp":
		host, port := addr.Params["host"], addr.Params["port"]
		if host == "" || port == "" {
			return nil, errors.New("tcp address missing host or port parameter")
		}
		return wrapAuthError(transport.DialTCP(ctx, host, port))
	default:
		return nil, fmt.Errorf("unsupported transport %q", addr.Transport)
	}
}

// wrapAuthError turns a transport-level SASL failure into the
// package's own [AuthError], so callers can errors.As into it without
// depending on the transport package's error types.
func wrapAuthError(t transport.Transport, err error) (transport.Transport, error) {
	var ae *transport.AuthError
	if errors.As(err, &ae) {
		return nil, AuthError{Mechanism: ae.Mechanism, Reason: ae.Reason}
	}
	return t, err
}

// ResolveSystemBus returns the system bus's address list: the value of
// the DBUS_SYSTEM_BUS_ADDRESS environment variable if it is set, and
// otherwise the conventional system bus socket paths.
func ResolveSystemBus() ([]Address, error) {
	if v := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); v != "" {
		return ParseAddress(v)
	}
	return ParseAddress("unix:path=/run/dbus/system_bus_socket;unix:path=/var/run/dbus/system_bus_socket")
}

// ResolveSessionBus returns the current user's session bus address
// list, read from the DBUS_SESSION_BUS_ADDRESS environment variable.
func ResolveSessionBus() ([]Address, error) {
	v := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if v == "" {
		return nil, errors.New("DBUS_SESSION_BUS_ADDRESS is not set")
	}
	return ParseAddress(v)
}
