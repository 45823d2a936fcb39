package dbus

import (
	"fmt"
	"reflect"
)

// TypeError is the error returned when a type cannot be represented
// in the DBus wire format.
type TypeError struct {
	// Type is the name of the type that caused the error.
	Type string
	// Reason is an explanation of why the type isn't representable by
	// DBus.
	Reason error
}

func (e TypeError) Error() string {
	return fmt.Sprintf("dbus cannot represent %s: %s", e.Type, e.Reason)
}

func (e TypeError) Unwrap() error {
	return e.Reason
}

func typeErr(t reflect.Type, reason string, args ...any) error {
	ts := ""
	if t != nil {
		ts = t.String()
	}
	return TypeError{ts, fmt.Errorf(reason, args...)}
}

// CallError is the error returned from failed DBus method calls.
type CallError struct {
	// Name is the error name provided by the remote peer.
	Name string
	// Detail is the human-readable explanation of what went wrong.
	Detail string
}

func (e CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}

// AuthError is returned when the SASL handshake with the bus fails.
type AuthError struct {
	// Mechanism is the SASL mechanism that was being attempted when
	// the failure occurred, or empty if no mechanism was usable.
	Mechanism string
	// Reason explains why authentication failed.
	Reason error
}

func (e AuthError) Error() string {
	if e.Mechanism == "" {
		return fmt.Sprintf("dbus authentication failed: %s", e.Reason)
	}
	return fmt.Sprintf("dbus authentication failed (mechanism %s): %s", e.Mechanism, e.Reason)
}

func (e AuthError) Unwrap() error { return e.Reason }

// TimeoutError is returned when a method call's [CallOptions.Timeout]
// or context deadline elapses before a reply arrives.
type TimeoutError struct {
	// Destination, Path, Interface and Member identify the call that
	// timed out.
	Destination string
	Path        ObjectPath
	Interface   string
	Member      string
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("call to %s at %s %s.%s timed out", e.Destination, e.Path, e.Interface, e.Member)
}

// TransportError is returned for method calls that cannot complete
// because the connection to the bus is closed: calls still waiting
// for a reply when [Conn.Close] runs, and calls made afterwards.
// Errors from dialing, or from writing a message, are returned as
// they come from the transport, not wrapped in a TransportError.
type TransportError struct {
	// Op names the operation that failed ("close" or "call").
	Op     string
	Reason error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("dbus transport %s: %s", e.Op, e.Reason)
}

func (e TransportError) Unwrap() error { return e.Reason }

// UnknownObjectError is the Go equivalent of a reply with error name
// org.freedesktop.DBus.Error.UnknownObject.
//
// Path is populated on the server side, where the object path is
// known directly. On the client side, where this error is
// reconstructed from a received [CallError], Path is left empty and
// Detail carries whatever human-readable text the remote peer sent.
type UnknownObjectError struct {
	Path   ObjectPath
	Detail string
}

func (e UnknownObjectError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("unknown object %s", e.Path)
	}
	return fmt.Sprintf("unknown object: %s", e.Detail)
}

// UnknownMethodError is the Go equivalent of a reply with error name
// org.freedesktop.DBus.Error.UnknownMethod. See [UnknownObjectError]
// for the client-side vs. server-side field population.
type UnknownMethodError struct {
	Interface string
	Member    string
	Detail    string
}

func (e UnknownMethodError) Error() string {
	if e.Interface == "" && e.Member == "" {
		return fmt.Sprintf("unknown method: %s", e.Detail)
	}
	return fmt.Sprintf("unknown method %s.%s", e.Interface, e.Member)
}

// asCallError translates a well-known org.freedesktop.DBus.Error.*
// name into its typed Go equivalent, for callers that want to
// errors.As into a specific failure instead of matching on
// [CallError.Name].
func asCallError(e CallError) error {
	switch e.Name {
	case "org.freedesktop.DBus.Error.UnknownObject":
		return UnknownObjectError{Detail: e.Detail}
	case "org.freedesktop.DBus.Error.UnknownMethod":
		return UnknownMethodError{Detail: e.Detail}
	default:
		return e
	}
}
