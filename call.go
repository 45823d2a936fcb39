package dbus

import "context"

// Call invokes method on obj's org.freedesktop.DBus interface with
// body as the request, and returns the decoded response.
//
// This is a convenience wrapper for the handful of bus-level methods
// in [bus.go] that all target org.freedesktop.DBus. When body's type
// can't be inferred (e.g. it's a literal nil), give BodyT explicitly:
// Call[RespT, any](ctx, obj, method, nil).
func Call[RespT, BodyT any](ctx context.Context, obj Object, method string, body BodyT, opts ...CallOption) (RespT, error) {
	var resp RespT
	err := obj.Interface(ifaceBus).Call(ctx, method, body, &resp, opts...)
	return resp, err
}

// GetProperty reads the named property of iface and returns its
// decoded value.
func GetProperty[RespT any](ctx context.Context, iface Interface, name string, opts ...CallOption) (RespT, error) {
	var resp RespT
	err := iface.GetProperty(ctx, name, &resp, opts...)
	return resp, err
}
