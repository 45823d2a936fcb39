package dbus

import (
	"context"
	"encoding/xml"
	"maps"
	"slices"
)

// Standard interface names implemented by every DBus connection and
// served object.
const (
	ifaceBus            = "org.freedesktop.DBus"
	ifacePeer           = "org.freedesktop.DBus.Peer"
	ifaceProps          = "org.freedesktop.DBus.Properties"
	ifaceIntrospectable = "org.freedesktop.DBus.Introspectable"
	ifaceObjectManager  = "org.freedesktop.DBus.ObjectManager"
)

type Object struct {
	p    Peer
	path ObjectPath
}

func (o Object) Conn() *Conn      { return o.p.Conn() }
func (o Object) Peer() Peer       { return o.p }
func (o Object) Path() ObjectPath { return o.path }

func (o Object) Interface(name string) Interface {
	return Interface{
		o:    o,
		name: name,
	}
}

func (o Object) Introspect(ctx context.Context, opts ...CallOption) (string, error) {
	var resp string
	if err := o.Conn().call(ctx, o.p.name, o.path, ifaceIntrospectable, "Introspect", nil, &resp, opts...); err != nil {
		return "", err
	}
	return resp, nil
}

// Interfaces returns the interfaces o's peer reports implementing,
// via org.freedesktop.DBus.Introspectable.
func (o Object) Interfaces(ctx context.Context, opts ...CallOption) ([]Interface, error) {
	names, err := o.introspectedInterfaces(ctx, opts...)
	if err != nil {
		return nil, err
	}
	ret := make([]Interface, 0, len(names))
	for _, n := range names {
		ret = append(ret, o.Interface(n))
	}
	return ret, nil
}

func (o Object) introspectedInterfaces(ctx context.Context, opts ...CallOption) ([]string, error) {
	doc, err := o.Introspect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	var desc ObjectDescription
	if err := xml.Unmarshal([]byte(doc), &desc); err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(desc.Interfaces)), nil
}

// GetRemoteObject returns a proxy for the object at path on p,
// together with the interfaces it implements: the union of what
// introspection reports and the caller-supplied knownInterfaces.
// knownInterfaces are always included, even if introspection fails or
// doesn't mention them — useful when a peer's introspection data is
// incomplete, or the caller doesn't want a round-trip at all.
//
// An introspection failure is only fatal if no knownInterfaces were
// given either, since then there would be nothing to return.
func GetRemoteObject(ctx context.Context, p Peer, path ObjectPath, knownInterfaces ...string) (Object, []Interface, error) {
	obj := p.Object(path)

	found, err := obj.introspectedInterfaces(ctx)
	if err != nil && len(knownInterfaces) == 0 {
		return Object{}, nil, err
	}

	seen := map[string]bool{}
	var names []string
	for _, n := range knownInterfaces {
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	for _, n := range found {
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}

	ret := make([]Interface, 0, len(names))
	for _, n := range names {
		ret = append(ret, obj.Interface(n))
	}
	return obj, ret, nil
}

func (o Object) ManagedObjects(ctx context.Context, opts ...CallOption) (map[Object][]Interface, error) {
	// object path -> interface name -> map[property name]value
	var resp map[ObjectPath]map[string]map[string]Variant
	err := o.Conn().call(ctx, o.p.name, o.path, ifaceObjectManager, "GetManagedObjects", nil, &resp, opts...)
	if err != nil {
		return nil, err
	}
	ret := make(map[Object][]Interface, len(resp))
	for path, ifs := range resp {
		// TODO: validate that path is a subpath of the current object
		child := o.Peer().Object(path)
		ifaces := make([]Interface, 0, len(ifs))
		for ifname := range maps.Keys(ifs) {
			ifaces = append(ifaces, child.Interface(ifname))
		}
		ret[o.Peer().Object(path)] = ifaces
	}
	return ret, nil
}
