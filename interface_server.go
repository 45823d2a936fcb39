package dbus

import (
	"context"
	"fmt"
)

// EmitsChanged describes how a property's value change is announced
// to watchers, mirroring the freedesktop
// org.freedesktop.DBus.Property.EmitsChangedSignal annotation.
type EmitsChanged int

const (
	// EmitsChangedFalse means the property never announces changes;
	// callers must poll with GetProperty.
	EmitsChangedFalse EmitsChanged = iota
	// EmitsChangedInvalidates means a PropertiesChanged signal is sent
	// naming the property, without its new value.
	EmitsChangedInvalidates
	// EmitsChangedTrue means a PropertiesChanged signal is sent
	// carrying the property's new value.
	EmitsChangedTrue
	// EmitsChangedConst means the property's value never changes
	// after the object is exported, so it is safe for a caller to
	// cache indefinitely.
	EmitsChangedConst
)

// ServerInterface is a declarative description of one DBus interface
// that a server can implement: its methods, signals, and properties.
// A single ServerInterface value can be attached to any number of
// [ExportedObject]s.
type ServerInterface struct {
	name string

	methodOrder []string
	methods     map[string]handlerFunc
	methodArgs  map[string]methodArgs

	signalOrder []string
	signals     map[string]bool

	propertyOrder []string
	properties    map[string]*serverProperty
}

// methodArgs records the wire-level argument signatures of a
// registered method, derived from its handler's Go types at
// [ServerInterface.Method] time so introspection can render
// <arg type=... direction=.../> without re-deriving them.
type methodArgs struct {
	in  []string
	out []string
}

type serverProperty struct {
	emitsChanged EmitsChanged
	sig          string
	get          func(ctx context.Context, obj ObjectPath) (any, error)
	set          func(ctx context.Context, obj ObjectPath, val any) error
}

// NewInterface returns an empty interface description named name,
// e.g. "com.example.Gopher".
func NewInterface(name string) *ServerInterface {
	return &ServerInterface{
		name:       name,
		methods:    map[string]handlerFunc{},
		methodArgs: map[string]methodArgs{},
		signals:    map[string]bool{},
		properties: map[string]*serverProperty{},
	}
}

// Method adds a method to the interface. fn must have one of the
// signatures documented on [Conn.Handle].
func (i *ServerInterface) Method(name string, fn any) *ServerInterface {
	h, reqType, respType := handlerForFunc(fn)
	in, err := argSignatures(reqType)
	if err != nil {
		panic(fmt.Errorf("method %s.%s: %w", i.name, name, err))
	}
	out, err := argSignatures(respType)
	if err != nil {
		panic(fmt.Errorf("method %s.%s: %w", i.name, name, err))
	}

	if _, ok := i.methods[name]; !ok {
		i.methodOrder = append(i.methodOrder, name)
	}
	i.methods[name] = h
	i.methodArgs[name] = methodArgs{in: in, out: out}
	return i
}

// Signal declares that the interface can emit a signal named name.
// The signal's argument types come from whatever type was registered
// for (i.name, name) with [RegisterSignalType], which must happen
// before introspection is served for an object exposing this
// interface.
func (i *ServerInterface) Signal(name string) *ServerInterface {
	if !i.signals[name] {
		i.signalOrder = append(i.signalOrder, name)
	}
	i.signals[name] = true
	return i
}

// Property declares a read-only property backed by get.
func Property[T any](i *ServerInterface, name string, emitsChanged EmitsChanged, get func(ctx context.Context, obj ObjectPath) (T, error)) *ServerInterface {
	return addProperty(i, name, emitsChanged, get, nil)
}

// ReadWriteProperty declares a property backed by get and set.
func ReadWriteProperty[T any](i *ServerInterface, name string, emitsChanged EmitsChanged, get func(ctx context.Context, obj ObjectPath) (T, error), set func(ctx context.Context, obj ObjectPath, val T) error) *ServerInterface {
	return addProperty(i, name, emitsChanged, get, set)
}

func addProperty[T any](i *ServerInterface, name string, emitsChanged EmitsChanged, get func(ctx context.Context, obj ObjectPath) (T, error), set func(ctx context.Context, obj ObjectPath, val T) error) *ServerInterface {
	sig, err := SignatureFor[T]()
	if err != nil {
		panic(fmt.Errorf("property %s.%s: %w", i.name, name, err))
	}
	p := &serverProperty{
		emitsChanged: emitsChanged,
		sig:          sig.String(),
		get: func(ctx context.Context, obj ObjectPath) (any, error) {
			return get(ctx, obj)
		},
	}
	if set != nil {
		p.set = func(ctx context.Context, obj ObjectPath, val any) error {
			tv, ok := val.(T)
			if !ok {
				return typeErr(nil, "property %s: cannot assign value of type %T", name, val)
			}
			return set(ctx, obj, tv)
		}
	}
	if _, ok := i.properties[name]; !ok {
		i.propertyOrder = append(i.propertyOrder, name)
	}
	i.properties[name] = p
	return i
}
