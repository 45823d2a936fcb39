package dbus

import (
	"fmt"
	"reflect"
	"sync"
)

var (
	signalsMu        sync.Mutex
	signalNameToType = map[interfaceMember]reflect.Type{}
	signalTypeToName = map[reflect.Type]interfaceMember{}

	propsMu        sync.Mutex
	propNameToType = map[interfaceMember]reflect.Type{}
	propTypeToName = map[reflect.Type]interfaceMember{}
)

// RegisterSignalType registers T as the struct type to use when
// decoding the body of the given signal name.
//
// RegisterSignalType panics if the signal already has a registered
// type.
func RegisterSignalType[T any](interfaceName, signalName string) {
	k := interfaceMember{interfaceName, signalName}
	t := reflect.TypeFor[T]()
	if t.Kind() != reflect.Struct {
		panic(fmt.Errorf("cannot use type %s (%s) as the payload type for signal %s, signal payloads must be structs", t, t.Kind(), k))
	}
	if _, err := SignatureFor[T](); err != nil {
		panic(fmt.Errorf("cannot use %s as dbus type for signal %s: %w", t, k, err))
	}
	signalsMu.Lock()
	defer signalsMu.Unlock()
	if prev := signalNameToType[k]; prev != nil {
		panic(fmt.Errorf("duplicate signal type registration for %s, existing registration %s", k, prev))
	}
	if prev, ok := signalTypeToName[t]; ok {
		panic(fmt.Errorf("duplicate signal type registration for %s, already in use by %s", t, prev))
	}
	signalNameToType[k] = t
	signalTypeToName[t] = k
}

// signalTypeFor returns the struct type registered for the given
// signal, or nil if none is registered.
func signalTypeFor(interfaceName, signalName string) reflect.Type {
	signalsMu.Lock()
	defer signalsMu.Unlock()
	return signalNameToType[interfaceMember{interfaceName, signalName}]
}

// signalNameFor returns the interface and member name that t was
// registered under with [RegisterSignalType].
func signalNameFor(t reflect.Type) (interfaceMember, bool) {
	signalsMu.Lock()
	defer signalsMu.Unlock()
	k, ok := signalTypeToName[t]
	return k, ok
}

// RegisterPropertyChangeType registers T as the value type to use
// when decoding PropertiesChanged notifications for the given
// property.
//
// RegisterPropertyChangeType panics if the property already has a
// registered type.
func RegisterPropertyChangeType[T any](interfaceName, propertyName string) {
	k := interfaceMember{interfaceName, propertyName}
	t := reflect.TypeFor[T]()
	if _, err := SignatureFor[T](); err != nil {
		panic(fmt.Errorf("cannot use %s as dbus type for property %s: %w", t, k, err))
	}
	propsMu.Lock()
	defer propsMu.Unlock()
	if prev, ok := propNameToType[k]; ok {
		panic(fmt.Errorf("duplicate property type registration for %s, existing registration %s", k, prev))
	}
	if prev, ok := propTypeToName[t]; ok {
		panic(fmt.Errorf("duplicate property type registration for %s, already in use by %s", t, prev))
	}
	propNameToType[k] = t
	propTypeToName[t] = k
}

// propTypeFor returns the value type registered for the given
// property, or nil if none is registered.
func propTypeFor(interfaceName, propertyName string) reflect.Type {
	propsMu.Lock()
	defer propsMu.Unlock()
	return propNameToType[interfaceMember{interfaceName, propertyName}]
}

// propNameFor returns the interface and property name that t was
// registered under with [RegisterPropertyChangeType].
func propNameFor(t reflect.Type) (interfaceMember, bool) {
	propsMu.Lock()
	defer propsMu.Unlock()
	k, ok := propTypeToName[t]
	return k, ok
}
