package dbus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cocagne/txdbus/fragments"
)

// ObjectServer tracks the set of objects a [Conn] exports, and routes
// incoming method calls to them.
//
// An ObjectServer wires each (interface, method) pair it encounters
// into the Conn's low-level dispatch table exactly once, via the
// Conn's internal setHandler; the actual per-object routing happens inside that
// shared handler, keyed on the call's target [ObjectPath].
type ObjectServer struct {
	conn *Conn

	mu      sync.Mutex
	objects map[ObjectPath]*ExportedObject
	bound   map[interfaceMember]bool
}

// NewObjectServer returns an ObjectServer that exports objects on c.
func NewObjectServer(c *Conn) *ObjectServer {
	return &ObjectServer{
		conn:    c,
		objects: map[ObjectPath]*ExportedObject{},
		bound:   map[interfaceMember]bool{},
	}
}

// ExportedObject is a single object exported on the bus: a path plus
// the set of interfaces it implements.
type ExportedObject struct {
	srv  *ObjectServer
	path ObjectPath

	mu    sync.Mutex
	order []string
	ifces map[string]*ServerInterface
}

// Export creates a new object at path. Export returns an error if
// path is malformed, or already exported.
func (s *ObjectServer) Export(path ObjectPath) (*ExportedObject, error) {
	if err := validateObjectPath(path); err != nil {
		return nil, err
	}

	eo := func() *ExportedObject {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, exists := s.objects[path]; exists {
			return nil
		}
		eo := &ExportedObject{
			srv:   s,
			path:  path,
			ifces: map[string]*ServerInterface{},
		}
		s.objects[path] = eo
		return eo
	}()
	if eo == nil {
		return nil, fmt.Errorf("object %s is already exported", path)
	}

	for _, iface := range eo.standardInterfaces() {
		eo.AddInterface(iface)
	}
	return eo, nil
}

// Unexport removes path from the set of objects served by s.
func (s *ObjectServer) Unexport(path ObjectPath) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, path)
}

func validateObjectPath(path ObjectPath) error {
	s := string(path)
	if !strings.HasPrefix(s, "/") {
		return fmt.Errorf("invalid object path %q: must start with /", s)
	}
	if s != "/" && strings.HasSuffix(s, "/") {
		return fmt.Errorf("invalid object path %q: must not end with /", s)
	}
	if strings.Contains(s, "//") {
		return fmt.Errorf("invalid object path %q: must not contain empty segments", s)
	}
	return nil
}

// AddInterface attaches iface to o, and wires every one of its
// methods into the connection's dispatch table if this is the first
// time this (interface, method) pair has been seen by the
// ObjectServer.
func (o *ExportedObject) AddInterface(iface *ServerInterface) *ExportedObject {
	o.mu.Lock()
	if _, exists := o.ifces[iface.name]; !exists {
		o.order = append(o.order, iface.name)
	}
	o.ifces[iface.name] = iface
	o.mu.Unlock()

	o.srv.mu.Lock()
	defer o.srv.mu.Unlock()
	for _, method := range iface.methodOrder {
		key := interfaceMember{iface.name, method}
		if o.srv.bound[key] {
			continue
		}
		o.srv.bound[key] = true
		o.srv.conn.setHandler(key, o.srv.dispatch(iface.name, method))
	}
	return o
}

// dispatch returns the handler shared by every exported object for
// calls to (ifaceName, methodName). It resolves the call's target
// object at call time and forwards to that object's method.
func (s *ObjectServer) dispatch(ifaceName, methodName string) handlerFunc {
	return func(ctx context.Context, obj ObjectPath, req *fragments.Decoder) (any, error) {
		s.mu.Lock()
		eo := s.objects[obj]
		s.mu.Unlock()
		if eo == nil {
			return nil, UnknownObjectError{Path: obj}
		}
		fn, ok := eo.lookupMethod(ifaceName, methodName)
		if !ok {
			return nil, UnknownMethodError{Interface: ifaceName, Member: methodName}
		}
		return fn(ctx, obj, req)
	}
}

func (o *ExportedObject) lookupMethod(ifaceName, methodName string) (handlerFunc, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if ifaceName != "" {
		iface, ok := o.ifces[ifaceName]
		if !ok {
			return nil, false
		}
		fn, ok := iface.methods[methodName]
		return fn, ok
	}

	for _, name := range o.order {
		iface := o.ifces[name]
		if fn, ok := iface.methods[methodName]; ok {
			return fn, true
		}
	}
	return nil, false
}

// NotifyPropertyChanged emits the appropriate PropertiesChanged
// signal for property on interface ifaceName, per that property's
// [EmitsChanged] setting. Call this after changing a property's
// underlying value from application code.
func (o *ExportedObject) NotifyPropertyChanged(ctx context.Context, ifaceName, property string) error {
	o.mu.Lock()
	iface, ok := o.ifces[ifaceName]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("object %s does not implement interface %s", o.path, ifaceName)
	}
	prop, ok := iface.properties[property]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("interface %s has no property %s", ifaceName, property)
	}

	switch prop.emitsChanged {
	case EmitsChangedFalse, EmitsChangedConst:
		return nil
	case EmitsChangedInvalidates:
		return o.srv.conn.EmitSignal(ctx, o.path, PropertiesChanged{
			Interface:             ifaceName,
			InvalidatedProperties: []string{property},
		})
	default:
		val, err := prop.get(ctx, o.path)
		if err != nil {
			return err
		}
		return o.srv.conn.EmitSignal(ctx, o.path, PropertiesChanged{
			Interface:         ifaceName,
			ChangedProperties: map[string]Variant{property: {Value: val}},
		})
	}
}

type propGetReq struct {
	Interface string
	Name      string
}

type propSetReq struct {
	Interface string
	Name      string
	Value     Variant
}

type propGetAllReq struct {
	Interface string
}

// standardInterfaces returns the org.freedesktop.DBus.Introspectable
// and org.freedesktop.DBus.Properties interface implementations every
// exported object carries automatically. org.freedesktop.DBus.Peer is
// handled globally by [Conn] itself, since it needs no per-object
// state.
func (o *ExportedObject) standardInterfaces() []*ServerInterface {
	introspect := NewInterface(ifaceIntrospectable).
		Method("Introspect", func(ctx context.Context, obj ObjectPath) (string, error) {
			return o.introspectXML(), nil
		})

	props := NewInterface(ifaceProps).
		Method("Get", o.handleGet).
		Method("Set", o.handleSet).
		Method("GetAll", o.handleGetAll)

	return []*ServerInterface{introspect, props}
}

// lookupProperty finds the named property, searching every interface
// o implements, in declaration order, when ifaceName is empty. This
// mirrors lookupMethod's empty-interface fallback: a real DBus client
// is allowed to call org.freedesktop.DBus.Properties.Get/Set/GetAll
// with no interface name when the property name alone is unambiguous.
func (o *ExportedObject) lookupProperty(ifaceName, propName string) (*serverProperty, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if ifaceName != "" {
		iface, ok := o.ifces[ifaceName]
		if !ok {
			return nil, false
		}
		prop, ok := iface.properties[propName]
		return prop, ok
	}

	for _, name := range o.order {
		iface := o.ifces[name]
		if prop, ok := iface.properties[propName]; ok {
			return prop, true
		}
	}
	return nil, false
}

// propertiesOf returns the interfaces whose properties a GetAll call
// should return: just ifaceName if given, or every interface o
// implements, in declaration order, when it is empty.
func (o *ExportedObject) propertiesOf(ifaceName string) ([]*ServerInterface, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if ifaceName != "" {
		iface, ok := o.ifces[ifaceName]
		if !ok {
			return nil, false
		}
		return []*ServerInterface{iface}, true
	}

	ret := make([]*ServerInterface, len(o.order))
	for i, name := range o.order {
		ret[i] = o.ifces[name]
	}
	return ret, true
}

func (o *ExportedObject) handleGet(ctx context.Context, obj ObjectPath, req propGetReq) (Variant, error) {
	prop, ok := o.lookupProperty(req.Interface, req.Name)
	if !ok {
		return Variant{}, fmt.Errorf("object %s has no property %s.%s", obj, req.Interface, req.Name)
	}
	val, err := prop.get(ctx, obj)
	if err != nil {
		return Variant{}, err
	}
	return Variant{Value: val}, nil
}

func (o *ExportedObject) handleSet(ctx context.Context, obj ObjectPath, req propSetReq) error {
	prop, ok := o.lookupProperty(req.Interface, req.Name)
	if !ok {
		return fmt.Errorf("object %s has no property %s.%s", obj, req.Interface, req.Name)
	}
	if prop.set == nil {
		return fmt.Errorf("property %s.%s is read-only", req.Interface, req.Name)
	}
	return prop.set(ctx, obj, req.Value.Value)
}

func (o *ExportedObject) handleGetAll(ctx context.Context, obj ObjectPath, req propGetAllReq) (map[string]Variant, error) {
	ifaces, ok := o.propertiesOf(req.Interface)
	if !ok {
		return nil, fmt.Errorf("object %s does not implement interface %s", obj, req.Interface)
	}
	ret := map[string]Variant{}
	for _, iface := range ifaces {
		for name, prop := range iface.properties {
			val, err := prop.get(ctx, obj)
			if err != nil {
				return nil, err
			}
			ret[name] = Variant{Value: val}
		}
	}
	return ret, nil
}

// introspectXML renders the introspection document for o, including
// any children registered on the same ObjectServer whose path is
// directly below o.path.
func (o *ExportedObject) introspectXML() string {
	o.mu.Lock()
	order := append([]string(nil), o.order...)
	ifces := make(map[string]*ServerInterface, len(o.ifces))
	for k, v := range o.ifces {
		ifces[k] = v
	}
	o.mu.Unlock()

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN" "http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">` + "\n")
	b.WriteString("<node>\n")

	writePeerInterfaceXML(&b)
	for _, name := range order {
		writeInterfaceXML(&b, ifces[name])
	}

	for _, child := range o.childNames() {
		fmt.Fprintf(&b, "  <node name=%q/>\n", child)
	}

	b.WriteString("</node>\n")
	return b.String()
}

// writePeerInterfaceXML renders org.freedesktop.DBus.Peer's fixed
// shape. Peer is implemented globally by [Conn] rather than per-object
// (see newConn's Handle calls), so it has no [ServerInterface] of its
// own to introspect, but every object still carries it.
func writePeerInterfaceXML(b *strings.Builder) {
	fmt.Fprintf(b, "  <interface name=%q>\n", ifacePeer)
	b.WriteString("    <method name=\"Ping\">\n    </method>\n")
	b.WriteString("    <method name=\"GetMachineId\">\n")
	b.WriteString("      <arg direction=\"out\" type=\"s\"/>\n")
	b.WriteString("    </method>\n")
	b.WriteString("  </interface>\n")
}

// writeInterfaceXML renders one <interface> element for a
// user-declared interface.
func writeInterfaceXML(b *strings.Builder, iface *ServerInterface) {
	fmt.Fprintf(b, "  <interface name=%q>\n", iface.name)
	for _, m := range iface.methodOrder {
		args := iface.methodArgs[m]
		fmt.Fprintf(b, "    <method name=%q>\n", m)
		for _, sig := range args.in {
			fmt.Fprintf(b, "      <arg direction=\"in\" type=%q/>\n", sig)
		}
		for _, sig := range args.out {
			fmt.Fprintf(b, "      <arg direction=\"out\" type=%q/>\n", sig)
		}
		b.WriteString("    </method>\n")
	}

	for _, sigName := range iface.signalOrder {
		fmt.Fprintf(b, "    <signal name=%q>\n", sigName)
		if t := signalTypeFor(iface.name, sigName); t != nil {
			sigs, err := argSignatures(t)
			if err == nil {
				for _, sig := range sigs {
					fmt.Fprintf(b, "      <arg type=%q/>\n", sig)
				}
			}
		}
		b.WriteString("    </signal>\n")
	}

	for _, p := range iface.propertyOrder {
		prop := iface.properties[p]
		access := "read"
		if prop.set != nil {
			access = "readwrite"
		}
		fmt.Fprintf(b, "    <property name=%q type=%q access=%q>\n", p, prop.sig, access)
		fmt.Fprintf(b, "      <annotation name=\"org.freedesktop.DBus.Property.EmitsChangedSignal\" value=%q/>\n", emitsChangedAnnotation(prop.emitsChanged))
		b.WriteString("    </property>\n")
	}
	b.WriteString("  </interface>\n")
}

func emitsChangedAnnotation(ec EmitsChanged) string {
	switch ec {
	case EmitsChangedFalse:
		return "false"
	case EmitsChangedInvalidates:
		return "invalidates"
	case EmitsChangedConst:
		return "const"
	default:
		return "true"
	}
}

// childNames returns the immediate child path segments of o.path
// among the objects currently exported on the same ObjectServer.
func (o *ExportedObject) childNames() []string {
	prefix := string(o.path)
	if prefix != "/" {
		prefix += "/"
	}

	o.srv.mu.Lock()
	defer o.srv.mu.Unlock()

	seen := map[string]bool{}
	var ret []string
	for p := range o.srv.objects {
		s := string(p)
		if s == string(o.path) || !strings.HasPrefix(s, prefix) {
			continue
		}
		rest := strings.TrimPrefix(s, prefix)
		child, _, _ := strings.Cut(rest, "/")
		if child != "" && !seen[child] {
			seen[child] = true
			ret = append(ret, child)
		}
	}
	sort.Strings(ret)
	return ret
}
