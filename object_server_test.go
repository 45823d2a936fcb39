package dbus

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/cocagne/txdbus/fragments"
)

// discardTransport is a transport.Transport that accepts writes and
// never has anything to read, enough to drive a Conn that only sends
// messages during a test.
type discardTransport struct{}

func (discardTransport) Read([]byte) (int, error)          { return 0, io.EOF }
func (discardTransport) Write(bs []byte) (int, error)      { return len(bs), nil }
func (discardTransport) Close() error                      { return nil }
func (discardTransport) GetFiles(n int) ([]*os.File, error) { return nil, nil }

func (discardTransport) WriteWithFiles(bs []byte, _ []*os.File) (int, error) {
	return len(bs), nil
}

func newTestConn() *Conn {
	return &Conn{
		t: discardTransport{},
		enc: fragments.Encoder{
			Order:  fragments.NativeEndian,
			Mapper: encoderFor,
		},
		calls:    map[uint32]*pendingCall{},
		handlers: map[interfaceMember]handlerFunc{},
	}
}

func TestValidateObjectPath(t *testing.T) {
	tests := []struct {
		path    ObjectPath
		wantErr bool
	}{
		{"/", false},
		{"/com/example/Gopher", false},
		{"com/example/Gopher", true},
		{"/com/example/Gopher/", true},
		{"/com//example", true},
	}
	for _, tc := range tests {
		err := validateObjectPath(tc.path)
		if tc.wantErr && err == nil {
			t.Errorf("validateObjectPath(%q) succeeded, want error", tc.path)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("validateObjectPath(%q): %v", tc.path, err)
		}
	}
}

func TestObjectServerExportDuplicate(t *testing.T) {
	srv := NewObjectServer(newTestConn())
	if _, err := srv.Export("/com/example/Gopher"); err != nil {
		t.Fatalf("first Export: %v", err)
	}
	if _, err := srv.Export("/com/example/Gopher"); err == nil {
		t.Fatal("second Export of same path succeeded, want error")
	}
}

func TestObjectServerDispatch(t *testing.T) {
	srv := NewObjectServer(newTestConn())
	obj, err := srv.Export("/com/example/Gopher")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	called := false
	obj.AddInterface(NewInterface("com.example.Gopher").
		Method("Dig", func(ctx context.Context, path ObjectPath) error {
			called = true
			if path != "/com/example/Gopher" {
				t.Errorf("handler saw path %q, want /com/example/Gopher", path)
			}
			return nil
		}))

	handler := srv.dispatch("com.example.Gopher", "Dig")
	empty := &fragments.Decoder{Mapper: decoderFor}
	if _, err := handler(context.Background(), "/com/example/Gopher", empty); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !called {
		t.Error("handler was not invoked")
	}
}

func TestObjectServerDispatchUnknownObject(t *testing.T) {
	srv := NewObjectServer(newTestConn())
	handler := srv.dispatch("com.example.Gopher", "Dig")
	empty := &fragments.Decoder{Mapper: decoderFor}
	_, err := handler(context.Background(), "/no/such/object", empty)
	if _, ok := err.(UnknownObjectError); !ok {
		t.Errorf("dispatch error = %v (%T), want UnknownObjectError", err, err)
	}
}

func TestObjectServerDispatchUnknownMethod(t *testing.T) {
	srv := NewObjectServer(newTestConn())
	if _, err := srv.Export("/com/example/Gopher"); err != nil {
		t.Fatalf("Export: %v", err)
	}

	handler := srv.dispatch("com.example.Gopher", "Dig")
	empty := &fragments.Decoder{Mapper: decoderFor}
	_, err := handler(context.Background(), "/com/example/Gopher", empty)
	if _, ok := err.(UnknownMethodError); !ok {
		t.Errorf("dispatch error = %v (%T), want UnknownMethodError", err, err)
	}
}

func TestExportedObjectProperties(t *testing.T) {
	srv := NewObjectServer(newTestConn())
	obj, err := srv.Export("/com/example/Gopher")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	name := "gopher"
	iface := NewInterface("com.example.Gopher")
	ReadWriteProperty(iface, "Name", EmitsChangedTrue,
		func(ctx context.Context, obj ObjectPath) (string, error) { return name, nil },
		func(ctx context.Context, obj ObjectPath, val string) error { name = val; return nil },
	)
	obj.AddInterface(iface)

	got, err := obj.handleGet(context.Background(), "/com/example/Gopher", propGetReq{
		Interface: "com.example.Gopher",
		Name:      "Name",
	})
	if err != nil {
		t.Fatalf("handleGet: %v", err)
	}
	if got.Value != "gopher" {
		t.Errorf("handleGet = %v, want gopher", got.Value)
	}

	if err := obj.handleSet(context.Background(), "/com/example/Gopher", propSetReq{
		Interface: "com.example.Gopher",
		Name:      "Name",
		Value:     Variant{Value: "badger"},
	}); err != nil {
		t.Fatalf("handleSet: %v", err)
	}
	if name != "badger" {
		t.Errorf("name = %q, want badger", name)
	}

	all, err := obj.handleGetAll(context.Background(), "/com/example/Gopher", propGetAllReq{
		Interface: "com.example.Gopher",
	})
	if err != nil {
		t.Fatalf("handleGetAll: %v", err)
	}
	if all["Name"].Value != "badger" {
		t.Errorf("GetAll[Name] = %v, want badger", all["Name"].Value)
	}
}

func TestExportedObjectChildNames(t *testing.T) {
	srv := NewObjectServer(newTestConn())
	parent, err := srv.Export("/com/example")
	if err != nil {
		t.Fatalf("Export parent: %v", err)
	}
	if _, err := srv.Export("/com/example/Gopher"); err != nil {
		t.Fatalf("Export child: %v", err)
	}
	if _, err := srv.Export("/com/example/Badger"); err != nil {
		t.Fatalf("Export child: %v", err)
	}
	if _, err := srv.Export("/com/example/Gopher/Burrow"); err != nil {
		t.Fatalf("Export grandchild: %v", err)
	}

	got := parent.childNames()
	want := []string{"Badger", "Gopher"}
	if len(got) != len(want) {
		t.Fatalf("childNames = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("childNames[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExportedObjectPropertiesEmptyInterface(t *testing.T) {
	srv := NewObjectServer(newTestConn())
	obj, err := srv.Export("/com/example/Gopher")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	name := "gopher"
	iface := NewInterface("com.example.Gopher")
	ReadWriteProperty(iface, "Name", EmitsChangedTrue,
		func(ctx context.Context, obj ObjectPath) (string, error) { return name, nil },
		func(ctx context.Context, obj ObjectPath, val string) error { name = val; return nil },
	)
	obj.AddInterface(iface)

	got, err := obj.handleGet(context.Background(), "/com/example/Gopher", propGetReq{
		Name: "Name",
	})
	if err != nil {
		t.Fatalf("handleGet with empty interface: %v", err)
	}
	if got.Value != "gopher" {
		t.Errorf("handleGet = %v, want gopher", got.Value)
	}

	if err := obj.handleSet(context.Background(), "/com/example/Gopher", propSetReq{
		Name:  "Name",
		Value: Variant{Value: "badger"},
	}); err != nil {
		t.Fatalf("handleSet with empty interface: %v", err)
	}
	if name != "badger" {
		t.Errorf("name = %q, want badger", name)
	}

	all, err := obj.handleGetAll(context.Background(), "/com/example/Gopher", propGetAllReq{})
	if err != nil {
		t.Fatalf("handleGetAll with empty interface: %v", err)
	}
	if all["Name"].Value != "badger" {
		t.Errorf("GetAll[Name] = %v, want badger", all["Name"].Value)
	}
}

type digRequest struct {
	Depth int32
	Spot  string
}

type digResponse struct {
	Holes int32
}

type dugSignal struct {
	Holes int32
}

func TestExportedObjectIntrospectXML(t *testing.T) {
	RegisterSignalType[dugSignal]("com.example.Gopher", "Dug")

	srv := NewObjectServer(newTestConn())
	obj, err := srv.Export("/com/example/Gopher")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	iface := NewInterface("com.example.Gopher").
		Method("Dig", func(ctx context.Context, path ObjectPath, req digRequest) (digResponse, error) {
			return digResponse{}, nil
		}).
		Signal("Dug")
	Property(iface, "Name", EmitsChangedTrue, func(ctx context.Context, obj ObjectPath) (string, error) {
		return "gopher", nil
	})
	obj.AddInterface(iface)

	xml := obj.introspectXML()

	for _, want := range []string{
		`<interface name="org.freedesktop.DBus.Peer">`,
		`<method name="GetMachineId">`,
		`<arg direction="out" type="s"/>`,
		`<interface name="com.example.Gopher">`,
		`<method name="Dig">`,
		`<arg direction="in" type="i"/>`,
		`<arg direction="in" type="s"/>`,
		`<arg direction="out" type="i"/>`,
		`<signal name="Dug">`,
		`<arg type="i"/>`,
		`<property name="Name" type="s" access="read">`,
		`<annotation name="org.freedesktop.DBus.Property.EmitsChangedSignal" value="true"/>`,
	} {
		if !strings.Contains(xml, want) {
			t.Errorf("introspectXML() missing %q\nfull document:\n%s", want, xml)
		}
	}
}

func TestNotifyPropertyChangedConst(t *testing.T) {
	srv := NewObjectServer(newTestConn())
	obj, err := srv.Export("/com/example/Gopher")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	iface := NewInterface("com.example.Gopher")
	Property(iface, "Name", EmitsChangedConst, func(ctx context.Context, obj ObjectPath) (string, error) {
		return "gopher", nil
	})
	obj.AddInterface(iface)

	if err := obj.NotifyPropertyChanged(context.Background(), "com.example.Gopher", "Name"); err != nil {
		t.Fatalf("NotifyPropertyChanged: %v", err)
	}
}
