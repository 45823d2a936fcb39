package dbus

import (
	"context"
	"testing"
)

func TestServerInterfaceMethodOrder(t *testing.T) {
	iface := NewInterface("com.example.Gopher").
		Method("Dig", func(ctx context.Context, obj ObjectPath) error { return nil }).
		Method("Nap", func(ctx context.Context, obj ObjectPath) error { return nil }).
		Method("Dig", func(ctx context.Context, obj ObjectPath) error { return nil })

	want := []string{"Dig", "Nap"}
	if len(iface.methodOrder) != len(want) {
		t.Fatalf("methodOrder = %v, want %v", iface.methodOrder, want)
	}
	for i, name := range want {
		if iface.methodOrder[i] != name {
			t.Errorf("methodOrder[%d] = %q, want %q", i, iface.methodOrder[i], name)
		}
	}
}

func TestServerInterfaceSignal(t *testing.T) {
	iface := NewInterface("com.example.Gopher").Signal("Burrowed")
	if !iface.signals["Burrowed"] {
		t.Fatal("Signal did not register Burrowed")
	}
	if len(iface.signalOrder) != 1 || iface.signalOrder[0] != "Burrowed" {
		t.Errorf("signalOrder = %v, want [Burrowed]", iface.signalOrder)
	}
}

func TestPropertyReadOnly(t *testing.T) {
	iface := NewInterface("com.example.Gopher")
	Property(iface, "Name", EmitsChangedTrue, func(ctx context.Context, obj ObjectPath) (string, error) {
		return "gopher", nil
	})

	prop, ok := iface.properties["Name"]
	if !ok {
		t.Fatal("property Name not registered")
	}
	if prop.set != nil {
		t.Error("read-only property has a setter")
	}
	val, err := prop.get(context.Background(), "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "gopher" {
		t.Errorf("get = %v, want gopher", val)
	}
}

func TestReadWritePropertyTypeMismatch(t *testing.T) {
	iface := NewInterface("com.example.Gopher")
	var stored string
	ReadWriteProperty(iface, "Name", EmitsChangedTrue,
		func(ctx context.Context, obj ObjectPath) (string, error) { return stored, nil },
		func(ctx context.Context, obj ObjectPath, val string) error { stored = val; return nil },
	)

	prop := iface.properties["Name"]
	if err := prop.set(context.Background(), "/", "burrow"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if stored != "burrow" {
		t.Errorf("stored = %q, want burrow", stored)
	}

	if err := prop.set(context.Background(), "/", 42); err == nil {
		t.Error("set with wrong type succeeded, want error")
	}
}
