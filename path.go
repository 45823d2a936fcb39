package dbus

import (
	"context"
	"reflect"
	"strings"

	"github.com/cocagne/txdbus/fragments"
)

// ObjectPath is the name of an object on the bus, e.g.
// "/org/freedesktop/DBus".
type ObjectPath string

// String returns the path as a plain string.
func (p ObjectPath) String() string { return string(p) }

// Clean returns p with duplicate slashes collapsed and any trailing
// slash removed, leaving the root path "/" unchanged.
func (p ObjectPath) Clean() ObjectPath {
	segs := strings.Split(string(p), "/")
	kept := make([]string, 0, len(segs))
	for _, seg := range segs {
		if seg != "" {
			kept = append(kept, seg)
		}
	}
	return ObjectPath("/" + strings.Join(kept, "/"))
}

// IsChildOf reports whether p is a descendant of prefix, i.e. prefix
// followed by one or more additional path segments.
func (p ObjectPath) IsChildOf(prefix ObjectPath) bool {
	p, prefix = p.Clean(), prefix.Clean()
	if prefix == "/" {
		return p != "/"
	}
	return strings.HasPrefix(string(p), string(prefix)+"/")
}

func (p ObjectPath) MarshalDBus(ctx context.Context, st *fragments.Encoder) error {
	st.Value(ctx, string(p))
	return nil
}

func (p *ObjectPath) UnmarshalDBus(ctx context.Context, st *fragments.Decoder) error {
	var s string
	if err := st.Value(ctx, &s); err != nil {
		return err
	}
	*p = ObjectPath(s)
	return nil
}

func (p ObjectPath) IsDBusStruct() bool { return false }

var objectPathSignature = mkSignature(reflect.TypeFor[ObjectPath](), "o")

func (p ObjectPath) SignatureDBus() Signature { return objectPathSignature }
