package dbus

// Standard signal payloads defined by the org.freedesktop.DBus,
// org.freedesktop.DBus.Properties, and org.freedesktop.DBus.ObjectManager
// interfaces that every bus implements.

// NameOwnerChanged is emitted by the bus whenever a name's owner
// changes, including when the name starts or stops being owned at
// all.
type NameOwnerChanged struct {
	Name     string
	OldOwner string
	NewOwner string
}

// NameLost is emitted to a connection when it loses ownership of a
// well-known name, either by releasing it or by being kicked off by a
// higher-priority request.
type NameLost struct {
	Name string
}

// NameAcquired is emitted to a connection when it becomes the owner
// of a well-known name, including its own unique connection name at
// connection setup time.
type NameAcquired struct {
	Name string
}

// ActivatableServicesChanged is emitted when the set of services that
// the bus can activate on demand changes.
type ActivatableServicesChanged struct{}

// PropertiesChanged is emitted by an object when one or more of its
// properties change, per the org.freedesktop.DBus.Properties
// interface.
type PropertiesChanged struct {
	Interface           string
	ChangedProperties   map[string]Variant
	InvalidatedProperties []string
}

// InterfacesAdded is emitted by an org.freedesktop.DBus.ObjectManager
// when a new object is added to the tree it manages, or when an
// existing object gains new interfaces.
type InterfacesAdded struct {
	ObjectPath ObjectPath
	Interfaces map[string]map[string]Variant
}

// InterfacesRemoved is emitted by an org.freedesktop.DBus.ObjectManager
// when an object is removed from the tree it manages, or when an
// existing object loses interfaces.
type InterfacesRemoved struct {
	ObjectPath ObjectPath
	Interfaces []string
}
