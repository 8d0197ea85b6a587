package bluez

import (
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/timzifer/tickset/bridge"
)

const (
	busName            = "org.bluez"
	gattManagerIface   = "org.bluez.GattManager1"
	advManagerIface    = "org.bluez.LEAdvertisingManager1"
	serviceIface       = "org.bluez.GattService1"
	charIface          = "org.bluez.GattCharacteristic1"
	advIface           = "org.bluez.LEAdvertisement1"
	deviceIface        = "org.bluez.Device1"
	propsIface         = "org.freedesktop.DBus.Properties"
	objectManagerIface = "org.freedesktop.DBus.ObjectManager"

	rootPath = dbus.ObjectPath("/io/tickset")
	advPath  = rootPath + "/advertisement0"
)

var (
	errNotPermitted  = dbus.NewError("org.bluez.Error.NotPermitted", []interface{}{"operation not permitted"})
	errNotSupported  = dbus.NewError("org.bluez.Error.NotSupported", []interface{}{"operation not supported"})
	errInvalidOffset = dbus.NewError("org.bluez.Error.InvalidOffset", []interface{}{"invalid offset"})
)

type propertyMap = map[string]map[string]dbus.Variant

// object is anything exported with a Properties interface.
type object interface {
	properties() propertyMap
}

// propertiesHandler serves org.freedesktop.DBus.Properties for one object.
type propertiesHandler struct {
	obj object
}

func (p propertiesHandler) Get(iface, name string) (dbus.Variant, *dbus.Error) {
	props, ok := p.obj.properties()[iface]
	if !ok {
		return dbus.Variant{}, dbus.NewError("org.freedesktop.DBus.Error.UnknownInterface", []interface{}{iface})
	}
	v, ok := props[name]
	if !ok {
		return dbus.Variant{}, dbus.NewError("org.freedesktop.DBus.Error.UnknownProperty", []interface{}{name})
	}
	return v, nil
}

func (p propertiesHandler) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	props, ok := p.obj.properties()[iface]
	if !ok {
		return map[string]dbus.Variant{}, nil
	}
	return props, nil
}

func (p propertiesHandler) Set(iface, name string, _ dbus.Variant) *dbus.Error {
	return dbus.NewError("org.freedesktop.DBus.Error.PropertyReadOnly", []interface{}{iface + "." + name})
}

// application serves GetManagedObjects on the root path for GattManager1.
type application struct {
	t *Transport
}

func (a application) GetManagedObjects() (map[dbus.ObjectPath]propertyMap, *dbus.Error) {
	out := make(map[dbus.ObjectPath]propertyMap)
	for _, svc := range a.t.snapshotServices() {
		out[svc.path] = svc.properties()
		for _, attr := range svc.snapshotAttributes() {
			out[attr.path] = attr.properties()
		}
	}
	return out, nil
}

// characteristic serves org.bluez.GattCharacteristic1 for one attribute.
type characteristic struct {
	a *Attribute
}

func (c characteristic) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	if !c.a.spec.Properties.Has(bridge.PropRead) {
		return nil, errNotPermitted
	}
	value := c.a.Value()
	offset := optionOffset(options)
	if offset > len(value) {
		return nil, errInvalidOffset
	}
	return value[offset:], nil
}

func (c characteristic) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	if !c.a.spec.Properties.Has(bridge.PropWrite) {
		return errNotPermitted
	}
	offset := optionOffset(options)
	if offset > len(c.a.Value()) {
		return errInvalidOffset
	}
	c.a.onWrite(value, offset, peerFromOptions(options))
	return nil
}

func (c characteristic) StartNotify() *dbus.Error {
	if !c.a.spec.Properties.Has(bridge.PropNotify) {
		return errNotSupported
	}
	c.a.setNotifying(true)
	return nil
}

func (c characteristic) StopNotify() *dbus.Error {
	c.a.setNotifying(false)
	return nil
}

// advertisement serves org.bluez.LEAdvertisement1.
type advertisement struct {
	t *Transport
}

func (a advertisement) properties() propertyMap {
	name, uuids := a.t.advertisementData()
	return propertyMap{
		advIface: {
			"Type":         dbus.MakeVariant("peripheral"),
			"ServiceUUIDs": dbus.MakeVariant(uuids),
			"LocalName":    dbus.MakeVariant(name),
		},
	}
}

func (a advertisement) Release() *dbus.Error {
	a.t.released()
	return nil
}

func flags(props bridge.Property) []string {
	out := make([]string, 0, 3)
	if props.Has(bridge.PropRead) {
		out = append(out, "read")
	}
	if props.Has(bridge.PropWrite) {
		out = append(out, "write")
	}
	if props.Has(bridge.PropNotify) {
		out = append(out, "notify")
	}
	return out
}

func optionOffset(options map[string]dbus.Variant) int {
	v, ok := options["offset"]
	if !ok {
		return 0
	}
	switch n := v.Value().(type) {
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case int32:
		if n > 0 {
			return int(n)
		}
	}
	return 0
}

func peerFromOptions(options map[string]dbus.Variant) bridge.PeerInfo {
	v, ok := options["device"]
	if !ok {
		return bridge.PeerInfo{ID: "unknown"}
	}
	path, ok := v.Value().(dbus.ObjectPath)
	if !ok {
		return bridge.PeerInfo{ID: "unknown"}
	}
	return peerFromPath(path)
}

// peerFromPath turns /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF into the device address.
func peerFromPath(path dbus.ObjectPath) bridge.PeerInfo {
	s := string(path)
	base := s[strings.LastIndex(s, "/")+1:]
	if !strings.HasPrefix(base, "dev_") {
		return bridge.PeerInfo{ID: s}
	}
	addr := strings.ReplaceAll(strings.TrimPrefix(base, "dev_"), "_", ":")
	return bridge.PeerInfo{ID: addr, Address: addr}
}
