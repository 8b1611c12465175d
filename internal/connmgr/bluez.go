package connmgr

import (
	"fmt"
	"net"
	"sort"
	"strings"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"

	signalInterfacesAdded   = objManagerIface + ".InterfacesAdded"
	signalPropertiesChanged = propsIface + ".PropertiesChanged"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// NormalizeAddress validates a Bluetooth address and returns it upper case
// with colon separators.
func NormalizeAddress(address string) (string, error) {
	hw, err := net.ParseMAC(address)
	if err != nil || len(hw) != 6 {
		return "", fmt.Errorf("connmgr: invalid device address %q", address)
	}
	return strings.ToUpper(hw.String()), nil
}

// devicePath returns the Device1 object path for address under the adapter.
func devicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_"))
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ToUpper(strings.ReplaceAll(s[idx+5:], "_", ":"))
}

// dashedAddress is the form BlueZ uses as the default Alias of unnamed devices.
func dashedAddress(address string) string {
	return strings.ReplaceAll(address, ":", "-")
}

// underAdapter reports whether path is a child object of the adapter path.
func underAdapter(adapter, path dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), string(adapter)+"/")
}

// deviceFromProps decodes Device1 properties. Missing properties leave the
// corresponding field empty.
func deviceFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) Device {
	d := Device{Path: string(path)}
	if v, ok := props["Address"]; ok {
		d.Address, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		d.Name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		d.Alias, _ = v.Value().(string)
	}
	if v, ok := props["RSSI"]; ok {
		d.RSSI, _ = v.Value().(int16)
	}
	if v, ok := props["Paired"]; ok {
		d.Paired, _ = v.Value().(bool)
	}
	if d.Address == "" {
		d.Address = macFromPath(path)
	}
	d.Address = strings.ToUpper(d.Address)
	return d
}

// mergeDevice overlays the non-zero fields of update onto base.
func mergeDevice(base, update Device) Device {
	if update.Path != "" {
		base.Path = update.Path
	}
	if update.Address != "" {
		base.Address = update.Address
	}
	if update.Name != "" {
		base.Name = update.Name
	}
	if update.Alias != "" {
		base.Alias = update.Alias
	}
	if update.RSSI != 0 {
		base.RSSI = update.RSSI
	}
	base.Paired = base.Paired || update.Paired
	return base
}

// bondFromProps extracts a bond transition from a Device1 property change.
// BlueZ 5.66+ reports Bonded next to Paired; the device counts as bonded when
// either one is true.
func bondFromProps(changed map[string]dbus.Variant) (BondState, bool) {
	seen, bonded := false, false
	for _, key := range []string{"Bonded", "Paired"} {
		if v, ok := changed[key]; ok {
			if b, ok := v.Value().(bool); ok {
				seen = true
				bonded = bonded || b
			}
		}
	}
	if bonded {
		return BondBonded, true
	}
	return BondNone, seen
}

// canonicalUUID returns the lower-case canonical form of s.
func canonicalUUID(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("connmgr: invalid service uuid %q: %w", s, err)
	}
	return u.String(), nil
}

func containsUUID(list []string, target string) bool {
	want, err := uuid.Parse(target)
	if err != nil {
		return false
	}
	for _, s := range list {
		if u, err := uuid.Parse(s); err == nil && u == want {
			return true
		}
	}
	return false
}

// bdaddr converts an address to the little-endian byte order the kernel
// expects in sockaddr_rc.
func bdaddr(address string) ([6]byte, error) {
	var b [6]byte
	hw, err := net.ParseMAC(address)
	if err != nil || len(hw) != 6 {
		return b, fmt.Errorf("connmgr: invalid device address %q", address)
	}
	for i := 0; i < 6; i++ {
		b[i] = hw[5-i]
	}
	return b, nil
}

// pickAdapter returns the named adapter, or the first one in path order when
// name is empty.
func pickAdapter(objs managedObjects, name string) (dbus.ObjectPath, error) {
	var adapters []dbus.ObjectPath
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			adapters = append(adapters, path)
		}
	}
	if len(adapters) == 0 {
		return "", ErrNoAdapter
	}
	if name == "" {
		sort.Slice(adapters, func(i, j int) bool { return adapters[i] < adapters[j] })
		return adapters[0], nil
	}
	want := dbus.ObjectPath("/org/bluez/" + name)
	for _, p := range adapters {
		if p == want {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoAdapter, name)
}
