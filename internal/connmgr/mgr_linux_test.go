//go:build linux

package connmgr

import (
	"io"
	"testing"

	dbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAdapter = dbus.ObjectPath("/org/bluez/hci0")
	testDevice  = dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_01")
	testAddr    = "AA:BB:CC:DD:EE:01"
)

// newSignalMgr returns a manager wired for signal handling only, without a bus.
func newSignalMgr(buffer int) *mgr {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return &mgr{
		adapter: testAdapter,
		log:     logrus.NewEntry(log),
		events:  make(chan Event, buffer),
		known:   make(map[dbus.ObjectPath]Device),
		bonding: make(map[string]bool),
	}
}

func drainEvents(m *mgr) []Event {
	var out []Event
	for {
		select {
		case ev := <-m.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func propsChanged(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Path: path,
		Name: signalPropertiesChanged,
		Body: []interface{}{iface, changed, []string{}},
	}
}

func ifacesAdded(path dbus.ObjectPath, props map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Path: "/",
		Name: signalInterfacesAdded,
		Body: []interface{}{path, map[string]map[string]dbus.Variant{deviceIface: props}},
	}
}

func TestHandleSignal(t *testing.T) {
	tests := []struct {
		name    string
		known   *Device
		bonding bool
		signals []*dbus.Signal
		want    []Event
		// bondingAfter is the expected pending-pair flag once handled.
		bondingAfter bool
	}{
		{
			name: "discovery started and finished",
			signals: []*dbus.Signal{
				propsChanged(testAdapter, adapterIface, map[string]dbus.Variant{"Discovering": dbus.MakeVariant(true)}),
				propsChanged(testAdapter, adapterIface, map[string]dbus.Variant{"Discovering": dbus.MakeVariant(false)}),
			},
			want: []Event{{Kind: EventDiscoveryStarted}, {Kind: EventDiscoveryFinished}},
		},
		{
			name: "other adapter property",
			signals: []*dbus.Signal{
				propsChanged(testAdapter, adapterIface, map[string]dbus.Variant{"Powered": dbus.MakeVariant(true)}),
			},
		},
		{
			name: "other adapter discovering",
			signals: []*dbus.Signal{
				propsChanged("/org/bluez/hci1", adapterIface, map[string]dbus.Variant{"Discovering": dbus.MakeVariant(true)}),
			},
		},
		{
			name: "interfaces added",
			signals: []*dbus.Signal{
				ifacesAdded(testDevice, map[string]dbus.Variant{
					"Address": dbus.MakeVariant(testAddr),
					"Name":    dbus.MakeVariant("HC-05"),
					"RSSI":    dbus.MakeVariant(int16(-58)),
				}),
			},
			want: []Event{{Kind: EventDeviceFound, Device: Device{
				Path: string(testDevice), Address: testAddr, Name: "HC-05", RSSI: -58,
			}}},
		},
		{
			name: "interfaces added under another adapter",
			signals: []*dbus.Signal{
				ifacesAdded("/org/bluez/hci1/dev_AA_BB_CC_DD_EE_01", map[string]dbus.Variant{
					"Address": dbus.MakeVariant(testAddr),
				}),
			},
		},
		{
			name:  "rssi refresh merges cached properties",
			known: &Device{Path: string(testDevice), Address: testAddr, Name: "HC-05"},
			signals: []*dbus.Signal{
				propsChanged(testDevice, deviceIface, map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-70))}),
			},
			want: []Event{{Kind: EventDeviceFound, Device: Device{
				Path: string(testDevice), Address: testAddr, Name: "HC-05", RSSI: -70,
			}}},
		},
		{
			name:  "name change without rssi",
			known: &Device{Path: string(testDevice), Address: testAddr},
			signals: []*dbus.Signal{
				propsChanged(testDevice, deviceIface, map[string]dbus.Variant{"Name": dbus.MakeVariant("HC-05")}),
			},
		},
		{
			name:    "paired clears pending pair",
			known:   &Device{Path: string(testDevice), Address: testAddr, Name: "HC-05"},
			bonding: true,
			signals: []*dbus.Signal{
				propsChanged(testDevice, deviceIface, map[string]dbus.Variant{"Paired": dbus.MakeVariant(true)}),
			},
			want: []Event{{Kind: EventBondChanged, Bond: BondBonded, Device: Device{
				Path: string(testDevice), Address: testAddr, Name: "HC-05", Paired: true,
			}}},
		},
		{
			name:    "bonded false with paired true",
			known:   &Device{Path: string(testDevice), Address: testAddr},
			bonding: true,
			signals: []*dbus.Signal{
				propsChanged(testDevice, deviceIface, map[string]dbus.Variant{
					"Bonded": dbus.MakeVariant(false),
					"Paired": dbus.MakeVariant(true),
				}),
			},
			want: []Event{{Kind: EventBondChanged, Bond: BondBonded, Device: Device{
				Path: string(testDevice), Address: testAddr, Paired: true,
			}}},
		},
		{
			name:  "unpaired",
			known: &Device{Path: string(testDevice), Address: testAddr, Paired: true},
			signals: []*dbus.Signal{
				propsChanged(testDevice, deviceIface, map[string]dbus.Variant{"Paired": dbus.MakeVariant(false)}),
			},
			want: []Event{{Kind: EventBondChanged, Bond: BondNone, Device: Device{
				Path: string(testDevice), Address: testAddr,
			}}},
		},
		{
			name:    "rssi keeps pending pair",
			known:   &Device{Path: string(testDevice), Address: testAddr},
			bonding: true,
			signals: []*dbus.Signal{
				propsChanged(testDevice, deviceIface, map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-40))}),
			},
			want: []Event{{Kind: EventDeviceFound, Device: Device{
				Path: string(testDevice), Address: testAddr, RSSI: -40,
			}}},
			bondingAfter: true,
		},
		{
			name: "device under another adapter",
			signals: []*dbus.Signal{
				propsChanged("/org/bluez/hci1/dev_AA_BB_CC_DD_EE_01", deviceIface, map[string]dbus.Variant{
					"RSSI":   dbus.MakeVariant(int16(-40)),
					"Paired": dbus.MakeVariant(true),
				}),
			},
		},
		{
			name: "malformed signals",
			signals: []*dbus.Signal{
				nil,
				{Path: testAdapter, Name: signalPropertiesChanged, Body: []interface{}{adapterIface}},
				{Path: testAdapter, Name: signalPropertiesChanged, Body: []interface{}{adapterIface, "bogus"}},
				{Path: "/", Name: signalInterfacesAdded, Body: []interface{}{testDevice, "bogus"}},
				{Path: testAdapter, Name: "org.example.Other", Body: []interface{}{1, 2}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newSignalMgr(8)
			if tt.known != nil {
				m.known[testDevice] = *tt.known
			}
			if tt.bonding {
				m.bonding[testAddr] = true
			}
			for _, sig := range tt.signals {
				m.handleSignal(sig)
			}
			assert.Equal(t, tt.want, drainEvents(m))
			assert.Equal(t, tt.bondingAfter, m.bonding[testAddr])
		})
	}
}

func TestHandleSignalCachesDevice(t *testing.T) {
	m := newSignalMgr(8)
	m.handleSignal(ifacesAdded(testDevice, map[string]dbus.Variant{
		"Address": dbus.MakeVariant(testAddr),
		"Name":    dbus.MakeVariant("HC-05"),
	}))
	m.handleSignal(propsChanged(testDevice, deviceIface, map[string]dbus.Variant{"Paired": dbus.MakeVariant(true)}))

	dev := m.known[testDevice]
	assert.Equal(t, "HC-05", dev.Name)
	assert.True(t, dev.Paired)
}

func TestEmitDropsWhenConsumerLags(t *testing.T) {
	m := newSignalMgr(2)
	for i := 0; i < 5; i++ {
		m.emit(Event{Kind: EventDiscoveryStarted})
	}
	m.emit(Event{Kind: EventDiscoveryFinished})

	got := drainEvents(m)
	require.Len(t, got, 2)
	for _, ev := range got {
		assert.Equal(t, EventDiscoveryStarted, ev.Kind)
	}

	// Room again once the consumer caught up.
	m.emit(Event{Kind: EventDiscoveryFinished})
	assert.Equal(t, []Event{{Kind: EventDiscoveryFinished}}, drainEvents(m))
}
