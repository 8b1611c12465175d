//go:build linux

package connmgr

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

var pathCounter uint64

type mgr struct {
	opts Options
	log  *logrus.Entry

	mu     sync.Mutex
	closed bool

	bus     *dbus.Conn
	adapter dbus.ObjectPath

	events chan Event
	sigCh  chan *dbus.Signal
	done   chan struct{}
	wg     sync.WaitGroup

	// known caches merged Device1 properties by object path.
	known map[dbus.ObjectPath]Device
	// bonding holds addresses with a Pair() call issued by this manager.
	bonding map[string]bool

	// dialMu serialises the profile tiers: BlueZ accepts one client profile per UUID and owner.
	dialMu sync.Mutex

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

// New connects to the system bus, resolves the adapter and starts translating
// BlueZ signals into Events.
func New(opts Options) (Mgr, error) {
	opts = opts.withDefaults()
	svc, err := canonicalUUID(opts.ServiceUUID)
	if err != nil {
		return nil, err
	}
	opts.ServiceUUID = svc

	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connmgr: connect system bus: %w", err)
	}
	m := &mgr{
		opts:    opts,
		bus:     bus,
		events:  make(chan Event, opts.EventBuffer),
		sigCh:   make(chan *dbus.Signal, 32),
		done:    make(chan struct{}),
		known:   make(map[dbus.ObjectPath]Device),
		bonding: make(map[string]bool),
	}
	// Close the bus last during cleanup.
	m.cleanup = append(m.cleanup, func() { _ = bus.Close() })

	objs, err := m.managedObjects(context.Background())
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	m.adapter, err = pickAdapter(objs, opts.Adapter)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	m.log = opts.Logger.WithField("adapter", string(m.adapter))
	for path, ifaces := range objs {
		if props, ok := ifaces[deviceIface]; ok && underAdapter(m.adapter, path) {
			m.known[path] = deviceFromProps(path, props)
		}
	}

	if err := m.subscribe(); err != nil {
		_ = m.Close()
		return nil, err
	}
	m.wg.Add(1)
	go m.pump()
	m.log.WithField("devices", len(m.known)).Debug("connmgr ready")
	return m, nil
}

func (m *mgr) subscribe() error {
	matches := [][]dbus.MatchOption{
		{dbus.WithMatchSender(bluezService), dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesAdded")},
		{dbus.WithMatchSender(bluezService), dbus.WithMatchInterface(propsIface), dbus.WithMatchMember("PropertiesChanged")},
	}
	for _, opts := range matches {
		if err := m.bus.AddMatchSignal(opts...); err != nil {
			return fmt.Errorf("connmgr: AddMatchSignal: %w", err)
		}
		opts := opts
		m.cleanup = append(m.cleanup, func() { _ = m.bus.RemoveMatchSignal(opts...) })
	}
	m.bus.Signal(m.sigCh)
	m.cleanup = append(m.cleanup, func() { m.bus.RemoveSignal(m.sigCh) })
	return nil
}

func (m *mgr) pump() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case sig, ok := <-m.sigCh:
			if !ok {
				return
			}
			m.handleSignal(sig)
		}
	}
}

func (m *mgr) handleSignal(sig *dbus.Signal) {
	if sig == nil || len(sig.Body) < 2 {
		return
	}
	switch sig.Name {
	case signalInterfacesAdded:
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		props, ok := ifaces[deviceIface]
		if !ok || !underAdapter(m.adapter, path) {
			return
		}
		m.mu.Lock()
		dev := mergeDevice(m.known[path], deviceFromProps(path, props))
		m.known[path] = dev
		m.mu.Unlock()
		m.emit(Event{Kind: EventDeviceFound, Device: dev})

	case signalPropertiesChanged:
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		if changed == nil {
			return
		}
		switch {
		case iface == adapterIface && sig.Path == m.adapter:
			if v, ok := changed["Discovering"]; ok {
				if on, _ := v.Value().(bool); on {
					m.emit(Event{Kind: EventDiscoveryStarted})
				} else {
					m.emit(Event{Kind: EventDiscoveryFinished})
				}
			}
		case iface == deviceIface && underAdapter(m.adapter, sig.Path):
			m.handleDeviceChange(sig.Path, changed)
		}
	}
}

func (m *mgr) handleDeviceChange(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	bond, bondChanged := bondFromProps(changed)

	m.mu.Lock()
	dev := mergeDevice(m.known[path], deviceFromProps(path, changed))
	if bondChanged {
		dev.Paired = bond == BondBonded
		delete(m.bonding, dev.Address)
	}
	m.known[path] = dev
	m.mu.Unlock()

	// BlueZ refreshes RSSI for every inquiry result, cached devices included.
	if _, ok := changed["RSSI"]; ok {
		m.emit(Event{Kind: EventDeviceFound, Device: dev})
	}
	if bondChanged {
		m.emit(Event{Kind: EventBondChanged, Device: dev, Bond: bond})
	}
}

// emit delivers ev without blocking the signal pump.
func (m *mgr) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.log.WithFields(logrus.Fields{"event": ev.Kind.String(), "address": ev.Device.Address}).
			Warn("event dropped, consumer is lagging")
	}
}

func (m *mgr) Events() <-chan Event { return m.events }

func (m *mgr) Powered(ctx context.Context) (bool, error) {
	return m.adapterBool(ctx, "Powered")
}

func (m *mgr) PowerOn(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	obj := m.bus.Object(bluezService, m.adapter)
	if call := obj.CallWithContext(ctx, propsIface+".Set", 0, adapterIface, "Powered", dbus.MakeVariant(true)); call.Err != nil {
		return fmt.Errorf("connmgr: power on: %w", call.Err)
	}
	return nil
}

func (m *mgr) StartDiscovery(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	obj := m.bus.Object(bluezService, m.adapter)
	filter := map[string]dbus.Variant{"Transport": dbus.MakeVariant("bredr")}
	if call := obj.CallWithContext(ctx, adapterIface+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		// Older daemons without filter support still run a Classic inquiry.
		m.log.WithError(call.Err).Debug("SetDiscoveryFilter failed")
	}
	if call := obj.CallWithContext(ctx, adapterIface+".StartDiscovery", 0); call.Err != nil {
		return fmt.Errorf("connmgr: StartDiscovery: %w", call.Err)
	}
	return nil
}

func (m *mgr) StopDiscovery(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	obj := m.bus.Object(bluezService, m.adapter)
	if call := obj.CallWithContext(ctx, adapterIface+".StopDiscovery", 0); call.Err != nil {
		return fmt.Errorf("connmgr: StopDiscovery: %w", call.Err)
	}
	return nil
}

func (m *mgr) Discovering(ctx context.Context) (bool, error) {
	return m.adapterBool(ctx, "Discovering")
}

func (m *mgr) BondState(ctx context.Context, address string) (BondState, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return BondNone, err
	}
	if err := m.checkOpen(); err != nil {
		return BondNone, err
	}
	m.mu.Lock()
	bonding := m.bonding[addr]
	m.mu.Unlock()
	if bonding {
		return BondBonding, nil
	}
	var v dbus.Variant
	obj := m.bus.Object(bluezService, devicePath(m.adapter, addr))
	call := obj.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "Paired")
	if call.Err != nil {
		return BondNone, fmt.Errorf("connmgr: read Paired for %s: %w", addr, call.Err)
	}
	if err := call.Store(&v); err != nil {
		return BondNone, fmt.Errorf("connmgr: decode Paired for %s: %w", addr, err)
	}
	if paired, _ := v.Value().(bool); paired {
		return BondBonded, nil
	}
	return BondNone, nil
}

func (m *mgr) Pair(ctx context.Context, address string) error {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return err
	}
	if err := m.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	path := devicePath(m.adapter, addr)

	m.mu.Lock()
	if m.bonding[addr] {
		m.mu.Unlock()
		return fmt.Errorf("connmgr: pairing with %s already in progress", addr)
	}
	m.bonding[addr] = true
	dev := m.known[path]
	m.mu.Unlock()
	if dev.Address == "" {
		dev = Device{Path: string(path), Address: addr}
	}

	// Device1.Pair only replies once bonding completes, so the call runs in the background.
	call := m.bus.Object(bluezService, path).Go(deviceIface+".Pair", 0, make(chan *dbus.Call, 1))
	if call.Err != nil {
		m.mu.Lock()
		delete(m.bonding, addr)
		m.mu.Unlock()
		return fmt.Errorf("connmgr: Pair %s: %w", addr, call.Err)
	}
	m.emit(Event{Kind: EventBondChanged, Device: dev, Bond: BondBonding})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-m.done:
			return
		case res := <-call.Done:
			m.mu.Lock()
			pending := m.bonding[addr]
			delete(m.bonding, addr)
			m.mu.Unlock()
			if !pending {
				// A Paired property change already reported the outcome.
				return
			}
			if res.Err != nil {
				m.log.WithError(res.Err).WithField("address", addr).Warn("pairing failed")
				m.emit(Event{Kind: EventBondChanged, Device: dev, Bond: BondNone})
				return
			}
			dev.Paired = true
			m.emit(Event{Kind: EventBondChanged, Device: dev, Bond: BondBonded})
		}
	}()
	return nil
}

func (m *mgr) Dial(ctx context.Context, address string, tier Tier) (Conn, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	switch tier {
	case TierInsecure:
		return m.dialProfile(ctx, addr, false)
	case TierSecure:
		return m.dialProfile(ctx, addr, true)
	case TierChannel:
		return dialRFCOMM(ctx, addr, m.opts.Channel)
	default:
		return nil, fmt.Errorf("connmgr: unknown tier %d", tier)
	}
}

// dialProfile registers a client Profile1 for the service UUID, asks BlueZ to
// connect it and waits for Profile1.NewConnection to deliver the socket.
func (m *mgr) dialProfile(ctx context.Context, addr string, secure bool) (Conn, error) {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	svc := m.opts.ServiceUUID
	devObj := m.bus.Object(bluezService, devicePath(m.adapter, addr))
	if v, err := devObj.GetProperty(deviceIface + ".UUIDs"); err == nil {
		if uu, ok := v.Value().([]string); ok && len(uu) > 0 && !containsUUID(uu, svc) {
			return nil, fmt.Errorf("connmgr: %s does not advertise service %s", addr, svc)
		}
	}

	prof := &profile{ch: make(chan acceptResult, 1)}
	id := atomic.AddUint64(&pathCounter, 1)
	profPath := dbus.ObjectPath("/org/bluetooth_gateway/connmgr/client/p" + strconv.FormatUint(id, 10))
	if err := m.bus.Export(prof, profPath, profileInterfaceName); err != nil {
		return nil, fmt.Errorf("connmgr: export client profile: %w", err)
	}
	defer func() { _ = m.bus.Export(nil, profPath, profileInterfaceName) }()
	defer prof.close()

	pm := m.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	optsMap := map[string]dbus.Variant{
		"Role":                  dbus.MakeVariant("client"),
		"RequireAuthentication": dbus.MakeVariant(secure),
		"RequireAuthorization":  dbus.MakeVariant(secure),
	}
	if call := pm.CallWithContext(ctx, profileManagerIface+".RegisterProfile", 0, profPath, svc, optsMap); call.Err != nil {
		return nil, fmt.Errorf("connmgr: RegisterProfile(client): %w", call.Err)
	}
	defer func() { _ = pm.Call(profileManagerIface+".UnregisterProfile", 0, profPath).Err }()

	if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, svc); call.Err != nil {
		return nil, fmt.Errorf("connmgr: ConnectProfile: %w", call.Err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connmgr: connect canceled: %w", ctx.Err())
	case res := <-prof.ch:
		return os.NewFile(uintptr(res.fd), "rfcomm"), nil
	}
}

// Close is safe for concurrent and redundant calls (idempotent).
func (m *mgr) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	cleanup := m.cleanup
	// Clear to allow GC of captured resources.
	m.cleanup = nil
	m.mu.Unlock()

	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	m.wg.Wait()
	return nil
}

func (m *mgr) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *mgr) adapterBool(ctx context.Context, prop string) (bool, error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	var v dbus.Variant
	call := m.bus.Object(bluezService, m.adapter).CallWithContext(ctx, propsIface+".Get", 0, adapterIface, prop)
	if call.Err != nil {
		return false, fmt.Errorf("connmgr: read %s: %w", prop, call.Err)
	}
	if err := call.Store(&v); err != nil {
		return false, fmt.Errorf("connmgr: decode %s: %w", prop, err)
	}
	b, _ := v.Value().(bool)
	return b, nil
}

func (m *mgr) managedObjects(ctx context.Context) (managedObjects, error) {
	obj := m.bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs managedObjects
	if call := obj.CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("connmgr: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("connmgr: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}
