// Package connmgr wraps the host Bluetooth stack (BlueZ over the system D-Bus)
// for Classic discovery, bonding and RFCOMM Serial Port Profile connections.
//
// Thread-safety: all methods are safe for concurrent use. Close is idempotent.
package connmgr

import (
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"
)

const (
	// SPPUUID is the Serial Port Profile UUID used for RFCOMM connections.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// DefaultRFCOMMChannel is the channel dialed directly by TierChannel.
	DefaultRFCOMMChannel uint8 = 1
)

var (
	// ErrUnsupported is returned by New on platforms without BlueZ.
	ErrUnsupported = errors.New("connmgr: unsupported platform")
	// ErrNoAdapter is returned by New when no (or no matching) adapter exists.
	ErrNoAdapter = errors.New("connmgr: no bluetooth adapter")
	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("connmgr: closed")
)

// Device represents the minimum information needed to display and connect.
//
// Address is the identity of a device. Path is the BlueZ Device1 object path
// and may be empty for devices that were never seen by the daemon.
type Device struct {
	Path    string // D-Bus object path (e.g. /org/bluez/hci0/dev_XX_XX_XX_XX_XX_XX)
	Address string // Bluetooth device address, upper case with colons
	Name    string // Device1.Name
	Alias   string // Device1.Alias
	RSSI    int16  // last RSSI reported during discovery, 0 if unknown
	Paired  bool
}

// DisplayName returns the best human-readable label for the device.
func (d Device) DisplayName() string {
	switch {
	case d.Name != "":
		return d.Name
	case d.Alias != "" && d.Alias != dashedAddress(d.Address):
		return d.Alias
	default:
		return "Unknown Device"
	}
}

// BondState mirrors the pairing state of a remote device.
type BondState int

const (
	BondNone BondState = iota
	BondBonding
	BondBonded
)

func (b BondState) String() string {
	switch b {
	case BondBonding:
		return "bonding"
	case BondBonded:
		return "bonded"
	default:
		return "none"
	}
}

// EventKind identifies the type of a host stack event.
type EventKind int

const (
	EventDiscoveryStarted EventKind = iota + 1
	EventDiscoveryFinished
	EventDeviceFound
	EventBondChanged
)

func (k EventKind) String() string {
	switch k {
	case EventDiscoveryStarted:
		return "discovery_started"
	case EventDiscoveryFinished:
		return "discovery_finished"
	case EventDeviceFound:
		return "device_found"
	case EventBondChanged:
		return "bond_changed"
	default:
		return "unknown"
	}
}

// Event is a notification from the host stack. Device and Bond are set for
// EventDeviceFound and EventBondChanged.
type Event struct {
	Kind   EventKind
	Device Device
	Bond   BondState
}

// Tier selects how Dial opens the RFCOMM link.
type Tier int

const (
	// TierInsecure connects to the service record without requiring authentication.
	TierInsecure Tier = iota
	// TierSecure connects to the service record with authentication and authorization.
	TierSecure
	// TierChannel opens the fallback RFCOMM channel directly, skipping SDP.
	TierChannel
)

func (t Tier) String() string {
	switch t {
	case TierInsecure:
		return "insecure"
	case TierSecure:
		return "secure"
	case TierChannel:
		return "channel"
	default:
		return "unknown"
	}
}

// Conn is an open RFCOMM stream. The caller owns it and must Close it.
type Conn = io.ReadWriteCloser

// Options configures a manager.
type Options struct {
	// Adapter is the adapter name (e.g. "hci0"). Empty selects the first adapter found.
	Adapter string
	// ServiceUUID is the service record connected to by the profile tiers. Defaults to SPPUUID.
	ServiceUUID string
	// Channel is the RFCOMM channel used by TierChannel. Defaults to DefaultRFCOMMChannel.
	Channel uint8
	// EventBuffer is the capacity of the Events channel. Defaults to 64.
	EventBuffer int
	// Logger receives diagnostics. Defaults to the logrus standard logger.
	Logger *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.ServiceUUID == "" {
		o.ServiceUUID = SPPUUID
	}
	if o.Channel == 0 {
		o.Channel = DefaultRFCOMMChannel
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return o
}

// Mgr is the single public interface for discovery, bonding and connections.
type Mgr interface {
	// Powered reports whether the adapter is switched on.
	Powered(ctx context.Context) (bool, error)
	// PowerOn switches the adapter on.
	PowerOn(ctx context.Context) error

	// StartDiscovery starts an inquiry for Classic devices. Results arrive on Events.
	StartDiscovery(ctx context.Context) error
	// StopDiscovery cancels a running inquiry.
	StopDiscovery(ctx context.Context) error
	// Discovering reports whether an inquiry is in progress.
	Discovering(ctx context.Context) (bool, error)

	// Events delivers discovery and bonding notifications until Close.
	Events() <-chan Event

	// BondState returns the pairing state of the device with the given address.
	BondState(ctx context.Context, address string) (BondState, error)
	// Pair initiates bonding and returns once the request is issued.
	// The outcome is reported as EventBondChanged.
	Pair(ctx context.Context, address string) error

	// Dial opens an RFCOMM connection to the device using the given tier.
	// Context cancellation and deadlines are propagated: errors wrapping
	// context.Canceled or context.DeadlineExceeded may be returned.
	Dial(ctx context.Context, address string, tier Tier) (Conn, error)

	// Close releases resources held by the manager (D-Bus objects, signal subscriptions).
	// After Close, all other methods return ErrClosed.
	Close() error
}
