package connmgr

import (
	"os"
	"sync"

	dbus "github.com/godbus/dbus/v5"
)

// profile implements org.bluez.Profile1 and forwards NewConnection events.
type profile struct {
	mu       sync.Mutex
	ch       chan acceptResult
	accepted bool // true after first delivery; subsequent connections are rejected/closed
	closed   bool // true once the dialer stopped waiting
}

type acceptResult struct {
	fd  int
	dev Device
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; the caller owns the socket and closes it.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the RFCOMM socket FD to the waiting dialer.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	res := acceptResult{
		fd:  int(fd),
		dev: Device{
			Path:    string(dev),
			Address: macFromPath(dev),
		},
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accepted || p.closed {
		closeFD(res.fd)
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"not accepting"}}
	}
	select {
	case p.ch <- res:
		p.accepted = true
		return nil
	default:
		// No receiver; close FD and return a rejection to avoid leaks.
		closeFD(res.fd)
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
	}
}

// close stops accepting and releases a delivered but unclaimed FD.
func (p *profile) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	select {
	case res := <-p.ch:
		closeFD(res.fd)
	default:
	}
}

func closeFD(fd int) {
	_ = os.NewFile(uintptr(fd), "rfcomm").Close()
}
