//go:build linux

package connmgr

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// RFCOMM link mode socket option, from <bluetooth/rfcomm.h>.
const (
	solRFCOMM       = 18
	rfcommLM        = 0x03
	rfcommLMAuth    = 0x0002
	rfcommLMEncrypt = 0x0004
)

// dialRFCOMM connects straight to an RFCOMM channel without an SDP lookup.
func dialRFCOMM(ctx context.Context, address string, channel uint8) (Conn, error) {
	addr, err := bdaddr(address)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("connmgr: rfcomm socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, solRFCOMM, rfcommLM, rfcommLMAuth|rfcommLMEncrypt); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("connmgr: rfcomm link mode: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- unix.Connect(fd, &unix.SockaddrRFCOMM{Addr: addr, Channel: channel})
	}()
	select {
	case err := <-done:
		if err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("connmgr: connect %s channel %d: %w", address, channel, err)
		}
		return os.NewFile(uintptr(fd), "rfcomm"), nil
	case <-ctx.Done():
		// Shutdown aborts the pending connect; the fd is released once it returns.
		_ = unix.Shutdown(fd, unix.SHUT_RDWR)
		go func() {
			<-done
			_ = unix.Close(fd)
		}()
		return nil, fmt.Errorf("connmgr: connect %s channel %d: %w", address, channel, ctx.Err())
	}
}
