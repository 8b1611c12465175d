// Package plain is the plain-text frontend: status lines on a writer and an
// index prompt on a reader.
package plain

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"bluetooth-gateway/internal/connmgr"
	"bluetooth-gateway/internal/session"
)

// ErrNoDevices is returned by Run when a scan finds nothing to connect to.
var ErrNoDevices = errors.New("plain: no devices found")

// Controller is the part of the session the plain UI drives.
type Controller interface {
	StartScan() <-chan []connmgr.Device
	Connect(address string) <-chan session.Result
	Updates() <-chan session.Update
}

// UI runs one scan-choose-connect pass.
type UI struct {
	ctrl       Controller
	in         *bufio.Reader
	out        io.Writer
	lastStatus string
}

// New returns a UI that prompts on in and writes to out.
func New(ctrl Controller, in io.Reader, out io.Writer) *UI {
	return &UI{ctrl: ctrl, in: bufio.NewReader(in), out: out}
}

// Run connects to address, or scans and prompts for a device when address is
// empty. The returned Result is also returned on connection failure.
func (u *UI) Run(ctx context.Context, address string) (session.Result, error) {
	if address == "" {
		devices, err := await(ctx, u, u.ctrl.StartScan())
		if err != nil {
			return session.Result{}, err
		}
		if len(devices) == 0 {
			fmt.Fprintln(u.out, "no devices found")
			return session.Result{}, ErrNoDevices
		}
		for i, d := range devices {
			fmt.Fprintf(u.out, "[%d] %s\n", i, formatDevice(d))
		}
		fmt.Fprint(u.out, "Choose index: ")
		idx, err := u.readIndex(len(devices))
		if err != nil {
			return session.Result{}, err
		}
		address = devices[idx].Address
	}

	res, err := await(ctx, u, u.ctrl.Connect(address))
	if err != nil {
		return session.Result{}, err
	}
	if res.Err != nil {
		return res, res.Err
	}
	fmt.Fprintf(u.out, "CONNECTED: %s\n", formatDevice(res.Device))
	return res, nil
}

// await prints session updates until ch yields a value.
func await[T any](ctx context.Context, u *UI, ch <-chan T) (T, error) {
	updates := u.ctrl.Updates()
	for {
		select {
		case v := <-ch:
			u.drain()
			return v, nil
		case up := <-updates:
			u.print(up)
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// drain prints updates that are already queued.
func (u *UI) drain() {
	for {
		select {
		case up := <-u.ctrl.Updates():
			u.print(up)
		default:
			return
		}
	}
}

func (u *UI) print(up session.Update) {
	if s := up.State.Status; s != "" && s != u.lastStatus {
		u.lastStatus = s
		fmt.Fprintln(u.out, s)
	}
	if up.Notice != "" {
		fmt.Fprintf(u.out, "! %s\n", up.Notice)
	}
}

func (u *UI) readIndex(n int) (int, error) {
	for {
		line, err := u.in.ReadString('\n')
		if i, convErr := strconv.Atoi(strings.TrimSpace(line)); convErr == nil && i >= 0 && i < n {
			return i, nil
		}
		if err != nil {
			return 0, fmt.Errorf("plain: read index: %w", err)
		}
		fmt.Fprintf(u.out, "enter 0..%d: ", n-1)
	}
}

func formatDevice(d connmgr.Device) string {
	s := fmt.Sprintf("%s %s", d.DisplayName(), d.Address)
	if d.RSSI != 0 {
		s += fmt.Sprintf(" %ddBm", d.RSSI)
	}
	if d.Paired {
		s += " (paired)"
	}
	return s
}
