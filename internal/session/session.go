// Package session is the controller behind the device screen: it owns the list
// of discovered devices, the scan state and the single held connection, and
// drives the connect flow (cancel discovery, settle, bond, tiered dial).
//
// All state is owned by the goroutine running Run. Public methods post work to
// it and never touch state directly, so they are safe for concurrent use.
// Connection attempts run on a worker goroutine that posts its result back.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"bluetooth-gateway/internal/connmgr"
)

var (
	// ErrBusy is returned when a request for the device is already in flight
	// or the device is pairing.
	ErrBusy = errors.New("session: connection already in progress")
	// ErrNotPowered is returned when the adapter is off and auto power is disabled.
	ErrNotPowered = errors.New("session: bluetooth is not enabled")
	// ErrPairingFailed is returned when bonding does not complete.
	ErrPairingFailed = errors.New("session: pairing failed")
	// ErrClosed is returned by requests made after the session stopped.
	ErrClosed = errors.New("session: closed")
)

// hostCallTimeout bounds the short adapter calls made from the loop.
const hostCallTimeout = 5 * time.Second

// Host is the part of the Bluetooth stack the session drives.
type Host interface {
	Powered(ctx context.Context) (bool, error)
	PowerOn(ctx context.Context) error
	StartDiscovery(ctx context.Context) error
	StopDiscovery(ctx context.Context) error
	Discovering(ctx context.Context) (bool, error)
	Events() <-chan connmgr.Event
	BondState(ctx context.Context, address string) (connmgr.BondState, error)
	Pair(ctx context.Context, address string) error
	Dial(ctx context.Context, address string, tier connmgr.Tier) (connmgr.Conn, error)
}

// Options configures a Session.
type Options struct {
	ScanDuration   time.Duration // discovery auto-stop; defaults to 10s
	SettleDelay    time.Duration // wait after cancelling discovery before connecting
	AttemptTimeout time.Duration // bound for all tiers of one attempt; defaults to 30s
	Strategy       Strategy
	AutoPower      bool // switch the adapter on instead of refusing to scan
	SkipPairing    bool // dial without checking the bond state
	UpdateBuffer   int  // capacity of the Updates channel; defaults to 64
	Logger         *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.ScanDuration <= 0 {
		o.ScanDuration = 10 * time.Second
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 30 * time.Second
	}
	if o.UpdateBuffer <= 0 {
		o.UpdateBuffer = 64
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return o
}

// State is a snapshot of what the screen shows.
type State struct {
	Status    string
	Scanning  bool
	Devices   []connmgr.Device
	Connected *connmgr.Device
	// Busy is set while a connect request is settling, pairing or dialing.
	Busy bool
}

// Update carries a new State and, optionally, a transient notice for the user.
type Update struct {
	State  State
	Notice string
}

// Result is the outcome of one Connect request. On success Conn is the held
// connection; it stays owned by the session, which closes it on replacement,
// Disconnect or shutdown.
type Result struct {
	Device connmgr.Device
	Conn   connmgr.Conn
	Err    error
}

type stage int

const (
	stageSettling stage = iota
	stagePairing
	stageDialing
)

// action is work for the loop. abort runs instead of run when the session has
// stopped, so callers waiting on a reply are never left hanging.
type action struct {
	run   func()
	abort func()
}

type request struct {
	dev    connmgr.Device
	stage  stage
	result chan Result
	timer  *time.Timer
	cancel context.CancelFunc
}

// Session is the device screen controller.
type Session struct {
	host    Host
	opts    Options
	log     *logrus.Entry
	actions chan action
	updates chan Update
	done    chan struct{}
	running atomic.Bool

	// postMu guards stopped. post holds it shared while sending, so once Run
	// holds it exclusively no further action can enter the queue.
	postMu   sync.RWMutex
	stopped  bool
	stopping chan struct{}

	// Owned by the Run goroutine.
	ctx         context.Context
	devices     deviceList
	status      string
	scanning    bool
	scanWaiters []chan []connmgr.Device
	stopTimer   *time.Timer
	stopGen     uint64
	conn        connmgr.Conn
	connDev     *connmgr.Device
	requests    map[string]*request
}

// New creates a session. Nothing happens until Run is called.
func New(host Host, opts Options) *Session {
	opts = opts.withDefaults()
	return &Session{
		host:     host,
		opts:     opts,
		log:      opts.Logger,
		actions:  make(chan action, 16),
		updates:  make(chan Update, opts.UpdateBuffer),
		done:     make(chan struct{}),
		stopping: make(chan struct{}),
		status:   "Press scan to discover devices",
		requests: make(map[string]*request),
	}
}

// Updates delivers state snapshots and notices. Updates are dropped when the
// consumer falls behind by more than the buffer.
func (s *Session) Updates() <-chan Update { return s.updates }

// Done is closed when Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run processes host events and posted work until ctx is done, then stops
// scanning, fails pending and queued requests and closes the held connection.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session: already running")
	}
	defer close(s.done)
	s.ctx = ctx
	s.publish("")

	events := s.host.Events()
	for {
		select {
		case <-ctx.Done():
			s.stop()
			return nil
		case a := <-s.actions:
			a.run()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handleEvent(ev)
		}
	}
}

// post hands run to the loop. When the session has stopped, abort runs
// instead, if set.
func (s *Session) post(run, abort func()) {
	s.postMu.RLock()
	defer s.postMu.RUnlock()
	if !s.stopped {
		select {
		case s.actions <- action{run: run, abort: abort}:
			return
		case <-s.stopping:
		}
	}
	if abort != nil {
		abort()
	}
}

// stop shuts the loop down and aborts every action still queued.
func (s *Session) stop() {
	close(s.stopping)
	s.postMu.Lock()
	s.stopped = true
	s.postMu.Unlock()

	s.shutdown()
	for {
		select {
		case a := <-s.actions:
			if a.abort != nil {
				a.abort()
			}
		default:
			return
		}
	}
}

// StartScan starts discovery. The returned channel receives the device list
// when the scan ends, or nil when it could not start.
func (s *Session) StartScan() <-chan []connmgr.Device {
	ch := make(chan []connmgr.Device, 1)
	s.post(func() { s.startScan(ch) }, func() { ch <- nil })
	return ch
}

// StopScan stops a running scan.
func (s *Session) StopScan() { s.post(s.stopScan, nil) }

// ToggleScan stops a running scan or starts a new one.
func (s *Session) ToggleScan() {
	s.post(func() {
		if s.scanning {
			s.stopScan()
			return
		}
		s.startScan(nil)
	}, nil)
}

// Connect starts the connect flow for the device with the given address.
// The returned channel receives exactly one Result.
func (s *Session) Connect(address string) <-chan Result {
	ch := make(chan Result, 1)
	s.post(func() { s.connect(address, ch) }, func() { ch <- Result{Err: ErrClosed} })
	return ch
}

// Disconnect closes the held connection, if any.
func (s *Session) Disconnect() { s.post(s.disconnect, nil) }

// Conn returns the held connection or nil.
func (s *Session) Conn() connmgr.Conn {
	reply := make(chan connmgr.Conn, 1)
	s.post(func() { reply <- s.conn }, func() { reply <- nil })
	return <-reply
}

// Snapshot returns the current state.
func (s *Session) Snapshot() State {
	reply := make(chan State, 1)
	s.post(func() { reply <- s.state() }, func() { reply <- State{} })
	return <-reply
}

func (s *Session) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, hostCallTimeout)
}

func (s *Session) state() State {
	st := State{
		Status:   s.status,
		Scanning: s.scanning,
		Devices:  s.devices.snapshot(),
		Busy:     len(s.requests) > 0,
	}
	if s.connDev != nil {
		d := *s.connDev
		st.Connected = &d
	}
	return st
}

func (s *Session) publish(notice string) {
	select {
	case s.updates <- Update{State: s.state(), Notice: notice}:
	default:
		s.log.WithField("notice", notice).Debug("update dropped, consumer is lagging")
	}
}

// notify surfaces a transient message to the user.
func (s *Session) notify(msg string) {
	s.log.Info(msg)
	s.publish(msg)
}

func (s *Session) handleEvent(ev connmgr.Event) {
	switch ev.Kind {
	case connmgr.EventDiscoveryStarted:
		s.status = "Scanning for devices..."
		s.devices.clear()
		s.publish("")

	case connmgr.EventDeviceFound:
		if s.devices.upsert(ev.Device) {
			s.log.WithFields(logrus.Fields{"address": ev.Device.Address, "name": ev.Device.Name}).Debug("device found")
			s.publish("")
		}

	case connmgr.EventDiscoveryFinished:
		s.status = fmt.Sprintf("Scan completed. Found %d devices.", s.devices.len())
		s.scanning = false
		s.cancelStopTimer()
		s.publish("")
		s.finishScan()

	case connmgr.EventBondChanged:
		s.handleBond(ev)
	}
}

func (s *Session) startScan(waiter chan []connmgr.Device) {
	if waiter != nil {
		s.scanWaiters = append(s.scanWaiters, waiter)
	}
	if s.scanning {
		return
	}
	ctx, cancel := s.callCtx()
	defer cancel()

	powered, err := s.host.Powered(ctx)
	if err != nil {
		s.log.WithError(err).Error("read adapter power state")
		s.notify("Failed to start discovery")
		s.finishScan()
		return
	}
	if !powered {
		if !s.opts.AutoPower {
			s.log.WithError(ErrNotPowered).Warn("scan refused")
			s.notify("Bluetooth must be enabled to scan for devices")
			s.finishScan()
			return
		}
		if err := s.host.PowerOn(ctx); err != nil {
			s.log.WithError(err).Error("power on adapter")
			s.notify("Bluetooth must be enabled to scan for devices")
			s.finishScan()
			return
		}
		s.log.Info("adapter powered on")
	}

	s.status = "Starting scan..."
	s.scanning = true
	if err := s.host.StartDiscovery(ctx); err != nil {
		s.log.WithError(err).Error("start discovery")
		s.scanning = false
		s.notify("Failed to start discovery")
		s.finishScan()
		return
	}
	s.armStopTimer()
	s.publish("")
}

// armStopTimer schedules the auto-stop, replacing any earlier schedule.
func (s *Session) armStopTimer() {
	s.cancelStopTimer()
	gen := s.stopGen
	s.stopTimer = time.AfterFunc(s.opts.ScanDuration, func() {
		s.post(func() {
			if gen == s.stopGen {
				s.log.Debug("scan duration elapsed")
				s.stopScan()
			}
		}, nil)
	})
}

func (s *Session) cancelStopTimer() {
	s.stopGen++
	if s.stopTimer != nil {
		s.stopTimer.Stop()
		s.stopTimer = nil
	}
}

func (s *Session) stopScan() {
	if !s.scanning {
		return
	}
	s.cancelStopTimer()
	ctx, cancel := s.callCtx()
	defer cancel()
	s.stopDiscovery(ctx)
	s.scanning = false
	s.publish("")
	s.finishScan()
}

// stopDiscovery cancels an inquiry if one is running.
func (s *Session) stopDiscovery(ctx context.Context) bool {
	discovering, err := s.host.Discovering(ctx)
	if err != nil {
		s.log.WithError(err).Warn("read discovering state")
		return false
	}
	if !discovering {
		return false
	}
	if err := s.host.StopDiscovery(ctx); err != nil {
		s.log.WithError(err).Warn("stop discovery")
	}
	return true
}

func (s *Session) finishScan() {
	if len(s.scanWaiters) == 0 {
		return
	}
	devices := s.devices.snapshot()
	for _, w := range s.scanWaiters {
		w <- devices
	}
	s.scanWaiters = nil
}

func (s *Session) connect(address string, result chan Result) {
	addr, err := connmgr.NormalizeAddress(address)
	if err != nil {
		result <- Result{Err: err}
		s.notify("Connection failed: " + err.Error())
		return
	}
	dev, ok := s.devices.get(addr)
	if !ok {
		dev = connmgr.Device{Address: addr}
	}
	if _, busy := s.requests[addr]; busy {
		result <- Result{Device: dev, Err: ErrBusy}
		s.notify("Connection already in progress for " + dev.DisplayName())
		return
	}
	req := &request{dev: dev, result: result}
	s.requests[addr] = req

	ctx, cancel := s.callCtx()
	defer cancel()
	if s.stopDiscovery(ctx) {
		s.log.WithField("address", addr).Debug("discovery cancelled before connection")
		req.stage = stageSettling
		req.timer = time.AfterFunc(s.opts.SettleDelay, func() {
			s.post(func() {
				if s.requests[addr] == req {
					s.proceed(req)
				}
			}, nil)
		})
		s.publish("")
		return
	}
	s.proceed(req)
}

// proceed checks the bond state and either pairs first or dials directly.
func (s *Session) proceed(req *request) {
	name := req.dev.DisplayName()
	addr := req.dev.Address
	if s.opts.SkipPairing {
		s.attempt(req)
		return
	}
	ctx, cancel := s.callCtx()
	defer cancel()

	bond, err := s.host.BondState(ctx, addr)
	if err != nil {
		s.log.WithError(err).WithField("address", addr).Error("read bond state")
		s.finish(req, Result{Device: req.dev, Err: err})
		s.notify("Connection failed: " + err.Error())
		return
	}
	switch bond {
	case connmgr.BondNone:
		s.log.WithField("address", addr).Debugf("device not bonded, initiating pairing for %s", name)
		req.stage = stagePairing
		if err := s.host.Pair(ctx, addr); err != nil {
			s.log.WithError(err).WithField("address", addr).Error("initiate pairing")
			s.finish(req, Result{Device: req.dev, Err: fmt.Errorf("%w: %w", ErrPairingFailed, err)})
			s.notify("Failed to initiate pairing with " + name)
			return
		}
		s.notify("Pairing initiated with " + name)
	case connmgr.BondBonding:
		s.finish(req, Result{Device: req.dev, Err: ErrBusy})
		s.notify("Device is currently pairing. Please wait...")
	case connmgr.BondBonded:
		s.log.WithField("address", addr).Debugf("device already bonded, proceeding with connection to %s", name)
		s.attempt(req)
	}
}

func (s *Session) handleBond(ev connmgr.Event) {
	addr := key(ev.Device.Address)
	if s.devices.setPaired(addr, ev.Bond == connmgr.BondBonded) {
		s.publish("")
	}
	req, ok := s.requests[addr]
	s.log.WithFields(logrus.Fields{"address": addr, "bond": ev.Bond.String()}).Debug("bond state changed")
	if !ok || req.stage != stagePairing {
		return
	}
	name := req.dev.DisplayName()
	switch ev.Bond {
	case connmgr.BondBonded:
		req.dev.Paired = true
		s.notify("Paired with " + name)
		s.attempt(req)
	case connmgr.BondNone:
		s.finish(req, Result{Device: req.dev, Err: ErrPairingFailed})
		s.notify("Pairing failed with " + name)
	}
}

// attempt dials on a worker goroutine and posts the outcome back to the loop.
func (s *Session) attempt(req *request) {
	req.stage = stageDialing
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.AttemptTimeout)
	req.cancel = cancel
	dev := req.dev
	tiers := s.opts.Strategy.Tiers()
	log := s.log.WithFields(logrus.Fields{"address": dev.Address, "device": dev.DisplayName()})
	s.publish("")

	go func() {
		defer cancel()
		conn, tier, err := dialTiers(ctx, s.host, dev.Address, tiers, log)
		s.post(func() { s.attemptDone(req, conn, tier, err) }, func() {
			if conn != nil {
				_ = conn.Close()
			}
		})
	}()
}

func (s *Session) attemptDone(req *request, conn connmgr.Conn, tier connmgr.Tier, err error) {
	addr := req.dev.Address
	if s.requests[key(addr)] != req {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	name := req.dev.DisplayName()
	if err != nil {
		s.log.WithError(err).WithField("address", addr).Errorf("connection error for %s", name)
		s.finish(req, Result{Device: req.dev, Err: err})
		if len(s.opts.Strategy.Tiers()) > 1 {
			s.notify("All connection attempts failed for " + name)
		} else {
			s.notify("Connection failed: " + err.Error())
		}
		return
	}

	s.closeConn()
	dev := req.dev
	s.conn = conn
	s.connDev = &dev
	s.status = "Connected to: " + name
	s.log.WithFields(logrus.Fields{"address": addr, "tier": tier.String()}).Info("connected")
	s.finish(req, Result{Device: dev, Conn: conn})
	s.notify("Connected to " + name)
}

// finish removes the request and delivers its result.
func (s *Session) finish(req *request, res Result) {
	delete(s.requests, key(req.dev.Address))
	if req.timer != nil {
		req.timer.Stop()
	}
	select {
	case req.result <- res:
	default:
	}
}

func (s *Session) disconnect() {
	if s.conn == nil {
		return
	}
	name := s.connDev.DisplayName()
	s.closeConn()
	s.status = "Disconnected from " + name
	s.publish("")
}

func (s *Session) closeConn() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		s.log.WithError(err).Error("error closing socket")
	}
	s.conn = nil
	s.connDev = nil
}

func (s *Session) shutdown() {
	s.cancelStopTimer()
	for _, req := range s.requests {
		if req.cancel != nil {
			req.cancel()
		}
		err := s.ctx.Err()
		if err == nil {
			err = ErrClosed
		}
		s.finish(req, Result{Device: req.dev, Err: err})
	}
	if s.scanning {
		// The run context is already done.
		ctx, cancel := context.WithTimeout(context.Background(), hostCallTimeout)
		s.stopDiscovery(ctx)
		cancel()
		s.scanning = false
	}
	s.finishScan()
	s.closeConn()
	s.log.Debug("session stopped")
}
