package improv

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitaminmoo/improv-tool/internal/ble"
	"github.com/vitaminmoo/improv-tool/internal/protocol"
)

// SessionState is the phase of the single provisioning session.
type SessionState int

const (
	Idle SessionState = iota
	Scanning
	Connecting
	SettingUp
	Ready
	Disconnected
)

func (s SessionState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case SettingUp:
		return "setting-up"
	case Ready:
		return "ready"
	case Disconnected:
		return "disconnected"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// linked reports whether a link is up or being brought up.
func (s SessionState) linked() bool {
	return s == Connecting || s == SettingUp || s == Ready
}

// Session owns the link to one peripheral. Commands may be called from any
// goroutine; transport events are fed in by Run (or Handle in tests).
type Session struct {
	transport ble.Transport
	queue     *ble.Queue
	registry  *Registry
	log       *zap.Logger
	mtu       int
	filter    ble.ScanFilter

	// cmdMu serializes state transitions that also enqueue operations, so
	// operations land in the queue in transition order.
	cmdMu sync.Mutex

	mu          sync.Mutex
	state       SessionState
	peer        *PeerDevice
	deviceState protocol.DeviceState
	errorState  protocol.ErrorState
	observers   map[*observerEntry]struct{}
}

type observerEntry struct{ o Observer }

// Option configures a Session.
type Option func(*sessionConfig)

type sessionConfig struct {
	log       *zap.Logger
	mtu       int
	opTimeout time.Duration
	filter    ble.ScanFilter
}

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *sessionConfig) { c.log = l }
}

// WithMTU sets the MTU requested after connecting.
func WithMTU(n int) Option {
	return func(c *sessionConfig) { c.mtu = n }
}

// WithOperationTimeout fails GATT operations that never complete.
func WithOperationTimeout(d time.Duration) Option {
	return func(c *sessionConfig) { c.opTimeout = d }
}

// WithScanFilter replaces the default filter, which keeps only peers
// advertising the Improv service.
func WithScanFilter(f ble.ScanFilter) Option {
	return func(c *sessionConfig) { c.filter = f }
}

// NewSession creates an idle session on top of t.
func NewSession(t ble.Transport, opts ...Option) *Session {
	cfg := sessionConfig{
		mtu:    ble.DefaultMTU,
		filter: ble.ScanFilter{ServiceUUIDs: []string{ble.ServiceUUID}},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = zap.NewNop()
	}

	s := &Session{
		transport: t,
		registry:  NewRegistry(),
		log:       cfg.log,
		mtu:       cfg.mtu,
		filter:    cfg.filter,
		state:     Idle,
		observers: make(map[*observerEntry]struct{}),
	}
	s.queue = ble.NewQueue(t, cfg.log.Named("queue"),
		ble.WithTimeout(cfg.opTimeout),
		ble.WithFailureHandler(s.onOperationFailed))
	return s
}

// Subscribe registers o for updates. The returned func removes it.
func (s *Session) Subscribe(o Observer) func() {
	e := &observerEntry{o: o}
	s.mu.Lock()
	s.observers[e] = struct{}{}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, e)
		s.mu.Unlock()
	}
}

// notify calls fn for every observer. It must be called without s.mu held.
func (s *Session) notify(fn func(Observer)) {
	s.mu.Lock()
	obs := make([]Observer, 0, len(s.observers))
	for e := range s.observers {
		obs = append(obs, e.o)
	}
	s.mu.Unlock()
	for _, o := range obs {
		fn(o)
	}
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer returns the peer the session is connected or connecting to.
func (s *Session) Peer() *PeerDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer == nil {
		return nil
	}
	p := *s.peer
	return &p
}

// DeviceState returns the last device state the peer reported, or 0.
func (s *Session) DeviceState() protocol.DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceState
}

// ErrorState returns the last error state the peer reported.
func (s *Session) ErrorState() protocol.ErrorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorState
}

// Devices returns the peers found by the current scan.
func (s *Session) Devices() []PeerDevice {
	return s.registry.Devices()
}

// Queue exposes the operation queue for inspection.
func (s *Session) Queue() *ble.Queue {
	return s.queue
}

// setState changes state and returns the previous one.
func (s *Session) setState(st SessionState) SessionState {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.log.Debug("session state", zap.Stringer("from", prev), zap.Stringer("to", st))
	}
	return prev
}

// FindDevices clears the registry and starts scanning for Improv peers.
func (s *Session) FindDevices() error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	st := s.State()
	if st.linked() {
		return ErrAlreadyConnected
	}
	if st == Scanning {
		return nil
	}

	s.registry.Clear()
	if err := s.transport.StartScan(s.filter); err != nil {
		return fmt.Errorf("failed to start scan: %w", err)
	}
	s.log.Info("scanning")
	s.setState(Scanning)
	s.notify(func(o Observer) { o.OnScanningChanged(true) })
	return nil
}

// StopScan stops an active scan. It is a no-op otherwise.
func (s *Session) StopScan() error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	return s.stopScanLocked(Idle)
}

func (s *Session) stopScanLocked(next SessionState) error {
	if s.State() != Scanning {
		return nil
	}
	err := s.transport.StopScan()
	if err != nil {
		s.log.Warn("failed to stop scan", zap.Error(err))
	}
	s.setState(next)
	s.notify(func(o Observer) { o.OnScanningChanged(false) })
	return err
}

// Connect stops any scan and starts connecting to the peer at address, which
// must have been reported by the current scan.
func (s *Session) Connect(address string) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	if s.State().linked() {
		return ErrAlreadyConnected
	}
	handle, err := s.registry.Resolve(address)
	if err != nil {
		return fmt.Errorf("%w: %s", err, address)
	}
	peer, _ := s.registry.Lookup(address)

	_ = s.stopScanLocked(Connecting)
	s.mu.Lock()
	s.state = Connecting
	s.peer = &peer
	s.deviceState = 0
	s.errorState = protocol.NoError
	s.mu.Unlock()

	s.log.Info("connecting", zap.String("address", address), zap.String("name", peer.Name))
	s.queue.Enqueue(ble.Connect{Peer: handle})
	return nil
}

// Disconnect drops the link, or the link attempt, to the current peer.
func (s *Session) Disconnect() error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	if !s.State().linked() {
		return ErrNotConnected
	}
	s.queue.Enqueue(ble.Disconnect{})
	return nil
}

// SendWifi asks the peer to join the given network.
func (s *Session) SendWifi(ssid, passphrase string) error {
	frame, err := protocol.SendWifiFrame(ssid, passphrase)
	if err != nil {
		return err
	}
	return s.sendRPC(protocol.SendWifi, frame)
}

// Identify asks the peer to identify itself, e.g. by blinking a LED.
func (s *Session) Identify() error {
	return s.sendRPC(protocol.Identify, protocol.IdentifyFrame())
}

func (s *Session) sendRPC(cmd protocol.RPCCommand, frame []byte) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	if s.State() != Ready {
		return ErrNotConnected
	}
	s.log.Debug("sending rpc", zap.Stringer("command", cmd), zap.Binary("frame", frame))
	s.queue.Enqueue(ble.WriteCharacteristic{Char: ble.CharRPCCommand, Data: frame})
	return nil
}

// Run feeds transport events to Handle until the event channel closes or
// ctx is done.
func (s *Session) Run(ctx context.Context) error {
	events := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.Handle(ev)
		}
	}
}

// onOperationFailed handles operations the transport refused or that timed
// out. No completion event will arrive for them.
func (s *Session) onOperationFailed(op ble.Operation, err error) {
	s.log.Warn("operation failed", zap.Stringer("op", op), zap.Error(err))

	switch op.(type) {
	case ble.Connect:
		s.linkDown(Connecting)
	case ble.Disconnect:
		s.queue.Reset()
		s.linkDown(Connecting, SettingUp, Ready)
	case ble.DiscoverServices:
		if s.State() == SettingUp {
			s.queue.Enqueue(ble.Disconnect{})
		}
	}
}

// linkDown moves to Disconnected if the state is one of from, and tells
// observers the peer is gone.
func (s *Session) linkDown(from ...SessionState) {
	s.mu.Lock()
	cur := s.state
	match := false
	for _, st := range from {
		if cur == st {
			match = true
		}
	}
	if !match {
		s.mu.Unlock()
		return
	}
	s.state = Disconnected
	s.peer = nil
	s.mu.Unlock()

	s.log.Info("disconnected", zap.Stringer("from", cur))
	s.notify(func(o Observer) { o.OnConnectionChanged(nil) })
}
