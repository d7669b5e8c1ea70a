package improv

import (
	"errors"

	"go.uber.org/zap"

	"github.com/vitaminmoo/improv-tool/internal/ble"
	"github.com/vitaminmoo/improv-tool/internal/protocol"
)

// Handle routes one transport event. Completion events retire the in-flight
// operation; notifications are decoded and passed to observers.
func (s *Session) Handle(ev ble.Event) {
	switch e := ev.(type) {
	case ble.PeerDiscovered:
		s.onPeerDiscovered(e)
	case ble.ScanStopped:
		s.onScanStopped(e)
	case ble.ConnectionChanged:
		s.onConnectionChanged(e)
	case ble.ServicesDiscovered:
		s.onServicesDiscovered(e)
	case ble.MTUChanged:
		if e.Err == nil {
			s.log.Debug("mtu changed", zap.Int("mtu", e.MTU))
		}
		_ = s.complete(ble.OpRequestMTU, e.Err)
	case ble.CharacteristicRead:
		_ = s.complete(ble.OpReadCharacteristic, e.Err)
		if e.Err == nil {
			s.decode(e.Char, e.Value)
		}
	case ble.CharacteristicChanged:
		s.decode(e.Char, e.Value)
	case ble.CharacteristicWritten:
		_ = s.complete(ble.OpWriteCharacteristic, e.Err)
	case ble.DescriptorWritten:
		_ = s.complete(ble.OpWriteDescriptor, e.Err)
	default:
		s.log.Error("unhandled transport event", zap.Any("event", ev))
	}
}

// complete retires the in-flight operation of kind k. A mismatch is already
// logged by the queue and leaves it untouched.
func (s *Session) complete(k ble.OpKind, err error) error {
	return s.queue.Complete(k, err)
}

func (s *Session) onPeerDiscovered(e ble.PeerDiscovered) {
	peer := PeerDevice{Address: e.Address, Name: e.Name}
	if !s.registry.Record(peer, e.Handle) {
		return
	}
	if cur, ok := s.registry.Lookup(e.Address); ok {
		peer = cur
	}
	s.log.Info("found device", zap.String("address", peer.Address), zap.String("name", peer.DisplayName()))
	s.notify(func(o Observer) { o.OnPeerDiscovered(peer) })
}

func (s *Session) onScanStopped(e ble.ScanStopped) {
	if e.Err != nil {
		s.log.Warn("scan stopped", zap.Error(e.Err))
	}
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	s.mu.Lock()
	scanning := s.state == Scanning
	if scanning {
		s.state = Idle
	}
	s.mu.Unlock()
	if scanning {
		s.notify(func(o Observer) { o.OnScanningChanged(false) })
	}
}

func (s *Session) onConnectionChanged(e ble.ConnectionChanged) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	inFlight := s.queue.InFlight()
	var kind ble.OpKind = -1
	if inFlight != nil {
		kind = inFlight.Kind()
	}

	if e.Connected {
		if kind == ble.OpConnect {
			_ = s.complete(ble.OpConnect, nil)
		}
		s.mu.Lock()
		connecting := s.state == Connecting
		if connecting {
			s.state = SettingUp
		}
		var peer PeerDevice
		if s.peer != nil {
			peer = *s.peer
		}
		s.mu.Unlock()

		if !connecting {
			// Usually a connect the watchdog gave up on. Nobody owns this
			// link, and the transport refuses new connects while it is up.
			s.queue.Forget(ble.OpConnect)
			s.log.Warn("unexpected connection, disconnecting", zap.String("address", e.Address))
			s.queue.Enqueue(ble.Disconnect{})
			return
		}
		s.log.Info("connected", zap.String("address", e.Address))
		s.notify(func(o Observer) { o.OnConnectionChanged(&peer) })
		s.queue.Enqueue(ble.RequestMTU{Size: s.mtu}, ble.DiscoverServices{})
		return
	}

	switch kind {
	case ble.OpConnect:
		if e.Err != nil {
			s.log.Warn("connect failed", zap.String("address", e.Address), zap.Error(e.Err))
		}
		_ = s.complete(ble.OpConnect, e.Err)
		s.queue.Reset()
		s.linkDown(Connecting)
	case ble.OpDisconnect:
		_ = s.complete(ble.OpDisconnect, e.Err)
		s.queue.Reset()
		s.linkDown(Connecting, SettingUp, Ready)
	default:
		s.queue.Reset()
		s.linkDown(Connecting, SettingUp, Ready)
	}
}

func (s *Session) onServicesDiscovered(e ble.ServicesDiscovered) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	if err := s.complete(ble.OpDiscoverServices, e.Err); errors.Is(err, ble.ErrLateCompletion) {
		return
	}

	if e.Err != nil {
		s.log.Error("service discovery failed", zap.Strings("services", e.Services), zap.Error(e.Err))
		if s.State() == SettingUp {
			s.queue.Enqueue(ble.Disconnect{})
		}
		return
	}

	s.mu.Lock()
	settingUp := s.state == SettingUp
	if settingUp {
		s.state = Ready
	}
	s.mu.Unlock()
	if !settingUp {
		return
	}

	s.log.Info("ready", zap.Strings("services", e.Services))
	var ops []ble.Operation
	for _, c := range []ble.CharID{ble.CharCurrentState, ble.CharErrorState, ble.CharRPCResult} {
		ops = append(ops, ble.Subscribe(c)...)
	}
	s.queue.Enqueue(ops...)
}

// decode turns a characteristic value into an observer callback. Values that
// do not decode are logged and dropped.
func (s *Session) decode(c ble.CharID, value []byte) {
	switch c {
	case ble.CharCurrentState:
		st, err := protocol.ParseDeviceState(value)
		if err != nil {
			s.log.Warn("bad current state", zap.Binary("value", value), zap.Error(err))
			return
		}
		s.mu.Lock()
		s.deviceState = st
		s.mu.Unlock()
		s.log.Info("device state", zap.Stringer("state", st))
		s.notify(func(o Observer) { o.OnDeviceStateChanged(st) })

	case ble.CharErrorState:
		st, err := protocol.ParseErrorState(value)
		if err != nil {
			s.log.Warn("bad error state", zap.Binary("value", value), zap.Error(err))
			return
		}
		s.mu.Lock()
		s.errorState = st
		s.mu.Unlock()
		s.log.Info("error state", zap.Stringer("state", st))
		s.notify(func(o Observer) { o.OnErrorStateChanged(st) })

	case ble.CharRPCResult:
		result, ok := protocol.DecodeResult(value)
		if !ok {
			s.log.Debug("empty rpc result", zap.Binary("value", value))
			return
		}
		s.log.Info("rpc result", zap.Strings("result", result))
		s.notify(func(o Observer) { o.OnRPCResult(result) })

	default:
		s.log.Warn("value for unexpected characteristic", zap.Stringer("char", c))
	}
}
