package improv

import "github.com/vitaminmoo/improv-tool/internal/protocol"

// Observer receives session updates. Callbacks run on the goroutine that
// caused them, usually the one running Session.Run, and must not block.
type Observer interface {
	OnScanningChanged(scanning bool)
	OnPeerDiscovered(peer PeerDevice)
	// OnConnectionChanged gets the connected peer, or nil when the link is gone.
	OnConnectionChanged(peer *PeerDevice)
	OnDeviceStateChanged(state protocol.DeviceState)
	OnErrorStateChanged(state protocol.ErrorState)
	OnRPCResult(result []string)
}

// ObserverFuncs adapts a set of optional functions to Observer.
type ObserverFuncs struct {
	ScanningChanged    func(bool)
	PeerDiscovered     func(PeerDevice)
	ConnectionChanged  func(*PeerDevice)
	DeviceStateChanged func(protocol.DeviceState)
	ErrorStateChanged  func(protocol.ErrorState)
	RPCResult          func([]string)
}

func (f ObserverFuncs) OnScanningChanged(scanning bool) {
	if f.ScanningChanged != nil {
		f.ScanningChanged(scanning)
	}
}

func (f ObserverFuncs) OnPeerDiscovered(peer PeerDevice) {
	if f.PeerDiscovered != nil {
		f.PeerDiscovered(peer)
	}
}

func (f ObserverFuncs) OnConnectionChanged(peer *PeerDevice) {
	if f.ConnectionChanged != nil {
		f.ConnectionChanged(peer)
	}
}

func (f ObserverFuncs) OnDeviceStateChanged(state protocol.DeviceState) {
	if f.DeviceStateChanged != nil {
		f.DeviceStateChanged(state)
	}
}

func (f ObserverFuncs) OnErrorStateChanged(state protocol.ErrorState) {
	if f.ErrorStateChanged != nil {
		f.ErrorStateChanged(state)
	}
}

func (f ObserverFuncs) OnRPCResult(result []string) {
	if f.RPCResult != nil {
		f.RPCResult(result)
	}
}
