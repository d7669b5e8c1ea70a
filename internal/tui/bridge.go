package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/vitaminmoo/improv-tool/internal/improv"
	"github.com/vitaminmoo/improv-tool/internal/protocol"
)

// Messages delivered from session callbacks.
type (
	scanningMsg    struct{ scanning bool }
	peerMsg        struct{ peer improv.PeerDevice }
	connectionMsg  struct{ peer *improv.PeerDevice }
	deviceStateMsg struct{ state protocol.DeviceState }
	errorStateMsg  struct{ state protocol.ErrorState }
	resultMsg      struct{ result []string }
)

// Bridge is an improv.Observer that forwards every update into a bubbletea
// program. send is normally (*tea.Program).Send.
type Bridge struct {
	send func(tea.Msg)
}

// NewBridge creates a Bridge delivering to send.
func NewBridge(send func(tea.Msg)) *Bridge {
	return &Bridge{send: send}
}

func (b *Bridge) OnScanningChanged(s bool)            { b.send(scanningMsg{s}) }
func (b *Bridge) OnPeerDiscovered(p improv.PeerDevice) { b.send(peerMsg{p}) }
func (b *Bridge) OnConnectionChanged(p *improv.PeerDevice) {
	var cp *improv.PeerDevice
	if p != nil {
		c := *p
		cp = &c
	}
	b.send(connectionMsg{cp})
}
func (b *Bridge) OnDeviceStateChanged(s protocol.DeviceState) { b.send(deviceStateMsg{s}) }
func (b *Bridge) OnErrorStateChanged(e protocol.ErrorState)   { b.send(errorStateMsg{e}) }
func (b *Bridge) OnRPCResult(r []string) {
	b.send(resultMsg{append([]string(nil), r...)})
}
