package bletest

import (
	"sync"
	"time"

	"github.com/vitaminmoo/improv-tool/internal/ble"
	"github.com/vitaminmoo/improv-tool/internal/protocol"
)

// Peripheral answers the operations issued to a Transport the way an Improv
// device would, so whole flows can run against the fake.
type Peripheral struct {
	Address string
	Name    string

	// ConnectErr, when set, makes every connection attempt fail.
	ConnectErr error
	// WifiError, when not NoError, is reported instead of joining the network.
	WifiError protocol.ErrorState
	// RedirectURL is returned in the RPC result after a successful join.
	RedirectURL string
	// ErrorState is what error-state reads return until the next RPC clears
	// it, like a device still holding the error of an earlier attempt.
	ErrorState protocol.ErrorState
	// ReadDelay holds back every characteristic read answer.
	ReadDelay time.Duration

	mu     sync.Mutex
	state  protocol.DeviceState
	frames [][]byte
	tr     *Transport
	stop   chan struct{}
}

// NewPeripheral creates a device in the given state.
func NewPeripheral(address, name string, state protocol.DeviceState) *Peripheral {
	return &Peripheral{Address: address, Name: name, state: state}
}

// Attach starts answering tr. It must be called before the transport is used.
func (p *Peripheral) Attach(tr *Transport) {
	tr.mu.Lock()
	tr.Issued = make(chan ble.Operation, 256)
	tr.ScanStarted = make(chan ble.ScanFilter, 16)
	issued, scans := tr.Issued, tr.ScanStarted
	tr.mu.Unlock()

	p.mu.Lock()
	p.tr = tr
	p.stop = make(chan struct{})
	stop := p.stop
	p.mu.Unlock()

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-scans:
				tr.Emit(ble.PeerDiscovered{Address: p.Address, Name: p.Name, Handle: Handle(p.Address)})
			case op := <-issued:
				p.answer(tr, op)
			}
		}
	}()
}

// Stop stops answering.
func (p *Peripheral) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
}

// SetState changes the device state and notifies the central, as a device
// does when its button is pressed.
func (p *Peripheral) SetState(st protocol.DeviceState) {
	p.mu.Lock()
	p.state = st
	tr := p.tr
	p.mu.Unlock()
	if tr != nil {
		tr.Emit(ble.CharacteristicChanged{Char: ble.CharCurrentState, Value: []byte{byte(st)}})
	}
}

// Frames returns the RPC frames written to the device.
func (p *Peripheral) Frames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.frames...)
}

func (p *Peripheral) answer(tr *Transport, op ble.Operation) {
	switch o := op.(type) {
	case ble.Connect:
		if p.ConnectErr != nil {
			tr.Emit(ble.ConnectionChanged{Address: p.Address, Err: p.ConnectErr})
			return
		}
		tr.Emit(ble.ConnectionChanged{Address: p.Address, Connected: true})
	case ble.Disconnect:
		tr.Emit(ble.ConnectionChanged{Address: p.Address})
	case ble.RequestMTU:
		tr.Emit(ble.MTUChanged{MTU: o.Size})
	case ble.DiscoverServices:
		tr.Emit(ble.ServicesDiscovered{Services: []string{ble.ServiceUUID}})
	case ble.ReadCharacteristic:
		if p.ReadDelay > 0 {
			time.Sleep(p.ReadDelay)
		}
		tr.Emit(ble.CharacteristicRead{Char: o.Char, Value: p.value(o.Char)})
	case ble.WriteDescriptor:
		tr.Emit(ble.DescriptorWritten{Char: o.Char})
	case ble.WriteCharacteristic:
		tr.Emit(ble.CharacteristicWritten{Char: o.Char})
		if o.Char == ble.CharRPCCommand {
			p.rpc(tr, o.Data)
		}
	}
}

func (p *Peripheral) value(c ble.CharID) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch c {
	case ble.CharCurrentState:
		return []byte{byte(p.state)}
	case ble.CharErrorState:
		return []byte{byte(p.ErrorState)}
	}
	return nil
}

func (p *Peripheral) rpc(tr *Transport, frame []byte) {
	p.mu.Lock()
	p.frames = append(p.frames, append([]byte(nil), frame...))
	p.mu.Unlock()

	f, err := protocol.DecodeFrame(frame)
	if err != nil {
		tr.Emit(ble.CharacteristicChanged{Char: ble.CharErrorState, Value: []byte{byte(protocol.InvalidRPCPacket)}})
		return
	}
	if f.Command != protocol.SendWifi {
		return
	}

	p.mu.Lock()
	stale := p.ErrorState != protocol.NoError
	p.ErrorState = protocol.NoError
	p.mu.Unlock()
	if stale {
		tr.Emit(ble.CharacteristicChanged{Char: ble.CharErrorState, Value: []byte{byte(protocol.NoError)}})
	}

	p.SetState(protocol.Provisioning)
	if p.WifiError != protocol.NoError {
		tr.Emit(ble.CharacteristicChanged{Char: ble.CharErrorState, Value: []byte{byte(p.WifiError)}})
		p.SetState(protocol.Authorized)
		return
	}
	p.SetState(protocol.Provisioned)
	var urls []string
	if p.RedirectURL != "" {
		urls = []string{p.RedirectURL}
	}
	result, _ := protocol.EncodeResult(protocol.SendWifi, urls)
	tr.Emit(ble.CharacteristicChanged{Char: ble.CharRPCResult, Value: result})
}
