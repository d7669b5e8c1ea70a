package ble

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

var (
	// ErrNotConnected is returned for GATT calls made without a link.
	ErrNotConnected = errors.New("not connected")
	// ErrServiceNotFound is reported when the peer lacks the Improv service.
	ErrServiceNotFound = errors.New("improv service not found")
	// ErrCharNotFound is reported for a characteristic discovery did not find.
	ErrCharNotFound = errors.New("characteristic not found")
)

// Adapter implements Transport on top of tinygo.org/x/bluetooth. Each
// blocking tinygo call runs on its own goroutine and reports back through
// the event channel.
type Adapter struct {
	adapter *bluetooth.Adapter
	log     *zap.Logger
	events  chan Event

	mu            sync.Mutex
	enabled       bool
	scanning      bool
	device        *bluetooth.Device
	address       string
	disconnecting bool
	chars         map[CharID]*bluetooth.DeviceCharacteristic
}

// NewAdapter wraps the default bluetooth adapter.
func NewAdapter(log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		adapter: bluetooth.DefaultAdapter,
		log:     log,
		events:  make(chan Event, 64),
		chars:   make(map[CharID]*bluetooth.DeviceCharacteristic),
	}
}

// Enable powers up the host adapter. It must be called before any other method.
func (a *Adapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return nil
	}

	if err := ensurePowered(a.log); err != nil {
		return fmt.Errorf("failed to power adapter: %w", err)
	}
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable Bluetooth: %w", err)
	}

	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		a.onConnectChange(device.Address.String(), connected)
	})
	a.enabled = true
	return nil
}

func (a *Adapter) Events() <-chan Event { return a.events }

func (a *Adapter) emit(ev Event) {
	a.events <- ev
}

func (a *Adapter) StartScan(filter ScanFilter) error {
	var services []bluetooth.UUID
	for _, s := range filter.ServiceUUIDs {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return fmt.Errorf("bad service uuid %q: %w", s, err)
		}
		services = append(services, u)
	}

	a.mu.Lock()
	if !a.enabled {
		a.mu.Unlock()
		return errors.New("adapter not enabled")
	}
	if a.scanning {
		a.mu.Unlock()
		return nil
	}
	a.scanning = true
	a.mu.Unlock()

	go func() {
		err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			name := result.LocalName()
			if filter.NamePrefix != "" && !strings.HasPrefix(name, filter.NamePrefix) {
				return
			}
			if len(services) > 0 && !advertisesAny(result, services) {
				return
			}
			a.log.Debug("advertisement", zap.String("address", result.Address.String()),
				zap.String("name", name), zap.Int16("rssi", result.RSSI))
			a.emit(PeerDiscovered{Address: result.Address.String(), Name: name, Handle: result.Address})
		})

		a.mu.Lock()
		a.scanning = false
		a.mu.Unlock()
		a.emit(ScanStopped{Err: err})
	}()
	return nil
}

func advertisesAny(result bluetooth.ScanResult, services []bluetooth.UUID) bool {
	for _, u := range services {
		if result.HasServiceUUID(u) {
			return true
		}
	}
	return false
}

func (a *Adapter) StopScan() error {
	a.mu.Lock()
	scanning := a.scanning
	a.mu.Unlock()
	if !scanning {
		return nil
	}
	return a.adapter.StopScan()
}

func (a *Adapter) Connect(peer Handle) error {
	addr, ok := peer.(bluetooth.Address)
	if !ok {
		return fmt.Errorf("handle %v was not produced by this adapter", peer)
	}

	a.mu.Lock()
	if a.device != nil {
		a.mu.Unlock()
		return errors.New("already connected")
	}
	a.mu.Unlock()

	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			a.emit(ConnectionChanged{Address: addr.String(), Err: err})
			return
		}
		a.mu.Lock()
		a.device = &device
		a.address = addr.String()
		a.mu.Unlock()
		a.emit(ConnectionChanged{Address: addr.String(), Connected: true})
	}()
	return nil
}

func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	device, address := a.device, a.address
	if device == nil {
		a.mu.Unlock()
		return ErrNotConnected
	}
	a.disconnecting = true
	a.mu.Unlock()

	go func() {
		err := device.Disconnect()
		a.forget()
		a.emit(ConnectionChanged{Address: address, Err: err})
	}()
	return nil
}

// onConnectChange handles link changes the host stack reports on its own,
// which is how a peer-initiated disconnect shows up.
func (a *Adapter) onConnectChange(address string, connected bool) {
	if connected {
		return
	}
	a.mu.Lock()
	ours := a.device != nil && a.address == address && !a.disconnecting
	a.mu.Unlock()
	if !ours {
		return
	}
	a.log.Info("link lost", zap.String("address", address))
	a.forget()
	a.emit(ConnectionChanged{Address: address})
}

func (a *Adapter) forget() {
	a.mu.Lock()
	a.device = nil
	a.address = ""
	a.disconnecting = false
	a.chars = make(map[CharID]*bluetooth.DeviceCharacteristic)
	a.mu.Unlock()
}

func (a *Adapter) DiscoverServices() error {
	a.mu.Lock()
	device := a.device
	a.mu.Unlock()
	if device == nil {
		return ErrNotConnected
	}

	go func() {
		services, chars, err := discover(device)
		if err == nil {
			a.mu.Lock()
			a.chars = chars
			a.mu.Unlock()
		}
		a.emit(ServicesDiscovered{Services: services, Err: err})
	}()
	return nil
}

func discover(device *bluetooth.Device) ([]string, map[CharID]*bluetooth.DeviceCharacteristic, error) {
	all, err := device.DiscoverServices(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to discover services: %w", err)
	}

	var names []string
	var improv *bluetooth.DeviceService
	for i := range all {
		uuidStr := all[i].UUID().String()
		names = append(names, uuidStr)
		if strings.EqualFold(uuidStr, ServiceUUID) {
			improv = &all[i]
		}
	}
	if improv == nil {
		return names, nil, ErrServiceNotFound
	}

	found, err := improv.DiscoverCharacteristics(nil)
	if err != nil {
		return names, nil, fmt.Errorf("failed to discover characteristics: %w", err)
	}

	chars := make(map[CharID]*bluetooth.DeviceCharacteristic)
	for i := range found {
		uuidStr := found[i].UUID().String()
		for _, id := range Chars {
			if strings.EqualFold(uuidStr, id.UUIDString()) {
				chars[id] = &found[i]
			}
		}
	}
	for _, id := range Chars {
		if chars[id] == nil {
			return names, nil, fmt.Errorf("%w: %s", ErrCharNotFound, id)
		}
	}
	return names, chars, nil
}

func (a *Adapter) char(c CharID) (*bluetooth.DeviceCharacteristic, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.device == nil {
		return nil, ErrNotConnected
	}
	ch := a.chars[c]
	if ch == nil {
		return nil, fmt.Errorf("%w: %s", ErrCharNotFound, c)
	}
	return ch, nil
}

func (a *Adapter) ReadCharacteristic(c CharID) error {
	ch, err := a.char(c)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 512)
		n, err := ch.Read(buf)
		if err != nil {
			a.emit(CharacteristicRead{Char: c, Err: err})
			return
		}
		a.emit(CharacteristicRead{Char: c, Value: buf[:n]})
	}()
	return nil
}

func (a *Adapter) WriteCharacteristic(c CharID, data []byte) error {
	ch, err := a.char(c)
	if err != nil {
		return err
	}
	buf := append([]byte(nil), data...)
	go func() {
		// tinygo only implements write-without-response on Linux.
		_, err := ch.WriteWithoutResponse(buf)
		a.emit(CharacteristicWritten{Char: c, Err: err})
	}()
	return nil
}

// WriteDescriptor only supports the client characteristic configuration
// descriptor, which tinygo exposes as EnableNotifications.
func (a *Adapter) WriteDescriptor(c CharID, data []byte) error {
	ch, err := a.char(c)
	if err != nil {
		return err
	}
	enable := len(data) > 0 && data[0]&0x01 != 0
	go func() {
		var err error
		if enable {
			err = ch.EnableNotifications(func(buf []byte) {
				a.emit(CharacteristicChanged{Char: c, Value: append([]byte(nil), buf...)})
			})
		} else {
			err = ch.EnableNotifications(nil)
		}
		a.emit(DescriptorWritten{Char: c, Err: err})
	}()
	return nil
}

// RequestMTU reports the MTU in use. The host stack negotiates the MTU on its
// own when the link comes up and tinygo can only read it back through a
// discovered characteristic. The session requests the MTU before discovery,
// so there the requested size is echoed; GetMTU is only consulted when
// RequestMTU is called after DiscoverServices.
func (a *Adapter) RequestMTU(size int) error {
	a.mu.Lock()
	device := a.device
	var ref *bluetooth.DeviceCharacteristic
	for _, ch := range a.chars {
		ref = ch
		break
	}
	a.mu.Unlock()
	if device == nil {
		return ErrNotConnected
	}

	go func() {
		if ref == nil {
			a.emit(MTUChanged{MTU: size})
			return
		}
		mtu, err := ref.GetMTU()
		a.emit(MTUChanged{MTU: int(mtu), Err: err})
	}()
	return nil
}
