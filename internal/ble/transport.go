package ble

// Handle identifies a peer to the transport that reported it. Only the
// transport that produced a Handle knows how to connect to it.
type Handle interface {
	String() string
}

// ScanFilter restricts which advertisements are reported.
type ScanFilter struct {
	// ServiceUUIDs, when non-empty, keeps only peers advertising one of them.
	ServiceUUIDs []string
	// NamePrefix, when non-empty, keeps only peers whose local name starts with it.
	NamePrefix string
}

// Transport is the GATT capability the Queue drives.
//
// Every method only starts the work and returns; it must not block on the
// radio. The outcome of each accepted call is delivered exactly once as an
// Event on the Events channel. A non-nil error means the call was not
// accepted and no Event will follow for it.
type Transport interface {
	StartScan(filter ScanFilter) error
	StopScan() error
	Connect(peer Handle) error
	Disconnect() error
	DiscoverServices() error
	ReadCharacteristic(c CharID) error
	WriteCharacteristic(c CharID, data []byte) error
	WriteDescriptor(c CharID, data []byte) error
	RequestMTU(size int) error
	Events() <-chan Event
}

// Event is an asynchronous report from a Transport.
type Event interface {
	isEvent()
}

// PeerDiscovered reports an advertisement seen while scanning.
type PeerDiscovered struct {
	Address string
	Name    string
	Handle  Handle
}

// ScanStopped reports that scanning ended, on request or because of an error.
type ScanStopped struct{ Err error }

// ConnectionChanged reports the link coming up or going down. Err is set when
// a connect attempt failed.
type ConnectionChanged struct {
	Address   string
	Connected bool
	Err       error
}

// ServicesDiscovered completes DiscoverServices.
type ServicesDiscovered struct {
	Services []string
	Err      error
}

// MTUChanged completes RequestMTU.
type MTUChanged struct {
	MTU int
	Err error
}

// CharacteristicRead completes ReadCharacteristic.
type CharacteristicRead struct {
	Char  CharID
	Value []byte
	Err   error
}

// CharacteristicChanged is an unsolicited notification. It completes nothing.
type CharacteristicChanged struct {
	Char  CharID
	Value []byte
}

// CharacteristicWritten completes WriteCharacteristic.
type CharacteristicWritten struct {
	Char CharID
	Err  error
}

// DescriptorWritten completes WriteDescriptor.
type DescriptorWritten struct {
	Char CharID
	Err  error
}

func (PeerDiscovered) isEvent()        {}
func (ScanStopped) isEvent()           {}
func (ConnectionChanged) isEvent()     {}
func (ServicesDiscovered) isEvent()    {}
func (MTUChanged) isEvent()            {}
func (CharacteristicRead) isEvent()    {}
func (CharacteristicChanged) isEvent() {}
func (CharacteristicWritten) isEvent() {}
func (DescriptorWritten) isEvent()     {}
