// Package bletest provides an in-memory ble.Transport for tests.
package bletest

import (
	"sync"

	"github.com/vitaminmoo/improv-tool/internal/ble"
)

// Handle is the peer handle produced by the fake transport.
type Handle string

func (h Handle) String() string { return string(h) }

// Transport records every call it receives as a ble.Operation and never
// emits events on its own; tests push events with Emit.
type Transport struct {
	mu       sync.Mutex
	calls    []ble.Operation
	scans    []ble.ScanFilter
	scanning bool
	refuse   map[ble.OpKind]error

	// Issued, when non-nil, receives each operation as it is issued. It must
	// be buffered or drained by another goroutine.
	Issued chan ble.Operation
	// ScanStarted, when non-nil, receives the filter of every StartScan.
	ScanStarted chan ble.ScanFilter

	events chan ble.Event
}

// New creates a fake transport with a buffered event channel.
func New() *Transport {
	return &Transport{
		refuse: make(map[ble.OpKind]error),
		events: make(chan ble.Event, 64),
	}
}

// Refuse makes every future call of kind k fail synchronously with err.
// A nil err accepts them again.
func (t *Transport) Refuse(k ble.OpKind, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.refuse, k)
		return
	}
	t.refuse[k] = err
}

// Calls returns a copy of the operations issued so far.
func (t *Transport) Calls() []ble.Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ble.Operation(nil), t.calls...)
}

// Reset forgets recorded calls.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = nil
}

// Scanning reports whether StartScan was called without a later StopScan.
func (t *Transport) Scanning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scanning
}

// ScanFilters returns the filters passed to StartScan.
func (t *Transport) ScanFilters() []ble.ScanFilter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ble.ScanFilter(nil), t.scans...)
}

// Emit delivers ev on the event channel.
func (t *Transport) Emit(ev ble.Event) {
	t.events <- ev
}

// Close closes the event channel.
func (t *Transport) Close() {
	close(t.events)
}

func (t *Transport) Events() <-chan ble.Event { return t.events }

func (t *Transport) StartScan(filter ble.ScanFilter) error {
	t.mu.Lock()
	t.scanning = true
	t.scans = append(t.scans, filter)
	started := t.ScanStarted
	t.mu.Unlock()

	if started != nil {
		started <- filter
	}
	return nil
}

func (t *Transport) StopScan() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scanning = false
	return nil
}

func (t *Transport) Connect(peer ble.Handle) error {
	return t.record(ble.Connect{Peer: peer})
}

func (t *Transport) Disconnect() error {
	return t.record(ble.Disconnect{})
}

func (t *Transport) DiscoverServices() error {
	return t.record(ble.DiscoverServices{})
}

func (t *Transport) ReadCharacteristic(c ble.CharID) error {
	return t.record(ble.ReadCharacteristic{Char: c})
}

func (t *Transport) WriteCharacteristic(c ble.CharID, data []byte) error {
	return t.record(ble.WriteCharacteristic{Char: c, Data: append([]byte(nil), data...)})
}

func (t *Transport) WriteDescriptor(c ble.CharID, data []byte) error {
	return t.record(ble.WriteDescriptor{Char: c, Data: append([]byte(nil), data...)})
}

func (t *Transport) RequestMTU(size int) error {
	return t.record(ble.RequestMTU{Size: size})
}

func (t *Transport) record(op ble.Operation) error {
	t.mu.Lock()
	err := t.refuse[op.Kind()]
	if err == nil {
		t.calls = append(t.calls, op)
	}
	issued := t.Issued
	t.mu.Unlock()

	if err != nil {
		return err
	}
	if issued != nil {
		issued <- op
	}
	return nil
}
