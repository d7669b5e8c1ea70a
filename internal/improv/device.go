// Package improv drives Improv Wi-Fi provisioning of a single BLE peripheral:
// it keeps the scan results, runs the connection state machine, turns
// transport events into Improv state/error/result updates and sends RPCs.
package improv

import (
	"errors"
	"sync"

	"github.com/vitaminmoo/improv-tool/internal/ble"
)

var (
	// ErrNotConnected is returned for commands that need a ready session.
	ErrNotConnected = errors.New("not connected to a device")
	// ErrAlreadyConnected is returned for Connect while a link is up or coming up.
	ErrAlreadyConnected = errors.New("already connected to a device")
	// ErrUnknownPeer is returned for addresses the current scan never reported.
	ErrUnknownPeer = errors.New("unknown peer")
)

// PeerDevice is a peripheral seen while scanning. Two PeerDevices are the
// same device when their addresses match, whatever their names.
type PeerDevice struct {
	Address string
	Name    string
}

// Equal reports whether p and o are the same device.
func (p PeerDevice) Equal(o PeerDevice) bool {
	return p.Address == o.Address
}

// DisplayName returns the advertised name, or "Unnamed".
func (p PeerDevice) DisplayName() string {
	if p.Name == "" {
		return "Unnamed"
	}
	return p.Name
}

type registryEntry struct {
	device PeerDevice
	handle ble.Handle
}

// Registry remembers the peers of the current scan so an address picked by
// the user can be turned back into a transport handle.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Record adds or updates a peer. It reports whether the observer should hear
// about it: the first sighting of an address, or a sighting with a new name.
// An empty name never replaces a known one.
func (r *Registry) Record(peer PeerDevice, handle ble.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[peer.Address]
	if !ok {
		r.entries[peer.Address] = &registryEntry{device: peer, handle: handle}
		r.order = append(r.order, peer.Address)
		return true
	}
	e.handle = handle
	if peer.Name != "" && peer.Name != e.device.Name {
		e.device.Name = peer.Name
		return true
	}
	return false
}

// Resolve returns the transport handle recorded for address.
func (r *Registry) Resolve(address string) (ble.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[address]
	if !ok {
		return nil, ErrUnknownPeer
	}
	return e.handle, nil
}

// Lookup returns the device recorded for address.
func (r *Registry) Lookup(address string) (PeerDevice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[address]
	if !ok {
		return PeerDevice{}, false
	}
	return e.device, true
}

// Devices returns the recorded peers in discovery order.
func (r *Registry) Devices() []PeerDevice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PeerDevice, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, r.entries[addr].device)
	}
	return out
}

// Clear forgets every peer.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*registryEntry)
	r.order = nil
}
