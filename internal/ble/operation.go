package ble

import "fmt"

// OpKind identifies the variant of an Operation.
type OpKind int

const (
	OpConnect OpKind = iota
	OpDisconnect
	OpDiscoverServices
	OpReadCharacteristic
	OpWriteCharacteristic
	OpWriteDescriptor
	OpRequestMTU
)

func (k OpKind) String() string {
	switch k {
	case OpConnect:
		return "connect"
	case OpDisconnect:
		return "disconnect"
	case OpDiscoverServices:
		return "discover-services"
	case OpReadCharacteristic:
		return "read-characteristic"
	case OpWriteCharacteristic:
		return "write-characteristic"
	case OpWriteDescriptor:
		return "write-descriptor"
	case OpRequestMTU:
		return "request-mtu"
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// Operation is a single GATT operation owned by the Queue from Enqueue until
// its completion. The set of implementations is closed; see the types below.
type Operation interface {
	Kind() OpKind
	String() string
}

// Connect opens a link to the peer behind Peer.
type Connect struct{ Peer Handle }

// Disconnect closes the current link.
type Disconnect struct{}

// DiscoverServices discovers the Improv service and its characteristics.
type DiscoverServices struct{}

// ReadCharacteristic reads the current value of Char.
type ReadCharacteristic struct{ Char CharID }

// WriteCharacteristic writes Data to Char with response.
type WriteCharacteristic struct {
	Char CharID
	Data []byte
}

// WriteDescriptor writes Data to the client configuration descriptor of Char.
type WriteDescriptor struct {
	Char CharID
	Data []byte
}

// RequestMTU asks for a larger MTU.
type RequestMTU struct{ Size int }

func (Connect) Kind() OpKind             { return OpConnect }
func (Disconnect) Kind() OpKind          { return OpDisconnect }
func (DiscoverServices) Kind() OpKind    { return OpDiscoverServices }
func (ReadCharacteristic) Kind() OpKind  { return OpReadCharacteristic }
func (WriteCharacteristic) Kind() OpKind { return OpWriteCharacteristic }
func (WriteDescriptor) Kind() OpKind     { return OpWriteDescriptor }
func (RequestMTU) Kind() OpKind          { return OpRequestMTU }

func (o Connect) String() string {
	if o.Peer == nil {
		return "connect(<nil>)"
	}
	return "connect(" + o.Peer.String() + ")"
}
func (Disconnect) String() string       { return "disconnect" }
func (DiscoverServices) String() string { return "discover-services" }
func (o ReadCharacteristic) String() string {
	return "read(" + o.Char.String() + ")"
}
func (o WriteCharacteristic) String() string {
	return fmt.Sprintf("write(%s, %d bytes)", o.Char, len(o.Data))
}
func (o WriteDescriptor) String() string {
	return fmt.Sprintf("write-descriptor(%s, % x)", o.Char, o.Data)
}
func (o RequestMTU) String() string { return fmt.Sprintf("request-mtu(%d)", o.Size) }

// Subscribe returns the two operations that read a characteristic and then
// enable notifications on it.
func Subscribe(c CharID) []Operation {
	return []Operation{
		ReadCharacteristic{Char: c},
		WriteDescriptor{Char: c, Data: EnableNotificationValue},
	}
}
