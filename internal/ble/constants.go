package ble

import (
	"fmt"

	"tinygo.org/x/bluetooth"
)

const (
	// ServiceUUID is the Improv provisioning service UUID
	ServiceUUID = "00467768-6228-2272-4663-277478268000"

	// CurrentStateUUID is the characteristic for the device state (read, notify)
	CurrentStateUUID = "00467768-6228-2272-4663-277478268001"

	// ErrorStateUUID is the characteristic for the last error (read, notify)
	ErrorStateUUID = "00467768-6228-2272-4663-277478268002"

	// RPCCommandUUID is the characteristic RPC frames are written to
	RPCCommandUUID = "00467768-6228-2272-4663-277478268003"

	// RPCResultUUID is the characteristic RPC results arrive on (read, notify)
	RPCResultUUID = "00467768-6228-2272-4663-277478268004"

	// DefaultMTU is requested as soon as the link is up
	DefaultMTU = 517
)

// EnableNotificationValue is written to a client characteristic configuration
// descriptor to turn notifications on.
var EnableNotificationValue = []byte{0x01, 0x00}

// CharID names one of the Improv characteristics.
type CharID int

const (
	CharCurrentState CharID = iota
	CharErrorState
	CharRPCCommand
	CharRPCResult
)

// Chars lists every Improv characteristic.
var Chars = []CharID{CharCurrentState, CharErrorState, CharRPCCommand, CharRPCResult}

func (c CharID) String() string {
	switch c {
	case CharCurrentState:
		return "current-state"
	case CharErrorState:
		return "error-state"
	case CharRPCCommand:
		return "rpc-command"
	case CharRPCResult:
		return "rpc-result"
	}
	return fmt.Sprintf("CharID(%d)", int(c))
}

// UUIDString returns the characteristic's UUID in canonical form.
func (c CharID) UUIDString() string {
	switch c {
	case CharCurrentState:
		return CurrentStateUUID
	case CharErrorState:
		return ErrorStateUUID
	case CharRPCCommand:
		return RPCCommandUUID
	case CharRPCResult:
		return RPCResultUUID
	}
	return ""
}

// UUID returns the characteristic's UUID.
func (c CharID) UUID() bluetooth.UUID {
	return mustParseUUID(c.UUIDString())
}

// ServiceUUIDValue returns ServiceUUID parsed.
func ServiceUUIDValue() bluetooth.UUID {
	return mustParseUUID(ServiceUUID)
}

func mustParseUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(fmt.Sprintf("ble: bad uuid %q: %v", s, err))
	}
	return u
}
