package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownStateCode is returned for a current-state byte outside the known set.
	ErrUnknownStateCode = errors.New("unknown device state code")
	// ErrUnknownErrorCode is returned for an error-state byte outside the known set.
	ErrUnknownErrorCode = errors.New("unknown error state code")
	// ErrBadLength is returned when a state or error notification is not exactly one byte.
	ErrBadLength = errors.New("state payload must be exactly one byte")
)

// DeviceState is the provisioning state reported by the peripheral on the
// current-state characteristic.
type DeviceState uint8

const (
	AuthorizationRequired DeviceState = 1
	Authorized            DeviceState = 2
	Provisioning          DeviceState = 3
	Provisioned           DeviceState = 4
)

func (s DeviceState) String() string {
	switch s {
	case AuthorizationRequired:
		return "AUTHORIZATION_REQUIRED"
	case Authorized:
		return "AUTHORIZED"
	case Provisioning:
		return "PROVISIONING"
	case Provisioned:
		return "PROVISIONED"
	}
	return fmt.Sprintf("DeviceState(%d)", uint8(s))
}

// ParseDeviceState decodes a current-state characteristic value.
func ParseDeviceState(b []byte) (DeviceState, error) {
	if len(b) != 1 {
		return 0, fmt.Errorf("%w: got %d bytes", ErrBadLength, len(b))
	}
	switch s := DeviceState(b[0]); s {
	case AuthorizationRequired, Authorized, Provisioning, Provisioned:
		return s, nil
	}
	return 0, fmt.Errorf("%w: 0x%02x", ErrUnknownStateCode, b[0])
}

// ErrorState is the last error reported by the peripheral on the
// error-state characteristic.
type ErrorState uint8

const (
	NoError          ErrorState = 0
	InvalidRPCPacket ErrorState = 1
	UnknownCommand   ErrorState = 2
	UnableToConnect  ErrorState = 3
	NotAuthorized    ErrorState = 4
	UnknownError     ErrorState = 255
)

func (e ErrorState) String() string {
	switch e {
	case NoError:
		return "NO_ERROR"
	case InvalidRPCPacket:
		return "INVALID_RPC_PACKET"
	case UnknownCommand:
		return "UNKNOWN_COMMAND"
	case UnableToConnect:
		return "UNABLE_TO_CONNECT"
	case NotAuthorized:
		return "NOT_AUTHORIZED"
	case UnknownError:
		return "UNKNOWN"
	}
	return fmt.Sprintf("ErrorState(%d)", uint8(e))
}

// ParseErrorState decodes an error-state characteristic value.
func ParseErrorState(b []byte) (ErrorState, error) {
	if len(b) != 1 {
		return 0, fmt.Errorf("%w: got %d bytes", ErrBadLength, len(b))
	}
	switch e := ErrorState(b[0]); e {
	case NoError, InvalidRPCPacket, UnknownCommand, UnableToConnect, NotAuthorized, UnknownError:
		return e, nil
	}
	return 0, fmt.Errorf("%w: 0x%02x", ErrUnknownErrorCode, b[0])
}

// RPCCommand identifies an Improv RPC.
type RPCCommand uint8

const (
	SendWifi RPCCommand = 1
	Identify RPCCommand = 2
)

func (c RPCCommand) String() string {
	switch c {
	case SendWifi:
		return "SEND_WIFI"
	case Identify:
		return "IDENTIFY"
	}
	return fmt.Sprintf("RPCCommand(%d)", uint8(c))
}

func (c RPCCommand) valid() bool {
	return c == SendWifi || c == Identify
}
