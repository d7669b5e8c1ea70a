package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrPayloadTooLarge is returned when a length field would not fit in one byte.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrUnknownCommand is returned when decoding a frame with an unknown command byte.
	ErrUnknownCommand = errors.New("unknown rpc command")
	// ErrBadChecksum is returned when a frame's trailing checksum does not match.
	ErrBadChecksum = errors.New("bad checksum")
	// ErrShortFrame is returned when a frame is shorter than its declared length.
	ErrShortFrame = errors.New("short frame")
)

// MaxPayload is the largest payload a single length byte can describe.
const MaxPayload = 255

// Frame is a decoded RPC command frame.
type Frame struct {
	Command  RPCCommand
	Payload  []byte
	Checksum byte
}

// EncodeFrame builds an RPC command frame.
// Format:
//
//	byte 0:     command
//	byte 1:     payload length
//	bytes 2..n: payload
//	byte n+1:   sum of all preceding bytes mod 256
func EncodeFrame(cmd RPCCommand, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	buf := make([]byte, 0, len(payload)+3)
	buf = append(buf, byte(cmd), byte(len(payload)))
	buf = append(buf, payload...)
	buf = append(buf, 0)
	buf[len(buf)-1] = checksum(buf[:len(buf)-1])
	return buf, nil
}

// DecodeFrame parses a frame produced by EncodeFrame and verifies its checksum.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < 3 {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}
	n := int(b[1])
	if len(b) != n+3 {
		return Frame{}, fmt.Errorf("%w: declared %d payload bytes, have %d", ErrShortFrame, n, len(b)-3)
	}

	sum := checksum(b[:n+2])
	if sum != b[n+2] {
		return Frame{}, fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrBadChecksum, b[n+2], sum)
	}

	cmd := RPCCommand(b[0])
	if !cmd.valid() {
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownCommand, b[0])
	}

	payload := make([]byte, n)
	copy(payload, b[2:n+2])
	return Frame{Command: cmd, Payload: payload, Checksum: b[n+2]}, nil
}

func checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return sum
}

// WifiPayload builds the SEND_WIFI argument bytes:
// [len(ssid)] ssid [len(passphrase)] passphrase.
func WifiPayload(ssid, passphrase string) ([]byte, error) {
	if len(ssid) > MaxPayload {
		return nil, fmt.Errorf("%w: ssid is %d bytes", ErrPayloadTooLarge, len(ssid))
	}
	if len(passphrase) > MaxPayload {
		return nil, fmt.Errorf("%w: passphrase is %d bytes", ErrPayloadTooLarge, len(passphrase))
	}

	buf := make([]byte, 0, len(ssid)+len(passphrase)+2)
	buf = append(buf, byte(len(ssid)))
	buf = append(buf, ssid...)
	buf = append(buf, byte(len(passphrase)))
	buf = append(buf, passphrase...)
	return buf, nil
}

// ParseWifiPayload is the inverse of WifiPayload.
func ParseWifiPayload(b []byte) (ssid, passphrase string, err error) {
	if len(b) < 1 {
		return "", "", fmt.Errorf("%w: empty payload", ErrShortFrame)
	}
	n := int(b[0])
	if len(b) < 1+n+1 {
		return "", "", fmt.Errorf("%w: ssid length %d overruns payload", ErrShortFrame, n)
	}
	ssid = string(b[1 : 1+n])
	rest := b[1+n:]
	m := int(rest[0])
	if len(rest) != 1+m {
		return "", "", fmt.Errorf("%w: passphrase length %d does not match payload", ErrShortFrame, m)
	}
	return ssid, string(rest[1:]), nil
}

// SendWifiFrame is a convenience for EncodeFrame(SendWifi, WifiPayload(ssid, passphrase)).
func SendWifiFrame(ssid, passphrase string) ([]byte, error) {
	payload, err := WifiPayload(ssid, passphrase)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(SendWifi, payload)
}

// IdentifyFrame returns the frame for the IDENTIFY command.
func IdentifyFrame() []byte {
	b, _ := EncodeFrame(Identify, nil)
	return b
}
