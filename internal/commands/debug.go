package commands

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/vitaminmoo/improv-tool/internal/protocol"
	"github.com/vitaminmoo/improv-tool/internal/util"
)

// EncodeWifi prints the RPC frame that SendWifi would write.
func EncodeWifi(out io.Writer, ssid, passphrase string) error {
	frame, err := protocol.SendWifiFrame(ssid, passphrase)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "SEND_WIFI frame (%d bytes):\n", len(frame))
	fmt.Fprint(out, util.HexDump(frame))
	return nil
}

// EncodeIdentify prints the Identify RPC frame.
func EncodeIdentify(out io.Writer) {
	frame := protocol.IdentifyFrame()
	fmt.Fprintf(out, "IDENTIFY frame (%d bytes):\n", len(frame))
	fmt.Fprint(out, util.HexDump(frame))
}

// ParseHex accepts hex with optional spaces, colons or a 0x prefix.
func ParseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.NewReplacer(" ", "", ":", "", "\n", "", "\t", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return b, nil
}

// DecodeFrame prints an RPC command frame. The passphrase is masked unless
// reveal is set.
func DecodeFrame(out io.Writer, data []byte, reveal bool) error {
	f, err := protocol.DecodeFrame(data)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Command:  %s\n", f.Command)
	fmt.Fprintf(out, "Checksum: 0x%02x\n", f.Checksum)
	if f.Command != protocol.SendWifi {
		return nil
	}
	ssid, pass, err := protocol.ParseWifiPayload(f.Payload)
	if err != nil {
		return err
	}
	if !reveal {
		pass = strings.Repeat("*", len(pass))
	}
	fmt.Fprintf(out, "SSID:     %q\n", ssid)
	fmt.Fprintf(out, "Password: %q\n", pass)
	return nil
}

// DecodeResult prints an RPC result payload.
func DecodeResult(out io.Writer, data []byte) {
	result, ok := protocol.DecodeResult(data)
	if !ok {
		fmt.Fprintln(out, "No result")
		return
	}
	fmt.Fprintf(out, "%d string(s):\n", len(result))
	for i, s := range result {
		if util.IsTextData([]byte(s)) {
			fmt.Fprintf(out, "  [%d] %s\n", i, s)
			continue
		}
		fmt.Fprintf(out, "  [%d] (%d bytes, binary)\n", i, len(s))
		fmt.Fprint(out, util.HexDump([]byte(s)))
	}
}

// DecodeState prints a current-state or error-state characteristic value
// under every reading that fits.
func DecodeState(out io.Writer, data []byte) error {
	st, stErr := protocol.ParseDeviceState(data)
	es, esErr := protocol.ParseErrorState(data)
	if stErr != nil && esErr != nil {
		return stErr
	}
	if stErr == nil {
		fmt.Fprintf(out, "Current state: %s\n", st)
	}
	if esErr == nil {
		fmt.Fprintf(out, "Error state:   %s\n", es)
	}
	return nil
}
