package protocol

import (
	"fmt"
	"unicode/utf8"
)

// resultHeaderLen is the number of leading bytes of an RPC result that are
// skipped before the strings start. Their meaning is not interpreted.
const resultHeaderLen = 2

// DecodeResult decodes an RPC result notification into its strings.
// ok is false when the input is too short to carry a result at all, which is
// different from a result with zero strings. Decoding stops at the first
// length prefix that overruns the buffer or the first chunk that is not valid
// UTF-8, returning what was decoded up to that point.
func DecodeResult(b []byte) (result []string, ok bool) {
	if len(b) < resultHeaderLen+1 {
		return nil, false
	}

	result = []string{}
	rest := b[resultHeaderLen:]
	for len(rest) > 0 {
		n := int(rest[0])
		if 1+n > len(rest) {
			break
		}
		chunk := rest[1 : 1+n]
		if !utf8.Valid(chunk) {
			break
		}
		result = append(result, string(chunk))
		rest = rest[1+n:]
	}
	return result, true
}

// EncodeResult builds an RPC result payload in the shape the peripheral sends:
// [command, total length] followed by length-prefixed strings.
func EncodeResult(cmd RPCCommand, strs []string) ([]byte, error) {
	body := make([]byte, 0, 64)
	for _, s := range strs {
		if len(s) > MaxPayload {
			return nil, fmt.Errorf("%w: result string is %d bytes", ErrPayloadTooLarge, len(s))
		}
		body = append(body, byte(len(s)))
		body = append(body, s...)
	}
	if len(body) > MaxPayload {
		return nil, fmt.Errorf("%w: result is %d bytes", ErrPayloadTooLarge, len(body))
	}

	buf := make([]byte, 0, len(body)+resultHeaderLen)
	buf = append(buf, byte(cmd), byte(len(body)))
	return append(buf, body...), nil
}
