package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// EntryID derives a stable ID for an attempt from the device address and
// the time it was recorded.
func EntryID(address string, at time.Time) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(address)))
	h.Write([]byte{0})
	h.Write([]byte(at.UTC().Format(time.RFC3339Nano)))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// ShortID returns a shortened version of the ID for display purposes.
func ShortID(id string) string {
	if len(id) > 19 {
		return id[7:19] // Skip "sha256:" prefix
	}
	return id
}
