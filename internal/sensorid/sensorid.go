// Package sensorid canonicalizes the 6-byte hardware addresses VibeSensor
// nodes identify themselves with on the wire.
package sensorid

import (
	"encoding/hex"
	"fmt"
)

// Length is the number of raw address bytes a sensor identifies itself with.
const Length = 6

// Canonical renders a raw 6-byte sensor address as 12 lowercase hex
// characters. It is the form used everywhere else in the system (registry
// keys, persisted sample records, finding location lookups).
func Canonical(raw []byte) (string, error) {
	if len(raw) != Length {
		return "", fmt.Errorf("sensorid: expected %d raw bytes, got %d", Length, len(raw))
	}
	return hex.EncodeToString(raw), nil
}

// Normalize re-canonicalizes an already-hex-encoded ID, rejecting anything
// that doesn't decode to exactly Length bytes. Registry lookups normalize
// every incoming ID through this so that case or accidental whitespace never
// causes the same physical sensor to appear under two keys.
func Normalize(id string) (string, error) {
	raw, err := hex.DecodeString(id)
	if err != nil {
		return "", fmt.Errorf("sensorid: invalid hex %q: %w", id, err)
	}
	return Canonical(raw)
}

// MAC renders a canonical ID in colon-separated MAC form for display.
func MAC(id string) string {
	if len(id) != Length*2 {
		return id
	}
	out := make([]byte, 0, Length*3-1)
	for i := 0; i < len(id); i += 2 {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, id[i], id[i+1])
	}
	return string(out)
}
