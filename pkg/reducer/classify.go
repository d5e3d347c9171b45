package reducer

import (
	"encoding/json"
	"strings"
)

// handshakeRejectionBody mirrors the JSON shape a 429 handshake rejection
// carries on the wire (internal/protocol's Handshake* codes).
type handshakeRejectionBody struct {
	Code string `json:"code"`
}

// bodyCode extracts a recognized structured rejection code from raw, or ""
// if raw isn't a JSON object carrying one.
func bodyCode(raw string) string {
	if raw == "" {
		return ""
	}
	var body handshakeRejectionBody
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return ""
	}
	return body.Code
}

// classifyBodyText applies best-effort, case-insensitive substring matching
// against known rejection phrasings, for bodies that aren't structured JSON.
func classifyBodyText(raw string) class429 {
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "too many connection attempts"):
		return classRateLimited
	case strings.Contains(lower, "room is full"):
		return classRoomFull
	case strings.Contains(lower, "too many connections"):
		return classTooManyConnections
	default:
		return classUnknown
	}
}
