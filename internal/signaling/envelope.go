package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the minimal view of a signaling message the relay inspects: a
// JSON object carrying a `type` discriminator. All other fields are opaque
// negotiation content (offer/answer sdp, ice candidates) and are relayed
// byte-for-byte, never re-marshalled.
type Envelope struct {
	Type string `json:"type"`
}

var errMissingType = errors.New("envelope missing type")

// ParseEnvelope checks that data is a well-formed envelope. Unknown fields
// are deliberately permitted; validating negotiation content would couple
// the relay to the clients' evolving protocol.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errMissingType
	}
	return env, nil
}
