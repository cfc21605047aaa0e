package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxEnvelopeSize bounds a single encoded envelope. The transport applies
// the same limit to inbound frames via SetReadLimit, so neither direction
// can carry an oversized element payload.
const MaxEnvelopeSize = 64 * 1024

// Envelope is the wire frame for every message: an event class name plus an
// opaque JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals an event class and its payload into an envelope frame.
// A nil data value produces an envelope without a data field.
func Encode(event string, data any) ([]byte, error) {
	if event == "" {
		return nil, errors.New("empty event name")
	}

	var raw json.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal event data: %w", err)
		}
	}

	out, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if len(out) > MaxEnvelopeSize {
		return nil, fmt.Errorf("envelope size %d exceeds maximum %d bytes", len(out), MaxEnvelopeSize)
	}
	return out, nil
}

// Decode parses an envelope frame and returns the event class and the raw
// payload for the caller to unmarshal against the event's contract.
func Decode(raw []byte) (string, json.RawMessage, error) {
	if len(raw) == 0 {
		return "", nil, errors.New("empty envelope")
	}
	if len(raw) > MaxEnvelopeSize {
		return "", nil, fmt.Errorf("envelope size %d exceeds maximum %d bytes", len(raw), MaxEnvelopeSize)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, errors.New("malformed envelope")
	}
	if env.Event == "" {
		return "", nil, errors.New("missing event name")
	}
	return env.Event, env.Data, nil
}
