package broker

import (
	"encoding/json"
	"fmt"
)

// baseEnvelope is the subset of the semstreams BaseMessage wire format
// a consumer needs to unwrap a payload.
type baseEnvelope struct {
	Payload json.RawMessage `json:"payload"`
}

// ParseMessage unwraps a consumed NATS message into T. It accepts both
// BaseMessage-wrapped payloads (component-to-component traffic) and raw
// JSON (external producers publishing directly to the stream).
func ParseMessage[T any](data []byte) (*T, error) {
	var env baseEnvelope
	if err := json.Unmarshal(data, &env); err == nil && len(env.Payload) > 0 {
		var out T
		if err := json.Unmarshal(env.Payload, &out); err == nil {
			return &out, nil
		}
	}

	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	return &out, nil
}
