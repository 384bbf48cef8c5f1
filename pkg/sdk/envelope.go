// Package sdk holds the wire types shared by the native host and the embedded content.
package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Reserved event types. Anything else goes to the unhandled path.
const (
	EventClick   = "click"
	EventMessage = "message"
)

var (
	ErrDecode   = errors.New("sdk: decode envelope")
	ErrEncoding = errors.New("sdk: encode envelope")
)

// Envelope is the message unit exchanged in both directions.
type Envelope struct {
	EventType string         `json:"eventType" jsonschema:"required,minLength=1"`
	Data      map[string]any `json:"data"`
}

// Encode writes {"eventType":..., "data":...}. A nil data map is written as {}.
func Encode(eventType string, data map[string]any) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(Envelope{EventType: eventType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return b, nil
}

// Decode parses an envelope. eventType must be a non-empty string; data falls
// back to an empty map when it is missing or not an object.
func Decode(text []byte) (Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(text, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if raw == nil {
		return Envelope{}, fmt.Errorf("%w: not an object", ErrDecode)
	}
	rawType, ok := raw["eventType"]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing eventType", ErrDecode)
	}
	var env Envelope
	if err := json.Unmarshal(rawType, &env.EventType); err != nil {
		return Envelope{}, fmt.Errorf("%w: eventType: %v", ErrDecode, err)
	}
	if env.EventType == "" {
		return Envelope{}, fmt.Errorf("%w: empty eventType", ErrDecode)
	}
	env.Data = map[string]any{}
	if rawData, ok := raw["data"]; ok {
		var data map[string]any
		if err := json.Unmarshal(rawData, &data); err == nil && data != nil {
			env.Data = data
		}
	}
	return env, nil
}
