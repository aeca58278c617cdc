package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrMissingEvent      = errors.New("envelope has no event name")
	ErrEmptyPayload      = errors.New("empty payload")
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrInvalidPayload    = errors.New("invalid payload")
)

// Envelope is the frame exchanged over the transport.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode wraps payload into an envelope for the named event.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Decode splits a raw frame into its event name and undecoded data. The data
// is left raw so handlers only pay for the payload they actually need.
func Decode(raw []byte) (Envelope, error) {
	if !gjson.ValidBytes(raw) {
		return Envelope{}, ErrMalformedEnvelope
	}
	frame := gjson.ParseBytes(raw)
	if !frame.IsObject() {
		return Envelope{}, ErrMalformedEnvelope
	}

	event := frame.Get("event")
	if event.Type != gjson.String || event.Str == "" {
		return Envelope{}, ErrMissingEvent
	}

	env := Envelope{Event: event.Str}
	if data := frame.Get("data"); data.Exists() {
		env.Data = json.RawMessage(data.Raw)
	}
	return env, nil
}
