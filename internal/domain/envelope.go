package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

const (
	keyType      = "type"
	keyTimestamp = "timestamp"
	keyOrigin    = "origin"
)

// Envelope is the only structure crossing the broker and the outbound socket.
// Its JSON form is flat: {"type": ..., "timestamp": ..., ...payload}.
type Envelope struct {
	Type      string
	Timestamp time.Time
	Payload   map[string]any

	// Origin is the instance that published the envelope. Never sent to clients.
	Origin string
}

func NewEnvelope(msgType string, now time.Time, payload map[string]any) Envelope {
	env := Envelope{
		Type:      msgType,
		Timestamp: now.UTC(),
		Payload:   make(map[string]any, len(payload)),
	}
	for k, v := range payload {
		if isReservedKey(k) {
			continue
		}
		env.Payload[k] = v
	}
	return env
}

func isReservedKey(k string) bool {
	return k == keyType || k == keyTimestamp || k == keyOrigin
}

// Get returns a payload value.
func (e Envelope) Get(key string) (any, bool) {
	v, ok := e.Payload[key]
	return v, ok
}

// String returns a string payload value, or "".
func (e Envelope) String(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// WithoutOrigin returns a copy safe to deliver to clients.
func (e Envelope) WithoutOrigin() Envelope {
	e.Origin = ""
	return e
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(e.Payload)+3)
	for k, v := range e.Payload {
		if isReservedKey(k) {
			continue
		}
		flat[k] = v
	}
	flat[keyType] = e.Type
	flat[keyTimestamp] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	if e.Origin != "" {
		flat[keyOrigin] = e.Origin
	}
	data, err := json.Marshal(flat)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope %q: %w", e.Type, err)
	}
	return data, nil
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if flat == nil {
		return fmt.Errorf("%w: envelope is not an object", ErrMalformedMessage)
	}

	msgType, ok := flat[keyType].(string)
	if !ok || msgType == "" {
		return fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	var ts time.Time
	if raw, ok := flat[keyTimestamp].(string); ok {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return fmt.Errorf("%w: invalid timestamp: %w", ErrMalformedMessage, err)
		}
		ts = parsed.UTC()
	}

	origin, _ := flat[keyOrigin].(string)

	payload := maps.Clone(flat)
	delete(payload, keyType)
	delete(payload, keyTimestamp)
	delete(payload, keyOrigin)

	*e = Envelope{Type: msgType, Timestamp: ts, Payload: payload, Origin: origin}
	return nil
}
