package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is an immutable fact published on the bus
type Event struct {
	ID               string
	Type             Type
	Payload          Payload
	CreatedAt        time.Time
	SourceInstanceID string
}

type wireEvent struct {
	ID               string          `json:"id"`
	Type             Type            `json:"type"`
	Payload          json.RawMessage `json:"payload"`
	CreatedAt        time.Time       `json:"createdAt"`
	SourceInstanceID string          `json:"sourceInstanceId"`
}

// MarshalJSON encodes the event with its payload nested under "payload"
func (e Event) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", e.Type, err)
		}
		raw = b
	}

	return json.Marshal(wireEvent{
		ID:               e.ID,
		Type:             e.Type,
		Payload:          raw,
		CreatedAt:        e.CreatedAt,
		SourceInstanceID: e.SourceInstanceID,
	})
}

// UnmarshalJSON decodes the payload into the struct registered for the event type
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Type == "" {
		return fmt.Errorf("event %q has no type", w.ID)
	}

	payload, err := DecodePayload(w.Type, w.Payload)
	if err != nil {
		return err
	}

	*e = Event{
		ID:               w.ID,
		Type:             w.Type,
		Payload:          payload,
		CreatedAt:        w.CreatedAt,
		SourceInstanceID: w.SourceInstanceID,
	}
	return nil
}

// PayloadBytes returns the canonical JSON encoding of the payload
func (e Event) PayloadBytes() ([]byte, error) {
	if e.Payload == nil {
		return []byte("null"), nil
	}
	return json.Marshal(e.Payload)
}

// Validate checks the fields every event must carry
func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if e.Type == "" || e.Type == Wildcard {
		return fmt.Errorf("event %s has invalid type %q", e.ID, e.Type)
	}
	if e.SourceInstanceID == "" {
		return fmt.Errorf("event %s has no source instance", e.ID)
	}
	if e.Payload != nil && e.Payload.EventType() != e.Type {
		return fmt.Errorf("event %s: payload %s does not match type %s", e.ID, e.Payload.EventType(), e.Type)
	}
	return nil
}
