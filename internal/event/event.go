package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Event is the structured audit record produced by one scope.
//
// An Event is created when a scope is constructed, mutated during the guarded
// operation (comments, custom fields, target new value), finalized once at the
// end of the scope and persisted according to the scope's creation policy.
// It is never reused across scopes.
//
// Custom fields are flattened into the top-level JSON object. Decoding collects
// every unknown top-level key back into CustomFields.
type Event struct {
	EventType    string         `json:"event_type"`
	Environment  *Environment   `json:"environment,omitempty"`
	Target       *Target        `json:"target,omitempty"`
	Comments     []string       `json:"comments,omitempty"`
	StartDate    time.Time      `json:"start_date"`
	EndDate      *time.Time     `json:"end_date,omitempty"`
	Duration     int64          `json:"duration"`
	Payload      any            `json:"payload,omitempty"`
	CustomFields map[string]any `json:"-"`
}

// Target describes the object watched by a scope.
//
// Old is captured when the scope starts, New when it ends. Either may be nil.
type Target struct {
	Type string `json:"type"`
	Old  any    `json:"old"`
	New  any    `json:"new"`
}

// Environment describes where the scope ran.
type Environment struct {
	UserName       string `json:"user_name,omitempty"`
	MachineName    string `json:"machine_name,omitempty"`
	CallingMethod  string `json:"calling_method,omitempty"`
	RuntimeVersion string `json:"runtime_version,omitempty"`
	Exception      string `json:"exception,omitempty"`
}

// New returns an event of the given type starting at start.
func New(eventType string, start time.Time) *Event {
	return &Event{
		EventType:    eventType,
		StartDate:    start,
		CustomFields: map[string]any{},
	}
}

// reservedKeys are the top-level JSON keys owned by Event itself.
var reservedKeys = map[string]bool{
	"event_type":  true,
	"environment": true,
	"target":      true,
	"comments":    true,
	"start_date":  true,
	"end_date":    true,
	"duration":    true,
	"payload":     true,
}

// SetCustomField stores value under key.
// Keys colliding with built-in fields are rejected.
func (e *Event) SetCustomField(key string, value any) error {
	if reservedKeys[key] {
		return fmt.Errorf("custom field %q collides with a built-in field", key)
	}
	if e.CustomFields == nil {
		e.CustomFields = map[string]any{}
	}
	e.CustomFields[key] = value
	return nil
}

// Finish stamps the end date and computes Duration in whole milliseconds.
func (e *Event) Finish(end time.Time) {
	e.EndDate = &end
	e.Duration = end.Sub(e.StartDate).Milliseconds()
}

// eventAlias drops the custom marshalers to avoid recursion.
type eventAlias Event

// MarshalJSON flattens CustomFields into the top-level object.
func (e *Event) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal((*eventAlias)(e))
	if err != nil {
		return nil, err
	}
	if len(e.CustomFields) == 0 {
		return base, nil
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for k, v := range e.CustomFields {
		if reservedKeys[k] {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal custom field %q: %w", k, err)
		}
		m[k] = raw
	}
	return json.Marshal(m)
}

// UnmarshalJSON restores built-in fields and collects the rest into CustomFields.
// Numbers in custom fields and payloads decode as json.Number.
func (e *Event) UnmarshalJSON(data []byte) error {
	var alias eventAlias
	if err := decodeNumbers(data, &alias); err != nil {
		return err
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	alias.CustomFields = map[string]any{}
	for k, raw := range m {
		if reservedKeys[k] {
			continue
		}
		var v any
		if err := decodeNumbers(raw, &v); err != nil {
			return fmt.Errorf("unmarshal custom field %q: %w", k, err)
		}
		alias.CustomFields[k] = v
	}

	*e = Event(alias)
	return nil
}

// Decode parses a JSON-encoded event.
func Decode(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &e, nil
}

// DecodePayload re-encodes the event payload into dst.
// Used after a round trip through a provider, where Payload is a generic map.
func (e *Event) DecodePayload(dst any) error {
	if e.Payload == nil {
		return fmt.Errorf("event has no payload")
	}
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func decodeNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
