package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMissingType    = errors.New("contracts: event type is required")
	ErrMissingPayload = errors.New("contracts: event has no payload")
)

// Event is the envelope published to recipient queues
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	UserIDs    []string        `json:"userIds,omitempty"`
	RoutingKey string          `json:"routingKey,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// NewEvent creates a direct event addressed to the given recipients
func NewEvent(kind string, recipients []string, payload any) (*Event, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:        uuid.New().String(),
		Type:      kind,
		UserIDs:   append([]string(nil), recipients...),
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// NewScheduleEvent creates an event routed by provider id to every
// subscriber bound to that provider
func NewScheduleEvent(kind, providerID string, payload any) (*Event, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:         uuid.New().String(),
		Type:       kind,
		RoutingKey: providerID,
		Timestamp:  time.Now().UTC(),
		Payload:    raw,
	}, nil
}

// Validate checks the fields every event needs regardless of how it is routed
func (e *Event) Validate() error {
	if e.Type == "" {
		return ErrMissingType
	}
	return nil
}

// DecodePayload unmarshals the payload into v
func (e *Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return ErrMissingPayload
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Marshal encodes the event in its wire format
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes an event from its wire format
func Unmarshal(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	return &e, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return raw, nil
}
