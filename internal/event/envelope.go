package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cloudresty/ulid"
	"github.com/go-playground/validator/v10"
)

// ErrDecode marks a malformed event. Decode errors are fatal per-message:
// the consumer rejects without requeue so the broker dead-letters immediately.
var ErrDecode = errors.New("event decode failed")

// Envelope is the single well-defined schema wrapping every event on the
// marketplace exchange. Anything not matching it is rejected at the decode
// boundary; the engine never probes payloads for alternative encodings.
type Envelope struct {
	EventID    string          `json:"eventId" validate:"required"`
	EventType  string          `json:"eventType" validate:"required"`
	OccurredAt time.Time       `json:"occurredAt" validate:"required"`
	Payload    json.RawMessage `json:"payload" validate:"required"`
}

var validate = validator.New()

// strictUnmarshal decodes JSON rejecting unknown fields and trailing data.
func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON value")
	}
	return nil
}

// DecodeEnvelope parses and validates the outer envelope of a message body.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := strictUnmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrDecode, err)
	}
	if err := validate.Struct(&env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrDecode, err)
	}
	return &env, nil
}

// DecodePayload parses and validates the envelope payload into target, which
// must be a pointer to one of the event structs in this package.
func DecodePayload(env *Envelope, target any) error {
	if err := strictUnmarshal(env.Payload, target); err != nil {
		return fmt.Errorf("%w: payload %s: %v", ErrDecode, env.EventType, err)
	}
	if err := validate.Struct(target); err != nil {
		return fmt.Errorf("%w: payload %s: %v", ErrDecode, env.EventType, err)
	}
	return nil
}

// NewEnvelope wraps a payload into an envelope for publishing.
func NewEnvelope(eventType string, payload any) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	id, err := ulid.New()
	if err != nil {
		return nil, fmt.Errorf("generate event id: %w", err)
	}
	return &Envelope{
		EventID:    id,
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
		Payload:    body,
	}, nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %s: %w", e.EventType, err)
	}
	return body, nil
}
