package contracts

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Delivery modes as defined by AMQP. Every message in the pipeline is
// published persistent so it survives a broker restart until consumed.
const (
	DeliveryModeTransient  uint8 = 1
	DeliveryModePersistent uint8 = 2
)

// Envelope wraps a service's business payload with routing and tracing
// metadata. The payload is opaque to the transport; schema validation
// happens as a separate step so consumers can dead-letter invalid
// messages instead of failing the decode path.
type Envelope struct {
	Payload       json.RawMessage
	MessageType   string
	ProducedAt    time.Time
	CorrelationID string
}

// EnvelopeOption configures envelope creation
type EnvelopeOption func(*Envelope)

// WithCorrelationID sets an explicit correlation ID, propagating the
// trace of an upstream request instead of starting a new one.
func WithCorrelationID(id string) EnvelopeOption {
	return func(e *Envelope) {
		e.CorrelationID = id
	}
}

// WithProducedAt sets an explicit production timestamp
func WithProducedAt(t time.Time) EnvelopeOption {
	return func(e *Envelope) {
		e.ProducedAt = t.UTC()
	}
}

// NewEnvelope wraps payload in an envelope of the given message type.
// The payload is serialized immediately; a payload that cannot be
// represented as JSON fails with an EncodingError.
func NewEnvelope(messageType string, payload interface{}, opts ...EnvelopeOption) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &EncodingError{MessageType: messageType, Err: err}
	}

	e := &Envelope{
		Payload:       body,
		MessageType:   messageType,
		ProducedAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// wireEnvelope is the JSON document exchanged on the broker. All four
// keys are required on the wire.
type wireEnvelope struct {
	Payload       json.RawMessage `json:"payload"`
	MessageType   string          `json:"messageType"`
	ProducedAt    string          `json:"producedAt"`
	CorrelationID string          `json:"correlationId"`
}

// Encode serializes the envelope to its wire format: a UTF-8 JSON
// document with producedAt rendered as ISO-8601 UTC.
func Encode(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, &EncodingError{Err: ErrNilEnvelope}
	}
	if e.MessageType == "" {
		return nil, &EncodingError{Err: ErrMissingMessageType}
	}
	if len(e.Payload) == 0 || !json.Valid(e.Payload) {
		return nil, &EncodingError{MessageType: e.MessageType, Err: ErrInvalidPayload}
	}

	wire := wireEnvelope{
		Payload:       e.Payload,
		MessageType:   e.MessageType,
		ProducedAt:    e.ProducedAt.UTC().Format(time.RFC3339Nano),
		CorrelationID: e.CorrelationID,
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return nil, &EncodingError{MessageType: e.MessageType, Err: err}
	}
	return data, nil
}

// Decode parses an envelope from its wire format. Malformed JSON or a
// missing required key fails with a DecodingError. A well-formed but
// semantically invalid payload decodes successfully; validating it
// against its message type's schema is the caller's explicit step.
func Decode(data []byte) (*Envelope, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, &DecodingError{Err: err}
	}

	for _, required := range []string{"payload", "messageType", "producedAt", "correlationId"} {
		if _, ok := keys[required]; !ok {
			return nil, &DecodingError{Field: required, Err: ErrMissingField}
		}
	}

	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, &DecodingError{Err: err}
	}

	producedAt, err := time.Parse(time.RFC3339Nano, wire.ProducedAt)
	if err != nil {
		return nil, &DecodingError{Field: "producedAt", Err: err}
	}

	return &Envelope{
		Payload:       wire.Payload,
		MessageType:   wire.MessageType,
		ProducedAt:    producedAt.UTC(),
		CorrelationID: wire.CorrelationID,
	}, nil
}
