package messaging

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/voicepipe/voicepipe/contracts"
	"github.com/voicepipe/voicepipe/internal/rabbitmq"
	"github.com/voicepipe/voicepipe/monitor"
	"github.com/voicepipe/voicepipe/schema"
)

// EnvelopePublisher validates, encodes, and publishes envelopes with
// persistent delivery and publisher confirms.
type EnvelopePublisher struct {
	publisher *rabbitmq.Publisher
	registry  *schema.Registry
	metrics   *monitor.Metrics
	logger    *slog.Logger
}

// PublisherOption configures the envelope publisher
type PublisherOption func(*EnvelopePublisher)

// WithPublisherSchemas sets the schema registry payloads are validated
// against before publish.
func WithPublisherSchemas(registry *schema.Registry) PublisherOption {
	return func(p *EnvelopePublisher) {
		p.registry = registry
	}
}

// WithPublisherMetrics sets the metrics collector
func WithPublisherMetrics(metrics *monitor.Metrics) PublisherOption {
	return func(p *EnvelopePublisher) {
		p.metrics = metrics
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *EnvelopePublisher) {
		p.logger = logger
	}
}

// NewEnvelopePublisher creates an envelope publisher on the broker
// publisher.
func NewEnvelopePublisher(publisher *rabbitmq.Publisher, opts ...PublisherOption) *EnvelopePublisher {
	p := &EnvelopePublisher{
		publisher: publisher,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends an envelope to the named queue. The payload must
// validate against the schema for its message type; validation fails
// before any broker I/O. Success means the broker confirmed receipt.
func (p *EnvelopePublisher) Publish(ctx context.Context, queue string, envelope *contracts.Envelope) error {
	if p.registry != nil {
		result := p.registry.Validate(envelope.MessageType, envelope.Payload)
		if !result.Valid {
			return &SchemaViolationError{
				MessageType: envelope.MessageType,
				Errors:      result.Errors,
			}
		}
	}

	body, err := contracts.Encode(envelope)
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     uuid.New().String(),
		CorrelationId: envelope.CorrelationID,
		Type:          envelope.MessageType,
		Timestamp:     envelope.ProducedAt,
		Body:          body,
	}

	if err := p.publisher.Publish(ctx, "", queue, msg); err != nil {
		return err
	}

	if p.metrics != nil {
		p.metrics.Published(queue)
	}
	p.logger.Debug("published envelope",
		"queue", queue,
		"messageType", envelope.MessageType,
		"correlationId", envelope.CorrelationID)
	return nil
}
