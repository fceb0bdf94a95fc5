package messaging

import (
	"context"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/voicepipe/voicepipe/contracts"
	"github.com/voicepipe/voicepipe/internal/rabbitmq"
	"github.com/voicepipe/voicepipe/monitor"
	"github.com/voicepipe/voicepipe/schema"
)

// Subscriber decodes deliveries into envelopes, validates them, and
// dispatches to the registered handler. Messages that fail decoding or
// schema validation never reach the handler: they are rejected so the
// broker routes them to the dead-letter queue, exactly once.
type Subscriber struct {
	consumer *rabbitmq.Consumer
	registry *schema.Registry
	metrics  *monitor.Metrics
	logger   *slog.Logger
}

// SubscriberOption configures the subscriber
type SubscriberOption func(*Subscriber)

// WithSubscriberSchemas sets the schema registry incoming payloads are
// validated against before dispatch.
func WithSubscriberSchemas(registry *schema.Registry) SubscriberOption {
	return func(s *Subscriber) {
		s.registry = registry
	}
}

// WithSubscriberMetrics sets the metrics collector
func WithSubscriberMetrics(metrics *monitor.Metrics) SubscriberOption {
	return func(s *Subscriber) {
		s.metrics = metrics
	}
}

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// NewSubscriber creates a subscriber on the broker consumer.
func NewSubscriber(consumer *rabbitmq.Consumer, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		consumer: consumer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe begins consuming queue, dispatching each decoded envelope
// to handler.
func (s *Subscriber) Subscribe(ctx context.Context, queue string, handler Handler) error {
	return s.consumer.Subscribe(ctx, queue, s.dispatch(queue, handler))
}

// Unsubscribe stops consuming from queue.
func (s *Subscriber) Unsubscribe(queue string) error {
	return s.consumer.Unsubscribe(queue)
}

func (s *Subscriber) dispatch(queue string, handler Handler) rabbitmq.DeliveryHandler {
	return func(ctx context.Context, delivery amqp.Delivery) rabbitmq.Verdict {
		envelope, err := contracts.Decode(delivery.Body)
		if err != nil {
			s.logger.Warn("undecodable message routed to dead-letter queue",
				"queue", queue,
				"messageId", delivery.MessageId,
				"error", err)
			s.record(queue, DeadLetter)
			if s.metrics != nil {
				s.metrics.DeadLettered(queue, "decode")
			}
			return rabbitmq.VerdictDeadLetter
		}

		if s.registry != nil {
			result := s.registry.Validate(envelope.MessageType, envelope.Payload)
			if !result.Valid {
				s.logger.Warn("schema-invalid payload routed to dead-letter queue",
					"queue", queue,
					"messageType", envelope.MessageType,
					"correlationId", envelope.CorrelationID,
					"violations", len(result.Errors))
				s.record(queue, DeadLetter)
				if s.metrics != nil {
					s.metrics.DeadLettered(queue, "schema")
				}
				return rabbitmq.VerdictDeadLetter
			}
		}

		outcome := handler.Handle(ctx, envelope)
		s.record(queue, outcome)

		switch outcome {
		case Ack:
			return rabbitmq.VerdictAck
		case DeadLetter:
			if s.metrics != nil {
				s.metrics.DeadLettered(queue, "handler")
			}
			return rabbitmq.VerdictDeadLetter
		default:
			return rabbitmq.VerdictRetry
		}
	}
}

func (s *Subscriber) record(queue string, outcome Outcome) {
	if s.metrics != nil {
		s.metrics.Consumed(queue, outcome.String())
	}
}
