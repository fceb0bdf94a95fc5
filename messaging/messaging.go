package messaging

import (
	"context"
	"fmt"

	"github.com/voicepipe/voicepipe/contracts"
	"github.com/voicepipe/voicepipe/schema"
)

// Outcome is a handler's decision about a consumed envelope.
type Outcome int

const (
	// Ack removes the message from the queue permanently.
	Ack Outcome = iota
	// Retry requests redelivery. Redelivery is at-least-once, so
	// handlers must be idempotent or detect duplicates.
	Retry
	// DeadLetter moves the message to the dead-letter queue.
	DeadLetter
)

// String names the outcome for logs and metrics.
func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DeadLetter:
		return "deadletter"
	}
	return "unknown"
}

// Handler processes one decoded, schema-valid envelope and decides its
// fate. Returning Retry (or panicking, or exceeding the handler
// timeout) requeues the message up to the redelivery limit.
type Handler interface {
	Handle(ctx context.Context, envelope *contracts.Envelope) Outcome
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, envelope *contracts.Envelope) Outcome

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, envelope *contracts.Envelope) Outcome {
	return f(ctx, envelope)
}

// SchemaViolationError means a payload failed validation against the
// schema registered for its message type. Producers get it back from
// Publish before any broker I/O; consumers dead-letter the message
// instead of surfacing it.
type SchemaViolationError struct {
	MessageType string
	Errors      []schema.ValidationError
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("payload for %q failed schema validation: %d violation(s)", e.MessageType, len(e.Errors))
}
