package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")

	ErrChannelPoolClosed    = errors.New("rabbitmq: channel pool is closed")
	ErrChannelPoolExhausted = errors.New("rabbitmq: channel pool exhausted")

	ErrNoActiveConsumer = errors.New("rabbitmq: no active consumer for queue")

	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed by broker")
	ErrPublishReturned     = errors.New("rabbitmq: publish returned as unroutable")
	ErrConfirmTimeout      = errors.New("rabbitmq: timeout waiting for publisher confirm")
)

// ConnectionError is a transient broker connection failure. The
// runtime retries these with backoff; they are never fatal.
type ConnectionError struct {
	Op        string
	URL       string
	Err       error
	Timestamp time.Time
	Attempts  int
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsRetryable marks connection errors for the retry policies.
func (e *ConnectionError) IsRetryable() bool {
	return true
}

// ChannelError is a failure on an individual AMQP channel.
type ChannelError struct {
	Op        string
	ChannelID string
	Err       error
	Timestamp time.Time
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError means the broker rejected a publish or the connection
// dropped mid-send. It is surfaced to the caller, which decides
// between retry and escalation; a publish is never silently dropped.
type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: %s/%s: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// QueueConflictError means a queue was declared with parameters that
// mismatch its existing declaration. Topology mismatches are fatal and
// surface at startup.
type QueueConflictError struct {
	Queue string
	Err   error
}

func (e *QueueConflictError) Error() string {
	return fmt.Sprintf("rabbitmq queue conflict: %q declared with mismatched parameters: %v", e.Queue, e.Err)
}

func (e *QueueConflictError) Unwrap() error {
	return e.Err
}

// IsRetryable marks topology conflicts as non-retryable.
func (e *QueueConflictError) IsRetryable() bool {
	return false
}

// ConsumerError is a failure registering or running a consumer.
type ConsumerError struct {
	Queue     string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s on queue %s: %v", e.Op, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// isPreconditionFailed reports whether err is the broker's 406 reply,
// which AMQP uses for declare-parameter mismatches.
func isPreconditionFailed(err error) bool {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp.PreconditionFailed
	}
	return false
}

// SanitizeURL strips credentials from an AMQP URL for logging.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "(unparseable url)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}
