package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends messages with publisher-confirm semantics: Publish
// does not return success until the broker has acknowledged receipt.
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	publishTimeout time.Duration
	maxAttempts    int
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout bounds the wait for a broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout bounds the whole publish call
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublishAttempts sets how many times a publish is attempted
// before the failure is surfaced to the caller.
func WithPublishAttempts(attempts int) PublisherOption {
	return func(p *Publisher) {
		if attempts > 0 {
			p.maxAttempts = attempts
		}
	}
}

// NewPublisher creates a publisher on the channel pool.
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
		maxAttempts:    3,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish sends one message to exchange/routingKey and waits for the
// broker confirm. On nack, unroutable return, or connection loss the
// call is retried within the publish timeout; the final failure is a
// PublishError the caller must handle, never a silent drop.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			case <-ctx.Done():
				return &PublishError{
					Exchange:   exchange,
					RoutingKey: routingKey,
					Err:        ctx.Err(),
					Timestamp:  time.Now(),
				}
			}
		}

		if err := p.publishWithConfirm(ctx, exchange, routingKey, msg); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Err:        lastErr,
		Timestamp:  time.Now(),
	}
}

func (p *Publisher) publishWithConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer p.pool.Put(ch)

	// Confirm mode and the return listener are set up once per pooled
	// channel; see EnsureConfirmMode for why per-publish listeners are
	// unsafe on a reused channel.
	if err := ch.EnsureConfirmMode(); err != nil {
		return err
	}

	returns := ch.Returns()
	drainReturns(returns)

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(
		ctx,
		exchange,
		routingKey,
		true,  // mandatory: unroutable messages come back as returns
		false, // immediate
		msg,
	)
	if err != nil {
		return err
	}

	return p.awaitConfirm(ctx, confirmation, returns)
}

// deferredConfirmation is the broker's eventual verdict on one publish.
type deferredConfirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// awaitConfirm resolves a deferred confirmation within the confirm
// timeout. A broker nack, an unroutable return, or a timeout is an
// error; the publish is never treated as sent without an ack.
func (p *Publisher) awaitConfirm(ctx context.Context, confirmation deferredConfirmation, returns <-chan amqp.Return) error {
	confirmCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	acked, err := confirmation.WaitContext(confirmCtx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrConfirmTimeout
	}
	if !acked {
		return ErrPublishNotConfirmed
	}

	// The broker sends the return before the ack of the same publish,
	// so a pending return at this point belongs to this message.
	select {
	case <-returns:
		return ErrPublishReturned
	default:
	}
	return nil
}

// drainReturns discards returns left behind by an earlier, abandoned
// publish on the same channel.
func drainReturns(returns <-chan amqp.Return) {
	for {
		select {
		case <-returns:
		default:
			return
		}
	}
}
