package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Verdict is a handler's decision about a delivery.
type Verdict int

const (
	// VerdictAck removes the message from the queue permanently.
	VerdictAck Verdict = iota
	// VerdictRetry redelivers the message. Delivery is at-least-once:
	// handlers must be idempotent or detect duplicates. Retries are
	// bounded by the redelivery limit, after which the message is
	// dead-lettered.
	VerdictRetry
	// VerdictDeadLetter rejects the message without requeue; the
	// broker routes it to the configured dead-letter queue.
	VerdictDeadLetter
)

// retryCountHeader carries the bounded-redelivery counter across
// republished attempts.
const retryCountHeader = "x-retry-count"

// DeliveryHandler inspects one delivery and returns a verdict. The
// consumer performs all acknowledgment; handlers never touch the
// delivery's ack methods.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery) Verdict

// Consumer pulls deliveries from a queue one at a time, preserving the
// broker's per-queue FIFO order, and acknowledges them according to
// the handler's verdict.
type Consumer struct {
	pool            *ChannelPool
	publisher       *Publisher
	prefetchCount   int
	handlerTimeout  time.Duration
	redeliveryLimit int
	logger          *slog.Logger

	mu       sync.Mutex
	active   map[string]*subscription
	inFlight sync.WaitGroup
}

type subscription struct {
	queue  string
	cancel context.CancelFunc
	done   chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the QoS prefetch
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		if count > 0 {
			c.prefetchCount = count
		}
	}
}

// WithHandlerTimeout bounds a single handler invocation. A handler
// that does not return in time is treated as failed and its message
// follows the retry path, making redelivery the safety net for hangs.
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if timeout > 0 {
			c.handlerTimeout = timeout
		}
	}
}

// WithRedeliveryLimit bounds how many times a failing message is
// retried before it is moved to the dead-letter queue.
func WithRedeliveryLimit(limit int) ConsumerOption {
	return func(c *Consumer) {
		if limit > 0 {
			c.redeliveryLimit = limit
		}
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer. The publisher is used to republish
// retried messages with an incremented retry counter.
func NewConsumer(pool *ChannelPool, publisher *Publisher, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:            pool,
		publisher:       publisher,
		prefetchCount:   1,
		handlerTimeout:  30 * time.Second,
		redeliveryLimit: 3,
		logger:          slog.Default(),
		active:          make(map[string]*subscription),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Subscribe begins delivering messages from queue to handler, one at a
// time per subscription. It returns once the consumer is registered;
// message processing runs on its own goroutine until ctx is cancelled
// or Unsubscribe is called.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler DeliveryHandler) error {
	ch, err := c.pool.Get(ctx)
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		c.pool.Put(ch)
		return &ConsumerError{Queue: queue, Op: "set qos", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(
		queue,
		"",    // broker-assigned consumer tag
		false, // manual ack: the verdict decides
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		c.pool.Put(ch)
		return &ConsumerError{Queue: queue, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		queue:  queue,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	c.active[queue] = sub
	c.mu.Unlock()

	go c.run(subCtx, sub, ch, deliveries, handler)

	c.logger.Info("consuming from queue",
		"queue", queue,
		"prefetch", c.prefetchCount,
		"handlerTimeout", c.handlerTimeout)
	return nil
}

// run processes deliveries sequentially until cancellation or channel
// loss. Sequential dispatch keeps the broker's per-queue ordering.
func (c *Consumer) run(ctx context.Context, sub *subscription, ch *PooledChannel, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer func() {
		close(sub.done)
		c.pool.Put(ch)
		c.mu.Lock()
		// A resubscribe after reconnect may already have replaced this
		// entry; only remove it if it is still ours.
		if cur, ok := c.active[sub.queue]; ok && cur == sub {
			delete(c.active, sub.queue)
		}
		c.mu.Unlock()
		c.logger.Info("consumer stopped", "queue", sub.queue)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", sub.queue)
				return
			}
			c.inFlight.Add(1)
			c.settle(ctx, sub.queue, delivery, handler)
			c.inFlight.Done()
		}
	}
}

// settle runs the handler under its timeout and acknowledges the
// delivery according to the verdict. Handler failures are contained
// per-message; nothing here stops the consume loop.
func (c *Consumer) settle(ctx context.Context, queue string, delivery amqp.Delivery, handler DeliveryHandler) {
	verdict := c.invoke(ctx, delivery, handler)

	switch verdict {
	case VerdictAck:
		if err := delivery.Ack(false); err != nil {
			c.logger.Error("failed to ack message",
				"queue", queue,
				"messageId", delivery.MessageId,
				"error", err)
		}

	case VerdictDeadLetter:
		c.reject(queue, delivery, "handler rejected")

	case VerdictRetry:
		c.retry(ctx, queue, delivery)
	}
}

// invoke runs the handler with the per-message timeout. A timeout or a
// panic counts as a retryable failure.
func (c *Consumer) invoke(ctx context.Context, delivery amqp.Delivery, handler DeliveryHandler) Verdict {
	msgCtx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
	defer cancel()

	result := make(chan Verdict, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("handler panicked",
					"messageId", delivery.MessageId,
					"panic", r)
				result <- VerdictRetry
			}
		}()
		result <- handler(msgCtx, delivery)
	}()

	select {
	case v := <-result:
		return v
	case <-msgCtx.Done():
		c.logger.Warn("handler timed out",
			"messageId", delivery.MessageId,
			"timeout", c.handlerTimeout)
		return VerdictRetry
	}
}

// retry bounds redelivery. The first failure of a fresh delivery is
// nacked back to the queue so the broker redelivers it at least once;
// later failures are republished with an incremented x-retry-count
// header until the limit, then rejected to the dead-letter queue.
func (c *Consumer) retry(ctx context.Context, queue string, delivery amqp.Delivery) {
	retries := headerInt(delivery.Headers, retryCountHeader)
	if delivery.Redelivered && retries == 0 {
		retries = 1
	}

	if retries >= c.redeliveryLimit {
		c.reject(queue, delivery, "retry limit exceeded")
		return
	}

	if !delivery.Redelivered && retries == 0 {
		if err := delivery.Nack(false, true); err != nil {
			c.logger.Error("failed to nack message",
				"queue", queue,
				"messageId", delivery.MessageId,
				"error", err)
		}
		return
	}

	headers := amqp.Table{}
	for k, v := range delivery.Headers {
		headers[k] = v
	}
	headers[retryCountHeader] = int32(retries + 1)

	msg := amqp.Publishing{
		Headers:       headers,
		ContentType:   delivery.ContentType,
		CorrelationId: delivery.CorrelationId,
		MessageId:     delivery.MessageId,
		Timestamp:     delivery.Timestamp,
		Type:          delivery.Type,
		DeliveryMode:  amqp.Persistent,
		Body:          delivery.Body,
	}

	if err := c.publisher.Publish(ctx, "", queue, msg); err != nil {
		// Could not requeue the copy; leave the original unacked so
		// the broker redelivers it after the channel closes.
		c.logger.Error("failed to republish retry",
			"queue", queue,
			"messageId", delivery.MessageId,
			"retryCount", retries+1,
			"error", err)
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack after republish failure", "error", nackErr)
		}
		return
	}

	c.logger.Info("message requeued for retry",
		"queue", queue,
		"messageId", delivery.MessageId,
		"retryCount", retries+1)

	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack original after republish", "error", err)
	}
}

// reject drops the message without requeue so the broker dead-letters
// it into the queue's configured DLQ.
func (c *Consumer) reject(queue string, delivery amqp.Delivery, reason string) {
	c.logger.Warn("rejecting message to dead-letter queue",
		"queue", queue,
		"messageId", delivery.MessageId,
		"reason", reason)
	if err := delivery.Reject(false); err != nil {
		c.logger.Error("failed to reject message",
			"queue", queue,
			"messageId", delivery.MessageId,
			"error", err)
	}
}

// Unsubscribe stops consuming from a queue and waits for its loop to
// exit.
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	sub, ok := c.active[queue]
	c.mu.Unlock()
	if !ok {
		return &ConsumerError{Queue: queue, Op: "unsubscribe", Err: ErrNoActiveConsumer, Timestamp: time.Now()}
	}

	sub.cancel()
	<-sub.done
	return nil
}

// Drain stops all subscriptions and waits up to grace for in-flight
// handlers to finish. Handlers still running afterwards are abandoned;
// their messages stay unacknowledged and redeliver after reconnect.
func (c *Consumer) Drain(grace time.Duration) {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.active))
	for _, sub := range c.active {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}

	finished := make(chan struct{})
	go func() {
		for _, sub := range subs {
			<-sub.done
		}
		c.inFlight.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(grace):
		c.logger.Warn("drain grace period expired with handlers still running")
	}
}

// ActiveQueues lists the queues with a live subscription.
func (c *Consumer) ActiveQueues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	queues := make([]string, 0, len(c.active))
	for q := range c.active {
		queues = append(queues, q)
	}
	return queues
}

func headerInt(headers amqp.Table, key string) int {
	if headers == nil {
		return 0
	}
	switch v := headers[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
