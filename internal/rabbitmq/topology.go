package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeadLetterExchange is the durable direct exchange every dead-letter
// queue binds to. Rejected messages are routed to it with the DLQ name
// as routing key.
const DeadLetterExchange = "dlx"

// QueueBinding describes a service's primary queue and its paired
// dead-letter queue. Queues in this system are always durable.
type QueueBinding struct {
	Queue           string
	DeadLetterQueue string
}

// TopologyManager declares the queues and exchanges a service needs.
// Declarations are idempotent; re-declaring with matching parameters
// is a no-op, while a parameter mismatch surfaces as a fatal
// QueueConflictError.
type TopologyManager struct {
	pool *ChannelPool
}

// NewTopologyManager creates a topology manager.
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{pool: pool}
}

// DeclareBinding declares the full topology for one queue binding: the
// dead-letter exchange, the durable DLQ bound to it, and the durable
// primary queue configured to dead-letter into the DLQ.
func (tm *TopologyManager) DeclareBinding(ctx context.Context, binding QueueBinding) error {
	if binding.Queue == "" {
		return fmt.Errorf("rabbitmq: queue name must not be empty")
	}
	if binding.DeadLetterQueue == "" {
		binding.DeadLetterQueue = binding.Queue + ".dlq"
	}

	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		if err := ch.ExchangeDeclare(
			DeadLetterExchange,
			"direct",
			true,  // durable
			false, // auto-delete
			false, // internal
			false, // no-wait
			nil,
		); err != nil {
			return fmt.Errorf("declare dead-letter exchange: %w", err)
		}

		if _, err := ch.QueueDeclare(
			binding.DeadLetterQueue,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,
		); err != nil {
			if isPreconditionFailed(err) {
				return &QueueConflictError{Queue: binding.DeadLetterQueue, Err: err}
			}
			return fmt.Errorf("declare dead-letter queue %q: %w", binding.DeadLetterQueue, err)
		}

		if err := ch.QueueBind(
			binding.DeadLetterQueue,
			binding.DeadLetterQueue, // routing key mirrors the DLQ name
			DeadLetterExchange,
			false,
			nil,
		); err != nil {
			return fmt.Errorf("bind dead-letter queue %q: %w", binding.DeadLetterQueue, err)
		}

		if _, err := ch.QueueDeclare(
			binding.Queue,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			amqp.Table{
				"x-dead-letter-exchange":    DeadLetterExchange,
				"x-dead-letter-routing-key": binding.DeadLetterQueue,
			},
		); err != nil {
			if isPreconditionFailed(err) {
				return &QueueConflictError{Queue: binding.Queue, Err: err}
			}
			return fmt.Errorf("declare queue %q: %w", binding.Queue, err)
		}

		return nil
	})
}

// QueueDepth returns the number of messages waiting on a queue.
func (tm *TopologyManager) QueueDepth(ctx context.Context, name string) (int, error) {
	var depth int
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			return err
		}
		depth = q.Messages
		return nil
	})
	return depth, err
}
