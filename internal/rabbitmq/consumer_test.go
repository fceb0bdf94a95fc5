package rabbitmq

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAcknowledger records how a delivery was settled.
type fakeAcknowledger struct {
	mu       sync.Mutex
	acks     int
	nacks    int
	rejects  int
	requeued []bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks++
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks++
	f.requeued = append(f.requeued, requeue)
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects++
	f.requeued = append(f.requeued, requeue)
	return nil
}

func delivery(ack *fakeAcknowledger) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, MessageId: "msg-1"}
}

func verdictHandler(v Verdict) DeliveryHandler {
	return func(context.Context, amqp.Delivery) Verdict { return v }
}

func TestNewConsumer(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		c := NewConsumer(nil, nil)
		assert.Equal(t, 1, c.prefetchCount)
		assert.Equal(t, 30*time.Second, c.handlerTimeout)
		assert.Equal(t, 3, c.redeliveryLimit)
		assert.Empty(t, c.ActiveQueues())
	})

	t.Run("applies options", func(t *testing.T) {
		c := NewConsumer(nil, nil,
			WithPrefetchCount(8),
			WithHandlerTimeout(time.Minute),
			WithRedeliveryLimit(5),
		)
		assert.Equal(t, 8, c.prefetchCount)
		assert.Equal(t, time.Minute, c.handlerTimeout)
		assert.Equal(t, 5, c.redeliveryLimit)
	})

	t.Run("ignores non-positive option values", func(t *testing.T) {
		c := NewConsumer(nil, nil,
			WithPrefetchCount(0),
			WithHandlerTimeout(-time.Second),
			WithRedeliveryLimit(-1),
		)
		assert.Equal(t, 1, c.prefetchCount)
		assert.Equal(t, 30*time.Second, c.handlerTimeout)
		assert.Equal(t, 3, c.redeliveryLimit)
	})
}

func TestSettle(t *testing.T) {
	t.Run("ack verdict acknowledges the delivery", func(t *testing.T) {
		c := NewConsumer(nil, nil)
		ack := &fakeAcknowledger{}

		c.settle(context.Background(), "q", delivery(ack), verdictHandler(VerdictAck))

		assert.Equal(t, 1, ack.acks)
		assert.Zero(t, ack.nacks)
		assert.Zero(t, ack.rejects)
	})

	t.Run("dead-letter verdict rejects without requeue", func(t *testing.T) {
		c := NewConsumer(nil, nil)
		ack := &fakeAcknowledger{}

		c.settle(context.Background(), "q", delivery(ack), verdictHandler(VerdictDeadLetter))

		require.Equal(t, 1, ack.rejects)
		assert.Equal(t, []bool{false}, ack.requeued)
	})

	t.Run("fresh failure is nacked back for redelivery", func(t *testing.T) {
		c := NewConsumer(nil, nil)
		ack := &fakeAcknowledger{}

		c.settle(context.Background(), "q", delivery(ack), verdictHandler(VerdictRetry))

		require.Equal(t, 1, ack.nacks)
		assert.Equal(t, []bool{true}, ack.requeued)
		assert.Zero(t, ack.rejects)
	})

	t.Run("failure at the retry limit is rejected to the dead-letter queue", func(t *testing.T) {
		c := NewConsumer(nil, nil, WithRedeliveryLimit(3))
		ack := &fakeAcknowledger{}

		d := delivery(ack)
		d.Redelivered = true
		d.Headers = amqp.Table{retryCountHeader: int32(3)}

		c.settle(context.Background(), "q", d, verdictHandler(VerdictRetry))

		require.Equal(t, 1, ack.rejects)
		assert.Equal(t, []bool{false}, ack.requeued)
		assert.Zero(t, ack.nacks)
	})

	t.Run("redelivered failure counts as an attempt", func(t *testing.T) {
		// With a limit of one, the broker's own redelivery already
		// used the only attempt; the message must dead-letter.
		c := NewConsumer(nil, nil, WithRedeliveryLimit(1))
		ack := &fakeAcknowledger{}

		d := delivery(ack)
		d.Redelivered = true

		c.settle(context.Background(), "q", d, verdictHandler(VerdictRetry))

		require.Equal(t, 1, ack.rejects)
		assert.Equal(t, []bool{false}, ack.requeued)
	})

	t.Run("handler timeout follows the retry path", func(t *testing.T) {
		c := NewConsumer(nil, nil, WithHandlerTimeout(50*time.Millisecond))
		ack := &fakeAcknowledger{}

		slow := func(ctx context.Context, _ amqp.Delivery) Verdict {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			return VerdictAck
		}

		c.settle(context.Background(), "q", delivery(ack), slow)

		require.Equal(t, 1, ack.nacks)
		assert.Equal(t, []bool{true}, ack.requeued)
		assert.Zero(t, ack.acks)
	})

	t.Run("handler panic follows the retry path", func(t *testing.T) {
		c := NewConsumer(nil, nil)
		ack := &fakeAcknowledger{}

		panicking := func(context.Context, amqp.Delivery) Verdict {
			panic("handler exploded")
		}

		c.settle(context.Background(), "q", delivery(ack), panicking)

		require.Equal(t, 1, ack.nacks)
		assert.Equal(t, []bool{true}, ack.requeued)
	})
}

func TestRunCleanup(t *testing.T) {
	t.Run("stale loop does not remove a replacing subscription", func(t *testing.T) {
		c := NewConsumer(nil, nil)

		stale := &subscription{queue: "q", cancel: func() {}, done: make(chan struct{})}
		replacement := &subscription{queue: "q", cancel: func() {}, done: make(chan struct{})}
		c.active["q"] = replacement

		deliveries := make(chan amqp.Delivery)
		close(deliveries)
		c.run(context.Background(), stale, nil, deliveries, nil)

		assert.Equal(t, []string{"q"}, c.ActiveQueues())
	})

	t.Run("own subscription is removed on exit", func(t *testing.T) {
		c := NewConsumer(nil, nil)

		sub := &subscription{queue: "q", cancel: func() {}, done: make(chan struct{})}
		c.active["q"] = sub

		deliveries := make(chan amqp.Delivery)
		close(deliveries)
		c.run(context.Background(), sub, nil, deliveries, nil)

		assert.Empty(t, c.ActiveQueues())
	})
}

func TestUnsubscribeWithoutSubscription(t *testing.T) {
	c := NewConsumer(nil, nil)
	err := c.Unsubscribe("nonexistent")
	assert.ErrorIs(t, err, ErrNoActiveConsumer)
}

func TestHeaderInt(t *testing.T) {
	t.Run("nil table reads as zero", func(t *testing.T) {
		assert.Equal(t, 0, headerInt(nil, retryCountHeader))
	})

	t.Run("missing key reads as zero", func(t *testing.T) {
		assert.Equal(t, 0, headerInt(amqp.Table{"other": int32(2)}, retryCountHeader))
	})

	t.Run("reads the integer types the wire can carry", func(t *testing.T) {
		cases := []struct {
			name  string
			value interface{}
		}{
			{"int", int(2)},
			{"int32", int32(2)},
			{"int64", int64(2)},
			{"float64", float64(2)},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				headers := amqp.Table{retryCountHeader: tc.value}
				assert.Equal(t, 2, headerInt(headers, retryCountHeader))
			})
		}
	})

	t.Run("non-numeric value reads as zero", func(t *testing.T) {
		assert.Equal(t, 0, headerInt(amqp.Table{retryCountHeader: "two"}, retryCountHeader))
	})
}
