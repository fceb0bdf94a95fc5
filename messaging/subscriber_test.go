package messaging

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicepipe/voicepipe/contracts"
	"github.com/voicepipe/voicepipe/internal/rabbitmq"
	"github.com/voicepipe/voicepipe/schema"
)

func textRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	minLen := 1
	registry := schema.NewRegistry()
	registry.Register("EarOutput", &schema.Schema{
		Type:     "object",
		Required: []string{"text"},
		Properties: map[string]*schema.PropertyDef{
			"text": {Type: "string", MinLength: &minLen},
		},
	})
	return registry
}

func encodedDelivery(t *testing.T, messageType string, payload interface{}) amqp.Delivery {
	t.Helper()
	envelope, err := contracts.NewEnvelope(messageType, payload)
	require.NoError(t, err)
	body, err := contracts.Encode(envelope)
	require.NoError(t, err)
	return amqp.Delivery{Body: body, Type: messageType}
}

func TestDispatch(t *testing.T) {
	t.Run("valid envelope reaches the handler", func(t *testing.T) {
		sub := NewSubscriber(nil, WithSubscriberSchemas(textRegistry(t)))

		var seen *contracts.Envelope
		handler := HandlerFunc(func(ctx context.Context, envelope *contracts.Envelope) Outcome {
			seen = envelope
			return Ack
		})

		verdict := sub.dispatch("ear.to.brain", handler)(context.Background(),
			encodedDelivery(t, "EarOutput", map[string]string{"text": "hello"}))

		assert.Equal(t, rabbitmq.VerdictAck, verdict)
		require.NotNil(t, seen)
		assert.Equal(t, "EarOutput", seen.MessageType)
	})

	t.Run("undecodable body is dead-lettered without dispatch", func(t *testing.T) {
		sub := NewSubscriber(nil)

		called := false
		handler := HandlerFunc(func(context.Context, *contracts.Envelope) Outcome {
			called = true
			return Ack
		})

		verdict := sub.dispatch("ear.to.brain", handler)(context.Background(),
			amqp.Delivery{Body: []byte(`{"payload":`)})

		assert.Equal(t, rabbitmq.VerdictDeadLetter, verdict)
		assert.False(t, called)
	})

	t.Run("missing envelope key is dead-lettered", func(t *testing.T) {
		sub := NewSubscriber(nil)

		handler := HandlerFunc(func(context.Context, *contracts.Envelope) Outcome {
			t.Fatal("handler must not run")
			return Ack
		})

		verdict := sub.dispatch("ear.to.brain", handler)(context.Background(),
			amqp.Delivery{Body: []byte(`{"payload":{},"messageType":"EarOutput","producedAt":"2025-03-14T09:26:53Z"}`)})

		assert.Equal(t, rabbitmq.VerdictDeadLetter, verdict)
	})

	t.Run("schema-invalid payload is dead-lettered without dispatch", func(t *testing.T) {
		sub := NewSubscriber(nil, WithSubscriberSchemas(textRegistry(t)))

		called := false
		handler := HandlerFunc(func(context.Context, *contracts.Envelope) Outcome {
			called = true
			return Ack
		})

		verdict := sub.dispatch("ear.to.brain", handler)(context.Background(),
			encodedDelivery(t, "EarOutput", map[string]int{"volume": 11}))

		assert.Equal(t, rabbitmq.VerdictDeadLetter, verdict)
		assert.False(t, called)
	})

	t.Run("without a registry every decodable message is dispatched", func(t *testing.T) {
		sub := NewSubscriber(nil)

		called := false
		handler := HandlerFunc(func(context.Context, *contracts.Envelope) Outcome {
			called = true
			return Ack
		})

		verdict := sub.dispatch("ear.to.brain", handler)(context.Background(),
			encodedDelivery(t, "EarOutput", map[string]int{"volume": 11}))

		assert.Equal(t, rabbitmq.VerdictAck, verdict)
		assert.True(t, called)
	})

	t.Run("handler outcomes map to verdicts", func(t *testing.T) {
		cases := []struct {
			name    string
			outcome Outcome
			verdict rabbitmq.Verdict
		}{
			{"ack", Ack, rabbitmq.VerdictAck},
			{"retry", Retry, rabbitmq.VerdictRetry},
			{"dead letter", DeadLetter, rabbitmq.VerdictDeadLetter},
		}

		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				sub := NewSubscriber(nil)
				handler := HandlerFunc(func(context.Context, *contracts.Envelope) Outcome {
					return tc.outcome
				})

				verdict := sub.dispatch("ear.to.brain", handler)(context.Background(),
					encodedDelivery(t, "EarOutput", map[string]string{"text": "hi"}))

				assert.Equal(t, tc.verdict, verdict)
			})
		}
	})
}
