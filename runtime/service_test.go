package runtime

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicepipe/voicepipe/config"
	"github.com/voicepipe/voicepipe/contracts"
	"github.com/voicepipe/voicepipe/health"
	"github.com/voicepipe/voicepipe/internal/rabbitmq"
	"github.com/voicepipe/voicepipe/messaging"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func testConfig(t *testing.T) *config.ServiceConfig {
	t.Helper()
	return &config.ServiceConfig{
		ServiceName:     "brain",
		HealthPort:      freePort(t),
		Consume:         &config.QueueBinding{Queue: "ear.to.brain", DeadLetterQueue: "ear.to.brain.dlq"},
		PublishQueues:   []string{"brain.to.mouth"},
		HandlerTimeout:  config.Duration(config.DefaultHandlerTimeout),
		DrainGrace:      config.Duration(config.DefaultDrainGrace),
		PrefetchCount:   config.DefaultPrefetchCount,
		RedeliveryLimit: config.DefaultRedeliveryLimit,
	}
}

func ackHandler() messaging.Handler {
	return messaging.HandlerFunc(func(context.Context, *contracts.Envelope) messaging.Outcome {
		return messaging.Ack
	})
}

func TestPhaseString(t *testing.T) {
	cases := []struct {
		phase Phase
		name  string
	}{
		{PhaseConstructed, "constructed"},
		{PhaseConnecting, "connecting"},
		{PhaseInitializing, "initializing"},
		{PhaseReady, "ready"},
		{PhaseDraining, "draining"},
		{PhaseStopped, "stopped"},
		{Phase(42), "unknown"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.name, tc.phase.String())
	}
}

func TestNew(t *testing.T) {
	t.Run("constructs in the constructed phase", func(t *testing.T) {
		svc, err := New(testConfig(t), config.Broker{Host: "localhost", Port: 5672},
			WithHandler(ackHandler()),
		)
		require.NoError(t, err)
		defer svc.healthSrv.Close()

		assert.Equal(t, PhaseConstructed, svc.Phase())
		assert.False(t, svc.State().Ready())
	})

	t.Run("health endpoints answer before the broker is up", func(t *testing.T) {
		svc, err := New(testConfig(t), config.Broker{Host: "localhost", Port: 5672},
			WithHandler(ackHandler()),
		)
		require.NoError(t, err)
		defer svc.healthSrv.Close()

		assert.NotEmpty(t, svc.HealthAddr())
	})

	t.Run("nil config fails", func(t *testing.T) {
		_, err := New(nil, config.Broker{})
		require.Error(t, err)

		var cfgErr *config.Error
		assert.ErrorAs(t, err, &cfgErr)
	})

	t.Run("consume queue without handler fails", func(t *testing.T) {
		_, err := New(testConfig(t), config.Broker{Host: "localhost", Port: 5672})
		require.Error(t, err)

		var cfgErr *config.Error
		assert.ErrorAs(t, err, &cfgErr)
	})

	t.Run("invalid health port fails construction", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.HealthPort = 70000

		_, err := New(cfg, config.Broker{Host: "localhost", Port: 5672},
			WithHandler(ackHandler()),
		)
		require.Error(t, err)

		var healthErr *health.ConfigError
		assert.ErrorAs(t, err, &healthErr)
	})

	t.Run("producer-only service needs no handler", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Consume = nil

		svc, err := New(cfg, config.Broker{Host: "localhost", Port: 5672})
		require.NoError(t, err)
		defer svc.healthSrv.Close()
	})
}

func TestQueueBindings(t *testing.T) {
	t.Run("covers the consume binding and every publish target", func(t *testing.T) {
		svc, err := New(testConfig(t), config.Broker{Host: "localhost", Port: 5672},
			WithHandler(ackHandler()),
		)
		require.NoError(t, err)
		defer svc.healthSrv.Close()

		bindings := svc.queueBindings()
		assert.Equal(t, []rabbitmq.QueueBinding{
			{Queue: "ear.to.brain", DeadLetterQueue: "ear.to.brain.dlq"},
			{Queue: "brain.to.mouth"},
		}, bindings)
	})

	t.Run("producer-only service declares only publish targets", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Consume = nil

		svc, err := New(cfg, config.Broker{Host: "localhost", Port: 5672})
		require.NoError(t, err)
		defer svc.healthSrv.Close()

		bindings := svc.queueBindings()
		assert.Equal(t, []rabbitmq.QueueBinding{{Queue: "brain.to.mouth"}}, bindings)
	})
}

func TestReadyChannel(t *testing.T) {
	t.Run("not ready before run", func(t *testing.T) {
		svc, err := New(testConfig(t), config.Broker{Host: "localhost", Port: 5672},
			WithHandler(ackHandler()),
		)
		require.NoError(t, err)
		defer svc.healthSrv.Close()

		select {
		case <-svc.Ready():
			t.Fatal("service must not be ready before Run")
		default:
		}
	})
}

func TestPublishBeforeRun(t *testing.T) {
	t.Run("fails instead of panicking", func(t *testing.T) {
		svc, err := New(testConfig(t), config.Broker{Host: "localhost", Port: 5672},
			WithHandler(ackHandler()),
		)
		require.NoError(t, err)
		defer svc.healthSrv.Close()

		err = svc.Publish(context.Background(), "brain.to.mouth", "BrainOutput",
			map[string]string{"text": "hi"})
		assert.ErrorIs(t, err, ErrNotConnected)
	})
}
