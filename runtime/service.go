package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voicepipe/voicepipe/config"
	"github.com/voicepipe/voicepipe/contracts"
	"github.com/voicepipe/voicepipe/health"
	"github.com/voicepipe/voicepipe/internal/rabbitmq"
	"github.com/voicepipe/voicepipe/internal/reliability"
	"github.com/voicepipe/voicepipe/messaging"
	"github.com/voicepipe/voicepipe/monitor"
	"github.com/voicepipe/voicepipe/schema"
)

// Phase is a service lifecycle stage.
type Phase int32

const (
	PhaseConstructed Phase = iota
	PhaseConnecting
	PhaseInitializing
	PhaseReady
	PhaseDraining
	PhaseStopped
)

// String names the phase for logs.
func (p Phase) String() string {
	switch p {
	case PhaseConstructed:
		return "constructed"
	case PhaseConnecting:
		return "connecting"
	case PhaseInitializing:
		return "initializing"
	case PhaseReady:
		return "ready"
	case PhaseDraining:
		return "draining"
	case PhaseStopped:
		return "stopped"
	}
	return "unknown"
}

// SetupFunc is the service-specific initialization hook, run after the
// broker topology is declared and before readiness flips. A failing
// setup is retried with backoff; wrap the error in reliability.Fatal
// to abort instead.
type SetupFunc func(ctx context.Context) error

// dlqPollInterval paces the dead-letter depth gauge updates.
const dlqPollInterval = 30 * time.Second

// ErrNotConnected is returned by Publish before the broker channel is
// up. Producers should wait on Ready() first.
var ErrNotConnected = errors.New("runtime: service is not connected to the broker")

// Service composes the health server, broker channel, and messaging
// layers into the shared lifecycle every pipeline service runs:
// constructed, connecting, initializing, ready/consuming, draining,
// stopped.
type Service struct {
	cfg    *config.ServiceConfig
	broker config.Broker
	logger *slog.Logger

	state     *health.State
	healthSrv *health.Server
	metrics   *monitor.Metrics
	registry  *schema.Registry

	connMgr    *rabbitmq.ConnectionManager
	pool       *rabbitmq.ChannelPool
	topology   *rabbitmq.TopologyManager
	publisher  *messaging.EnvelopePublisher
	subscriber *messaging.Subscriber
	consumer   *rabbitmq.Consumer

	setup   SetupFunc
	handler messaging.Handler

	phase     atomic.Int32
	connEvent chan connEvent
	readyCh   chan struct{}
}

type connEvent struct {
	connected bool
	err       error
}

// Option configures the service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithSetup sets the service-specific initialization hook
func WithSetup(setup SetupFunc) Option {
	return func(s *Service) {
		s.setup = setup
	}
}

// WithHandler sets the handler for the configured consume queue.
// Services without a handler are producer-only.
func WithHandler(handler messaging.Handler) Option {
	return func(s *Service) {
		s.handler = handler
	}
}

// WithSchemas sets the registry payloads are validated against on both
// the publish and consume paths.
func WithSchemas(registry *schema.Registry) Option {
	return func(s *Service) {
		s.registry = registry
	}
}

// New constructs a service from its configuration document and broker
// coordinates. The health server binds its socket here, so an invalid
// or occupied port fails construction; nothing touches the broker
// until Run.
func New(cfg *config.ServiceConfig, broker config.Broker, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, &config.Error{Err: errors.New("service config is nil")}
	}

	s := &Service{
		cfg:       cfg,
		broker:    broker,
		logger:    slog.Default(),
		state:     health.NewState(),
		connEvent: make(chan connEvent, 8),
		readyCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Consume != nil && s.handler == nil {
		return nil, &config.Error{Err: errors.New("consume queue configured but no handler provided")}
	}

	promRegistry := prometheus.NewRegistry()
	s.metrics = monitor.NewMetrics(promRegistry)

	healthSrv, err := health.NewServer(s.state, cfg.HealthPort,
		health.WithLogger(s.logger),
		health.WithMetricsHandler(promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})),
	)
	if err != nil {
		return nil, err
	}
	s.healthSrv = healthSrv

	s.phase.Store(int32(PhaseConstructed))
	return s, nil
}

// Phase returns the current lifecycle phase.
func (s *Service) Phase() Phase {
	return Phase(s.phase.Load())
}

// State exposes the readiness state, mainly for tests.
func (s *Service) State() *health.State {
	return s.state
}

// HealthAddr returns the bound health listener address.
func (s *Service) HealthAddr() string {
	return s.healthSrv.Addr()
}

// Ready is closed the first time the service reaches the ready phase.
// Producer loops wait on it before publishing.
func (s *Service) Ready() <-chan struct{} {
	return s.readyCh
}

// Publish wraps payload in an envelope and publishes it to queue with
// persistent delivery and broker confirmation.
func (s *Service) Publish(ctx context.Context, queue, messageType string, payload interface{}, opts ...contracts.EnvelopeOption) error {
	if s.publisher == nil {
		return ErrNotConnected
	}
	envelope, err := contracts.NewEnvelope(messageType, payload, opts...)
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, queue, envelope)
}

// Run drives the lifecycle until ctx is cancelled. Broker outages are
// never fatal: connection and setup failures are retried with backoff
// while /status keeps answering ready:false. Only configuration and
// queue-conflict errors abort.
func (s *Service) Run(ctx context.Context) error {
	s.phase.Store(int32(PhaseConnecting))
	s.logger.Info("service starting", "phase", s.Phase().String())

	if err := s.connectAndDeclare(ctx); err != nil {
		s.shutdown()
		return err
	}

	s.phase.Store(int32(PhaseInitializing))
	if err := s.runSetup(ctx); err != nil {
		s.shutdown()
		return err
	}

	if s.handler != nil {
		if err := s.subscriber.Subscribe(ctx, s.cfg.Consume.Queue, s.handler); err != nil {
			s.shutdown()
			return err
		}
	}

	s.phase.Store(int32(PhaseReady))
	s.state.Initialize()
	close(s.readyCh)
	s.logger.Info("service ready", "phase", s.Phase().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.watchConnection(gctx)
		return nil
	})
	g.Go(func() error {
		s.pollDLQDepth(gctx)
		return nil
	})

	<-gctx.Done()
	g.Wait()

	s.drain()
	s.shutdown()
	return nil
}

// connectAndDeclare opens the broker channel and declares the queue
// topology. Connection failures retry forever; a QueueConflictError is
// fatal and surfaced to the caller.
func (s *Service) connectAndDeclare(ctx context.Context) error {
	s.connMgr = rabbitmq.NewConnectionManager(s.broker.URL(),
		rabbitmq.WithLogger(s.logger),
		rabbitmq.WithReconnectPolicy(reliability.Unbounded(time.Second, 2*time.Minute)),
	)

	connectPolicy := reliability.Unbounded(time.Second, 2*time.Minute)
	err := reliability.Retry(ctx, connectPolicy, func() error {
		if err := s.connMgr.Connect(ctx); err != nil {
			s.logger.Warn("broker connection attempt failed", "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	pool, err := rabbitmq.NewChannelPool(s.connMgr, rabbitmq.WithMinSize(1))
	if err != nil {
		return err
	}
	s.pool = pool
	s.topology = rabbitmq.NewTopologyManager(pool)

	for _, binding := range s.queueBindings() {
		if err := s.topology.DeclareBinding(ctx, binding); err != nil {
			return err
		}
	}

	brokerPublisher := rabbitmq.NewPublisher(pool)
	s.publisher = messaging.NewEnvelopePublisher(brokerPublisher,
		messaging.WithPublisherSchemas(s.registry),
		messaging.WithPublisherMetrics(s.metrics),
		messaging.WithPublisherLogger(s.logger),
	)

	s.consumer = rabbitmq.NewConsumer(pool, brokerPublisher,
		rabbitmq.WithPrefetchCount(s.cfg.PrefetchCount),
		rabbitmq.WithHandlerTimeout(s.cfg.HandlerTimeout.Std()),
		rabbitmq.WithRedeliveryLimit(s.cfg.RedeliveryLimit),
		rabbitmq.WithConsumerLogger(s.logger),
	)
	s.subscriber = messaging.NewSubscriber(s.consumer,
		messaging.WithSubscriberSchemas(s.registry),
		messaging.WithSubscriberMetrics(s.metrics),
		messaging.WithSubscriberLogger(s.logger),
	)

	// Listen for drops only after the initial connect so the first
	// OnConnected does not race the subscription below.
	s.connMgr.AddStateListener(&stateRelay{events: s.connEvent})
	return nil
}

// queueBindings lists every queue this service must declare: its own
// consume binding plus each publish target, all with matching
// dead-letter parameters so redeclaration by peers is a no-op.
func (s *Service) queueBindings() []rabbitmq.QueueBinding {
	var bindings []rabbitmq.QueueBinding
	if s.cfg.Consume != nil {
		bindings = append(bindings, rabbitmq.QueueBinding{
			Queue:           s.cfg.Consume.Queue,
			DeadLetterQueue: s.cfg.Consume.DeadLetterQueue,
		})
	}
	for _, queue := range s.cfg.PublishQueues {
		bindings = append(bindings, rabbitmq.QueueBinding{Queue: queue})
	}
	return bindings
}

// runSetup executes the service-specific hook, retrying with backoff
// until it succeeds or returns a reliability.Fatal error.
func (s *Service) runSetup(ctx context.Context) error {
	if s.setup == nil {
		return nil
	}

	policy := reliability.Unbounded(time.Second, time.Minute)
	return reliability.Retry(ctx, policy, func() error {
		if err := s.setup(ctx); err != nil {
			s.logger.Warn("service setup failed, will retry", "error", err)
			return err
		}
		return nil
	})
}

// watchConnection degrades readiness while the broker is down and
// restores it, resubscribing the consume queue, after reconnect.
func (s *Service) watchConnection(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-s.connEvent:
			if !ev.connected {
				s.logger.Warn("broker connection lost, reporting not ready", "error", ev.err)
				s.state.Degrade()
				continue
			}

			if s.handler != nil {
				if err := s.subscriber.Subscribe(ctx, s.cfg.Consume.Queue, s.handler); err != nil {
					s.logger.Error("resubscribe after reconnect failed", "error", err)
					continue
				}
			}
			s.state.Initialize()
			s.logger.Info("broker connection restored, ready again")
		}
	}
}

// pollDLQDepth keeps the dead-letter depth gauge fresh.
func (s *Service) pollDLQDepth(ctx context.Context) {
	if s.cfg.Consume == nil {
		return
	}

	ticker := time.NewTicker(dlqPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := s.topology.QueueDepth(ctx, s.cfg.Consume.DeadLetterQueue)
			if err != nil {
				s.logger.Debug("dead-letter depth probe failed", "error", err)
				continue
			}
			s.metrics.SetDLQDepth(s.cfg.Consume.DeadLetterQueue, depth)
		}
	}
}

// drain stops intake and lets in-flight handlers finish, bounded by
// the configured grace period.
func (s *Service) drain() {
	s.phase.Store(int32(PhaseDraining))
	s.state.Degrade()
	s.logger.Info("service draining", "grace", s.cfg.DrainGrace.Std())

	if s.consumer != nil {
		s.consumer.Drain(s.cfg.DrainGrace.Std())
	}
}

// shutdown releases the broker channel and stops the health server.
func (s *Service) shutdown() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.connMgr != nil {
		s.connMgr.Close()
	}
	if err := s.healthSrv.Close(); err != nil {
		s.logger.Warn("health server close failed", "error", err)
	}

	s.phase.Store(int32(PhaseStopped))
	s.logger.Info("service stopped")
}

// stateRelay forwards connection state changes into the runtime's
// event channel.
type stateRelay struct {
	events chan connEvent
}

func (r *stateRelay) OnConnected() {
	select {
	case r.events <- connEvent{connected: true}:
	default:
	}
}

func (r *stateRelay) OnDisconnected(err error) {
	select {
	case r.events <- connEvent{connected: false, err: err}:
	default:
	}
}

func (r *stateRelay) OnReconnecting(attempt int) {}
