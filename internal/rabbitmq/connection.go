package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/voicepipe/voicepipe/internal/reliability"
)

const dialTimeout = 30 * time.Second

// StateListener receives connection state change notifications. The
// service runtime uses these to degrade and restore readiness.
type StateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns the single AMQP connection of a service
// process and reconnects it automatically. Broker outages are expected
// to be transient: the default policy retries forever with capped
// exponential backoff rather than treating them as fatal.
type ConnectionManager struct {
	url         string
	backoff     reliability.Policy
	logger      *slog.Logger
	conn        *amqp.Connection
	notifyClose chan *amqp.Error
	connected   bool
	done        chan struct{}
	closeOnce   sync.Once
	mu          sync.RWMutex

	listeners   []StateListener
	listenersMu sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectPolicy sets the backoff policy for reconnection.
func WithReconnectPolicy(policy reliability.Policy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff = policy
	}
}

// NewConnectionManager creates a connection manager for the given AMQP
// URL. Connect must be called before the connection is usable.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:     url,
		backoff: reliability.Unbounded(time.Second, 2*time.Minute),
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection. A failure is returned as
// a ConnectionError for the caller's retry policy; the automatic
// reconnect loop only engages once a connection has been established.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.connected {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return err
	}

	cm.adopt(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	go cm.watch(cm.notifyClose)
	return nil
}

// dial opens a connection, bounded by the dial timeout and ctx.
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.Dial(cm.url)
		if err != nil {
			errChan <- err
			return
		}
		select {
		case connChan <- conn:
		case <-dialCtx.Done():
			conn.Close()
		}
	}()

	select {
	case conn := <-connChan:
		return conn, nil
	case err := <-errChan:
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	case <-dialCtx.Done():
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrConnectionTimeout,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
}

// adopt installs a live connection. Caller holds cm.mu.
func (cm *ConnectionManager) adopt(conn *amqp.Connection) {
	cm.conn = conn
	cm.connected = true
	cm.notifyClose = make(chan *amqp.Error, 1)
	conn.NotifyClose(cm.notifyClose)
}

// Connection returns the live connection or an error when down.
func (cm *ConnectionManager) Connection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.connected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// IsConnected reports the connection status.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.connected && cm.conn != nil && !cm.conn.IsClosed()
}

// Close shuts the manager down and closes the connection.
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() {
		close(cm.done)
	})

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.connected = false
	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		if err != nil && err != amqp.ErrClosed {
			cm.logger.Warn("error closing connection", "error", err)
		}
	}
	return nil
}

// watch waits for the current connection to drop, then reconnects.
func (cm *ConnectionManager) watch(notifyClose chan *amqp.Error) {
	select {
	case err := <-notifyClose:
		if err != nil {
			cm.logger.Error("connection lost", "error", err)
		}

		cm.mu.Lock()
		cm.connected = false
		cm.conn = nil
		cm.mu.Unlock()

		var lost error = ErrConnectionClosed
		if err != nil {
			lost = err
		}
		cm.notifyDisconnected(lost)

		cm.reconnect()

	case <-cm.done:
	}
}

// reconnect dials until it succeeds or the manager is closed, pacing
// attempts with the backoff policy.
func (cm *ConnectionManager) reconnect() {
	start := time.Now()

	for attempt := 0; ; attempt++ {
		select {
		case <-cm.done:
			return
		default:
		}

		cm.notifyReconnecting(attempt + 1)

		if attempt > 0 {
			delay := cm.backoff.NextDelay(attempt - 1)
			cm.logger.Info("waiting before reconnect attempt",
				"attempt", attempt+1,
				"delay", delay)
			select {
			case <-time.After(delay):
			case <-cm.done:
				return
			}
		}

		conn, err := cm.dial(context.Background())
		if err != nil {
			cm.logger.Error("reconnect attempt failed",
				"attempt", attempt+1,
				"error", err)
			continue
		}

		cm.mu.Lock()
		cm.adopt(conn)
		notifyClose := cm.notifyClose
		cm.mu.Unlock()

		cm.logger.Info("reconnected to RabbitMQ",
			"attempts", attempt+1,
			"downtime", time.Since(start))
		cm.notifyConnected()

		go cm.watch(notifyClose)
		return
	}
}

// AddStateListener registers a connection state listener.
func (cm *ConnectionManager) AddStateListener(listener StateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, l := range cm.listeners {
		go l.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, l := range cm.listeners {
		go l.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, l := range cm.listeners {
		go l.OnReconnecting(attempt)
	}
}
