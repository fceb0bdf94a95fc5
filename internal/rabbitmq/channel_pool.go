package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	poolAcquireTimeout = 5 * time.Second
	idleSweepInterval  = time.Minute
)

// ChannelPool hands out AMQP channels on the process's single
// connection. Channels that died with a connection drop are replaced
// transparently on the next Get; channels idle past the idle timeout
// are closed down to the minimum size.
type ChannelPool struct {
	manager     *ConnectionManager
	channels    chan *PooledChannel
	maxSize     int
	minSize     int
	idleTimeout time.Duration
	done        chan struct{}
	mu          sync.Mutex
	closed      bool
	activeCount int
}

// PooledChannel wraps an AMQP channel with pool bookkeeping.
type PooledChannel struct {
	*amqp.Channel
	lastUsed time.Time
	id       string

	confirmOnce sync.Once
	confirmErr  error
	returns     chan amqp.Return
}

// EnsureConfirmMode puts the channel into publisher-confirm mode and
// registers its single return listener, once for the channel's
// lifetime. The AMQP library never removes notification listeners
// before the channel closes and fans confirms out to every listener
// with a blocking send from the connection reader, so registering a
// listener per publish on a pooled channel would eventually stall the
// whole connection.
func (pc *PooledChannel) EnsureConfirmMode() error {
	pc.confirmOnce.Do(func() {
		if err := pc.Channel.Confirm(false); err != nil {
			pc.confirmErr = err
			return
		}
		pc.returns = pc.Channel.NotifyReturn(make(chan amqp.Return, 16))
	})
	return pc.confirmErr
}

// Returns is the channel's stream of unroutable mandatory publishes.
// Nil until EnsureConfirmMode has succeeded.
func (pc *PooledChannel) Returns() <-chan amqp.Return {
	return pc.returns
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithMinSize sets the number of channels opened eagerly
func WithMinSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.minSize = size
	}
}

// WithIdleTimeout sets how long an unused channel survives before the
// pool closes it.
func WithIdleTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.idleTimeout = timeout
	}
}

// NewChannelPool creates a channel pool on an established connection.
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, fmt.Errorf("rabbitmq: channel pool requires a connection manager")
	}

	pool := &ChannelPool{
		manager:     manager,
		maxSize:     8,
		minSize:     1,
		idleTimeout: 5 * time.Minute,
		done:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("rabbitmq: pool max size must be at least 1")
	}
	if pool.minSize < 0 || pool.minSize > pool.maxSize {
		return nil, fmt.Errorf("rabbitmq: pool min size must be between 0 and max size")
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)

	var created []*PooledChannel
	for i := 0; i < pool.minSize; i++ {
		ch, err := pool.createChannel()
		if err != nil {
			for _, c := range created {
				c.Channel.Close()
			}
			return nil, err
		}
		created = append(created, ch)
	}
	for _, ch := range created {
		pool.channels <- ch
	}

	if pool.idleTimeout > 0 {
		go pool.cleanupIdle()
	}

	return pool, nil
}

// cleanupIdle periodically closes channels unused past the idle
// timeout, never shrinking below the minimum size.
func (cp *ChannelPool) cleanupIdle() {
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cp.done:
			return
		case <-ticker.C:
			cp.sweepIdle(time.Now().Add(-cp.idleTimeout))
		}
	}
}

func (cp *ChannelPool) sweepIdle(cutoff time.Time) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		return
	}

	var keep []*PooledChannel
drain:
	for {
		select {
		case ch := <-cp.channels:
			if ch.lastUsed.Before(cutoff) && cp.activeCount > cp.minSize {
				ch.Channel.Close()
				cp.activeCount--
			} else {
				keep = append(keep, ch)
			}
		default:
			break drain
		}
	}

	// The buffer was just drained, so these sends cannot block.
	for _, ch := range keep {
		cp.channels <- ch
	}
}

// Get retrieves a channel, creating one when the pool has headroom.
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	cp.mu.Unlock()

	select {
	case ch, ok := <-cp.channels:
		if !ok {
			return nil, ErrChannelPoolClosed
		}
		if ch.Channel.IsClosed() {
			cp.discard(ch)
			return cp.createForGet(ctx)
		}
		ch.lastUsed = time.Now()
		return ch, nil

	default:
		cp.mu.Lock()
		if cp.activeCount < cp.maxSize {
			cp.mu.Unlock()
			return cp.createForGet(ctx)
		}
		cp.mu.Unlock()

		select {
		case ch, ok := <-cp.channels:
			if !ok {
				return nil, ErrChannelPoolClosed
			}
			if ch.Channel.IsClosed() {
				cp.discard(ch)
				return cp.createForGet(ctx)
			}
			ch.lastUsed = time.Now()
			return ch, nil

		case <-ctx.Done():
			return nil, &ChannelError{
				Op:        "get channel",
				ChannelID: "pool",
				Err:       ctx.Err(),
				Timestamp: time.Now(),
			}

		case <-time.After(poolAcquireTimeout):
			return nil, &ChannelError{
				Op:        "get channel",
				ChannelID: "pool",
				Err:       ErrChannelPoolExhausted,
				Timestamp: time.Now(),
			}
		}
	}
}

// Put returns a channel to the pool.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	if ch.Channel.IsClosed() {
		cp.discard(ch)
		return
	}

	// The send happens under the lock so Close cannot shut the buffer
	// between the closed check and the send.
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		ch.Channel.Close()
		return
	}
	ch.lastUsed = time.Now()
	select {
	case cp.channels <- ch:
		cp.mu.Unlock()
	default:
		cp.mu.Unlock()
		ch.Channel.Close()
		cp.discard(ch)
	}
}

// Execute runs fn with a pooled channel, recovering handler panics so
// a misbehaving caller cannot leak the channel.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(ch.Channel)
	}()

	return execErr
}

// Size returns the number of channels currently accounted for.
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Close closes the pool and every pooled channel.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return nil
	}
	cp.closed = true
	close(cp.done)

	close(cp.channels)
	for ch := range cp.channels {
		if ch != nil && ch.Channel != nil && !ch.Channel.IsClosed() {
			ch.Channel.Close()
		}
	}
	return nil
}

func (cp *ChannelPool) discard(ch *PooledChannel) {
	cp.mu.Lock()
	cp.activeCount--
	cp.mu.Unlock()
}

func (cp *ChannelPool) createChannel() (*PooledChannel, error) {
	conn, err := cp.manager.Connection()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	cp.mu.Lock()
	cp.activeCount++
	cp.mu.Unlock()

	return &PooledChannel{
		Channel:  ch,
		lastUsed: time.Now(),
		id:       uuid.New().String(),
	}, nil
}

func (cp *ChannelPool) createForGet(ctx context.Context) (*PooledChannel, error) {
	select {
	case <-ctx.Done():
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       ctx.Err(),
			Timestamp: time.Now(),
		}
	default:
	}
	return cp.createChannel()
}
