package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool multiplexes a bounded set of AMQP channels over the shared
// connection. Channels that died with a broker restart are detected on Get
// and replaced transparently.
type ChannelPool struct {
	manager    *ConnectionManager
	channels   chan *PooledChannel
	maxSize    int
	getTimeout time.Duration
	mu         sync.Mutex
	active     int
	closed     bool
}

// PooledChannel wraps an AMQP channel with pool bookkeeping.
type PooledChannel struct {
	*amqp.Channel
	id       string
	lastUsed time.Time
}

// ChannelPoolOption configures the channel pool.
type ChannelPoolOption func(*ChannelPool)

// WithMaxChannels sets the maximum pool size.
func WithMaxChannels(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithGetTimeout bounds the wait for a free channel when the pool is full.
func WithGetTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.getTimeout = timeout
	}
}

// NewChannelPool creates a channel pool over the given connection manager.
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, fmt.Errorf("connection manager cannot be nil")
	}

	pool := &ChannelPool{
		manager:    manager,
		maxSize:    8,
		getTimeout: 5 * time.Second,
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("max channels must be at least 1, got %d", pool.maxSize)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)
	return pool, nil
}

// Get borrows a channel from the pool, creating one if under the limit.
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	cp.mu.Unlock()

	select {
	case ch := <-cp.channels:
		if ch == nil {
			return nil, ErrChannelPoolClosed
		}
		if ch.IsClosed() {
			cp.retire()
			return cp.create()
		}
		ch.lastUsed = time.Now()
		return ch, nil
	default:
	}

	cp.mu.Lock()
	if cp.active < cp.maxSize {
		cp.mu.Unlock()
		return cp.create()
	}
	cp.mu.Unlock()

	select {
	case ch := <-cp.channels:
		if ch == nil {
			return nil, ErrChannelPoolClosed
		}
		if ch.IsClosed() {
			cp.retire()
			return cp.create()
		}
		ch.lastUsed = time.Now()
		return ch, nil
	case <-ctx.Done():
		return nil, &ChannelError{Op: "get", Err: ctx.Err(), Timestamp: time.Now()}
	case <-time.After(cp.getTimeout):
		return nil, &ChannelError{Op: "get", Err: ErrChannelPoolExhausted, Timestamp: time.Now()}
	}
}

// Put returns a channel to the pool. Dead or surplus channels are discarded.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		closeChannel(ch)
		return
	}
	if ch.IsClosed() {
		cp.active--
		cp.mu.Unlock()
		return
	}

	ch.lastUsed = time.Now()
	// The send happens under the mutex so Close cannot close cp.channels
	// between the closed check and the send.
	select {
	case cp.channels <- ch:
		cp.mu.Unlock()
	default:
		cp.active--
		cp.mu.Unlock()
		closeChannel(ch)
	}
}

// Execute borrows a channel for the duration of fn.
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
				execErr = fmt.Errorf("panic in channel operation: %v", r)
			}
		}()
		execErr = fn(ch.Channel)
	}()
	return execErr
}

// Size returns the number of channels currently tracked by the pool.
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.active
}

// Close closes all pooled channels.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	close(cp.channels)
	cp.mu.Unlock()

	for ch := range cp.channels {
		if ch != nil {
			closeChannel(ch)
		}
	}
	return nil
}

func (cp *ChannelPool) create() (*PooledChannel, error) {
	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "create", Err: err, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "create", Err: err, Timestamp: time.Now()}
	}

	cp.mu.Lock()
	cp.active++
	cp.mu.Unlock()

	return &PooledChannel{
		Channel:  ch,
		id:       uuid.NewString(),
		lastUsed: time.Now(),
	}, nil
}

func (cp *ChannelPool) retire() {
	cp.mu.Lock()
	cp.active--
	cp.mu.Unlock()
}

// closeChannel closes a live pooled channel. Tolerates channels that never
// reached the broker.
func closeChannel(ch *PooledChannel) {
	if ch.Channel != nil && !ch.IsClosed() {
		ch.Channel.Close()
	}
}
