package rabbitmq

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionManager owns the single long-lived connection of a process and
// reconnects it when the broker goes away. Everything else in the process
// (publisher, dispatch loop, RPC client) shares this connection through the
// channel pool.
type ConnectionManager struct {
	url            string
	conn           *amqp.Connection
	mu             sync.RWMutex
	reconnectDelay time.Duration
	maxRetries     int
	connectTimeout time.Duration
	logger         *slog.Logger
	notifyClose    chan *amqp.Error
	connected      bool
	done           chan struct{}
	closeOnce      sync.Once

	// dial seams, swapped in tests
	dialFn    func(url string) (*amqp.Connection, error)
	closeConn func(*amqp.Connection)

	hooksMu          sync.RWMutex
	onReconnectHooks []func()
}

// ConnectionOption configures the ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base reconnection delay.
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts.
// Negative means retry forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithConnectTimeout bounds a single dial attempt.
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// NewConnectionManager creates a connection manager for the given AMQP URL.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		reconnectDelay: 5 * time.Second,
		maxRetries:     -1,
		connectTimeout: 30 * time.Second,
		logger:         slog.Default(),
		done:           make(chan struct{}),
		dialFn:         amqp.Dial,
		closeConn:      func(conn *amqp.Connection) { conn.Close() },
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// OnReconnect registers a hook invoked after every successful reconnection.
// Used to re-declare topology so queue bindings survive a broker restart.
func (cm *ConnectionManager) OnReconnect(hook func()) {
	cm.hooksMu.Lock()
	defer cm.hooksMu.Unlock()
	cm.onReconnectHooks = append(cm.onReconnectHooks, hook)
}

// Connect establishes the initial connection and starts the reconnect watcher.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.connected {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.adopt(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))

	go cm.watch()
	return nil
}

// GetConnection returns the current live connection.
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.connected || cm.conn == nil {
		return nil, ErrNotConnected
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// IsConnected reports whether a live connection is held.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.connected
}

// Close shuts down the connection and stops reconnecting.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.closeOnce.Do(func() { close(cm.done) })

	if !cm.connected {
		return nil
	}
	cm.connected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}

// dial attempts a single connection within the configured timeout.
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	connCh := make(chan *amqp.Connection)
	errCh := make(chan error, 1)

	go func() {
		conn, err := cm.dialFn(cm.url)
		if err != nil {
			errCh <- err
			return
		}
		select {
		case connCh <- conn:
		case <-dialCtx.Done():
			// The caller stopped waiting for this attempt.
			cm.closeConn(conn)
			cm.logger.Warn("closed connection established after dial timeout",
				"url", SanitizeURL(cm.url))
		}
	}()

	select {
	case conn := <-connCh:
		return conn, nil
	case err := <-errCh:
		return nil, err
	case <-dialCtx.Done():
		return nil, ErrConnectionTimeout
	}
}

// adopt installs a new connection. Caller holds cm.mu.
func (cm *ConnectionManager) adopt(conn *amqp.Connection) {
	cm.conn = conn
	cm.connected = true
	cm.notifyClose = make(chan *amqp.Error, 1)
	cm.conn.NotifyClose(cm.notifyClose)
}

// watch monitors the connection and reconnects when the broker drops it.
func (cm *ConnectionManager) watch() {
	for {
		select {
		case amqpErr := <-cm.notifyClose:
			if amqpErr != nil {
				cm.logger.Error("connection lost", "error", amqpErr)
			}

			cm.mu.Lock()
			cm.connected = false
			cm.conn = nil
			cm.mu.Unlock()

			if !cm.reconnect() {
				return
			}

		case <-cm.done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// reconnect retries until a connection is re-established or the retry budget
// runs out. Returns false when the watcher should give up.
func (cm *ConnectionManager) reconnect() bool {
	start := time.Now()

	for attempt := 0; ; attempt++ {
		if cm.maxRetries >= 0 && attempt >= cm.maxRetries {
			cm.logger.Error("giving up on reconnection",
				"attempts", attempt,
				"elapsed", time.Since(start))
			return false
		}

		if attempt > 0 {
			select {
			case <-time.After(cm.backoff(attempt)):
			case <-cm.done:
				return false
			}
		}

		select {
		case <-cm.done:
			return false
		default:
		}

		cm.logger.Info("reconnecting to RabbitMQ", "attempt", attempt+1)

		conn, err := cm.dial(context.Background())
		if err != nil {
			cm.logger.Error("reconnection attempt failed",
				"attempt", attempt+1,
				"error", err)
			continue
		}

		cm.mu.Lock()
		cm.adopt(conn)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to RabbitMQ",
			"attempts", attempt+1,
			"elapsed", time.Since(start))

		cm.runReconnectHooks()
		return true
	}
}

func (cm *ConnectionManager) runReconnectHooks() {
	cm.hooksMu.RLock()
	hooks := make([]func(), len(cm.onReconnectHooks))
	copy(hooks, cm.onReconnectHooks)
	cm.hooksMu.RUnlock()

	for _, hook := range hooks {
		hook()
	}
}

// backoff returns an exponentially growing delay with ±25% jitter,
// capped at five minutes.
func (cm *ConnectionManager) backoff(attempt int) time.Duration {
	base := cm.reconnectDelay
	if base <= 0 {
		base = 5 * time.Second
	}

	const maxDelay = 5 * time.Minute
	delay := base << uint(attempt)
	if delay <= 0 || delay > maxDelay {
		delay = maxDelay
	}

	jitter := time.Duration(float64(delay) * 0.25)
	return delay - jitter/2 + time.Duration(rand.Int63n(int64(jitter)+1))
}
