// Package platform wires the BuildFlow messaging stack together: one
// broker connection per process, a channel pool over it, the declared
// topology, and the event/RPC surfaces the services program against.
package platform

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/buildflow/platform/internal/rabbitmq"
	"github.com/buildflow/platform/messaging"
)

// Bus is the per-process entry point to the event bus.
type Bus struct {
	conn     *rabbitmq.ConnectionManager
	pool     *rabbitmq.ChannelPool
	topology rabbitmq.Topology
	events   *messaging.EventPublisher
	rpc      *messaging.RPCClient
	loop     *messaging.DispatchLoop
	queue    string
	logger   *slog.Logger
}

// busConfig holds Bus construction options.
type busConfig struct {
	logger         *slog.Logger
	topology       rabbitmq.Topology
	registry       *messaging.Registry
	queue          string
	prefetch       int
	reconnectDelay time.Duration
	connectTimeout time.Duration
}

// BusOption configures the Bus.
type BusOption func(*busConfig)

// WithBusLogger sets the logger for all components.
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(cfg *busConfig) {
		cfg.logger = logger
	}
}

// WithTopology sets the topology declared at connect and after every
// reconnect. Usually the service's ServiceTopology.
func WithTopology(topology rabbitmq.Topology) BusOption {
	return func(cfg *busConfig) {
		cfg.topology = topology
	}
}

// WithConsumer attaches a handler registry consuming the given queue. A Bus
// without a consumer only publishes and calls.
func WithConsumer(queue string, registry *messaging.Registry) BusOption {
	return func(cfg *busConfig) {
		cfg.queue = queue
		cfg.registry = registry
	}
}

// WithPrefetch bounds unacknowledged deliveries per consumer channel.
func WithPrefetch(prefetch int) BusOption {
	return func(cfg *busConfig) {
		cfg.prefetch = prefetch
	}
}

// WithReconnectDelay sets the base broker reconnection delay.
func WithReconnectDelay(delay time.Duration) BusOption {
	return func(cfg *busConfig) {
		cfg.reconnectDelay = delay
	}
}

// WithConnectTimeout bounds a single broker dial attempt.
func WithConnectTimeout(timeout time.Duration) BusOption {
	return func(cfg *busConfig) {
		cfg.connectTimeout = timeout
	}
}

// NewBus builds the bus for the given AMQP URL. Nothing touches the broker
// until Connect.
func NewBus(url string, options ...BusOption) (*Bus, error) {
	cfg := &busConfig{
		logger:         slog.Default(),
		prefetch:       10,
		reconnectDelay: 5 * time.Second,
		connectTimeout: 30 * time.Second,
	}
	for _, opt := range options {
		opt(cfg)
	}

	conn := rabbitmq.NewConnectionManager(url,
		rabbitmq.WithLogger(cfg.logger),
		rabbitmq.WithReconnectDelay(cfg.reconnectDelay),
		rabbitmq.WithConnectTimeout(cfg.connectTimeout),
	)

	pool, err := rabbitmq.NewChannelPool(conn)
	if err != nil {
		return nil, fmt.Errorf("create channel pool: %w", err)
	}

	publisher := rabbitmq.NewPublisher(pool)

	bus := &Bus{
		conn:     conn,
		pool:     pool,
		topology: cfg.topology,
		queue:    cfg.queue,
		logger:   cfg.logger,
		events:   messaging.NewEventPublisher(publisher, messaging.WithPublisherLogger(cfg.logger)),
		rpc: messaging.NewRPCClient(publisher, messaging.NewAMQPReplyOpener(pool),
			messaging.WithRPCLogger(cfg.logger)),
	}

	if cfg.registry != nil {
		consumer := rabbitmq.NewConsumer(pool,
			rabbitmq.WithPrefetch(cfg.prefetch),
			rabbitmq.WithConsumerLogger(cfg.logger),
		)
		bus.loop = messaging.NewDispatchLoop(consumer, cfg.registry, cfg.queue,
			messaging.WithLoopLogger(cfg.logger),
			messaging.WithReplier(messaging.NewDirectReplier(publisher)),
		)
	}

	return bus, nil
}

// Connect dials the broker, declares the topology, and starts the dispatch
// loop when a consumer is configured. The topology is re-declared after
// every reconnect so bindings survive a broker restart.
func (b *Bus) Connect(ctx context.Context) error {
	if err := b.conn.Connect(ctx); err != nil {
		return err
	}

	topology := rabbitmq.NewTopologyManager(b.pool)
	if err := topology.Declare(ctx, b.topology); err != nil {
		return err
	}

	b.conn.OnReconnect(func() {
		if err := topology.Declare(context.Background(), b.topology); err != nil {
			b.logger.Error("topology re-declaration failed", "error", err)
		}
	})

	if b.loop != nil {
		if err := b.loop.Start(ctx); err != nil {
			return fmt.Errorf("start dispatch loop for %s: %w", b.queue, err)
		}
		b.logger.Info("consuming service queue", "queue", b.queue)
	}
	return nil
}

// Events returns the event publisher.
func (b *Bus) Events() *messaging.EventPublisher {
	return b.events
}

// RPC returns the RPC client.
func (b *Bus) RPC() *messaging.RPCClient {
	return b.rpc
}

// Queue returns the configured consumer queue name, empty for
// publish-only buses.
func (b *Bus) Queue() string {
	return b.queue
}

// Close stops consuming, fails in-flight RPC waits, and releases the
// connection.
func (b *Bus) Close() error {
	if b.loop != nil {
		b.loop.Stop()
	}
	b.rpc.Close()
	if err := b.pool.Close(); err != nil {
		b.logger.Error("channel pool close failed", "error", err)
	}
	return b.conn.Close()
}
