package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
)

// LoopState tracks where the dispatch loop is in its lifecycle.
type LoopState int32

const (
	StateIdle LoopState = iota
	StateBound
	StateConsuming
	StateProcessing
	StateStopped
)

func (s LoopState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBound:
		return "bound"
	case StateConsuming:
		return "consuming"
	case StateProcessing:
		return "processing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// AckPolicy decides what happens to a message whose handler returned an
// error.
type AckPolicy int

const (
	// AckAlways acknowledges after processing regardless of outcome. Handler
	// failures are logged and the message is dropped; redelivery happens only
	// on connection loss, never on handler failure. This avoids
	// poison-message loops at the cost of losing the failed payload.
	AckAlways AckPolicy = iota

	// NackOnError rejects failed messages without requeue, handing them to a
	// dead-letter exchange if the queue has one configured.
	NackOnError
)

// DeliverySource produces the delivery stream for a queue. Satisfied by
// *rabbitmq.Consumer.
type DeliverySource interface {
	Consume(ctx context.Context, queue string) (<-chan amqp.Delivery, error)
}

// DispatchLoop pulls messages off the service queue and routes each one to
// the handler registered for its exact routing key. Acknowledgment always
// happens after the handler ran, so the broker never counts a message as
// delivered before local processing was attempted.
type DispatchLoop struct {
	source    DeliverySource
	registry  *Registry
	replier   Replier
	queue     string
	logger    *slog.Logger
	ackPolicy AckPolicy

	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

// LoopOption configures the DispatchLoop.
type LoopOption func(*DispatchLoop)

// WithLoopLogger sets the logger.
func WithLoopLogger(logger *slog.Logger) LoopOption {
	return func(l *DispatchLoop) {
		l.logger = logger
	}
}

// WithAckPolicy sets the failed-handler acknowledgment policy.
func WithAckPolicy(policy AckPolicy) LoopOption {
	return func(l *DispatchLoop) {
		l.ackPolicy = policy
	}
}

// WithReplier sets the output port handed to RPC handlers.
func WithReplier(replier Replier) LoopOption {
	return func(l *DispatchLoop) {
		l.replier = replier
	}
}

// NewDispatchLoop creates a loop over the given queue and registry.
func NewDispatchLoop(source DeliverySource, registry *Registry, queue string, options ...LoopOption) *DispatchLoop {
	l := &DispatchLoop{
		source:    source,
		registry:  registry,
		queue:     queue,
		logger:    slog.Default(),
		ackPolicy: AckAlways,
	}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// State returns the loop's current lifecycle state.
func (l *DispatchLoop) State() LoopState {
	return LoopState(l.state.Load())
}

// Start binds to the queue and begins consuming. It returns once the loop
// goroutine is running; Stop or cancelling ctx shuts it down.
func (l *DispatchLoop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.state.CompareAndSwap(int32(StateIdle), int32(StateBound)) {
		return ErrLoopNotIdle
	}

	loopCtx, cancel := context.WithCancel(ctx)
	deliveries, err := l.source.Consume(loopCtx, l.queue)
	if err != nil {
		cancel()
		l.state.Store(int32(StateStopped))
		return fmt.Errorf("bind dispatch loop to queue %s: %w", l.queue, err)
	}

	l.cancel = cancel
	l.done = make(chan struct{})

	go l.run(loopCtx, deliveries)
	return nil
}

// Stop cancels the loop, waits for the in-flight handler to finish, and
// leaves the loop in the Stopped state.
func (l *DispatchLoop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (l *DispatchLoop) run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(l.done)
	defer l.state.Store(int32(StateStopped))

	l.state.Store(int32(StateConsuming))
	l.logger.Info("dispatch loop consuming",
		"queue", l.queue,
		"handlers", l.registry.Keys())

	for d := range deliveries {
		l.state.Store(int32(StateProcessing))
		l.handleDelivery(ctx, d)
		l.state.Store(int32(StateConsuming))
	}

	l.logger.Info("dispatch loop stopped", "queue", l.queue)
}

// handleDelivery processes one message: exact-key lookup, handler
// invocation, then acknowledgment. Messages without a registered handler are
// acknowledged and dropped so they cannot block the queue.
func (l *DispatchLoop) handleDelivery(ctx context.Context, d amqp.Delivery) {
	env := FromDelivery(d)

	reg, ok := l.registry.lookup(env.RoutingKey)
	if !ok {
		l.logger.Warn("no handler for routing key, dropping message",
			"queue", l.queue,
			"routingKey", env.RoutingKey)
		l.ack(d)
		return
	}

	err := l.invoke(ctx, reg, env)
	if err != nil {
		l.logger.Error("handler failed",
			"queue", l.queue,
			"routingKey", env.RoutingKey,
			"error", err)

		if l.ackPolicy == NackOnError {
			l.nack(d)
			return
		}
	}

	l.ack(d)
}

// invoke runs the registered handler, converting panics into errors so one
// bad message cannot take the loop down.
func (l *DispatchLoop) invoke(ctx context.Context, reg registration, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic for %s: %v", env.RoutingKey, r)
		}
	}()

	if reg.rpc != nil {
		addr := ReplyAddress{ReplyTo: env.ReplyTo, CorrelationID: env.CorrelationID}
		if !addr.Valid() {
			return fmt.Errorf("rpc request %s missing reply address", env.RoutingKey)
		}
		return reg.rpc.HandleRPC(ctx, env.Body, addr, l.replier)
	}
	return reg.event.Handle(ctx, env.Body)
}

func (l *DispatchLoop) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		l.logger.Error("failed to ack message",
			"queue", l.queue,
			"deliveryTag", d.DeliveryTag,
			"error", err)
	}
}

func (l *DispatchLoop) nack(d amqp.Delivery) {
	if err := d.Nack(false, false); err != nil {
		l.logger.Error("failed to nack message",
			"queue", l.queue,
			"deliveryTag", d.DeliveryTag,
			"error", err)
	}
}
