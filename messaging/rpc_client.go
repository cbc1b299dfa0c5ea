package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/buildflow/platform/internal/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ReplyQueue is a private, exclusive, auto-deleted queue owned by one RPC
// call. It disappears when Close releases the consuming channel.
type ReplyQueue struct {
	Name       string
	Deliveries <-chan amqp.Delivery
	Close      func()
}

// ReplyOpener declares reply queues. Satisfied by the AMQP implementation
// below; tests substitute their own.
type ReplyOpener interface {
	Open(ctx context.Context) (*ReplyQueue, error)
}

// amqpReplyOpener declares exclusive auto-delete queues on pooled channels.
type amqpReplyOpener struct {
	pool   *rabbitmq.ChannelPool
	logger *slog.Logger
}

// NewAMQPReplyOpener creates the broker-backed reply queue opener.
func NewAMQPReplyOpener(pool *rabbitmq.ChannelPool) ReplyOpener {
	return &amqpReplyOpener{pool: pool, logger: slog.Default()}
}

func (o *amqpReplyOpener) Open(ctx context.Context) (*ReplyQueue, error) {
	ch, err := o.pool.Get(ctx)
	if err != nil {
		return nil, err
	}

	q, err := ch.QueueDeclare(
		"",    // broker-generated name
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		o.pool.Put(ch)
		return nil, fmt.Errorf("declare reply queue: %w", err)
	}

	tag := "rpc-reply-" + uuid.NewString()[:8]
	deliveries, err := ch.Consume(
		q.Name,
		tag,
		true, // auto-ack: replies are not redelivered
		true, // exclusive
		false,
		false,
		nil,
	)
	if err != nil {
		o.pool.Put(ch)
		return nil, fmt.Errorf("consume reply queue %s: %w", q.Name, err)
	}

	var once sync.Once
	return &ReplyQueue{
		Name:       q.Name,
		Deliveries: deliveries,
		Close: func() {
			once.Do(func() {
				cancelReplyConsumer(ch, q.Name, tag, o.logger)
				o.pool.Put(ch)
			})
		},
	}, nil
}

// cancelChannel is the subset of amqp.Channel needed to tear down a reply
// consumer.
type cancelChannel interface {
	Cancel(tag string, noWait bool) error
	IsClosed() bool
}

// cancelReplyConsumer stops the reply consumer. A closed channel has already
// lost its consumer, so only failures on a live channel are worth noting.
func cancelReplyConsumer(ch cancelChannel, queue, tag string, logger *slog.Logger) {
	if err := ch.Cancel(tag, false); err != nil && !ch.IsClosed() {
		logger.Warn("failed to cancel reply consumer",
			"queue", queue, "tag", tag, "error", err)
	}
}

// pendingCall is the single-slot completion signal for one in-flight RPC
// request. It exists from publish until reply, timeout, or cancellation.
type pendingCall struct {
	correlationID string
	done          chan json.RawMessage
}

// pendingCalls is the per-client correlation table. Entries are independent:
// single writer per entry, keyed insert/delete under one mutex.
type pendingCalls struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[string]*pendingCall)}
}

func (p *pendingCalls) add(correlationID string) (*pendingCall, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.calls[correlationID]; exists {
		return nil, fmt.Errorf("duplicate correlation id %s", correlationID)
	}

	call := &pendingCall{
		correlationID: correlationID,
		done:          make(chan json.RawMessage, 1),
	}
	p.calls[correlationID] = call
	return call, nil
}

// resolve completes the pending call for the correlation id. Returns false
// when no call is pending, in which case the reply is discarded.
func (p *pendingCalls) resolve(correlationID string, body json.RawMessage) bool {
	p.mu.Lock()
	call, ok := p.calls[correlationID]
	if ok {
		delete(p.calls, correlationID)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	call.done <- body
	return true
}

func (p *pendingCalls) remove(correlationID string) {
	p.mu.Lock()
	delete(p.calls, correlationID)
	p.mu.Unlock()
}

func (p *pendingCalls) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// RPCClient layers request/response calls on the topic bus. Every call gets
// a fresh correlation id and its own reply queue; the caller's goroutine
// parks until the correlated reply lands or the timeout fires. Calls are
// independent and safe to run concurrently.
type RPCClient struct {
	publisher BrokerPublisher
	opener    ReplyOpener
	exchange  string
	logger    *slog.Logger
	pending   *pendingCalls
	done      chan struct{}
	closeOnce sync.Once
}

// RPCClientOption configures the RPCClient.
type RPCClientOption func(*RPCClient)

// WithRPCExchange overrides the request exchange.
func WithRPCExchange(exchange string) RPCClientOption {
	return func(c *RPCClient) {
		c.exchange = exchange
	}
}

// WithRPCLogger sets the logger.
func WithRPCLogger(logger *slog.Logger) RPCClientOption {
	return func(c *RPCClient) {
		c.logger = logger
	}
}

// NewRPCClient creates an RPC client publishing to the rpc exchange.
func NewRPCClient(publisher BrokerPublisher, opener ReplyOpener, options ...RPCClientOption) *RPCClient {
	c := &RPCClient{
		publisher: publisher,
		opener:    opener,
		exchange:  rabbitmq.RPCExchange,
		logger:    slog.Default(),
		pending:   newPendingCalls(),
		done:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Call publishes a request under "rpc.<method>" and waits for the correlated
// reply. It fails with RPCTimeoutError after timeout, with ctx.Err on
// cancellation, and with ErrClientClosed if the client shuts down while the
// call is in flight. The reply body is returned undecoded.
func (c *RPCClient) Call(ctx context.Context, method string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if method == "" {
		return nil, fmt.Errorf("rpc method cannot be empty")
	}
	routingKey := "rpc." + method
	if err := RoutingKey(routingKey).Validate(); err != nil {
		return nil, fmt.Errorf("rpc method %q: %w", method, err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serialize rpc request %s: %w", method, err)
	}

	replyQueue, err := c.opener.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open reply queue for %s: %w", method, err)
	}
	defer replyQueue.Close()

	correlationID := uuid.NewString()
	call, err := c.pending.add(correlationID)
	if err != nil {
		return nil, err
	}
	defer c.pending.remove(correlationID)

	go c.listen(replyQueue.Deliveries)

	msg := amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		ReplyTo:       replyQueue.Name,
		Body:          body,
	}
	if err := c.publisher.Publish(ctx, c.exchange, routingKey, msg); err != nil {
		return nil, fmt.Errorf("publish rpc request %s: %w", method, err)
	}

	c.logger.Debug("rpc request sent",
		"method", method,
		"correlationId", correlationID,
		"replyQueue", replyQueue.Name)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-call.done:
		c.logger.Debug("rpc reply received",
			"method", method,
			"correlationId", correlationID)
		return reply, nil
	case <-timer.C:
		return nil, &RPCTimeoutError{Method: method, Timeout: timeout}
	case <-ctx.Done():
		return nil, fmt.Errorf("rpc call %s cancelled: %w", method, ctx.Err())
	case <-c.done:
		return nil, ErrClientClosed
	}
}

// listen resolves replies arriving on one reply queue against the pending
// table. Replies whose correlation id has no pending call (already resolved
// or expired) are discarded without affecting other calls.
func (c *RPCClient) listen(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		if !c.pending.resolve(d.CorrelationId, json.RawMessage(d.Body)) {
			c.logger.Debug("discarding uncorrelated rpc reply",
				"correlationId", d.CorrelationId)
		}
	}
}

// Close fails all in-flight calls with ErrClientClosed.
func (c *RPCClient) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
