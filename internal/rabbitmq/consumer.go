package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer turns a queue into a stream of deliveries. Each Consume call
// holds a dedicated channel for the lifetime of its context; acknowledgment
// is left to the caller so ack-after-process semantics stay in one place.
type Consumer struct {
	pool     *ChannelPool
	prefetch int
	tag      string
	logger   *slog.Logger
	mu       sync.Mutex
	closed   bool
}

// ConsumerOption configures the consumer.
type ConsumerOption func(*Consumer)

// WithPrefetch sets the per-channel prefetch count.
func WithPrefetch(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetch = count
	}
}

// WithConsumerTag sets the consumer tag reported to the broker.
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.tag = tag
	}
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer over the channel pool.
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:     pool,
		prefetch: 10,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Consume starts consuming the queue and returns the delivery stream.
// The stream closes when ctx is cancelled or the channel dies; the borrowed
// channel goes back to the pool either way.
func (c *Consumer) Consume(ctx context.Context, queue string) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConsumerClosed
	}
	c.mu.Unlock()

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return nil, &ConsumerError{Queue: queue, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		c.pool.Put(ch)
		return nil, &ConsumerError{Queue: queue, Op: "qos", Err: err, Timestamp: time.Now()}
	}

	tag := c.tag
	if tag == "" {
		tag = fmt.Sprintf("consumer-%s-%s", queue, ch.id[:8])
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack: the dispatch loop acks after processing
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		c.pool.Put(ch)
		return nil, &ConsumerError{Queue: queue, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	out := make(chan amqp.Delivery)
	go func() {
		defer func() {
			close(out)
			if cancelErr := ch.Cancel(tag, false); cancelErr != nil && !ch.IsClosed() {
				c.logger.Warn("failed to cancel consumer", "queue", queue, "tag", tag, "error", cancelErr)
			}
			c.pool.Put(ch)
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					c.logger.Warn("delivery stream closed by broker", "queue", queue, "tag", tag)
					return
				}
				select {
				case out <- d:
				case <-ctx.Done():
					// Unacked delivery is redelivered by the broker.
					return
				}
			}
		}
	}()

	c.logger.Info("consuming queue", "queue", queue, "tag", tag, "prefetch", c.prefetch)
	return out, nil
}

// Close stops the consumer from starting new subscriptions.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
