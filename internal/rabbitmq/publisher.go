package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends messages over pooled channels with publisher confirms.
// Confirms guard against silent loss between process and broker; consumers
// are never awaited (the bus is fire-and-forget toward subscribers).
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	confirms       bool
}

// PublisherOption configures the publisher.
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for a broker confirm.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithConfirms toggles publisher-confirm mode.
func WithConfirms(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirms = enabled
	}
}

// NewPublisher creates a publisher over the channel pool.
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		confirms:       true,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish sends one message to the given exchange under the routing key.
// An empty exchange name targets the default exchange, routing straight to
// the queue named by the key.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	err := p.pool.Execute(ctx, func(ch *amqp.Channel) error {
		if !p.confirms {
			return ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
		}

		// Confirm mode sticks to the channel; re-enabling it on a pooled
		// channel is a no-op on the broker side.
		if err := ch.Confirm(false); err != nil {
			return fmt.Errorf("enable confirms: %w", err)
		}

		// The deferred confirmation resolves through the channel's own
		// confirms machinery. No per-publish listener is registered, so a
		// reused channel never accumulates abandoned listeners that would
		// block the connection reader.
		confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
		if err != nil {
			return err
		}
		return p.awaitConfirm(ctx, confirm)
	})
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

// deferredConfirmation is the subset of amqp.DeferredConfirmation the
// publisher waits on.
type deferredConfirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// awaitConfirm blocks until the broker acks or nacks the publish, the
// confirm timeout fires, or ctx is cancelled.
func (p *Publisher) awaitConfirm(ctx context.Context, confirm deferredConfirmation) error {
	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	acked, err := confirm.WaitContext(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("timeout waiting for publish confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker nacked publish")
	}
	return nil
}
