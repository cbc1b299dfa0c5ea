package rabbitmq

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisher(t *testing.T) {
	t.Run("NewPublisher creates publisher with confirms enabled", func(t *testing.T) {
		manager := NewConnectionManager("amqp://localhost:5672")
		pool, err := NewChannelPool(manager)
		require.NoError(t, err)

		publisher := NewPublisher(pool)

		assert.True(t, publisher.confirms)
		assert.Equal(t, 5*time.Second, publisher.confirmTimeout)
	})

	t.Run("NewPublisher applies options", func(t *testing.T) {
		manager := NewConnectionManager("amqp://localhost:5672")
		pool, err := NewChannelPool(manager)
		require.NoError(t, err)

		publisher := NewPublisher(pool,
			WithConfirms(false),
			WithConfirmTimeout(time.Second),
		)

		assert.False(t, publisher.confirms)
		assert.Equal(t, time.Second, publisher.confirmTimeout)
	})

	t.Run("Publish without a connection fails with PublishError", func(t *testing.T) {
		manager := NewConnectionManager("amqp://localhost:5672")
		pool, err := NewChannelPool(manager)
		require.NoError(t, err)
		publisher := NewPublisher(pool)

		err = publisher.Publish(context.Background(), EventsExchange, "user.created",
			amqp.Publishing{Body: []byte(`{}`)})

		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, EventsExchange, pubErr.Exchange)
		assert.Equal(t, "user.created", pubErr.RoutingKey)
		assert.ErrorIs(t, err, ErrNotConnected)
	})
}

// fakeConfirmation stands in for the broker's deferred confirmation.
type fakeConfirmation struct {
	acked bool
	delay time.Duration
}

func (f *fakeConfirmation) WaitContext(ctx context.Context) (bool, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return f.acked, nil
}

func TestAwaitConfirm(t *testing.T) {
	t.Run("returns nil when the broker acks", func(t *testing.T) {
		publisher := NewPublisher(nil)

		err := publisher.awaitConfirm(context.Background(), &fakeConfirmation{acked: true})

		assert.NoError(t, err)
	})

	t.Run("fails when the broker nacks", func(t *testing.T) {
		publisher := NewPublisher(nil)

		err := publisher.awaitConfirm(context.Background(), &fakeConfirmation{acked: false})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "nacked")
	})

	t.Run("fails after the confirm timeout when no confirm arrives", func(t *testing.T) {
		publisher := NewPublisher(nil, WithConfirmTimeout(20*time.Millisecond))

		start := time.Now()
		err := publisher.awaitConfirm(context.Background(),
			&fakeConfirmation{acked: true, delay: time.Second})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "timeout waiting for publish confirm")
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})

	t.Run("returns the context error when the caller cancels", func(t *testing.T) {
		publisher := NewPublisher(nil, WithConfirmTimeout(time.Second))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := publisher.awaitConfirm(ctx, &fakeConfirmation{acked: true, delay: time.Second})

		assert.ErrorIs(t, err, context.Canceled)
	})
}
