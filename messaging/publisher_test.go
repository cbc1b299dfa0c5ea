package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	amqp "github.com/rabbitmq/amqp091-go"
)

type mockBrokerPublisher struct {
	mock.Mock
}

func (m *mockBrokerPublisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	args := m.Called(ctx, exchange, routingKey, msg)
	return args.Error(0)
}

func TestEventPublisher(t *testing.T) {
	t.Run("Publish sends JSON to the events exchange", func(t *testing.T) {
		broker := &mockBrokerPublisher{}
		var published amqp.Publishing
		broker.On("Publish", mock.Anything, "events", "user.created", mock.Anything).
			Run(func(args mock.Arguments) {
				published = args.Get(3).(amqp.Publishing)
			}).
			Return(nil)

		p := NewEventPublisher(broker)
		err := p.Publish(context.Background(), "user.created", map[string]string{
			"keycloak_uuid": "11111111-1111-1111-1111-111111111111",
		})

		require.NoError(t, err)
		broker.AssertExpectations(t)
		assert.Equal(t, "application/json", published.ContentType)
		assert.Equal(t, uint8(amqp.Persistent), published.DeliveryMode)
		assert.JSONEq(t, `{"keycloak_uuid":"11111111-1111-1111-1111-111111111111"}`, string(published.Body))
	})

	t.Run("events carry no reply metadata", func(t *testing.T) {
		broker := &mockBrokerPublisher{}
		var published amqp.Publishing
		broker.On("Publish", mock.Anything, "events", "user.created", mock.Anything).
			Run(func(args mock.Arguments) {
				published = args.Get(3).(amqp.Publishing)
			}).
			Return(nil)

		p := NewEventPublisher(broker)
		require.NoError(t, p.Publish(context.Background(), "user.created", struct{}{}))

		assert.Empty(t, published.ReplyTo)
		assert.Empty(t, published.CorrelationId)
	})

	t.Run("invalid routing key fails before publishing", func(t *testing.T) {
		broker := &mockBrokerPublisher{}
		p := NewEventPublisher(broker)

		err := p.Publish(context.Background(), "nodots", struct{}{})

		assert.Error(t, err)
		broker.AssertNotCalled(t, "Publish")
	})

	t.Run("unserializable payload fails before publishing", func(t *testing.T) {
		broker := &mockBrokerPublisher{}
		p := NewEventPublisher(broker)

		err := p.Publish(context.Background(), "user.created", make(chan int))

		assert.Error(t, err)
		broker.AssertNotCalled(t, "Publish")
	})

	t.Run("broker errors propagate", func(t *testing.T) {
		broker := &mockBrokerPublisher{}
		broker.On("Publish", mock.Anything, "events", "user.created", mock.Anything).
			Return(errors.New("broker down"))

		p := NewEventPublisher(broker)
		err := p.Publish(context.Background(), "user.created", struct{}{})

		assert.Error(t, err)
	})

	t.Run("WithEventExchange overrides the target", func(t *testing.T) {
		broker := &mockBrokerPublisher{}
		broker.On("Publish", mock.Anything, "other", "user.created", mock.Anything).Return(nil)

		p := NewEventPublisher(broker, WithEventExchange("other"))
		require.NoError(t, p.Publish(context.Background(), "user.created", struct{}{}))

		broker.AssertExpectations(t)
	})
}
