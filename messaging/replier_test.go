package messaging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	amqp "github.com/rabbitmq/amqp091-go"
)

func TestDirectReplier(t *testing.T) {
	t.Run("Reply goes through the default exchange to the reply queue", func(t *testing.T) {
		broker := &mockBrokerPublisher{}
		var published amqp.Publishing
		broker.On("Publish", mock.Anything, "", "amq.gen-reply", mock.Anything).
			Run(func(args mock.Arguments) {
				published = args.Get(3).(amqp.Publishing)
			}).
			Return(nil)

		r := NewDirectReplier(broker)
		addr := ReplyAddress{ReplyTo: "amq.gen-reply", CorrelationID: "corr-42"}
		err := r.Reply(context.Background(), addr, []map[string]string{{"id": "a"}})

		require.NoError(t, err)
		broker.AssertExpectations(t)
		assert.Equal(t, "corr-42", published.CorrelationId)
		assert.Equal(t, "application/json", published.ContentType)
		assert.JSONEq(t, `[{"id":"a"}]`, string(published.Body))
	})

	t.Run("incomplete address is rejected", func(t *testing.T) {
		broker := &mockBrokerPublisher{}
		r := NewDirectReplier(broker)

		err := r.Reply(context.Background(), ReplyAddress{ReplyTo: "q"}, struct{}{})
		assert.Error(t, err)

		err = r.Reply(context.Background(), ReplyAddress{CorrelationID: "c"}, struct{}{})
		assert.Error(t, err)

		broker.AssertNotCalled(t, "Publish")
	})
}
