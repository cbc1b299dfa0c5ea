package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeAcknowledger records acks and nacks per delivery tag.
type fakeAcknowledger struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, tag)
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func (f *fakeAcknowledger) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acked)
}

func (f *fakeAcknowledger) nackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.nacked)
}

// fakeSource feeds a test-controlled delivery stream to the loop.
type fakeSource struct {
	deliveries chan amqp.Delivery
	err        error
}

func (f *fakeSource) Consume(ctx context.Context, queue string) (<-chan amqp.Delivery, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.deliveries, nil
}

func delivery(ack *fakeAcknowledger, tag uint64, key, body string) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		RoutingKey:   key,
		Body:         []byte(body),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDispatchLoop(t *testing.T) {
	t.Run("dispatches events by exact routing key and acks after processing", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		source := &fakeSource{deliveries: make(chan amqp.Delivery, 1)}

		var got json.RawMessage
		reg, err := NewRegistryBuilder().
			OnEventFunc("user.created", func(ctx context.Context, payload json.RawMessage) error {
				got = payload
				return nil
			}).
			Build()
		require.NoError(t, err)

		loop := NewDispatchLoop(source, reg, "user_service")
		require.NoError(t, loop.Start(context.Background()))

		source.deliveries <- delivery(ack, 1, "user.created", `{"keycloak_uuid":"u-1"}`)
		waitFor(t, func() bool { return ack.ackCount() == 1 })

		assert.JSONEq(t, `{"keycloak_uuid":"u-1"}`, string(got))

		close(source.deliveries)
		loop.Stop()
		assert.Equal(t, StateStopped, loop.State())
	})

	t.Run("unknown routing key is logged and acked", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		source := &fakeSource{deliveries: make(chan amqp.Delivery, 1)}

		reg, err := NewRegistryBuilder().
			OnEventFunc("user.created", noopEvent).
			Build()
		require.NoError(t, err)

		loop := NewDispatchLoop(source, reg, "user_service")
		require.NoError(t, loop.Start(context.Background()))

		source.deliveries <- delivery(ack, 7, "user.deleted", `{}`)
		waitFor(t, func() bool { return ack.ackCount() == 1 })
		assert.Zero(t, ack.nackCount())

		close(source.deliveries)
		loop.Stop()
	})

	t.Run("handler error still acks under AckAlways", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		source := &fakeSource{deliveries: make(chan amqp.Delivery, 1)}

		reg, err := NewRegistryBuilder().
			OnEventFunc("user.created", func(ctx context.Context, payload json.RawMessage) error {
				return errors.New("db unavailable")
			}).
			Build()
		require.NoError(t, err)

		loop := NewDispatchLoop(source, reg, "user_service")
		require.NoError(t, loop.Start(context.Background()))

		source.deliveries <- delivery(ack, 1, "user.created", `{}`)
		waitFor(t, func() bool { return ack.ackCount() == 1 })
		assert.Zero(t, ack.nackCount())

		close(source.deliveries)
		loop.Stop()
	})

	t.Run("handler error nacks without requeue under NackOnError", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		source := &fakeSource{deliveries: make(chan amqp.Delivery, 1)}

		reg, err := NewRegistryBuilder().
			OnEventFunc("user.created", func(ctx context.Context, payload json.RawMessage) error {
				return errors.New("boom")
			}).
			Build()
		require.NoError(t, err)

		loop := NewDispatchLoop(source, reg, "user_service", WithAckPolicy(NackOnError))
		require.NoError(t, loop.Start(context.Background()))

		source.deliveries <- delivery(ack, 1, "user.created", `{}`)
		waitFor(t, func() bool { return ack.nackCount() == 1 })
		assert.Zero(t, ack.ackCount())

		close(source.deliveries)
		loop.Stop()
	})

	t.Run("rpc handler receives reply address and replier", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		source := &fakeSource{deliveries: make(chan amqp.Delivery, 1)}
		replier := &captureReplier{}

		var gotAddr ReplyAddress
		reg, err := NewRegistryBuilder().
			OnRPCFunc("rpc.get_users_info", func(ctx context.Context, payload json.RawMessage, addr ReplyAddress, r Replier) error {
				gotAddr = addr
				return r.Reply(ctx, addr, []string{"ok"})
			}).
			Build()
		require.NoError(t, err)

		loop := NewDispatchLoop(source, reg, "auth_service", WithReplier(replier))
		require.NoError(t, loop.Start(context.Background()))

		d := delivery(ack, 1, "rpc.get_users_info", `{"user_ids":["a"]}`)
		d.ReplyTo = "amq.gen-reply"
		d.CorrelationId = "corr-1"
		source.deliveries <- d

		waitFor(t, func() bool { return ack.ackCount() == 1 })
		assert.Equal(t, ReplyAddress{ReplyTo: "amq.gen-reply", CorrelationID: "corr-1"}, gotAddr)
		assert.Equal(t, 1, replier.count())

		close(source.deliveries)
		loop.Stop()
	})

	t.Run("rpc request without reply address is dropped after ack", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		source := &fakeSource{deliveries: make(chan amqp.Delivery, 1)}

		called := false
		reg, err := NewRegistryBuilder().
			OnRPCFunc("rpc.get_users_info", func(ctx context.Context, payload json.RawMessage, addr ReplyAddress, r Replier) error {
				called = true
				return nil
			}).
			Build()
		require.NoError(t, err)

		loop := NewDispatchLoop(source, reg, "auth_service")
		require.NoError(t, loop.Start(context.Background()))

		source.deliveries <- delivery(ack, 1, "rpc.get_users_info", `{}`)
		waitFor(t, func() bool { return ack.ackCount() == 1 })
		assert.False(t, called)

		close(source.deliveries)
		loop.Stop()
	})

	t.Run("handler panic does not kill the loop", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		source := &fakeSource{deliveries: make(chan amqp.Delivery, 2)}

		calls := 0
		reg, err := NewRegistryBuilder().
			OnEventFunc("user.created", func(ctx context.Context, payload json.RawMessage) error {
				calls++
				if calls == 1 {
					panic("bad payload")
				}
				return nil
			}).
			Build()
		require.NoError(t, err)

		loop := NewDispatchLoop(source, reg, "user_service")
		require.NoError(t, loop.Start(context.Background()))

		source.deliveries <- delivery(ack, 1, "user.created", `{}`)
		source.deliveries <- delivery(ack, 2, "user.created", `{}`)
		waitFor(t, func() bool { return ack.ackCount() == 2 })
		assert.Equal(t, 2, calls)

		close(source.deliveries)
		loop.Stop()
	})

	t.Run("Start fails when the source cannot bind", func(t *testing.T) {
		source := &fakeSource{err: errors.New("queue missing")}
		reg, err := NewRegistryBuilder().OnEventFunc("user.created", noopEvent).Build()
		require.NoError(t, err)

		loop := NewDispatchLoop(source, reg, "user_service")
		err = loop.Start(context.Background())

		assert.Error(t, err)
		assert.Equal(t, StateStopped, loop.State())
	})

	t.Run("Start twice returns ErrLoopNotIdle", func(t *testing.T) {
		source := &fakeSource{deliveries: make(chan amqp.Delivery)}
		reg, err := NewRegistryBuilder().OnEventFunc("user.created", noopEvent).Build()
		require.NoError(t, err)

		loop := NewDispatchLoop(source, reg, "user_service")
		require.NoError(t, loop.Start(context.Background()))

		err = loop.Start(context.Background())
		assert.ErrorIs(t, err, ErrLoopNotIdle)

		close(source.deliveries)
		loop.Stop()
	})

	t.Run("Stop waits for the in-flight handler", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		source := &fakeSource{deliveries: make(chan amqp.Delivery, 1)}

		started := make(chan struct{})
		finished := false
		reg, err := NewRegistryBuilder().
			OnEventFunc("user.created", func(ctx context.Context, payload json.RawMessage) error {
				close(started)
				time.Sleep(50 * time.Millisecond)
				finished = true
				return nil
			}).
			Build()
		require.NoError(t, err)

		loop := NewDispatchLoop(source, reg, "user_service")
		require.NoError(t, loop.Start(context.Background()))

		source.deliveries <- delivery(ack, 1, "user.created", `{}`)
		<-started
		close(source.deliveries)
		loop.Stop()

		assert.True(t, finished)
		assert.Equal(t, 1, ack.ackCount())
	})
}

// captureReplier records replies without touching a broker.
type captureReplier struct {
	mu      sync.Mutex
	replies []any
	addrs   []ReplyAddress
}

func (c *captureReplier) Reply(ctx context.Context, addr ReplyAddress, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, payload)
	c.addrs = append(c.addrs, addr)
	return nil
}

func (c *captureReplier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replies)
}
