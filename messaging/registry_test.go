package messaging

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopEvent(ctx context.Context, payload json.RawMessage) error { return nil }

func noopRPC(ctx context.Context, payload json.RawMessage, addr ReplyAddress, replier Replier) error {
	return nil
}

func TestRegistryBuilder(t *testing.T) {
	t.Run("Build freezes registered handlers", func(t *testing.T) {
		reg, err := NewRegistryBuilder().
			OnEventFunc("user.created", noopEvent).
			OnRPCFunc("rpc.get_users_info", noopRPC).
			Build()

		require.NoError(t, err)
		assert.True(t, reg.Has("user.created"))
		assert.True(t, reg.Has("rpc.get_users_info"))
		assert.Equal(t, []string{"rpc.get_users_info", "user.created"}, reg.Keys())
	})

	t.Run("duplicate key is a build error", func(t *testing.T) {
		_, err := NewRegistryBuilder().
			OnEventFunc("user.created", noopEvent).
			OnEventFunc("user.created", noopEvent).
			Build()

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})

	t.Run("invalid routing key is a build error", func(t *testing.T) {
		_, err := NewRegistryBuilder().
			OnEventFunc("notdotted", noopEvent).
			Build()

		assert.Error(t, err)
	})

	t.Run("nil handler is a build error", func(t *testing.T) {
		_, err := NewRegistryBuilder().
			OnEvent("user.created", nil).
			Build()

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "cannot be nil")
	})

	t.Run("lookup is exact match only", func(t *testing.T) {
		reg, err := NewRegistryBuilder().
			OnEventFunc("user.created", noopEvent).
			Build()
		require.NoError(t, err)

		assert.True(t, reg.Has("user.created"))
		assert.False(t, reg.Has("user.*"))
		assert.False(t, reg.Has("user.deleted"))
		assert.False(t, reg.Has("user"))
	})

	t.Run("registry is detached from the builder", func(t *testing.T) {
		b := NewRegistryBuilder().OnEventFunc("user.created", noopEvent)
		reg, err := b.Build()
		require.NoError(t, err)

		b.OnEventFunc("user.deleted", noopEvent)

		assert.False(t, reg.Has("user.deleted"))
	})
}
