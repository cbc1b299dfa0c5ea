package tokenstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	t.Run("Consume returns the stored username exactly once", func(t *testing.T) {
		store := New(time.Minute)
		defer store.Close()

		store.Put("token-1", "ada")

		username, err := store.Consume("token-1")
		require.NoError(t, err)
		assert.Equal(t, "ada", username)

		_, err = store.Consume("token-1")
		assert.ErrorIs(t, err, ErrTokenNotFound)
	})

	t.Run("unknown token reports ErrTokenNotFound", func(t *testing.T) {
		store := New(time.Minute)
		defer store.Close()

		_, err := store.Consume("never-stored")

		assert.ErrorIs(t, err, ErrTokenNotFound)
	})

	t.Run("expired token reports ErrTokenNotFound", func(t *testing.T) {
		store := New(10 * time.Millisecond)
		defer store.Close()

		store.Put("token-1", "ada")
		time.Sleep(30 * time.Millisecond)

		_, err := store.Consume("token-1")

		assert.ErrorIs(t, err, ErrTokenNotFound)
	})

	t.Run("janitor evicts expired tokens", func(t *testing.T) {
		store := New(10*time.Millisecond, WithJanitorInterval(10*time.Millisecond))
		defer store.Close()

		store.Put("token-1", "ada")
		store.Put("token-2", "grace")
		require.Equal(t, 2, store.Len())

		assert.Eventually(t, func() bool {
			return store.Len() == 0
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("Put replaces the previous entry", func(t *testing.T) {
		store := New(time.Minute)
		defer store.Close()

		store.Put("token-1", "ada")
		store.Put("token-1", "grace")

		username, err := store.Consume("token-1")
		require.NoError(t, err)
		assert.Equal(t, "grace", username)
	})

	t.Run("Close is idempotent", func(t *testing.T) {
		store := New(time.Minute)

		store.Close()
		store.Close()
	})
}
