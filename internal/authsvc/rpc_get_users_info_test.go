package authsvc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildflow/platform/internal/identity"
	"github.com/buildflow/platform/messaging"
)

type fakeLookup struct {
	users map[string]*identity.User
	errs  map[string]error
}

func (f *fakeLookup) GetUserByID(ctx context.Context, id string) (*identity.User, error) {
	if err, ok := f.errs[id]; ok {
		return nil, err
	}
	if user, ok := f.users[id]; ok {
		return user, nil
	}
	return nil, identity.ErrUserNotFound
}

type captureReplier struct {
	addr    messaging.ReplyAddress
	payload any
	err     error
	called  bool
}

func (c *captureReplier) Reply(ctx context.Context, addr messaging.ReplyAddress, payload any) error {
	c.called = true
	c.addr = addr
	c.payload = payload
	return c.err
}

func request(t *testing.T, ids ...string) json.RawMessage {
	t.Helper()
	payload, err := json.Marshal(GetUsersInfoRequest{UserIDs: ids})
	require.NoError(t, err)
	return payload
}

func replyAddr() messaging.ReplyAddress {
	return messaging.ReplyAddress{ReplyTo: "amq.gen-reply", CorrelationID: "corr-1"}
}

func TestGetUsersInfoHandler(t *testing.T) {
	t.Run("replies with one entry per known user", func(t *testing.T) {
		lookup := &fakeLookup{users: map[string]*identity.User{
			"u1": {ID: "u1", Username: "ada", FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"},
			"u2": {ID: "u2", Username: "grace", FirstName: "Grace", LastName: "Hopper", Email: "grace@example.com"},
		}}
		replier := &captureReplier{}
		handler := NewGetUsersInfoHandler(lookup, nil)

		err := handler.HandleRPC(context.Background(), request(t, "u1", "u2"), replyAddr(), replier)

		require.NoError(t, err)
		require.True(t, replier.called)
		assert.Equal(t, "corr-1", replier.addr.CorrelationID)

		results, ok := replier.payload.([]UserInfoResult)
		require.True(t, ok)
		require.Len(t, results, 2)
		assert.Equal(t, "ada", results[0].Username)
		assert.Empty(t, results[0].Error)
		assert.Equal(t, "grace", results[1].Username)
	})

	t.Run("failed lookups become per-id error markers", func(t *testing.T) {
		lookup := &fakeLookup{
			users: map[string]*identity.User{
				"u1": {ID: "u1", Username: "ada"},
			},
			errs: map[string]error{
				"u2": errors.New("realm unavailable"),
			},
		}
		replier := &captureReplier{}
		handler := NewGetUsersInfoHandler(lookup, nil)

		err := handler.HandleRPC(context.Background(), request(t, "u1", "u2", "u3"), replyAddr(), replier)

		require.NoError(t, err)
		results := replier.payload.([]UserInfoResult)
		require.Len(t, results, 3)

		assert.Equal(t, "ada", results[0].Username)
		assert.Empty(t, results[0].Error)

		assert.Equal(t, "u2", results[1].ID)
		assert.Contains(t, results[1].Error, "realm unavailable")
		assert.Empty(t, results[1].Username)

		// unknown id still yields a marker instead of aborting the batch
		assert.Equal(t, "u3", results[2].ID)
		assert.NotEmpty(t, results[2].Error)
	})

	t.Run("empty id list replies with an empty array", func(t *testing.T) {
		replier := &captureReplier{}
		handler := NewGetUsersInfoHandler(&fakeLookup{}, nil)

		err := handler.HandleRPC(context.Background(), request(t), replyAddr(), replier)

		require.NoError(t, err)
		results := replier.payload.([]UserInfoResult)
		assert.Empty(t, results)

		encoded, err := json.Marshal(results)
		require.NoError(t, err)
		assert.Equal(t, "[]", string(encoded))
	})

	t.Run("malformed payload fails with DecodeError and no reply", func(t *testing.T) {
		replier := &captureReplier{}
		handler := NewGetUsersInfoHandler(&fakeLookup{}, nil)

		err := handler.HandleRPC(context.Background(), json.RawMessage(`{"user_ids": "nope"}`), replyAddr(), replier)

		var decodeErr *messaging.DecodeError
		assert.ErrorAs(t, err, &decodeErr)
		assert.False(t, replier.called)
	})

	t.Run("replier failure is propagated", func(t *testing.T) {
		replier := &captureReplier{err: errors.New("channel gone")}
		handler := NewGetUsersInfoHandler(&fakeLookup{}, nil)

		err := handler.HandleRPC(context.Background(), request(t, "u1"), replyAddr(), replier)

		assert.Error(t, err)
	})
}
