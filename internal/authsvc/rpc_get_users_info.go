package authsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/buildflow/platform/internal/identity"
	"github.com/buildflow/platform/messaging"
)

// GetUsersInfoRequest is the rpc.get_users_info request payload.
type GetUsersInfoRequest struct {
	UserIDs []string `json:"user_ids"`
}

// UserInfoResult is one element of the reply array. Either the profile
// fields or Error is set, never both.
type UserInfoResult struct {
	ID        string `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Email     string `json:"email,omitempty"`
	Error     string `json:"error,omitempty"`
}

// GetUsersInfoHandler serves rpc.get_users_info. Each id is resolved
// independently; a failed lookup becomes a per-id error marker instead of
// aborting the batch, so the caller always gets one entry per requested id.
type GetUsersInfoHandler struct {
	lookup identity.UserLookup
	logger *slog.Logger
}

// NewGetUsersInfoHandler creates the handler.
func NewGetUsersInfoHandler(lookup identity.UserLookup, logger *slog.Logger) *GetUsersInfoHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GetUsersInfoHandler{lookup: lookup, logger: logger}
}

// HandleRPC implements messaging.RPCHandler.
func (h *GetUsersInfoHandler) HandleRPC(ctx context.Context, payload json.RawMessage, addr messaging.ReplyAddress, replier messaging.Replier) error {
	var req GetUsersInfoRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return &messaging.DecodeError{RoutingKey: GetUsersInfoKey, Err: err}
	}

	results := make([]UserInfoResult, 0, len(req.UserIDs))
	for _, id := range req.UserIDs {
		user, err := h.lookup.GetUserByID(ctx, id)
		if err != nil {
			h.logger.Warn("user lookup failed",
				"userID", id,
				"correlationID", addr.CorrelationID,
				"error", err)
			results = append(results, UserInfoResult{ID: id, Error: err.Error()})
			continue
		}

		results = append(results, UserInfoResult{
			ID:        id,
			Username:  user.Username,
			FirstName: user.FirstName,
			LastName:  user.LastName,
			Email:     user.Email,
		})
	}

	if err := replier.Reply(ctx, addr, results); err != nil {
		return fmt.Errorf("reply to %s: %w", addr.ReplyTo, err)
	}

	h.logger.Debug("served user info request",
		"requested", len(req.UserIDs),
		"correlationID", addr.CorrelationID)
	return nil
}
