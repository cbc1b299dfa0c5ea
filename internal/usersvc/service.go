// Package usersvc implements the user service: it mirrors accounts
// announced on the bus into its own store and resolves profile data over
// RPC when callers need more than the uuid.
package usersvc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/buildflow/platform/internal/rabbitmq"
	"github.com/buildflow/platform/internal/userstore"
	"github.com/buildflow/platform/messaging"
)

// Routing keys the user service consumes and calls.
const (
	UserCreatedKey  = "user.created"
	GetUsersInfoRPC = "get_users_info"
)

// QueueName is the user service's durable queue.
const QueueName = "user_service"

// UserCreatedEvent is the payload of user.created.
type UserCreatedEvent struct {
	KeycloakUUID string `json:"keycloak_uuid"`
}

// UserInfo is one element of the rpc.get_users_info reply. Entries with a
// non-empty Error carry no profile fields.
type UserInfo struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Error     string `json:"error,omitempty"`
}

// UserStore persists the local user projection. Satisfied by
// *userstore.Store.
type UserStore interface {
	CreateFromEvent(ctx context.Context, keycloakUUID string) error
	List(ctx context.Context) ([]userstore.User, error)
}

// RPCCaller issues request/response calls over the bus. Satisfied by
// *messaging.RPCClient.
type RPCCaller interface {
	Call(ctx context.Context, method string, payload any, timeout time.Duration) (json.RawMessage, error)
}

// Service handles bus traffic for the user service.
type Service struct {
	store      UserStore
	rpc        RPCCaller
	rpcTimeout time.Duration
	logger     *slog.Logger
}

// ServiceOption configures the Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithRPCTimeout overrides the per-call RPC deadline.
func WithRPCTimeout(timeout time.Duration) ServiceOption {
	return func(s *Service) {
		s.rpcTimeout = timeout
	}
}

// NewService creates the user service.
func NewService(store UserStore, rpc RPCCaller, options ...ServiceOption) *Service {
	s := &Service{
		store:      store,
		rpc:        rpc,
		rpcTimeout: 5 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// SetRPCCaller installs the RPC caller. The registry has to exist before
// the bus connects, so the binary wires the caller in afterwards.
func (s *Service) SetRPCCaller(rpc RPCCaller) {
	s.rpc = rpc
}

// OnUserCreated handles the user.created event. The insert is idempotent,
// so a redelivered event cannot create a second row. A payload without a
// valid uuid is a decode error: dropped, never retried.
func (s *Service) OnUserCreated(ctx context.Context, payload json.RawMessage) error {
	var event UserCreatedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return &messaging.DecodeError{RoutingKey: UserCreatedKey, Err: err}
	}
	if _, err := uuid.Parse(event.KeycloakUUID); err != nil {
		return &messaging.DecodeError{RoutingKey: UserCreatedKey, Err: fmt.Errorf("keycloak_uuid: %w", err)}
	}

	if err := s.store.CreateFromEvent(ctx, event.KeycloakUUID); err != nil {
		return fmt.Errorf("store user %s: %w", event.KeycloakUUID, err)
	}

	s.logger.Info("user record created", "keycloakUUID", event.KeycloakUUID)
	return nil
}

// GetUsersInfo resolves profile data for the given ids over the bus.
func (s *Service) GetUsersInfo(ctx context.Context, ids []string) ([]UserInfo, error) {
	reply, err := s.rpc.Call(ctx, GetUsersInfoRPC, map[string][]string{"user_ids": ids}, s.rpcTimeout)
	if err != nil {
		return nil, fmt.Errorf("get users info: %w", err)
	}

	var users []UserInfo
	if err := json.Unmarshal(reply, &users); err != nil {
		return nil, fmt.Errorf("decode users info reply: %w", err)
	}
	return users, nil
}

// ListUsersWithDetails lists every locally known user, enriched with
// profile data resolved over the bus. Ids the auth service could not
// resolve are dropped from the listing.
func (s *Service) ListUsersWithDetails(ctx context.Context) ([]UserInfo, error) {
	users, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.KeycloakUUID)
	}

	details, err := s.GetUsersInfo(ctx, ids)
	if err != nil {
		return nil, err
	}

	valid := make([]UserInfo, 0, len(details))
	for _, d := range details {
		if d.Error != "" {
			s.logger.Warn("dropping unresolved user from listing",
				"id", d.ID, "error", d.Error)
			continue
		}
		valid = append(valid, d)
	}
	return valid, nil
}

// Registry builds the handler registry for the user service queue.
func (s *Service) Registry() (*messaging.Registry, error) {
	return messaging.NewRegistryBuilder().
		OnEventFunc(UserCreatedKey, s.OnUserCreated).
		Build()
}

// Topology declares the user service queue bound to user domain events.
func Topology() rabbitmq.Topology {
	return rabbitmq.ServiceTopology(QueueName,
		rabbitmq.Binding{Exchange: rabbitmq.EventsExchange, Pattern: "user.*"},
	)
}
