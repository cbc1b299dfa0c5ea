// Package authsvc implements the auth service: account registration,
// email verification, and the user-info RPC endpoint. Account state lives
// in Keycloak; this service orchestrates it and announces changes on the
// bus.
package authsvc

import (
	"context"
	"fmt"
	"log/slog"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/google/uuid"

	"github.com/buildflow/platform/internal/identity"
	"github.com/buildflow/platform/internal/rabbitmq"
	"github.com/buildflow/platform/messaging"
)

// Routing keys the auth service produces and serves.
const (
	UserCreatedKey      = "user.created"
	SendVerificationKey = "mail.send_verification"
	GetUsersInfoKey     = "rpc.get_users_info"
)

// QueueName is the auth service's durable queue.
const QueueName = "auth_service"

// UserCreatedEvent announces a new account. Consumers key their local
// records on the uuid.
type UserCreatedEvent struct {
	KeycloakUUID string `json:"keycloak_uuid"`
}

// SendVerificationEvent asks the mail service to deliver a verification
// email carrying the single-use token.
type SendVerificationEvent struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Token     string `json:"token"`
}

// RegistrationRequest is a new-account request.
type RegistrationRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Password  string `json:"password"`
}

// Validate checks the request before it reaches the identity provider.
func (r RegistrationRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Username, validation.Required, validation.Length(3, 64)),
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required, validation.Length(8, 128)),
	)
}

// IdentityClient is the slice of the Keycloak client the service needs.
type IdentityClient interface {
	Register(ctx context.Context, user identity.NewUser) (string, error)
	VerifyEmail(ctx context.Context, username string) error
	Login(ctx context.Context, username, password string) (*identity.TokenSet, error)
	RefreshToken(ctx context.Context, refreshToken string) (*identity.TokenSet, error)
	UserInfo(ctx context.Context, accessToken string) (map[string]any, error)
}

// EventPublisher publishes domain events. Satisfied by
// *messaging.EventPublisher.
type EventPublisher interface {
	Publish(ctx context.Context, key string, payload any) error
}

// TokenStore holds verification tokens. Satisfied by *tokenstore.Store.
type TokenStore interface {
	Put(token, username string)
	Consume(token string) (string, error)
}

// Service wires registration and verification together.
type Service struct {
	identity IdentityClient
	events   EventPublisher
	tokens   TokenStore
	logger   *slog.Logger
}

// ServiceOption configures the Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates the auth service.
func NewService(idClient IdentityClient, events EventPublisher, tokens TokenStore, options ...ServiceOption) *Service {
	s := &Service{
		identity: idClient,
		events:   events,
		tokens:   tokens,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Register creates the account in the identity provider, announces it on
// the bus, and queues a verification email. The user.created event carries
// only the uuid; consumers fetch profile data over RPC when they need it.
func (s *Service) Register(ctx context.Context, req RegistrationRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid registration request: %w", err)
	}

	keycloakUUID, err := s.identity.Register(ctx, identity.NewUser{
		Username:  req.Username,
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Password:  req.Password,
	})
	if err != nil {
		return fmt.Errorf("register user %q: %w", req.Username, err)
	}

	if err := s.events.Publish(ctx, UserCreatedKey, UserCreatedEvent{KeycloakUUID: keycloakUUID}); err != nil {
		return fmt.Errorf("announce user %q: %w", req.Username, err)
	}

	token := uuid.NewString()
	s.tokens.Put(token, req.Username)

	if err := s.events.Publish(ctx, SendVerificationKey, SendVerificationEvent{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Token:     token,
	}); err != nil {
		return fmt.Errorf("queue verification mail for %q: %w", req.Username, err)
	}

	s.logger.Info("user registered", "username", req.Username, "keycloakUUID", keycloakUUID)
	return nil
}

// VerifyEmail consumes the single-use token and marks the account's email
// verified in the identity provider.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	username, err := s.tokens.Consume(token)
	if err != nil {
		return fmt.Errorf("verification token: %w", err)
	}

	if err := s.identity.VerifyEmail(ctx, username); err != nil {
		return fmt.Errorf("verify email for %q: %w", username, err)
	}

	s.logger.Info("email verified", "username", username)
	return nil
}

// Login exchanges user credentials for a token set.
func (s *Service) Login(ctx context.Context, username, password string) (*identity.TokenSet, error) {
	return s.identity.Login(ctx, username, password)
}

// Refresh exchanges a refresh token for a fresh token set.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*identity.TokenSet, error) {
	return s.identity.RefreshToken(ctx, refreshToken)
}

// UserInfo returns the claims for an access token.
func (s *Service) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	return s.identity.UserInfo(ctx, accessToken)
}

// Registry builds the handler registry for the auth service queue.
func Registry(lookup identity.UserLookup, logger *slog.Logger) (*messaging.Registry, error) {
	return messaging.NewRegistryBuilder().
		OnRPC(GetUsersInfoKey, NewGetUsersInfoHandler(lookup, logger)).
		Build()
}

// Topology declares the auth service queue bound to RPC traffic.
func Topology() rabbitmq.Topology {
	return rabbitmq.ServiceTopology(QueueName,
		rabbitmq.Binding{Exchange: rabbitmq.RPCExchange, Pattern: "rpc.*"},
	)
}
