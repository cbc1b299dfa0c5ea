// Package mailsvc implements the mail service: it consumes
// mail.send_verification events and delivers verification emails through a
// pluggable sender.
package mailsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/buildflow/platform/internal/rabbitmq"
	"github.com/buildflow/platform/messaging"
)

// SendVerificationKey is the routing key the mail service consumes.
const SendVerificationKey = "mail.send_verification"

// QueueName is the mail service's durable queue.
const QueueName = "mail_service"

// SendVerificationEvent is the payload of mail.send_verification.
type SendVerificationEvent struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Token     string `json:"token"`
}

// Validate rejects events that cannot produce a deliverable email.
func (e SendVerificationEvent) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Email, validation.Required, is.Email),
		validation.Field(&e.Token, validation.Required),
	)
}

// Message is a rendered email ready for delivery.
type Message struct {
	To       string
	Subject  string
	HTMLBody string
}

// Sender delivers a rendered message. The SMTP implementation lives in
// smtp.go; tests substitute their own.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Service renders and sends verification emails.
type Service struct {
	sender   Sender
	baseURL  string
	template *template.Template
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

// NewService creates the mail service. baseURL is where verification links
// point, without a trailing slash.
func NewService(sender Sender, baseURL string, options ...ServiceOption) *Service {
	s := &Service{
		sender:   sender,
		baseURL:  baseURL,
		template: verificationTemplate,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// OnSendVerification handles mail.send_verification. Malformed events are
// decode errors: dropped, never retried. Delivery failures are returned so
// the loop can log them.
func (s *Service) OnSendVerification(ctx context.Context, payload json.RawMessage) error {
	var event SendVerificationEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return &messaging.DecodeError{RoutingKey: SendVerificationKey, Err: err}
	}
	if err := event.Validate(); err != nil {
		return &messaging.DecodeError{RoutingKey: SendVerificationKey, Err: err}
	}

	msg, err := s.render(event)
	if err != nil {
		return fmt.Errorf("render verification email: %w", err)
	}

	if err := s.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send verification email to %s: %w", event.Email, err)
	}

	s.logger.Info("verification email sent", "to", event.Email)
	return nil
}

func (s *Service) render(event SendVerificationEvent) (Message, error) {
	var body bytes.Buffer
	err := s.template.Execute(&body, map[string]string{
		"FirstName":        event.FirstName,
		"LastName":         event.LastName,
		"VerificationLink": fmt.Sprintf("%s/verify-email?token=%s", s.baseURL, event.Token),
	})
	if err != nil {
		return Message{}, err
	}

	return Message{
		To:       event.Email,
		Subject:  "Welcome to BuildFlow! Verify Your Email",
		HTMLBody: body.String(),
	}, nil
}

// Registry builds the handler registry for the mail service queue.
func (s *Service) Registry() (*messaging.Registry, error) {
	return messaging.NewRegistryBuilder().
		OnEventFunc(SendVerificationKey, s.OnSendVerification).
		Build()
}

// Topology declares the mail service queue bound to mail domain events.
func Topology() rabbitmq.Topology {
	return rabbitmq.ServiceTopology(QueueName,
		rabbitmq.Binding{Exchange: rabbitmq.EventsExchange, Pattern: "mail.*"},
	)
}

var verificationTemplate = template.Must(template.New("verification").Parse(`<!DOCTYPE html>
<html>
  <body style="font-family: sans-serif; color: #222;">
    <h2>Welcome to BuildFlow, {{.FirstName}} {{.LastName}}!</h2>
    <p>Please confirm your email address to activate your account.</p>
    <p>
      <a href="{{.VerificationLink}}"
         style="display: inline-block; padding: 10px 20px; background: #2b6cb0; color: #fff; text-decoration: none; border-radius: 4px;">
        Verify Email
      </a>
    </p>
    <p>If you did not sign up for BuildFlow, you can ignore this message.</p>
  </body>
</html>
`))
