package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ReplyAddress is where an RPC responder sends its result: the caller's
// private queue plus the correlation id that must be copied verbatim.
type ReplyAddress struct {
	ReplyTo       string
	CorrelationID string
}

// Valid reports whether the address carries both fields.
func (a ReplyAddress) Valid() bool {
	return a.ReplyTo != "" && a.CorrelationID != ""
}

// Replier is the output port handed to RPC handlers. The reply bypasses the
// topic exchanges: it goes through the default (nameless) exchange, which
// routes straight to the queue named by the routing key.
type Replier interface {
	Reply(ctx context.Context, addr ReplyAddress, payload any) error
}

// DirectReplier publishes replies through the default exchange.
type DirectReplier struct {
	publisher BrokerPublisher
	logger    *slog.Logger
}

// DirectReplierOption configures the DirectReplier.
type DirectReplierOption func(*DirectReplier)

// WithReplierLogger sets the logger.
func WithReplierLogger(logger *slog.Logger) DirectReplierOption {
	return func(r *DirectReplier) {
		r.logger = logger
	}
}

// NewDirectReplier creates a replier over the broker publisher.
func NewDirectReplier(publisher BrokerPublisher, options ...DirectReplierOption) *DirectReplier {
	r := &DirectReplier{
		publisher: publisher,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Reply serializes payload and publishes it to the caller's reply queue with
// the original correlation id.
func (r *DirectReplier) Reply(ctx context.Context, addr ReplyAddress, payload any) error {
	if !addr.Valid() {
		return fmt.Errorf("reply address incomplete: replyTo=%q correlationId=%q", addr.ReplyTo, addr.CorrelationID)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("serialize reply for %s: %w", addr.ReplyTo, err)
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: addr.CorrelationID,
		Body:          body,
	}

	if err := r.publisher.Publish(ctx, "", addr.ReplyTo, msg); err != nil {
		return err
	}

	r.logger.Debug("rpc reply sent",
		"replyTo", addr.ReplyTo,
		"correlationId", addr.CorrelationID)
	return nil
}
