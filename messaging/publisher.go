package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/buildflow/platform/internal/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// BrokerPublisher sends a raw message to an exchange. Satisfied by
// *rabbitmq.Publisher.
type BrokerPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// EventPublisher publishes fire-and-forget domain events to the topic
// exchange. No acknowledgment is awaited from subscribers; delivery is at
// least once to every queue whose binding matched at publish time, and the
// exchange silently drops keys no queue is bound to.
type EventPublisher struct {
	publisher BrokerPublisher
	exchange  string
	logger    *slog.Logger
}

// EventPublisherOption configures the EventPublisher.
type EventPublisherOption func(*EventPublisher)

// WithEventExchange overrides the target exchange.
func WithEventExchange(exchange string) EventPublisherOption {
	return func(p *EventPublisher) {
		p.exchange = exchange
	}
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) EventPublisherOption {
	return func(p *EventPublisher) {
		p.logger = logger
	}
}

// NewEventPublisher creates a publisher targeting the events exchange.
func NewEventPublisher(publisher BrokerPublisher, options ...EventPublisherOption) *EventPublisher {
	p := &EventPublisher{
		publisher: publisher,
		exchange:  rabbitmq.EventsExchange,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish serializes payload to JSON and sends it under the given routing
// key. ReplyTo and CorrelationId stay unset: this is the plain-event leg of
// the bus.
func (p *EventPublisher) Publish(ctx context.Context, key string, payload any) error {
	rk := RoutingKey(key)
	if err := rk.Validate(); err != nil {
		return fmt.Errorf("routing key %q: %w", key, err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("serialize event %s: %w", key, err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	if err := p.publisher.Publish(ctx, p.exchange, key, msg); err != nil {
		p.logger.Error("event publish failed",
			"routingKey", key,
			"exchange", p.exchange,
			"error", err)
		return err
	}

	p.logger.Debug("event published",
		"routingKey", key,
		"exchange", p.exchange,
		"service", rk.Namespace(),
		"event", rk.Name())
	return nil
}
