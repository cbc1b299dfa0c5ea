package messaging

import (
	"encoding/json"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Envelope is the unit on the wire: an opaque JSON body classified by a
// routing key, plus the reply address carried as message metadata. ReplyTo
// and CorrelationID are set iff the message belongs to an RPC exchange;
// plain events leave both empty.
type Envelope struct {
	RoutingKey    string
	Body          json.RawMessage
	ReplyTo       string
	CorrelationID string
}

// FromDelivery extracts the envelope from a broker delivery.
func FromDelivery(d amqp.Delivery) Envelope {
	return Envelope{
		RoutingKey:    d.RoutingKey,
		Body:          json.RawMessage(d.Body),
		ReplyTo:       d.ReplyTo,
		CorrelationID: d.CorrelationId,
	}
}

// IsRPC reports whether the envelope belongs to an RPC exchange.
func (e Envelope) IsRPC() bool {
	return e.ReplyTo != "" && e.CorrelationID != ""
}

var routingKeyPattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)+$`)

// RoutingKey is a dot-delimited message classifier, "<namespace>.<name>".
// The first segment identifies the logical domain ("user", "mail", "rpc").
type RoutingKey string

// Validate checks the dotted form.
func (k RoutingKey) Validate() error {
	return validation.Validate(string(k),
		validation.Required,
		validation.Match(routingKeyPattern).Error("must be dot-delimited lowercase segments"),
	)
}

// Namespace returns the first segment.
func (k RoutingKey) Namespace() string {
	s := string(k)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

// Name returns everything after the first dot.
func (k RoutingKey) Name() string {
	s := string(k)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[i+1:]
	}
	return ""
}

func (k RoutingKey) String() string { return string(k) }

// TopicMatch reports whether a routing key matches an AMQP topic binding
// pattern: "*" substitutes exactly one dot-delimited segment, "#" zero or
// more. Mirrors the broker's matching so tests and local routing checks
// agree with what the topic exchange does.
func TopicMatch(pattern, key string) bool {
	return segmentsMatch(strings.Split(pattern, "."), strings.Split(key, "."))
}

func segmentsMatch(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}

	switch pattern[0] {
	case "#":
		if segmentsMatch(pattern[1:], key) {
			return true
		}
		return len(key) > 0 && segmentsMatch(pattern, key[1:])
	case "*":
		return len(key) > 0 && segmentsMatch(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && segmentsMatch(pattern[1:], key[1:])
	}
}
