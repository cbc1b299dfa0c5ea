package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange names of the BuildFlow messaging topology. Domain events flow
// through the topic exchange "events"; RPC requests through "rpc". RPC
// replies bypass both and go through the default exchange straight to the
// caller's reply queue.
const (
	EventsExchange = "events"
	RPCExchange    = "rpc"
)

// ExchangeDeclaration describes a topic (or other) exchange.
type ExchangeDeclaration struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration describes a queue.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding ties a queue to an exchange under a routing-key pattern.
// The pattern follows AMQP topic semantics: "*" matches exactly one
// dot-delimited segment.
type Binding struct {
	Queue    string
	Exchange string
	Pattern  string
}

// Topology is the full set of declarations a service needs. Declaring it is
// idempotent: redeclaring an existing exchange, queue, or binding with the
// same arguments is a no-op on the broker.
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// ServiceTopology builds the standard topology for one service: the shared
// topic exchanges plus one durable queue named after the service, bound with
// the given patterns. The queue survives restarts; the application never
// deletes it.
func ServiceTopology(service string, bindings ...Binding) Topology {
	t := Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: EventsExchange, Kind: "topic", Durable: true},
			{Name: RPCExchange, Kind: "topic", Durable: true},
		},
		Queues: []QueueDeclaration{
			{Name: service, Durable: true},
		},
	}
	for _, b := range bindings {
		if b.Queue == "" {
			b.Queue = service
		}
		t.Bindings = append(t.Bindings, b)
	}
	return t
}

// TopologyManager declares exchanges, queues, and bindings on the broker.
type TopologyManager struct {
	pool *ChannelPool
}

// NewTopologyManager creates a topology manager over the channel pool.
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{pool: pool}
}

// Declare declares the complete topology in order: exchanges, queues,
// bindings. Safe to call at every process start and after every reconnect.
func (tm *TopologyManager) Declare(ctx context.Context, topology Topology) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		for _, e := range topology.Exchanges {
			if err := declareExchange(ch, e); err != nil {
				return &TopologyError{Component: "exchange", Name: e.Name, Err: err, Timestamp: time.Now()}
			}
		}
		for _, q := range topology.Queues {
			if _, err := declareQueue(ch, q); err != nil {
				return &TopologyError{Component: "queue", Name: q.Name, Err: err, Timestamp: time.Now()}
			}
		}
		for _, b := range topology.Bindings {
			if err := bindQueue(ch, b); err != nil {
				return &TopologyError{Component: "binding", Name: b.Queue + "->" + b.Exchange, Err: err, Timestamp: time.Now()}
			}
		}
		return nil
	})
}

// DeclareExchange declares a single exchange.
func (tm *TopologyManager) DeclareExchange(ctx context.Context, e ExchangeDeclaration) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		if err := declareExchange(ch, e); err != nil {
			return &TopologyError{Component: "exchange", Name: e.Name, Err: err, Timestamp: time.Now()}
		}
		return nil
	})
}

// DeclareQueue declares a single queue and returns the broker's view of it.
// Pass an empty name to get a broker-generated private queue.
func (tm *TopologyManager) DeclareQueue(ctx context.Context, q QueueDeclaration) (amqp.Queue, error) {
	var queue amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		queue, err = declareQueue(ch, q)
		if err != nil {
			return &TopologyError{Component: "queue", Name: q.Name, Err: err, Timestamp: time.Now()}
		}
		return nil
	})
	return queue, err
}

// BindQueue creates a single binding.
func (tm *TopologyManager) BindQueue(ctx context.Context, b Binding) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		if err := bindQueue(ch, b); err != nil {
			return &TopologyError{Component: "binding", Name: b.Queue + "->" + b.Exchange, Err: err, Timestamp: time.Now()}
		}
		return nil
	})
}

func declareExchange(ch *amqp.Channel, e ExchangeDeclaration) error {
	kind := e.Kind
	if kind == "" {
		kind = "topic"
	}
	return ch.ExchangeDeclare(
		e.Name,
		kind,
		e.Durable,
		e.AutoDelete,
		false, // internal
		false, // no-wait
		e.Arguments,
	)
}

func declareQueue(ch *amqp.Channel, q QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		q.Name,
		q.Durable,
		q.AutoDelete,
		q.Exclusive,
		false, // no-wait
		q.Arguments,
	)
}

func bindQueue(ch *amqp.Channel, b Binding) error {
	return ch.QueueBind(
		b.Queue,
		b.Pattern,
		b.Exchange,
		false, // no-wait
		nil,
	)
}
