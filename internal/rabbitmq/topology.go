package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeTopic is the only exchange kind the worker binds to
const ExchangeTopic = "topic"

// TopologyDescriptor names the queue the worker consumes and, optionally, the
// topic exchange it is bound to.
type TopologyDescriptor struct {
	Queue      string
	Exchange   string // empty disables binding
	RoutingKey string
	Durable    bool
}

// Validate checks the descriptor
func (d TopologyDescriptor) Validate() error {
	if d.Queue == "" {
		return fmt.Errorf("%w: queue name cannot be empty", ErrInvalidTopology)
	}
	return nil
}

// Topology expands the descriptor into declarations
func (d TopologyDescriptor) Topology() Topology {
	t := Topology{
		Queues: []QueueDeclaration{{Name: d.Queue, Durable: d.Durable}},
	}
	if d.Exchange == "" {
		return t
	}

	t.Exchanges = []ExchangeDeclaration{{Name: d.Exchange, Type: ExchangeTopic, Durable: d.Durable}}
	t.Bindings = []Binding{{Queue: d.Queue, Exchange: d.Exchange, RoutingKey: d.RoutingKey}}
	return t
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents the complete messaging topology
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// TopologyManager declares exchanges, queues and bindings. All declarations
// are idempotent on the broker side.
type TopologyManager struct {
	logger *slog.Logger
}

// TopologyOption configures the TopologyManager
type TopologyOption func(*TopologyManager)

// WithTopologyLogger sets the logger
func WithTopologyLogger(logger *slog.Logger) TopologyOption {
	return func(tm *TopologyManager) {
		tm.logger = logger
	}
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(options ...TopologyOption) *TopologyManager {
	tm := &TopologyManager{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(tm)
	}

	return tm
}

// EnsureTopology declares what the descriptor needs on ch
func (tm *TopologyManager) EnsureTopology(ctx context.Context, ch Channel, desc TopologyDescriptor) error {
	if err := desc.Validate(); err != nil {
		return &ConnectionError{Op: "declare topology", Err: err, Timestamp: time.Now()}
	}

	if err := tm.DeclareTopology(ctx, ch, desc.Topology()); err != nil {
		return err
	}

	tm.logger.Info("topology ensured",
		"queue", desc.Queue,
		"exchange", desc.Exchange,
		"routingKey", desc.RoutingKey,
	)
	return nil
}

// DeclareTopology declares exchanges, then queues, then bindings
func (tm *TopologyManager) DeclareTopology(ctx context.Context, ch Channel, topology Topology) error {
	for _, exchange := range topology.Exchanges {
		if err := ctx.Err(); err != nil {
			return declareError("exchange", exchange.Name, "declare", err)
		}
		if err := tm.declareExchange(ch, exchange); err != nil {
			return declareError("exchange", exchange.Name, "declare", err)
		}
	}

	for _, queue := range topology.Queues {
		if err := ctx.Err(); err != nil {
			return declareError("queue", queue.Name, "declare", err)
		}
		if _, err := tm.declareQueue(ch, queue); err != nil {
			return declareError("queue", queue.Name, "declare", err)
		}
	}

	for _, binding := range topology.Bindings {
		if err := ctx.Err(); err != nil {
			return declareError("binding", binding.Queue, "bind", err)
		}
		if err := tm.bindQueue(ch, binding); err != nil {
			return declareError("binding", fmt.Sprintf("%s->%s", binding.Exchange, binding.Queue), "bind", err)
		}
	}

	return nil
}

func declareError(component, name, op string, err error) error {
	now := time.Now()
	return &ConnectionError{
		Op: "declare topology",
		Err: &TopologyError{
			Component: component,
			Name:      name,
			Op:        op,
			Err:       err,
			Timestamp: now,
		},
		Timestamp: now,
	}
}

func (tm *TopologyManager) declareExchange(ch Channel, exchange ExchangeDeclaration) error {
	return ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
}

func (tm *TopologyManager) declareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}

func (tm *TopologyManager) bindQueue(ch Channel, binding Binding) error {
	return ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
}
