package rabbitmq

import (
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultExchange is the direct exchange every recipient queue binds to
	DefaultExchange = "message"
	// DefaultQueuePrefix is prepended to a recipient id to form its queue name
	DefaultQueuePrefix = "user-"
)

// Binding is a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// TopologyManager declares and removes the exchange, recipient queues and
// bindings. It holds no channel of its own; callers pass the channel the
// operation should run on.
type TopologyManager struct {
	exchange    string
	queuePrefix string
	logger      *slog.Logger
}

// NewTopologyManager creates a new topology manager. Empty names fall back
// to DefaultExchange and DefaultQueuePrefix.
func NewTopologyManager(exchange, queuePrefix string, logger *slog.Logger) *TopologyManager {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if queuePrefix == "" {
		queuePrefix = DefaultQueuePrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TopologyManager{
		exchange:    exchange,
		queuePrefix: queuePrefix,
		logger:      logger,
	}
}

// Exchange returns the exchange name
func (tm *TopologyManager) Exchange() string {
	return tm.exchange
}

// QueueName returns the queue name for a recipient
func (tm *TopologyManager) QueueName(recipientID string) string {
	return tm.queuePrefix + recipientID
}

// DirectBinding returns the binding that routes a recipient's own messages
// to its queue. The routing key is the queue name.
func (tm *TopologyManager) DirectBinding(recipientID string) Binding {
	queue := tm.QueueName(recipientID)
	return Binding{Queue: queue, Exchange: tm.exchange, RoutingKey: queue}
}

// ScheduleBinding returns the binding that routes a provider's schedule
// events to a subscriber's queue
func (tm *TopologyManager) ScheduleBinding(providerID, subscriberID string) Binding {
	return Binding{
		Queue:      tm.QueueName(subscriberID),
		Exchange:   tm.exchange,
		RoutingKey: providerID,
	}
}

// EnsureExchange declares the durable direct exchange
func (tm *TopologyManager) EnsureExchange(ch Channel) error {
	if err := ch.ExchangeDeclare(tm.exchange); err != nil {
		return newTopologyError("exchange", tm.exchange, "declare", err)
	}
	return nil
}

// EnsureRecipientQueue declares the recipient's durable queue and binds it
// to the exchange with its own name as key. Both steps are idempotent on the
// broker, so concurrent calls for the same recipient are harmless.
func (tm *TopologyManager) EnsureRecipientQueue(ch Channel, recipientID string) (string, error) {
	if recipientID == "" {
		return "", ErrInvalidRecipient
	}

	binding := tm.DirectBinding(recipientID)
	if _, err := ch.QueueDeclare(binding.Queue); err != nil {
		return "", newTopologyError("queue", binding.Queue, "declare", err)
	}
	if err := tm.BindQueue(ch, binding); err != nil {
		return "", err
	}
	return binding.Queue, nil
}

// BindQueue adds a binding
func (tm *TopologyManager) BindQueue(ch Channel, b Binding) error {
	if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange); err != nil {
		return newTopologyError("binding", b.Queue+"->"+b.RoutingKey, "bind", err)
	}
	tm.logger.Debug("queue bound",
		"queue", b.Queue,
		"exchange", b.Exchange,
		"routingKey", b.RoutingKey)
	return nil
}

// UnbindQueue removes a binding
func (tm *TopologyManager) UnbindQueue(ch Channel, b Binding) error {
	if err := ch.QueueUnbind(b.Queue, b.RoutingKey, b.Exchange); err != nil {
		return newTopologyError("binding", b.Queue+"->"+b.RoutingKey, "unbind", err)
	}
	tm.logger.Debug("queue unbound",
		"queue", b.Queue,
		"exchange", b.Exchange,
		"routingKey", b.RoutingKey)
	return nil
}

// DeleteQueue deletes a queue by name and returns the number of messages
// that were purged with it
func (tm *TopologyManager) DeleteQueue(ch Channel, name string) (int, error) {
	purged, err := ch.QueueDelete(name)
	if err != nil {
		return 0, newTopologyError("queue", name, "delete", err)
	}
	tm.logger.Info("queue deleted", "queue", name, "purged", purged)
	return purged, nil
}

// DeleteExchange deletes an exchange by name
func (tm *TopologyManager) DeleteExchange(ch Channel, name string) error {
	if err := ch.ExchangeDelete(name); err != nil {
		return newTopologyError("exchange", name, "delete", err)
	}
	tm.logger.Info("exchange deleted", "exchange", name)
	return nil
}

// InspectQueue reports the message and consumer counts of an existing queue
func (tm *TopologyManager) InspectQueue(ch Channel, name string) (amqp.Queue, error) {
	q, err := ch.QueueInspect(name)
	if err != nil {
		return amqp.Queue{}, newTopologyError("queue", name, "inspect", err)
	}
	return q, nil
}

func newTopologyError(component, name, op string, err error) *TopologyError {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
