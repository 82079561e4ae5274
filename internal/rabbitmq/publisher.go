package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Route kinds reported to Metrics
const (
	RouteDirect   = "direct"
	RouteSchedule = "schedule"
)

// Publisher fans events out to recipient queues over the shared publishing
// channel
type Publisher struct {
	conn               *ConnectionManager
	topology           *TopologyManager
	logger             *slog.Logger
	metrics            Metrics
	strictBackpressure bool
	publishTimeout     time.Duration
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherMetrics sets the metrics sink
func WithPublisherMetrics(m Metrics) PublisherOption {
	return func(p *Publisher) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithStrictBackpressure makes a publish performed under broker
// backpressure return a PublishError wrapping ErrBackpressure
func WithStrictBackpressure(strict bool) PublisherOption {
	return func(p *Publisher) {
		p.strictBackpressure = strict
	}
}

// WithPublishTimeout bounds a single publish when ctx has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// NewPublisher creates a new publisher
func NewPublisher(conn *ConnectionManager, topology *TopologyManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		conn:           conn,
		topology:       topology,
		logger:         slog.Default(),
		metrics:        NopMetrics{},
		publishTimeout: 10 * time.Second,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishToRecipients publishes one copy of the event to each recipient's
// queue, declaring the queue and its binding first. It stops at the first
// failure; copies already published stay published.
func (p *Publisher) PublishToRecipients(ctx context.Context, event *contracts.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if len(event.UserIDs) == 0 {
		return ErrNoRecipients
	}

	body, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", event.ID, err)
	}

	var pressured bool
	for _, recipientID := range event.UserIDs {
		ch, err := p.conn.PublishingChannel()
		if err != nil {
			return err
		}

		queue, err := p.topology.EnsureRecipientQueue(ch, recipientID)
		if err != nil {
			return err
		}

		bp, err := p.publish(ctx, ch, queue, event, body, RouteDirect)
		if err != nil {
			return err
		}
		pressured = pressured || bp
	}

	p.logger.Debug("event published",
		"eventId", event.ID,
		"type", event.Type,
		"recipients", len(event.UserIDs))

	return p.backpressureResult(pressured, event.UserIDs[len(event.UserIDs)-1])
}

// PublishToRoute publishes the event once with the given routing key. The
// broker delivers it to every queue bound with that key.
func (p *Publisher) PublishToRoute(ctx context.Context, event *contracts.Event, routingKey string) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if routingKey == "" {
		return ErrNoRoutingKey
	}

	body, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", event.ID, err)
	}

	ch, err := p.conn.PublishingChannel()
	if err != nil {
		return err
	}

	pressured, err := p.publish(ctx, ch, routingKey, event, body, RouteSchedule)
	if err != nil {
		return err
	}

	p.logger.Debug("event published",
		"eventId", event.ID,
		"type", event.Type,
		"routingKey", routingKey)

	return p.backpressureResult(pressured, routingKey)
}

// publish sends one message and reports whether the broker was applying
// backpressure at the time
func (p *Publisher) publish(ctx context.Context, ch Channel, routingKey string, event *contracts.Event, body []byte, route string) (bool, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	pressured := p.conn.Backpressure()
	if pressured {
		p.metrics.PublishBackpressure(route)
		p.logger.Warn("publishing under broker backpressure",
			"exchange", p.topology.Exchange(),
			"routingKey", routingKey,
			"eventId", event.ID)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Type:         event.Type,
		Timestamp:    event.Timestamp,
		Body:         body,
	}

	err := ch.PublishWithContext(ctx, p.topology.Exchange(), routingKey, msg)
	p.metrics.PublishCompleted(route, err)
	if err != nil {
		return pressured, &PublishError{
			Exchange:   p.topology.Exchange(),
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	return pressured, nil
}

func (p *Publisher) backpressureResult(pressured bool, routingKey string) error {
	if !pressured || !p.strictBackpressure {
		return nil
	}
	return &PublishError{
		Exchange:   p.topology.Exchange(),
		RoutingKey: routingKey,
		Err:        ErrBackpressure,
		Timestamp:  time.Now(),
	}
}
