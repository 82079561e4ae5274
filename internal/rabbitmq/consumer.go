package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// Consumer is the subscription registry. Each recipient gets a dedicated
// channel with at most one consumer on it.
type Consumer struct {
	conn          *ConnectionManager
	topology      *TopologyManager
	prefetchCount int
	drainTimeout  time.Duration
	logger        *slog.Logger
	metrics       Metrics

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

// subscription tracks the channel and consumer of one recipient. A channel
// may be open without a consumer when a previous Subscribe failed part way.
type subscription struct {
	recipientID string
	queue       string
	ch          Channel

	consumerTag string
	cancel      context.CancelFunc
	done        chan struct{}

	// attaching is non-nil while one Subscribe call owns the entry and is
	// starting its consumer. It is closed when that call returns.
	attaching chan struct{}
}

func (s *subscription) consuming() bool {
	return s.consumerTag != ""
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the per-channel QoS prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithDrainTimeout bounds how long Unsubscribe waits for an in-flight
// handler before closing the channel
func WithDrainTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.drainTimeout = timeout
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithConsumerMetrics sets the metrics sink
func WithConsumerMetrics(m Metrics) ConsumerOption {
	return func(c *Consumer) {
		if m != nil {
			c.metrics = m
		}
	}
}

// NewConsumer creates a new consumer
func NewConsumer(conn *ConnectionManager, topology *TopologyManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		conn:          conn,
		topology:      topology,
		prefetchCount: 10,
		drainTimeout:  5 * time.Second,
		logger:        slog.Default(),
		metrics:       NopMetrics{},
		subs:          make(map[string]*subscription),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe starts delivering the recipient's queue to handler. If the
// recipient already has an active consumer the call is a no-op and the new
// handler is ignored.
func (c *Consumer) Subscribe(ctx context.Context, recipientID string, handler Handler) error {
	if recipientID == "" {
		return ErrInvalidRecipient
	}
	if handler == nil {
		return ErrNilHandler
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sub, err := c.acquire(ctx, recipientID)
	if err != nil {
		return err
	}
	if sub == nil {
		c.logger.Debug("recipient already subscribed", "recipientId", recipientID)
		return nil
	}
	defer c.release(sub)

	queue, err := c.topology.EnsureRecipientQueue(sub.ch, recipientID)
	if err != nil {
		return err
	}

	if err := sub.ch.Qos(c.prefetchCount); err != nil {
		return &ChannelError{
			Op:        "set qos",
			Owner:     recipientID,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	tag := fmt.Sprintf("relay-%s-%s", recipientID, uuid.New().String())
	deliveries, err := sub.ch.Consume(queue, tag)
	if err != nil {
		return &SubscriptionAttachError{
			RecipientID: recipientID,
			Queue:       queue,
			ConsumerTag: tag,
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	if err := c.verifyAttached(sub.ch, queue); err != nil {
		c.abandon(sub.ch, tag, deliveries)
		return &SubscriptionAttachError{
			RecipientID: recipientID,
			Queue:       queue,
			ConsumerTag: tag,
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	// The handler context belongs to the subscription, not to this call.
	handlerCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	if c.closed || c.subs[recipientID] != sub {
		closed := c.closed
		c.mu.Unlock()
		cancel()
		c.abandon(sub.ch, tag, deliveries)
		if closed {
			return ErrNotInitialized
		}
		// Unsubscribed or channel lost while attaching.
		return &SubscriptionAttachError{
			RecipientID: recipientID,
			Queue:       queue,
			ConsumerTag: tag,
			Err:         ErrConsumerNotRegistered,
			Timestamp:   time.Now(),
		}
	}
	sub.consumerTag = tag
	sub.cancel = cancel
	sub.done = done
	active := c.activeLocked()
	c.mu.Unlock()

	go c.dispatch(handlerCtx, sub, deliveries, handler, done)
	c.metrics.SubscriptionsChanged(active)

	c.logger.Info("subscribed to queue",
		"recipientId", recipientID,
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount)

	return nil
}

// acquire returns the recipient's registry entry, opening a channel for it
// if needed, and marks it as attaching. A nil entry with a nil error means a
// consumer is already running. Concurrent calls for the same recipient wait
// for the attaching call to finish.
func (c *Consumer) acquire(ctx context.Context, recipientID string) (*subscription, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrNotInitialized
		}
		if sub, ok := c.subs[recipientID]; ok {
			if sub.consuming() {
				c.mu.Unlock()
				return nil, nil
			}
			if wait := sub.attaching; wait != nil {
				c.mu.Unlock()
				select {
				case <-wait:
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			if !sub.ch.IsClosed() {
				sub.attaching = make(chan struct{})
				c.mu.Unlock()
				return sub, nil
			}
			delete(c.subs, recipientID)
		}
		c.mu.Unlock()

		ch, err := c.conn.OpenChannel(recipientID)
		if err != nil {
			return nil, err
		}

		sub := &subscription{
			recipientID: recipientID,
			queue:       c.topology.QueueName(recipientID),
			ch:          ch,
			attaching:   make(chan struct{}),
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			ch.Close()
			return nil, ErrNotInitialized
		}
		if _, ok := c.subs[recipientID]; ok {
			// Another call registered a channel first; use its entry.
			c.mu.Unlock()
			ch.Close()
			continue
		}
		c.subs[recipientID] = sub
		c.mu.Unlock()

		c.watchChannel(sub)
		return sub, nil
	}
}

// release ends the attaching phase started by acquire and wakes waiters
func (c *Consumer) release(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub.attaching != nil {
		close(sub.attaching)
		sub.attaching = nil
	}
}

// verifyAttached asks the broker for the queue's consumer count. amqp091
// returns from Consume once basic.consume-ok arrives, but a consumer can
// still vanish if the queue is deleted concurrently.
func (c *Consumer) verifyAttached(ch Channel, queue string) error {
	q, err := c.topology.InspectQueue(ch, queue)
	if err != nil {
		return err
	}
	if q.Consumers == 0 {
		return ErrConsumerNotRegistered
	}
	return nil
}

// abandon cancels a consumer that never reached the dispatch loop and
// returns anything it already received to the queue
func (c *Consumer) abandon(ch Channel, tag string, deliveries <-chan amqp.Delivery) {
	if err := ch.Cancel(tag); err != nil {
		c.logger.Debug("failed to cancel consumer", "consumerTag", tag, "error", err)
	}
	go func() {
		for d := range deliveries {
			d.Nack(false, true)
		}
	}()
}

func (c *Consumer) dispatch(ctx context.Context, sub *subscription, deliveries <-chan amqp.Delivery, handler Handler, done chan struct{}) {
	defer close(done)

	for d := range deliveries {
		c.handleDelivery(ctx, sub, d, handler)
	}

	// The broker cancels consumers of a deleted queue while the channel
	// stays open. Keep the channel for reuse but let Subscribe attach again.
	c.mu.Lock()
	stale := c.subs[sub.recipientID] == sub && sub.done == done
	if stale {
		sub.consumerTag = ""
		if sub.cancel != nil {
			sub.cancel()
		}
	}
	active := c.activeLocked()
	c.mu.Unlock()

	if stale {
		c.metrics.SubscriptionsChanged(active)
		c.logger.Warn("consumer cancelled by broker",
			"recipientId", sub.recipientID,
			"queue", sub.queue)
		return
	}

	c.logger.Debug("consumer stopped",
		"recipientId", sub.recipientID,
		"queue", sub.queue)
}

func (c *Consumer) handleDelivery(ctx context.Context, sub *subscription, raw amqp.Delivery, handler Handler) {
	start := time.Now()

	event, err := contracts.Unmarshal(raw.Body)
	if err == nil {
		err = event.Validate()
	}
	if err != nil {
		c.logger.Warn("rejecting undecodable delivery",
			"recipientId", sub.recipientID,
			"queue", sub.queue,
			"messageId", raw.MessageId,
			"error", err)
		if rejectErr := raw.Reject(false); rejectErr != nil {
			c.logger.Error("failed to reject delivery", "error", rejectErr)
		}
		c.metrics.DeliveryHandled(OutcomeDecodeError, time.Since(start))
		return
	}

	d := newDelivery(raw, sub.recipientID, sub.queue)
	c.invoke(ctx, handler, event, d)

	outcome := d.result()
	c.metrics.DeliveryHandled(outcome, time.Since(start))
	c.logger.Debug("delivery handled",
		"recipientId", sub.recipientID,
		"eventId", event.ID,
		"type", event.Type,
		"outcome", outcome)
}

// invoke runs the handler, rejecting the delivery if it panics
func (c *Consumer) invoke(ctx context.Context, handler Handler, event *contracts.Event, d *Delivery) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked",
				"recipientId", d.RecipientID,
				"eventId", event.ID,
				"panic", r)
			if err := d.reject(); err != nil && !errors.Is(err, ErrAlreadySettled) {
				c.logger.Error("failed to reject delivery", "error", err)
			}
		}
	}()

	handler(ctx, event, d)
}

// watchChannel drops the registry entry when the broker closes the
// recipient's channel, so a later Subscribe starts over
func (c *Consumer) watchChannel(sub *subscription) {
	closeChan := sub.ch.NotifyClose(make(chan *amqp.Error, 1))

	go func() {
		err, _ := <-closeChan

		c.mu.Lock()
		current, ok := c.subs[sub.recipientID]
		if !ok || current != sub {
			c.mu.Unlock()
			return
		}
		delete(c.subs, sub.recipientID)
		cancel := sub.cancel
		active := c.activeLocked()
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		c.metrics.SubscriptionsChanged(active)

		if err != nil {
			c.logger.Warn("recipient channel closed by broker",
				"recipientId", sub.recipientID,
				"error", err)
			return
		}
		c.logger.Info("recipient channel closed", "recipientId", sub.recipientID)
	}()
}

// Unsubscribe stops the recipient's consumer and closes its channel. It is
// a no-op for unknown recipients. The entry is removed even if closing the
// channel fails.
func (c *Consumer) Unsubscribe(ctx context.Context, recipientID string) error {
	c.mu.Lock()
	sub, ok := c.subs[recipientID]
	if ok {
		delete(c.subs, recipientID)
	}
	active := c.activeLocked()
	c.mu.Unlock()

	if !ok {
		return nil
	}

	c.metrics.SubscriptionsChanged(active)
	if err := c.closeSubscription(ctx, sub); err != nil {
		c.logger.Warn("recipient channel did not close cleanly",
			"recipientId", recipientID,
			"error", err)
		return err
	}

	c.logger.Info("unsubscribed", "recipientId", recipientID, "queue", sub.queue)
	return nil
}

// CloseAll closes every recipient channel concurrently and empties the
// registry. Later Subscribe calls fail with ErrNotInitialized. Close
// failures are logged and returned aggregated.
func (c *Consumer) CloseAll(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	var (
		g      errgroup.Group
		mu     sync.Mutex
		result *multierror.Error
	)
	for _, sub := range subs {
		g.Go(func() error {
			if err := c.closeSubscription(ctx, sub); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	c.metrics.SubscriptionsChanged(0)

	if err := result.ErrorOrNil(); err != nil {
		c.logger.Warn("some recipient channels did not close cleanly",
			"channels", len(subs),
			"failures", len(result.Errors),
			"error", err)
		return err
	}

	c.logger.Debug("all recipient channels closed", "channels", len(subs))
	return nil
}

// closeSubscription cancels the consumer, waits briefly for an in-flight
// handler, then closes the channel. A channel that is already closed counts
// as closed.
func (c *Consumer) closeSubscription(ctx context.Context, sub *subscription) error {
	if sub.consuming() && !sub.ch.IsClosed() {
		if err := sub.ch.Cancel(sub.consumerTag); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Debug("failed to cancel consumer",
				"consumerTag", sub.consumerTag,
				"error", err)
		}
	}

	if sub.done != nil {
		timer := time.NewTimer(c.drainTimeout)
		select {
		case <-sub.done:
		case <-ctx.Done():
			c.logger.Warn("stopped waiting for handler", "recipientId", sub.recipientID, "error", ctx.Err())
		case <-timer.C:
			c.logger.Warn("handler still running after drain timeout", "recipientId", sub.recipientID)
		}
		timer.Stop()
	}
	if sub.cancel != nil {
		sub.cancel()
	}

	if err := sub.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return &TeardownError{
			Resource:  "channel",
			Name:      sub.queue,
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// Active returns the recipients with a running consumer, sorted
func (c *Consumer) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.subs))
	for id, sub := range c.subs {
		if sub.consuming() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// IsSubscribed reports whether the recipient has a running consumer
func (c *Consumer) IsSubscribed(recipientID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[recipientID]
	return ok && sub.consuming()
}

func (c *Consumer) activeLocked() int {
	n := 0
	for _, sub := range c.subs {
		if sub.consuming() {
			n++
		}
	}
	return n
}
