package rabbitmq

import (
	"context"
	"sync"

	"github.com/glimte/mmate-relay/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one event delivered to a recipient. It settles the
// delivery through d, either before returning or later from another
// goroutine. Unsettled deliveries count against the prefetch window.
type Handler func(ctx context.Context, event *contracts.Event, d *Delivery)

// Delivery is the settle capability for one received event. Only the first
// Ack or Nack reaches the broker.
type Delivery struct {
	RecipientID string
	Queue       string
	Redelivered bool

	raw amqp.Delivery

	mu      sync.Mutex
	outcome string
}

func newDelivery(raw amqp.Delivery, recipientID, queue string) *Delivery {
	return &Delivery{
		RecipientID: recipientID,
		Queue:       queue,
		Redelivered: raw.Redelivered,
		raw:         raw,
	}
}

// Ack acknowledges the delivery
func (d *Delivery) Ack() error {
	return d.settle(OutcomeAck, func() error {
		return d.raw.Ack(false)
	})
}

// Nack negatively acknowledges the delivery. With requeue the broker
// redelivers it, otherwise it is discarded.
func (d *Delivery) Nack(requeue bool) error {
	return d.settle(OutcomeNack, func() error {
		return d.raw.Nack(false, requeue)
	})
}

// Settled reports whether Ack or Nack has been called
func (d *Delivery) Settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outcome != ""
}

// reject discards the delivery without requeue
func (d *Delivery) reject() error {
	return d.settle(OutcomeReject, func() error {
		return d.raw.Reject(false)
	})
}

func (d *Delivery) settle(outcome string, fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.outcome != "" {
		return ErrAlreadySettled
	}
	d.outcome = outcome
	return fn()
}

func (d *Delivery) result() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.outcome == "" {
		return OutcomeUnsettled
	}
	return d.outcome
}

// AutoAck adapts a function that reports success as an error into a
// Handler: nil acks the delivery, an error rejects it without requeue.
func AutoAck(fn func(ctx context.Context, event *contracts.Event) error) Handler {
	return func(ctx context.Context, event *contracts.Event, d *Delivery) {
		if err := fn(ctx, event); err != nil {
			d.reject()
			return
		}
		d.Ack()
	}
}
