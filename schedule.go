package relay

import (
	"context"

	"github.com/glimte/mmate-relay/contracts"
)

// PublishSchedule publishes the event once with event.RoutingKey, the
// provider id. Every subscriber bound to the provider receives a copy.
func (c *Client) PublishSchedule(ctx context.Context, event *contracts.Event) error {
	comps, err := c.ready()
	if err != nil {
		return err
	}
	if event.RoutingKey == "" {
		return ErrNoRoutingKey
	}
	return comps.publisher.PublishToRoute(ctx, event, event.RoutingKey)
}

// BindSchedule routes the provider's schedule events to the subscriber's
// queue. The subscriber's queue and direct binding are declared first, so
// binding works before the subscriber ever subscribed.
func (c *Client) BindSchedule(ctx context.Context, providerID, subscriberID string) error {
	comps, err := c.ready()
	if err != nil {
		return err
	}
	if providerID == "" || subscriberID == "" {
		return ErrInvalidRecipient
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ch, err := comps.conn.PublishingChannel()
	if err != nil {
		return err
	}
	if _, err := comps.topology.EnsureRecipientQueue(ch, subscriberID); err != nil {
		return err
	}

	binding := comps.topology.ScheduleBinding(providerID, subscriberID)
	if err := comps.topology.BindQueue(ch, binding); err != nil {
		return err
	}

	c.logger.Info("schedule bound",
		"providerId", providerID,
		"subscriberId", subscriberID,
		"queue", binding.Queue)
	return nil
}

// UnbindSchedule removes the binding added by BindSchedule and nothing
// else. Unbinding a pair that was never bound, or whose queue is gone,
// succeeds.
func (c *Client) UnbindSchedule(ctx context.Context, providerID, subscriberID string) error {
	comps, err := c.ready()
	if err != nil {
		return err
	}
	if providerID == "" || subscriberID == "" {
		return ErrInvalidRecipient
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ch, err := comps.conn.PublishingChannel()
	if err != nil {
		return err
	}

	binding := comps.topology.ScheduleBinding(providerID, subscriberID)
	if err := comps.topology.UnbindQueue(ch, binding); err != nil {
		if IsNotFound(err) {
			c.logger.Debug("schedule binding not found",
				"providerId", providerID,
				"subscriberId", subscriberID,
				"error", err)
			return nil
		}
		return err
	}

	c.logger.Info("schedule unbound",
		"providerId", providerID,
		"subscriberId", subscriberID)
	return nil
}
