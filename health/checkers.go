package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mmate-relay/monitor"
)

// ClientState is the part of relay.Client the client checker reads
type ClientState interface {
	IsInitialized() bool
	ActiveSubscriptions() []string
}

// ClientChecker reports the broker connection and the subscriptions of a
// relay client
type ClientChecker struct {
	client   ClientState
	expected []string
}

// NewClientChecker creates a checker for client. Recipients in expected
// that have no running consumer degrade the result.
func NewClientChecker(client ClientState, expected ...string) *ClientChecker {
	return &ClientChecker{client: client, expected: expected}
}

func (c *ClientChecker) Name() string {
	return "relay"
}

func (c *ClientChecker) Check(ctx context.Context) (result CheckResult) {
	start := time.Now()
	result = CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}
	defer func() { result.Duration = time.Since(start) }()

	if !c.client.IsInitialized() {
		result.Status = StatusUnhealthy
		result.Message = "not connected to the broker"
		return result
	}

	active := c.client.ActiveSubscriptions()
	result.Details["active_subscriptions"] = len(active)

	subscribed := make(map[string]bool, len(active))
	for _, id := range active {
		subscribed[id] = true
	}
	var missing []string
	for _, id := range c.expected {
		if !subscribed[id] {
			missing = append(missing, id)
		}
	}

	if len(missing) > 0 {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d recipients not subscribed", len(missing), len(c.expected))
		result.Details["missing"] = missing
		return result
	}

	result.Status = StatusHealthy
	result.Message = "connected"
	return result
}

// QueueChecker reports a recipient queue from the management API. A queue
// without consumers is degraded; a missing queue or an unreachable API is
// unhealthy.
type QueueChecker struct {
	mc    *monitor.ManagementClient
	queue string
}

// NewQueueChecker creates a checker for one queue
func NewQueueChecker(mc *monitor.ManagementClient, queue string) *QueueChecker {
	return &QueueChecker{mc: mc, queue: queue}
}

func (c *QueueChecker) Name() string {
	return "queue_" + c.queue
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	q, err := c.mc.GetQueue(ctx, c.queue)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "queue not available"
		if monitor.IsNotFound(err) {
			result.Message = "queue does not exist"
		}
		result.Error = err.Error()
		return result
	}

	result.Details["messages_ready"] = q.MessagesReady
	result.Details["messages_unacked"] = q.MessagesUnacked
	result.Details["consumers"] = q.Consumers

	if q.Consumers == 0 {
		result.Status = StatusDegraded
		result.Message = "queue has no consumers"
		return result
	}
	result.Status = StatusHealthy
	result.Message = "queue is consumed"
	return result
}
