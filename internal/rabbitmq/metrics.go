package rabbitmq

import "time"

// Delivery outcomes reported to Metrics
const (
	OutcomeAck         = "ack"
	OutcomeNack        = "nack"
	OutcomeReject      = "reject"
	OutcomeDecodeError = "decode_error"
	OutcomeUnsettled   = "unsettled"
)

// Metrics receives counters from the publisher and the consumer.
// Implementations must be safe for concurrent use.
type Metrics interface {
	PublishCompleted(route string, err error)
	PublishBackpressure(route string)
	DeliveryHandled(outcome string, duration time.Duration)
	SubscriptionsChanged(active int)
}

// NopMetrics discards everything
type NopMetrics struct{}

func (NopMetrics) PublishCompleted(string, error)        {}
func (NopMetrics) PublishBackpressure(string)            {}
func (NopMetrics) DeliveryHandled(string, time.Duration) {}
func (NopMetrics) SubscriptionsChanged(int)              {}
