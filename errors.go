package relay

import "github.com/glimte/mmate-relay/internal/rabbitmq"

// Sentinel errors
var (
	ErrNotInitialized        = rabbitmq.ErrNotInitialized
	ErrAlreadyInitialized    = rabbitmq.ErrAlreadyInitialized
	ErrConnectionTimeout     = rabbitmq.ErrConnectionTimeout
	ErrBackpressure          = rabbitmq.ErrBackpressure
	ErrNoRecipients          = rabbitmq.ErrNoRecipients
	ErrNoRoutingKey          = rabbitmq.ErrNoRoutingKey
	ErrConsumerNotRegistered = rabbitmq.ErrConsumerNotRegistered
	ErrAlreadySettled        = rabbitmq.ErrAlreadySettled
	ErrNilHandler            = rabbitmq.ErrNilHandler
	ErrInvalidRecipient      = rabbitmq.ErrInvalidRecipient
)

// Error types
type (
	ConnectionError         = rabbitmq.ConnectionError
	ChannelError            = rabbitmq.ChannelError
	TopologyError           = rabbitmq.TopologyError
	PublishError            = rabbitmq.PublishError
	SubscriptionAttachError = rabbitmq.SubscriptionAttachError
	TeardownError           = rabbitmq.TeardownError
)

// IsNotFound reports whether err carries a broker NOT_FOUND reply
func IsNotFound(err error) bool {
	return rabbitmq.IsNotFound(err)
}

// IsRetryable reports whether the failed operation may be retried unchanged
func IsRetryable(err error) bool {
	return rabbitmq.IsRetryable(err)
}
