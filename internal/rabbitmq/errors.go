package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Lifecycle errors
	ErrNotInitialized     = errors.New("relay: client not initialized, call Initialize first")
	ErrAlreadyInitialized = errors.New("relay: client already initialized")
	ErrConnectionTimeout  = errors.New("relay: connection timeout")

	// Publish errors
	ErrBackpressure = errors.New("relay: broker applied backpressure, delivery not guaranteed")
	ErrNoRecipients = errors.New("relay: event has no recipients")
	ErrNoRoutingKey = errors.New("relay: schedule event has no routing key")

	// Subscription errors
	ErrConsumerNotRegistered = errors.New("relay: broker reports no active consumer")
	ErrAlreadySettled        = errors.New("relay: delivery already acknowledged or rejected")
	ErrNilHandler            = errors.New("relay: handler cannot be nil")

	// Topology errors
	ErrInvalidRecipient = errors.New("relay: recipient id cannot be empty")
)

// ConnectionError represents a failure to establish the broker connection
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("relay connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a failure to open or configure a channel
type ChannelError struct {
	Op        string    // Operation that failed
	Owner     string    // Who the channel belongs to (publisher or a recipient id)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("relay channel error: %s for %s: %v", e.Op, e.Owner, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// TopologyError represents a rejected exchange, queue or binding operation
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("relay topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// PublishError represents a transport failure or backpressure during publish
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("relay publish error: failed to publish to %s/%s: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// SubscriptionAttachError is returned when a consumer could not be attached
// to a recipient queue, either because the broker refused it or because the
// broker reports zero consumers right after registration.
type SubscriptionAttachError struct {
	RecipientID string
	Queue       string
	ConsumerTag string
	Err         error
	Timestamp   time.Time
}

func (e *SubscriptionAttachError) Error() string {
	return fmt.Sprintf("relay subscription error: consumer %s not attached to queue %s: %v",
		e.ConsumerTag, e.Queue, e.Err)
}

func (e *SubscriptionAttachError) Unwrap() error {
	return e.Err
}

// TeardownError represents a failure to close a channel or the connection.
// Shutdown logs these instead of returning them.
type TeardownError struct {
	Resource  string    // channel, publishing channel or connection
	Name      string    // Recipient queue for channels
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TeardownError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("relay teardown error: failed to close %s: %v", e.Resource, e.Err)
	}
	return fmt.Sprintf("relay teardown error: failed to close %s %s: %v", e.Resource, e.Name, e.Err)
}

func (e *TeardownError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err carries an AMQP 404 reply
func IsNotFound(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound
}

// IsRetryable determines if the caller may retry the failed operation
// unchanged. Broker precondition failures and programming errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrAlreadyInitialized),
		errors.Is(err, ErrNoRecipients),
		errors.Is(err, ErrNoRoutingKey),
		errors.Is(err, ErrNilHandler),
		errors.Is(err, ErrInvalidRecipient),
		errors.Is(err, ErrAlreadySettled):
		return false
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.PreconditionFailed, amqp.AccessRefused, amqp.NotAllowed, amqp.NotImplemented:
			return false
		}
	}

	return true
}

// SanitizeURL removes the password from a connection URL for logging
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
