package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/rabbitmq"
)

type (
	// Handler processes one event delivered to a recipient and settles it
	// through the Delivery
	Handler = rabbitmq.Handler
	// Delivery is the Ack/Nack capability for one delivered event
	Delivery = rabbitmq.Delivery
	// Metrics receives publish and delivery counters
	Metrics = rabbitmq.Metrics
	// Dialer opens the broker connection
	Dialer = rabbitmq.Dialer
	// Connection is the broker connection a Dialer returns
	Connection = rabbitmq.Connection
	// Channel is a channel on a Connection
	Channel = rabbitmq.Channel
)

// AutoAck builds a Handler that acks when fn returns nil and rejects the
// delivery without requeue when it returns an error
func AutoAck(fn func(ctx context.Context, event *contracts.Event) error) Handler {
	return rabbitmq.AutoAck(fn)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger             *slog.Logger
	exchange           string
	queuePrefix        string
	prefetchCount      int
	connectionName     string
	heartbeat          time.Duration
	connectTimeout     time.Duration
	drainTimeout       time.Duration
	strictBackpressure bool
	metrics            Metrics
	dialer             Dialer
}

func defaultConfig() *clientConfig {
	return &clientConfig{
		logger:         slog.Default(),
		exchange:       rabbitmq.DefaultExchange,
		queuePrefix:    rabbitmq.DefaultQueuePrefix,
		prefetchCount:  10,
		connectionName: "mmate-relay",
		heartbeat:      10 * time.Second,
		connectTimeout: 30 * time.Second,
		drainTimeout:   5 * time.Second,
		metrics:        rabbitmq.NopMetrics{},
		dialer:         rabbitmq.DialAMQP,
	}
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithExchange sets the direct exchange recipient queues bind to
func WithExchange(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.exchange = name
	}
}

// WithQueuePrefix sets the prefix that turns a recipient id into a queue name
func WithQueuePrefix(prefix string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.queuePrefix = prefix
	}
}

// WithPrefetchCount sets how many unsettled deliveries each recipient
// channel may hold
func WithPrefetchCount(count int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.prefetchCount = count
	}
}

// WithConnectionName sets the connection name shown by the broker
func WithConnectionName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectionName = name
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.heartbeat = interval
	}
}

// WithConnectTimeout bounds how long Initialize waits for the broker
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectTimeout = timeout
	}
}

// WithDrainTimeout bounds how long Unsubscribe and Shutdown wait for a
// running handler before closing its channel
func WithDrainTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.drainTimeout = timeout
	}
}

// WithStrictBackpressure makes Publish return a PublishError wrapping
// ErrBackpressure when the broker was throttling the connection
func WithStrictBackpressure(strict bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.strictBackpressure = strict
	}
}

// WithMetrics sets the metrics sink. A nil sink disables metrics.
func WithMetrics(m Metrics) ClientOption {
	return func(cfg *clientConfig) {
		if m == nil {
			m = rabbitmq.NopMetrics{}
		}
		cfg.metrics = m
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dial Dialer) ClientOption {
	return func(cfg *clientConfig) {
		if dial != nil {
			cfg.dialer = dial
		}
	}
}
