// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/rabbitmq"
)

type clientState int

const (
	stateIdle clientState = iota
	stateInitializing
	stateReady
	stateShuttingDown
)

func (s clientState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateInitializing:
		return "initializing"
	case stateReady:
		return "ready"
	case stateShuttingDown:
		return "shutting down"
	}
	return "unknown"
}

// components are the parts built by one successful Initialize
type components struct {
	conn      *rabbitmq.ConnectionManager
	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
}

// Client is the entry point for publishing and subscribing. A Client is
// safe for concurrent use; callers that need one process-wide instance
// create it once and pass it around.
type Client struct {
	cfg    *clientConfig
	logger *slog.Logger

	mu    sync.Mutex
	state clientState
	comps *components

	// initDone is closed when the Initialize in flight returns.
	initDone        chan struct{}
	shutdownPending bool
}

// New creates a client. It does not connect; call Initialize.
func New(options ...ClientOption) *Client {
	cfg := defaultConfig()
	for _, opt := range options {
		opt(cfg)
	}

	return &Client{
		cfg:    cfg,
		logger: cfg.logger,
	}
}

// Initialize connects to the broker and declares the exchange. It fails
// with ErrAlreadyInitialized while the client is connected or another
// Initialize is in flight. After Shutdown, or after the broker dropped the
// connection, it may be called again.
func (c *Client) Initialize(ctx context.Context, url string) error {
	c.mu.Lock()
	switch c.state {
	case stateInitializing, stateShuttingDown:
		state := c.state
		c.mu.Unlock()
		c.logger.Debug("initialize rejected", "state", state.String())
		return ErrAlreadyInitialized
	case stateReady:
		if c.comps.conn.IsConnected() {
			c.mu.Unlock()
			c.logger.Warn("client already initialized")
			return ErrAlreadyInitialized
		}
	}
	stale := c.comps
	c.comps = nil
	c.state = stateInitializing
	c.initDone = make(chan struct{})
	c.mu.Unlock()

	if stale != nil {
		c.logger.Info("discarding state of lost connection")
		c.teardown(ctx, stale)
	}

	comps, err := c.build(ctx, url)

	c.mu.Lock()
	pending := c.shutdownPending
	c.shutdownPending = false
	done := c.initDone
	c.initDone = nil
	if err != nil || pending {
		c.state = stateIdle
	} else {
		c.comps = comps
		c.state = stateReady
	}
	c.mu.Unlock()
	defer close(done)

	if err != nil {
		return err
	}
	if pending {
		c.logger.Warn("shutdown requested while initializing, releasing connection")
		c.teardown(ctx, comps)
		return fmt.Errorf("shut down while initializing: %w", ErrNotInitialized)
	}

	c.logger.Info("relay initialized",
		"url", rabbitmq.SanitizeURL(url),
		"exchange", comps.topology.Exchange())
	return nil
}

func (c *Client) build(ctx context.Context, url string) (*components, error) {
	conn := rabbitmq.NewConnectionManager(url,
		rabbitmq.WithLogger(c.logger),
		rabbitmq.WithDialer(c.cfg.dialer),
		rabbitmq.WithConnectTimeout(c.cfg.connectTimeout),
		rabbitmq.WithHeartbeat(c.cfg.heartbeat),
		rabbitmq.WithConnectionName(c.cfg.connectionName),
	)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}

	topology := rabbitmq.NewTopologyManager(c.cfg.exchange, c.cfg.queuePrefix, c.logger)

	ch, err := conn.PublishingChannel()
	if err == nil {
		err = topology.EnsureExchange(ch)
	}
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			c.logger.Warn("failed to close connection after initialization error", "error", closeErr)
		}
		return nil, err
	}

	return &components{
		conn:     conn,
		topology: topology,
		publisher: rabbitmq.NewPublisher(conn, topology,
			rabbitmq.WithPublisherLogger(c.logger),
			rabbitmq.WithPublisherMetrics(c.cfg.metrics),
			rabbitmq.WithStrictBackpressure(c.cfg.strictBackpressure),
		),
		consumer: rabbitmq.NewConsumer(conn, topology,
			rabbitmq.WithConsumerLogger(c.logger),
			rabbitmq.WithConsumerMetrics(c.cfg.metrics),
			rabbitmq.WithPrefetchCount(c.cfg.prefetchCount),
			rabbitmq.WithDrainTimeout(c.cfg.drainTimeout),
		),
	}, nil
}

// ready returns the live components or ErrNotInitialized
func (c *Client) ready() (*components, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateReady {
		return nil, ErrNotInitialized
	}
	return c.comps, nil
}

// IsInitialized reports whether the client holds a live connection
func (c *Client) IsInitialized() bool {
	comps, err := c.ready()
	return err == nil && comps.conn.IsConnected()
}

// Publish copies the event into the queue of every recipient in
// event.UserIDs, declaring queues as needed
func (c *Client) Publish(ctx context.Context, event *contracts.Event) error {
	comps, err := c.ready()
	if err != nil {
		return err
	}
	return comps.publisher.PublishToRecipients(ctx, event)
}

// Subscribe delivers the recipient's queue to handler. Subscribing a
// recipient that already has a running consumer is a no-op.
func (c *Client) Subscribe(ctx context.Context, recipientID string, handler Handler) error {
	comps, err := c.ready()
	if err != nil {
		return err
	}
	return comps.consumer.Subscribe(ctx, recipientID, handler)
}

// Unsubscribe stops delivery to the recipient and closes its channel. The
// queue and any messages in it are kept.
func (c *Client) Unsubscribe(ctx context.Context, recipientID string) error {
	comps, err := c.ready()
	if err != nil {
		return err
	}
	return comps.consumer.Unsubscribe(ctx, recipientID)
}

// ActiveSubscriptions returns the recipients with a running consumer
func (c *Client) ActiveSubscriptions() []string {
	comps, err := c.ready()
	if err != nil {
		return nil
	}
	return comps.consumer.Active()
}

// RemoveQueue deletes a queue by name together with its messages and
// bindings. Deleting a queue that does not exist succeeds.
func (c *Client) RemoveQueue(ctx context.Context, name string) error {
	comps, err := c.ready()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ch, err := comps.conn.PublishingChannel()
	if err != nil {
		return err
	}
	_, err = comps.topology.DeleteQueue(ch, name)
	return err
}

// RemoveExchange deletes an exchange by name. Removing the client's own
// exchange makes later publishes fail on the broker until Initialize runs
// again.
func (c *Client) RemoveExchange(ctx context.Context, name string) error {
	comps, err := c.ready()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ch, err := comps.conn.PublishingChannel()
	if err != nil {
		return err
	}
	return comps.topology.DeleteExchange(ch, name)
}
