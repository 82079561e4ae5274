package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionManager owns one broker connection and the channel used for
// every publish and topology assertion. It never reconnects: a broker-side
// close invalidates the cached handles and later calls fail with
// ErrNotInitialized.
type ConnectionManager struct {
	url            string
	dial           Dialer
	connectTimeout time.Duration
	heartbeat      time.Duration
	connectionName string
	logger         *slog.Logger

	mu         sync.RWMutex
	conn       Connection
	pubCh      Channel
	blocked    bool
	flowPaused bool
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithConnectTimeout bounds how long Connect waits for the broker
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// WithConnectionName sets the client-provided connection name shown in the
// broker's management UI
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectionName = name
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           DialAMQP,
		connectTimeout: 30 * time.Second,
		heartbeat:      10 * time.Second,
		connectionName: "mmate-relay",
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect dials the broker and opens the publishing channel
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	// A closed conn may still be cached until handleConnectionLost runs.
	if cm.conn != nil && !cm.conn.IsClosed() {
		return ErrAlreadyInitialized
	}

	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	connChan := make(chan Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := cm.dial(cm.url, cm.amqpConfig())
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	var conn Connection
	select {
	case conn = <-connChan:
	case err := <-errChan:
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	case <-connCtx.Done():
		// A dial that completes after we gave up must not leak its connection.
		go func() {
			select {
			case late := <-connChan:
				late.Close()
			case <-errChan:
			}
		}()
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrConnectionTimeout,
			Timestamp: time.Now(),
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return &ChannelError{
			Op:        "open publishing channel",
			Owner:     "publisher",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	cm.conn = conn
	cm.pubCh = ch
	cm.blocked = false
	cm.flowPaused = false

	closeChan := conn.NotifyClose(make(chan *amqp.Error, 1))
	blockedChan := conn.NotifyBlocked(make(chan amqp.Blocking, 1))
	go cm.watchConnection(conn, closeChan, blockedChan)
	cm.watchPublishingChannel(ch)

	cm.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(cm.url),
		"connectionName", cm.connectionName)

	return nil
}

func (cm *ConnectionManager) amqpConfig() amqp.Config {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(cm.connectionName)
	return amqp.Config{
		Heartbeat:  cm.heartbeat,
		Locale:     "en_US",
		Properties: props,
	}
}

// Connection returns the live connection
func (cm *ConnectionManager) Connection() (Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.conn == nil || cm.conn.IsClosed() {
		return nil, ErrNotInitialized
	}
	return cm.conn, nil
}

// PublishingChannel returns the shared publishing channel. If the broker
// closed it with a channel exception while the connection stayed up, a
// fresh one is opened.
func (cm *ConnectionManager) PublishingChannel() (Channel, error) {
	cm.mu.RLock()
	conn, ch := cm.conn, cm.pubCh
	cm.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		return nil, ErrNotInitialized
	}
	if ch != nil && !ch.IsClosed() {
		return ch, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.conn != conn {
		return nil, ErrNotInitialized
	}
	if cm.pubCh != nil && !cm.pubCh.IsClosed() {
		return cm.pubCh, nil
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "reopen publishing channel",
			Owner:     "publisher",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	cm.pubCh = ch
	cm.flowPaused = false
	cm.watchPublishingChannel(ch)

	cm.logger.Info("publishing channel reopened")
	return ch, nil
}

// OpenChannel opens a new channel on the live connection
func (cm *ConnectionManager) OpenChannel(owner string) (Channel, error) {
	conn, err := cm.Connection()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open channel",
			Owner:     owner,
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.conn != nil && !cm.conn.IsClosed()
}

// Backpressure reports whether the broker has blocked the connection or
// paused flow on the publishing channel
func (cm *ConnectionManager) Backpressure() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.blocked || cm.flowPaused
}

// Close closes the publishing channel, then the connection. Failures are
// returned as TeardownErrors; handles are released either way.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	conn, ch := cm.conn, cm.pubCh
	cm.conn = nil
	cm.pubCh = nil
	cm.blocked = false
	cm.flowPaused = false
	cm.mu.Unlock()

	var result *multierror.Error

	if ch != nil && !ch.IsClosed() {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			result = multierror.Append(result, &TeardownError{
				Resource:  "publishing channel",
				Err:       err,
				Timestamp: time.Now(),
			})
		} else {
			cm.logger.Debug("publishing channel closed")
		}
	}

	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			result = multierror.Append(result, &TeardownError{
				Resource:  "connection",
				Err:       err,
				Timestamp: time.Now(),
			})
		} else {
			cm.logger.Info("connection closed", "url", SanitizeURL(cm.url))
		}
	}

	return result.ErrorOrNil()
}

// watchConnection tracks connection.blocked notifications until the
// connection closes, then hands over to handleConnectionLost.
func (cm *ConnectionManager) watchConnection(conn Connection, closeChan chan *amqp.Error, blockedChan chan amqp.Blocking) {
	for {
		select {
		case b, ok := <-blockedChan:
			if !ok {
				blockedChan = nil
				continue
			}
			cm.setBlocked(conn, b)

		case err := <-closeChan:
			cm.handleConnectionLost(conn, err)
			return
		}
	}
}

func (cm *ConnectionManager) setBlocked(conn Connection, b amqp.Blocking) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.conn != conn {
		return
	}
	cm.blocked = b.Active
	if b.Active {
		cm.logger.Warn("connection blocked by broker", "reason", b.Reason)
	} else {
		cm.logger.Info("connection unblocked by broker")
	}
}

// handleConnectionLost is the state transition for a closed connection: it
// drops the cached connection and publishing channel so later operations
// fail fast instead of using a dead handle. A nil err means a graceful close.
func (cm *ConnectionManager) handleConnectionLost(conn Connection, err *amqp.Error) {
	cm.mu.Lock()
	if cm.conn != conn {
		cm.mu.Unlock()
		return
	}
	cm.conn = nil
	cm.pubCh = nil
	cm.blocked = false
	cm.flowPaused = false
	cm.mu.Unlock()

	if err != nil {
		cm.logger.Error("connection lost", "error", err)
		return
	}
	cm.logger.Info("connection closed by broker")
}

// watchPublishingChannel follows flow control and closure of the publishing
// channel. Both notification channels must be drained until amqp091 closes
// them, otherwise the library blocks.
func (cm *ConnectionManager) watchPublishingChannel(ch Channel) {
	flowChan := ch.NotifyFlow(make(chan bool, 1))
	closeChan := ch.NotifyClose(make(chan *amqp.Error, 1))

	go func() {
		for flowChan != nil || closeChan != nil {
			select {
			case active, ok := <-flowChan:
				if !ok {
					flowChan = nil
					continue
				}
				cm.setFlow(ch, active)

			case err, ok := <-closeChan:
				if !ok {
					closeChan = nil
				}
				cm.handlePublishingChannelClosed(ch, err)
				closeChan = nil
			}
		}
	}()
}

func (cm *ConnectionManager) setFlow(ch Channel, active bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.pubCh != ch {
		return
	}
	cm.flowPaused = !active
	if !active {
		cm.logger.Warn("publishing channel flow paused by broker")
	}
}

func (cm *ConnectionManager) handlePublishingChannelClosed(ch Channel, err *amqp.Error) {
	cm.mu.Lock()
	if cm.pubCh != ch {
		cm.mu.Unlock()
		return
	}
	cm.pubCh = nil
	cm.flowPaused = false
	cm.mu.Unlock()

	if err != nil {
		cm.logger.Warn("publishing channel closed by broker", "error", err)
	}
}
