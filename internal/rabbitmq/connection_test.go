package rabbitmq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-relay/internal/rabbitmq"
	"github.com/glimte/mmate-relay/internal/rabbitmq/rabbitmqtest"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect(t *testing.T) {
	t.Run("opens connection and publishing channel", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := rabbitmq.NewConnectionManager(testURL,
			rabbitmq.WithDialer(broker.Dial),
			rabbitmq.WithConnectionName("chat-api"),
			rabbitmq.WithLogger(discardLogger()))

		require.NoError(t, cm.Connect(context.Background()))
		defer cm.Close()

		assert.True(t, cm.IsConnected())
		assert.Equal(t, 1, broker.OpenConnections())
		assert.Equal(t, 1, broker.OpenChannels())
		assert.Equal(t, "chat-api", broker.LastConfig().Properties["connection_name"])
	})

	t.Run("second connect is rejected", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := rabbitmq.NewConnectionManager(testURL, rabbitmq.WithDialer(broker.Dial), rabbitmq.WithLogger(discardLogger()))
		require.NoError(t, cm.Connect(context.Background()))
		defer cm.Close()

		assert.ErrorIs(t, cm.Connect(context.Background()), rabbitmq.ErrAlreadyInitialized)
		assert.Equal(t, 1, broker.Dials())
	})

	t.Run("dial failure is a ConnectionError with sanitized url", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.SetDialError(errors.New("connection refused"))
		cm := rabbitmq.NewConnectionManager(testURL, rabbitmq.WithDialer(broker.Dial), rabbitmq.WithLogger(discardLogger()))

		err := cm.Connect(context.Background())
		var connErr *rabbitmq.ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.NotContains(t, connErr.URL, "guest:guest")
		assert.False(t, cm.IsConnected())
	})

	t.Run("slow dial times out and the late connection is closed", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		slow := func(url string, cfg amqp.Config) (rabbitmq.Connection, error) {
			time.Sleep(100 * time.Millisecond)
			return broker.Dial(url, cfg)
		}
		cm := rabbitmq.NewConnectionManager(testURL,
			rabbitmq.WithDialer(slow),
			rabbitmq.WithConnectTimeout(10*time.Millisecond),
			rabbitmq.WithLogger(discardLogger()))

		err := cm.Connect(context.Background())
		assert.ErrorIs(t, err, rabbitmq.ErrConnectionTimeout)

		require.Eventually(t, func() bool { return broker.Dials() == 1 }, waitFor, pollTick)
		require.Eventually(t, func() bool { return broker.OpenConnections() == 0 }, waitFor, pollTick)
	})

	t.Run("publishing channel failure closes the connection", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.FailNext("Channel", errors.New("channel max reached"))
		cm := rabbitmq.NewConnectionManager(testURL, rabbitmq.WithDialer(broker.Dial), rabbitmq.WithLogger(discardLogger()))

		var chErr *rabbitmq.ChannelError
		require.ErrorAs(t, cm.Connect(context.Background()), &chErr)
		assert.Equal(t, "publisher", chErr.Owner)
		assert.Equal(t, 0, broker.OpenConnections())
		assert.False(t, cm.IsConnected())
	})
}

func TestConnectionLost(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	cm := rabbitmq.NewConnectionManager(testURL, rabbitmq.WithDialer(broker.Dial), rabbitmq.WithLogger(discardLogger()))
	require.NoError(t, cm.Connect(context.Background()))
	defer cm.Close()

	broker.DropConnections(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker shutdown", Server: true})

	require.Eventually(t, func() bool { return !cm.IsConnected() }, waitFor, pollTick)

	_, err := cm.PublishingChannel()
	assert.ErrorIs(t, err, rabbitmq.ErrNotInitialized)
	_, err = cm.OpenChannel("alice")
	assert.ErrorIs(t, err, rabbitmq.ErrNotInitialized)

	// No automatic reconnect, but an explicit Connect works again.
	assert.Equal(t, 1, broker.Dials())
	require.Eventually(t, func() bool {
		return cm.Connect(context.Background()) == nil
	}, waitFor, pollTick)
	assert.True(t, cm.IsConnected())
	assert.Equal(t, 2, broker.Dials())
}

func TestPublishingChannelReopens(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	cm := rabbitmq.NewConnectionManager(testURL, rabbitmq.WithDialer(broker.Dial), rabbitmq.WithLogger(discardLogger()))
	require.NoError(t, cm.Connect(context.Background()))
	defer cm.Close()

	first, err := cm.PublishingChannel()
	require.NoError(t, err)

	// A 404 is a channel exception: the broker closes the channel but the
	// connection survives.
	err = first.QueueUnbind("user-missing", "provider-1", "message")
	require.Error(t, err)
	assert.True(t, first.IsClosed())
	assert.True(t, cm.IsConnected())

	second, err := cm.PublishingChannel()
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.False(t, second.IsClosed())

	again, err := cm.PublishingChannel()
	require.NoError(t, err)
	assert.Same(t, second, again)
	require.Eventually(t, func() bool { return broker.OpenChannels() == 1 }, waitFor, pollTick)
}

func TestBackpressure(t *testing.T) {
	t.Run("connection blocked", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := rabbitmq.NewConnectionManager(testURL, rabbitmq.WithDialer(broker.Dial), rabbitmq.WithLogger(discardLogger()))
		require.NoError(t, cm.Connect(context.Background()))
		defer cm.Close()

		assert.False(t, cm.Backpressure())

		broker.Block("low on memory")
		require.Eventually(t, cm.Backpressure, waitFor, pollTick)

		broker.Unblock()
		require.Eventually(t, func() bool { return !cm.Backpressure() }, waitFor, pollTick)
	})

	t.Run("channel flow paused", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := rabbitmq.NewConnectionManager(testURL, rabbitmq.WithDialer(broker.Dial), rabbitmq.WithLogger(discardLogger()))
		require.NoError(t, cm.Connect(context.Background()))
		defer cm.Close()

		broker.SetFlow(false)
		require.Eventually(t, cm.Backpressure, waitFor, pollTick)

		broker.SetFlow(true)
		require.Eventually(t, func() bool { return !cm.Backpressure() }, waitFor, pollTick)
	})
}

func TestConnectionClose(t *testing.T) {
	t.Run("closes channel then connection", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := rabbitmq.NewConnectionManager(testURL, rabbitmq.WithDialer(broker.Dial), rabbitmq.WithLogger(discardLogger()))
		require.NoError(t, cm.Connect(context.Background()))

		require.NoError(t, cm.Close())
		assert.Equal(t, 0, broker.OpenChannels())
		assert.Equal(t, 0, broker.OpenConnections())
		assert.False(t, cm.IsConnected())

		assert.NoError(t, cm.Close())
	})

	t.Run("close failure is reported and handles are released", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := rabbitmq.NewConnectionManager(testURL, rabbitmq.WithDialer(broker.Dial), rabbitmq.WithLogger(discardLogger()))
		require.NoError(t, cm.Connect(context.Background()))

		broker.FailNext("ConnectionClose", errors.New("socket reset"))
		err := cm.Close()

		var teardown *rabbitmq.TeardownError
		require.ErrorAs(t, err, &teardown)
		assert.Equal(t, "connection", teardown.Resource)
		assert.False(t, cm.IsConnected())
	})
}
