package burrow

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/burrow/health"
	"github.com/glimte/burrow/internal/rabbitmq"
	"github.com/glimte/burrow/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/burrow/internal/reliability"
	"github.com/glimte/burrow/messaging"
)

func newTestClient(t *testing.T, broker *rabbitmqtest.Broker, options ...ClientOption) *Client {
	t.Helper()
	options = append([]ClientOption{
		WithDialer(broker.Dial),
		WithTimeout(10 * time.Millisecond),
		WithRPCTimeout(time.Second),
		WithHostname("test-host"),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, options...)

	client, err := NewClient(options...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("HOSTNAME", "web-1")

	cfg := DefaultConfig()
	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultPrefetch, cfg.Prefetch)
	assert.True(t, cfg.Requeue)
	assert.Equal(t, time.Second, cfg.Timeout)
	assert.Equal(t, reliability.Unlimited, cfg.ProducerMaxRetries)
	assert.Equal(t, 15*time.Second, cfg.RPCTimeout)
	assert.Empty(t, cfg.ConsumerSuffix)
	assert.Equal(t, "web-1", cfg.Hostname)
	assert.NotNil(t, cfg.Logger)
	assert.NoError(t, cfg.Validate())
}

func TestDefaultHostnameFallback(t *testing.T) {
	t.Setenv("HOSTNAME", "")
	assert.NotEmpty(t, defaultHostname())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty host", func(c *Config) { c.Host = "" }},
		{"empty hostname", func(c *Config) { c.Hostname = "" }},
		{"negative prefetch", func(c *Config) { c.Prefetch = -1 }},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }},
		{"negative rpc timeout", func(c *Config) { c.RPCTimeout = -time.Second }},
		{"invalid max retries", func(c *Config) { c.ProducerMaxRetries = -2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), rabbitmq.ErrInvalidConfiguration)

			_, err := NewClientWithConfig(cfg)
			assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
		})
	}
}

func TestClient(t *testing.T) {
	ctx := context.Background()

	t.Run("NewClient connects lazily", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client := newTestClient(t, broker)

		assert.Equal(t, 0, broker.Dials())
		assert.False(t, client.Connection().IsConnected())
		assert.Equal(t, "test-host", client.Config().Hostname)
		assert.NotNil(t, client.Producer())
		assert.NotNil(t, client.Consumer())
	})

	t.Run("default channel is bounded by the default prefetch", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client := newTestClient(t, broker)

		require.NoError(t, client.Subscribe(ctx, "orders", func(ctx context.Context, content any, d amqp.Delivery) (any, error) {
			return nil, nil
		}))
		require.Len(t, broker.Connections(), 1)
		assert.Equal(t, DefaultPrefetch, broker.Connections()[0].Channels()[0].Prefetch())
		assert.Equal(t, DefaultPrefetch, client.Connection().Channels().DefaultPrefetch())
	})

	t.Run("publish and consume through one connection", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client := newTestClient(t, broker, WithConsumerSuffix("-test"), WithPrefetch(4))

		received := make(chan any, 1)
		require.NoError(t, client.Subscribe(ctx, "orders", func(ctx context.Context, content any, d amqp.Delivery) (any, error) {
			received <- content
			return nil, nil
		}))
		assert.True(t, broker.HasQueue("orders-test"))

		result, err := client.Publish(ctx, "orders-test", map[string]any{"msg": "x"})
		require.NoError(t, err)
		assert.True(t, result.Accepted)

		select {
		case content := <-received:
			assert.Equal(t, map[string]any{"msg": "x"}, content)
		case <-time.After(time.Second):
			t.Fatal("message was not consumed")
		}

		assert.Equal(t, 1, broker.Dials())
		assert.Equal(t, 1, broker.ChannelsOpened())
		assert.Equal(t, 4, broker.Connections()[0].Channels()[0].Prefetch())
	})

	t.Run("Call returns the reply", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client := newTestClient(t, broker)

		require.NoError(t, client.Subscribe(ctx, "colors", func(ctx context.Context, content any, d amqp.Delivery) (any, error) {
			return "Red", nil
		}))

		reply, err := client.Call(ctx, "colors", "favourite")
		require.NoError(t, err)
		assert.Equal(t, "Red", reply)
		assert.True(t, broker.HasQueue(messaging.ReplyQueueName("colors", "test-host")))
	})

	t.Run("rpc timeout comes from the config", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client := newTestClient(t, broker, WithRPCTimeout(20*time.Millisecond))

		_, err := client.Call(ctx, "nobody", "ping")
		assert.ErrorIs(t, err, messaging.ErrRPCTimeout)
	})

	t.Run("Health reports the broker state", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client := newTestClient(t, broker)

		report := client.Health(ctx)
		assert.Equal(t, health.StatusHealthy, report.Status)
		assert.Len(t, report.Checks, 2)

		broker.SetDialError(rabbitmqtest.ErrDialRefused)
		broker.Connections()[0].Break()
		assert.Eventually(t, func() bool {
			return client.Health(ctx).Status == health.StatusUnhealthy
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("Close stops subscriptions and the connection", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client := newTestClient(t, broker)

		require.NoError(t, client.Subscribe(ctx, "orders", func(ctx context.Context, content any, d amqp.Delivery) (any, error) {
			return nil, nil
		}))
		require.NoError(t, client.Close())

		assert.Equal(t, 0, broker.Consumers("orders"))
		assert.True(t, broker.Connections()[0].IsClosed())
		assert.ErrorIs(t, client.Unsubscribe("orders"), messaging.ErrNotSubscribed)

		_, err := client.Publish(ctx, "orders", "x")
		assert.ErrorIs(t, err, rabbitmq.ErrChannelPoolClosed)
	})
}
