package rabbitmq_test

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/burrow/internal/rabbitmq"
	"github.com/glimte/burrow/internal/rabbitmq/rabbitmqtest"
)

func newPool(t *testing.T, broker *rabbitmqtest.Broker, prefetch int) *rabbitmq.ChannelPool {
	t.Helper()
	manager := newManager(t, broker)
	pool, err := rabbitmq.NewChannelPool(manager, rabbitmq.WithDefaultPrefetch(prefetch))
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

// blockingSource holds every connection request until released
type blockingSource struct {
	broker  *rabbitmqtest.Broker
	release chan struct{}
}

func (s *blockingSource) GetConnection(ctx context.Context) (rabbitmq.Connection, error) {
	<-s.release
	return s.broker.Dial("amqp://localhost:5672/", amqp.Config{})
}

func TestChannelPool(t *testing.T) {
	ctx := context.Background()

	t.Run("NewChannelPool validates configuration", func(t *testing.T) {
		_, err := rabbitmq.NewChannelPool(nil)
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)

		broker := rabbitmqtest.NewBroker()
		_, err = rabbitmq.NewChannelPool(newManager(t, broker), rabbitmq.WithDefaultPrefetch(-1))
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
	})

	t.Run("concurrent callers converge on one channel", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		pool := newPool(t, broker, 10)

		var wg sync.WaitGroup
		channels := make([]rabbitmq.Channel, 25)
		for i := range channels {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ch, err := pool.Get(ctx, "orders", rabbitmq.ChannelConfig{Prefetch: 5})
				assert.NoError(t, err)
				channels[i] = ch
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, broker.ChannelsOpened())
		for _, ch := range channels {
			assert.Same(t, channels[0], ch)
		}
	})

	t.Run("default prefetch shares the default channel", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		pool := newPool(t, broker, 10)

		a, err := pool.Get(ctx, "a", rabbitmq.ChannelConfig{})
		require.NoError(t, err)
		b, err := pool.Get(ctx, "b", rabbitmq.ChannelConfig{Prefetch: 10})
		require.NoError(t, err)
		c, err := pool.Get(ctx, "c", rabbitmq.ChannelConfig{Prefetch: 2})
		require.NoError(t, err)

		assert.Same(t, a, b)
		assert.NotSame(t, a, c)
		assert.Equal(t, 10, a.(*rabbitmqtest.Channel).Prefetch())
		assert.Equal(t, 2, c.(*rabbitmqtest.Channel).Prefetch())
		assert.Equal(t, 2, pool.Size())
		assert.Equal(t, 10, pool.DefaultPrefetch())
	})

	t.Run("conflicting prefetch for a key is rejected", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		pool := newPool(t, broker, 10)

		first, err := pool.Get(ctx, "Q", rabbitmq.ChannelConfig{Prefetch: 5})
		require.NoError(t, err)
		second, err := pool.Get(ctx, "Q", rabbitmq.ChannelConfig{Prefetch: 5})
		require.NoError(t, err)
		assert.Same(t, first, second)

		_, err = pool.Get(ctx, "Q", rabbitmq.ChannelConfig{Prefetch: 9})
		var conflict *rabbitmq.ChannelAlreadyExistsError
		require.ErrorAs(t, err, &conflict)
		assert.ErrorIs(t, err, rabbitmq.ErrChannelAlreadyExists)
		assert.Equal(t, rabbitmq.QueueChannelKey("Q"), conflict.Key)
		assert.Equal(t, 5, conflict.Existing.Prefetch)
		assert.Equal(t, 9, conflict.Requested.Prefetch)
		assert.False(t, rabbitmq.IsRetryable(err))

		third, err := pool.Get(ctx, "Q", rabbitmq.ChannelConfig{Prefetch: 5})
		require.NoError(t, err)
		assert.Same(t, first, third)

		def, err := pool.Get(ctx, "Q", rabbitmq.ChannelConfig{})
		require.NoError(t, err)
		assert.NotSame(t, first, def)
		assert.Equal(t, 2, broker.ChannelsOpened())
	})

	t.Run("closed channels are evicted and recreated on demand", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		pool := newPool(t, broker, 0)

		first, err := pool.Get(ctx, "orders", rabbitmq.ChannelConfig{})
		require.NoError(t, err)

		first.(*rabbitmqtest.Channel).Break()
		assert.Eventually(t, func() bool { return pool.Size() == 0 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, broker.ChannelsOpened())

		second, err := pool.Get(ctx, "orders", rabbitmq.ChannelConfig{})
		require.NoError(t, err)
		assert.NotSame(t, first, second)
		assert.Equal(t, 2, broker.ChannelsOpened())
	})

	t.Run("connection failures propagate and evict", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.SetDialError(rabbitmqtest.ErrDialRefused)
		pool := newPool(t, broker, 0)

		_, err := pool.Get(ctx, "orders", rabbitmq.ChannelConfig{})
		var chanErr *rabbitmq.ChannelError
		require.ErrorAs(t, err, &chanErr)
		assert.Equal(t, rabbitmq.DefaultChannelKey, chanErr.ChannelID)
		assert.ErrorIs(t, err, rabbitmqtest.ErrDialRefused)
		assert.True(t, rabbitmq.IsRetryable(err))
		assert.Equal(t, 0, pool.Size())

		broker.SetDialError(nil)
		assert.Eventually(t, func() bool {
			_, err := pool.Get(ctx, "orders", rabbitmq.ChannelConfig{})
			return err == nil
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("waiting callers give up when their context ends", func(t *testing.T) {
		source := &blockingSource{broker: rabbitmqtest.NewBroker(), release: make(chan struct{})}
		pool, err := rabbitmq.NewChannelPool(source)
		require.NoError(t, err)
		defer pool.Close()

		ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		_, err = pool.Get(ctx, "orders", rabbitmq.ChannelConfig{})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.ErrorIs(t, err, rabbitmq.ErrOperationCancelled)

		close(source.release)
		assert.Eventually(t, func() bool {
			_, err := pool.Get(context.Background(), "orders", rabbitmq.ChannelConfig{})
			return err == nil
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("Close closes channels and rejects new callers", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		pool := newPool(t, broker, 0)

		ch, err := pool.Get(ctx, "orders", rabbitmq.ChannelConfig{})
		require.NoError(t, err)

		require.NoError(t, pool.Close())
		assert.True(t, ch.IsClosed())

		_, err = pool.Get(ctx, "orders", rabbitmq.ChannelConfig{})
		assert.ErrorIs(t, err, rabbitmq.ErrChannelPoolClosed)
		assert.NoError(t, pool.Close())
	})
}

func TestAssertQueue(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	pool := newPool(t, broker, 0)

	ch, err := pool.Get(context.Background(), "orders", rabbitmq.ChannelConfig{})
	require.NoError(t, err)

	_, err = rabbitmq.AssertQueue(ch, rabbitmq.QueueDeclaration{})
	assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)

	q, err := rabbitmq.AssertQueue(ch, rabbitmq.QueueDeclaration{Name: "orders", Durable: true})
	require.NoError(t, err)
	assert.Equal(t, "orders", q.Name)
	assert.True(t, broker.HasQueue("orders"))
}
