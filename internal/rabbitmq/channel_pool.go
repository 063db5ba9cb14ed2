package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultChannelKey is the key of the shared channel handed out to every
// caller that does not need its own prefetch.
const DefaultChannelKey = "default"

// QueueChannelKey returns the key of the dedicated channel for a queue
func QueueChannelKey(queue string) string {
	return "queue:" + queue
}

// ChannelConfig is the per-key channel configuration
type ChannelConfig struct {
	Prefetch int
}

// ConnectionSource provides the connection channels are opened on
type ConnectionSource interface {
	GetConnection(ctx context.Context) (Connection, error)
}

// channelEntry memoizes the creation of one channel. ch and err are only
// read after ready is closed.
type channelEntry struct {
	key    string
	config ChannelConfig
	ready  chan struct{}
	ch     Channel
	err    error
}

// ChannelPool caches channels by key over a single connection
type ChannelPool struct {
	source          ConnectionSource
	defaultPrefetch int
	logger          *slog.Logger
	mu              sync.Mutex
	entries         map[string]*channelEntry
	closed          bool
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithDefaultPrefetch sets the prefetch of the shared default channel
func WithDefaultPrefetch(prefetch int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.defaultPrefetch = prefetch
	}
}

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates a new channel pool. Channels are opened lazily.
func NewChannelPool(source ConnectionSource, options ...ChannelPoolOption) (*ChannelPool, error) {
	if source == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		source:  source,
		logger:  slog.Default(),
		entries: make(map[string]*channelEntry),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.defaultPrefetch < 0 {
		return nil, fmt.Errorf("%w: prefetch must not be negative", ErrInvalidConfiguration)
	}

	return pool, nil
}

// DefaultPrefetch returns the prefetch of the default channel
func (cp *ChannelPool) DefaultPrefetch() int {
	return cp.defaultPrefetch
}

// Get returns the channel for queue. Callers whose prefetch is unset or
// equal to the default share the default channel; everyone else gets a
// channel dedicated to the queue.
func (cp *ChannelPool) Get(ctx context.Context, queue string, config ChannelConfig) (Channel, error) {
	if config.Prefetch <= 0 || config.Prefetch == cp.defaultPrefetch {
		return cp.get(ctx, DefaultChannelKey, ChannelConfig{Prefetch: cp.defaultPrefetch})
	}
	return cp.get(ctx, QueueChannelKey(queue), config)
}

func (cp *ChannelPool) get(ctx context.Context, key string, config ChannelConfig) (Channel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}

	entry, ok := cp.entries[key]
	if ok && entry.config != config {
		cp.mu.Unlock()
		return nil, &ChannelAlreadyExistsError{Key: key, Existing: entry.config, Requested: config}
	}
	if !ok {
		entry = &channelEntry{
			key:    key,
			config: config,
			ready:  make(chan struct{}),
		}
		cp.entries[key] = entry
		go cp.initNewChannel(context.WithoutCancel(ctx), entry)
	}
	cp.mu.Unlock()

	select {
	case <-entry.ready:
		if entry.err != nil {
			return nil, entry.err
		}
		return entry.ch, nil

	case <-ctx.Done():
		return nil, &ChannelError{
			Op:        "get channel",
			ChannelID: key,
			Err:       fmt.Errorf("%w: %w", ErrOperationCancelled, ctx.Err()),
			Timestamp: time.Now(),
		}
	}
}

// initNewChannel opens the channel for entry and settles its future
func (cp *ChannelPool) initNewChannel(ctx context.Context, entry *channelEntry) {
	defer close(entry.ready)

	conn, err := cp.source.GetConnection(ctx)
	if err != nil {
		cp.fail(entry, "create channel", err)
		return
	}

	ch, err := conn.Channel()
	if err != nil {
		cp.fail(entry, "create channel", fmt.Errorf("%w: %v", ErrChannelCreationFailed, err))
		return
	}

	if entry.config.Prefetch > 0 {
		if err := ch.Qos(entry.config.Prefetch, 0, false); err != nil {
			ch.Close()
			cp.fail(entry, "set prefetch", err)
			return
		}
	}

	notifyClose := ch.NotifyClose(make(chan *amqp.Error, 1))

	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		ch.Close()
		entry.err = ErrChannelPoolClosed
		return
	}
	entry.ch = ch
	cp.mu.Unlock()

	go cp.watch(entry, notifyClose)

	cp.logger.Debug("channel opened", "key", entry.key, "prefetch", entry.config.Prefetch)
}

func (cp *ChannelPool) fail(entry *channelEntry, op string, err error) {
	cp.evict(entry)
	entry.err = &ChannelError{
		Op:        op,
		ChannelID: entry.key,
		Err:       err,
		Timestamp: time.Now(),
	}
	cp.logger.Error("failed to open channel", "key", entry.key, "error", err)
}

// watch evicts the entry once its channel closes so the next caller
// opens a fresh one.
func (cp *ChannelPool) watch(entry *channelEntry, notifyClose chan *amqp.Error) {
	amqpErr, ok := <-notifyClose
	cp.evict(entry)

	if ok && amqpErr != nil {
		cp.logger.Warn("channel closed", "key", entry.key, "error", amqpErr)
		return
	}
	cp.logger.Debug("channel closed", "key", entry.key)
}

func (cp *ChannelPool) evict(entry *channelEntry) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if current, ok := cp.entries[entry.key]; ok && current == entry {
		delete(cp.entries, entry.key)
	}
}

// Size returns the number of cached (open or opening) channels
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.entries)
}

// Close closes every open channel in the pool
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	entries := cp.entries
	cp.entries = make(map[string]*channelEntry)
	cp.mu.Unlock()

	for _, entry := range entries {
		select {
		case <-entry.ready:
			if entry.ch != nil && !entry.ch.IsClosed() {
				entry.ch.Close()
			}
		default:
			// still opening; initNewChannel closes it once it sees the pool is closed
		}
	}

	return nil
}
