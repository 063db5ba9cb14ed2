package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/singleflight"

	"github.com/glimte/burrow/hooks"
)

// ConnectionState describes the lifecycle of the managed connection
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Connection hook events
const (
	EventBeforeConnect  hooks.Event = "connection.beforeConnect"
	EventAfterConnect   hooks.Event = "connection.afterConnect"
	EventConnectionLost hooks.Event = "connection.lost"
)

// ConnectionConfig is the configuration reported to connection hooks
type ConnectionConfig struct {
	URL               string // sanitized
	Hostname          string
	ReconnectInterval time.Duration
}

// ConnectionEvent is the payload of connection hook events
type ConnectionEvent struct {
	Config     ConnectionConfig
	Connection Connection
	Err        error
}

// ConnectionManager owns the single broker connection for a URL and
// re-establishes it in the background when it is lost.
type ConnectionManager struct {
	url               string
	hostname          string
	dial              Dialer
	reconnectInterval time.Duration
	logger            *slog.Logger
	hooks             *hooks.Bus[ConnectionEvent]
	channels          *ChannelPool
	channelOptions    []ChannelPoolOption

	connecting   singleflight.Group
	mu           sync.RWMutex
	conn         Connection
	state        ConnectionState
	reconnecting bool
	closed       bool
	done         chan struct{}
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the fixed interval between reconnection attempts
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectInterval = delay
	}
}

// WithDialer replaces the function used to open broker connections
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithChannelPoolOptions configures the manager's channel pool
func WithChannelPoolOptions(opts ...ChannelPoolOption) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.channelOptions = append(cm.channelOptions, opts...)
	}
}

// NewConnectionManager creates a connection manager. Nothing is dialed
// until the first GetConnection or GetChannel call.
func NewConnectionManager(url, hostname string, options ...ConnectionOption) (*ConnectionManager, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: broker url is required", ErrInvalidConfiguration)
	}
	if hostname == "" {
		return nil, fmt.Errorf("%w: hostname is required", ErrInvalidConfiguration)
	}

	cm := &ConnectionManager{
		url:               url,
		hostname:          hostname,
		dial:              DialAMQP,
		reconnectInterval: time.Second,
		logger:            slog.Default(),
		done:              make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	if cm.reconnectInterval <= 0 {
		return nil, fmt.Errorf("%w: reconnect interval must be positive", ErrInvalidConfiguration)
	}

	cm.hooks = hooks.NewBus[ConnectionEvent]("connection", cm.logger)

	pool, err := NewChannelPool(cm, append([]ChannelPoolOption{WithChannelLogger(cm.logger)}, cm.channelOptions...)...)
	if err != nil {
		return nil, err
	}
	cm.channels = pool

	return cm, nil
}

// Hooks returns the connection hook bus
func (cm *ConnectionManager) Hooks() *hooks.Bus[ConnectionEvent] {
	return cm.hooks
}

// Channels returns the channel pool layered over this connection
func (cm *ConnectionManager) Channels() *ChannelPool {
	return cm.channels
}

// Hostname returns the identity label of this process
func (cm *ConnectionManager) Hostname() string {
	return cm.hostname
}

// GetConnection returns the shared connection, establishing it if needed.
// Concurrent callers share a single in-flight connection attempt.
func (cm *ConnectionManager) GetConnection(ctx context.Context) (Connection, error) {
	cm.mu.RLock()
	if cm.closed {
		cm.mu.RUnlock()
		return nil, ErrConnectionClosed
	}
	if cm.conn != nil && !cm.conn.IsClosed() {
		conn := cm.conn
		cm.mu.RUnlock()
		return conn, nil
	}
	cm.mu.RUnlock()

	result := cm.connecting.DoChan(cm.url, func() (interface{}, error) {
		return cm.connect()
	})

	select {
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Connection), nil

	case <-ctx.Done():
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       fmt.Errorf("%w: %w", ErrOperationCancelled, ctx.Err()),
			Timestamp: time.Now(),
		}
	}
}

// GetChannel returns a channel for queue from the channel pool
func (cm *ConnectionManager) GetChannel(ctx context.Context, queue string, config ChannelConfig) (Channel, error) {
	return cm.channels.Get(ctx, queue, config)
}

// State returns the current connection state
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// Close closes the channel pool and the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	close(cm.done)
	conn := cm.conn
	cm.conn = nil
	cm.state = StateDisconnected
	cm.mu.Unlock()

	cm.channels.Close()

	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}

func (cm *ConnectionManager) config() ConnectionConfig {
	return ConnectionConfig{
		URL:               SanitizeURL(cm.url),
		Hostname:          cm.hostname,
		ReconnectInterval: cm.reconnectInterval,
	}
}

// connect dials the broker. It only runs inside the singleflight group.
func (cm *ConnectionManager) connect() (Connection, error) {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if cm.conn != nil && !cm.conn.IsClosed() {
		conn := cm.conn
		cm.mu.Unlock()
		return conn, nil
	}
	cm.state = StateConnecting
	cm.mu.Unlock()

	ctx := context.Background()
	cfg := cm.config()
	cm.hooks.Trigger(ctx, EventBeforeConnect, ConnectionEvent{Config: cfg})

	conn, err := cm.dial(cm.url, amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: amqp.Table{"connection_name": cm.hostname},
	})
	if err != nil {
		connErr := &ConnectionError{
			Op:        "connect",
			URL:       cfg.URL,
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}

		cm.mu.Lock()
		cm.state = StateDisconnected
		cm.mu.Unlock()

		cm.logger.Error("failed to connect to RabbitMQ", "url", cfg.URL, "error", err)
		cm.hooks.Trigger(ctx, EventAfterConnect, ConnectionEvent{Config: cfg, Err: connErr})
		cm.startReconnect()
		return nil, connErr
	}

	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		conn.Close()
		return nil, ErrConnectionClosed
	}
	cm.conn = conn
	cm.state = StateConnected
	cm.mu.Unlock()

	go cm.watch(conn, notifyClose)

	cm.logger.Info("connected to RabbitMQ", "url", cfg.URL, "hostname", cm.hostname)
	cm.hooks.Trigger(ctx, EventAfterConnect, ConnectionEvent{Config: cfg, Connection: conn})

	return conn, nil
}

// watch clears the cached connection when the broker closes it
func (cm *ConnectionManager) watch(conn Connection, notifyClose chan *amqp.Error) {
	select {
	case amqpErr, ok := <-notifyClose:
		cm.mu.Lock()
		if cm.conn == conn {
			cm.conn = nil
			cm.state = StateDisconnected
		}
		closed := cm.closed
		cm.mu.Unlock()

		if closed {
			return
		}

		var err error = ErrConnectionClosed
		if ok && amqpErr != nil {
			err = amqpErr
		}

		cm.logger.Error("connection closed", "url", SanitizeURL(cm.url), "error", err)
		cm.hooks.Trigger(context.Background(), EventConnectionLost, ConnectionEvent{
			Config:     cm.config(),
			Connection: conn,
			Err:        err,
		})

		cm.startReconnect()

	case <-cm.done:
	}
}

// startReconnect starts the reconnect loop unless one is already running
func (cm *ConnectionManager) startReconnect() {
	cm.mu.Lock()
	if cm.reconnecting || cm.closed {
		cm.mu.Unlock()
		return
	}
	cm.reconnecting = true
	cm.mu.Unlock()

	go cm.reconnect()
}

// reconnect retries at a fixed interval until a connection is established
func (cm *ConnectionManager) reconnect() {
	ticker := time.NewTicker(cm.reconnectInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ticker.C:
		case <-cm.done:
			cm.mu.Lock()
			cm.reconnecting = false
			cm.mu.Unlock()
			return
		}

		cm.logger.Info("attempting to reconnect", "attempt", attempt)

		if _, err := cm.GetConnection(context.Background()); err != nil {
			cm.logger.Warn("reconnection failed",
				"error", err,
				"attempt", attempt,
				"nextRetryIn", cm.reconnectInterval)
			continue
		}

		cm.mu.Lock()
		if cm.conn == nil && !cm.closed {
			// lost again before we could stop
			cm.mu.Unlock()
			continue
		}
		cm.reconnecting = false
		cm.mu.Unlock()

		cm.logger.Info("successfully reconnected to RabbitMQ", "attempts", attempt)
		return
	}
}
