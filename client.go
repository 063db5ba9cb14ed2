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

package burrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/glimte/burrow/health"
	"github.com/glimte/burrow/internal/rabbitmq"
	"github.com/glimte/burrow/messaging"
)

// Client provides the main entry point for burrow. It owns one broker
// connection with its channel pool, one producer and one consumer.
type Client struct {
	config     Config
	connection *rabbitmq.ConnectionManager
	producer   *messaging.Producer
	consumer   *messaging.Consumer
}

// NewClient creates a client for the default configuration adjusted by
// options. The broker is not contacted until the first publish or subscribe.
func NewClient(options ...ClientOption) (*Client, error) {
	cfg := DefaultConfig()
	for _, opt := range options {
		opt(&cfg)
	}
	return NewClientWithConfig(cfg)
}

// NewClientWithConfig creates a client from cfg
func NewClientWithConfig(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = DefaultConfig().Logger
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cfg.Logger),
		rabbitmq.WithReconnectDelay(cfg.Timeout),
		rabbitmq.WithChannelPoolOptions(rabbitmq.WithDefaultPrefetch(cfg.Prefetch)),
	}
	if cfg.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(cfg.dialer))
	}

	connection, err := rabbitmq.NewConnectionManager(cfg.Host, cfg.Hostname, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	producer, err := messaging.NewProducer(connection, cfg.Hostname,
		messaging.WithProducerLogger(cfg.Logger),
		messaging.WithMaxRetries(cfg.ProducerMaxRetries),
		messaging.WithRetryDelay(cfg.Timeout),
		messaging.WithDefaultRPCTimeout(cfg.RPCTimeout),
	)
	if err != nil {
		connection.Close()
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	consumer, err := messaging.NewConsumer(connection,
		messaging.WithConsumerLogger(cfg.Logger),
		messaging.WithQueueSuffix(cfg.ConsumerSuffix),
		messaging.WithDefaultRequeue(cfg.Requeue),
		messaging.WithResubscribeDelay(cfg.Timeout),
		messaging.WithConcurrency(cfg.Prefetch),
	)
	if err != nil {
		connection.Close()
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	cfg.Logger.Debug("client created",
		"host", rabbitmq.SanitizeURL(cfg.Host),
		"hostname", cfg.Hostname,
	)

	return &Client{
		config:     cfg,
		connection: connection,
		producer:   producer,
		consumer:   consumer,
	}, nil
}

// Config returns the configuration the client was created with
func (c *Client) Config() Config {
	return c.config
}

// Connection returns the connection manager
func (c *Client) Connection() *rabbitmq.ConnectionManager {
	return c.connection
}

// Producer returns the message producer
func (c *Client) Producer() *messaging.Producer {
	return c.producer
}

// Consumer returns the message consumer
func (c *Client) Consumer() *messaging.Consumer {
	return c.consumer
}

// Publish sends msg to queue
func (c *Client) Publish(ctx context.Context, queue string, msg any, opts ...messaging.PublishOption) (*messaging.PublishResult, error) {
	return c.producer.Publish(ctx, queue, msg, opts...)
}

// Call sends msg to queue and waits for the reply
func (c *Client) Call(ctx context.Context, queue string, msg any, opts ...messaging.PublishOption) (any, error) {
	return c.producer.Call(ctx, queue, msg, opts...)
}

// Subscribe starts handling messages from queue
func (c *Client) Subscribe(ctx context.Context, queue string, handler messaging.Handler, opts ...messaging.SubscribeOption) error {
	return c.consumer.Subscribe(ctx, queue, handler, opts...)
}

// Unsubscribe stops handling messages from queue
func (c *Client) Unsubscribe(queue string) error {
	return c.consumer.Unsubscribe(queue)
}

// Health checks the broker connection and the default channel
func (c *Client) Health(ctx context.Context) health.Report {
	return health.Run(ctx,
		health.NewRabbitMQChecker(c.connection),
		health.NewChannelPoolChecker(c.connection.Channels()),
	)
}

// Close stops all subscriptions and closes the connection
func (c *Client) Close() error {
	return errors.Join(
		c.consumer.Close(),
		c.connection.Close(),
	)
}
