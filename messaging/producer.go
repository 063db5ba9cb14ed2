package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/burrow/hooks"
	"github.com/glimte/burrow/internal/rabbitmq"
	"github.com/glimte/burrow/internal/reliability"
	"github.com/glimte/burrow/serialization"
)

// ChannelSource hands out pooled channels. *rabbitmq.ConnectionManager
// implements it.
type ChannelSource interface {
	GetChannel(ctx context.Context, queue string, config rabbitmq.ChannelConfig) (rabbitmq.Channel, error)
}

// PublishOptions controls a single publish
type PublishOptions struct {
	RPC        bool
	Persistent bool
	Exchange   string
	RoutingKey string
	Headers    amqp.Table
	// Prefetch selects a dedicated channel for the queue when it differs
	// from the pool default
	Prefetch int
	// RPCTimeout overrides the producer timeout when set; zero disables it
	RPCTimeout *time.Duration
}

// PublishOption configures a single publish
type PublishOption func(*PublishOptions)

// WithRPC waits for a reply from the consumer
func WithRPC() PublishOption {
	return func(o *PublishOptions) {
		o.RPC = true
	}
}

// WithRoutingKey publishes to exchange with key instead of straight to the queue
func WithRoutingKey(exchange, key string) PublishOption {
	return func(o *PublishOptions) {
		o.Exchange = exchange
		o.RoutingKey = key
	}
}

// WithPersistent sets the delivery mode. Messages are persistent by default.
func WithPersistent(persistent bool) PublishOption {
	return func(o *PublishOptions) {
		o.Persistent = persistent
	}
}

// WithRPCTimeout overrides how long an RPC waits for its reply
func WithRPCTimeout(timeout time.Duration) PublishOption {
	return func(o *PublishOptions) {
		o.RPCTimeout = &timeout
	}
}

// WithHeaders adds application headers to the message
func WithHeaders(headers amqp.Table) PublishOption {
	return func(o *PublishOptions) {
		if o.Headers == nil {
			o.Headers = amqp.Table{}
		}
		maps.Copy(o.Headers, headers)
	}
}

// WithPublishPrefetch publishes on the queue's dedicated channel
func WithPublishPrefetch(prefetch int) PublishOption {
	return func(o *PublishOptions) {
		o.Prefetch = prefetch
	}
}

// PublishResult is the outcome of a successful publish
type PublishResult struct {
	// Accepted reports whether the channel accepted the write
	Accepted bool
	// Reply holds the decoded reply of an RPC
	Reply any
	// ReplyDelivery is the raw reply of an RPC
	ReplyDelivery *amqp.Delivery
}

// Producer publishes messages to queues and performs RPC calls
type Producer struct {
	channels   ChannelSource
	hostname   string
	hooks      *hooks.Bus[PublishEvent]
	retry      reliability.RetryPolicy
	rpcTimeout time.Duration
	rpc        *RPCRegistry
	logger     *slog.Logger
}

type producerSettings struct {
	maxRetries int
	retryDelay time.Duration
	rpcTimeout time.Duration
	logger     *slog.Logger
}

// ProducerOption configures the producer
type ProducerOption func(*producerSettings)

// WithProducerLogger sets the logger
func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(s *producerSettings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxRetries sets how often a failed publish is retried.
// reliability.Unlimited retries forever and zero disables retries.
func WithMaxRetries(retries int) ProducerOption {
	return func(s *producerSettings) {
		s.maxRetries = retries
	}
}

// WithRetryDelay sets the pause between publish attempts
func WithRetryDelay(delay time.Duration) ProducerOption {
	return func(s *producerSettings) {
		s.retryDelay = delay
	}
}

// WithDefaultRPCTimeout sets how long an RPC waits for its reply. Zero waits forever.
func WithDefaultRPCTimeout(timeout time.Duration) ProducerOption {
	return func(s *producerSettings) {
		s.rpcTimeout = timeout
	}
}

// NewProducer creates a producer publishing over channels. hostname names
// the RPC reply queues of this process.
func NewProducer(channels ChannelSource, hostname string, opts ...ProducerOption) (*Producer, error) {
	settings := producerSettings{
		maxRetries: reliability.Unlimited,
		retryDelay: time.Second,
		rpcTimeout: 15 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&settings)
	}

	if channels == nil {
		return nil, fmt.Errorf("%w: channel source is required", rabbitmq.ErrInvalidConfiguration)
	}
	if hostname == "" {
		return nil, fmt.Errorf("%w: hostname is required", rabbitmq.ErrInvalidConfiguration)
	}
	if settings.retryDelay < 0 || settings.rpcTimeout < 0 {
		return nil, fmt.Errorf("%w: retry delay and rpc timeout must not be negative", rabbitmq.ErrInvalidConfiguration)
	}

	logger := settings.logger.With("component", "producer")
	return &Producer{
		channels:   channels,
		hostname:   hostname,
		hooks:      hooks.NewBus[PublishEvent]("producer", logger),
		retry:      reliability.NewFixedDelay(settings.retryDelay, settings.maxRetries),
		rpcTimeout: settings.rpcTimeout,
		rpc:        NewRPCRegistry(),
		logger:     logger,
	}, nil
}

// Hooks returns the producer hook bus
func (p *Producer) Hooks() *hooks.Bus[PublishEvent] {
	return p.hooks
}

// RPC returns the registry of reply queues
func (p *Producer) RPC() *RPCRegistry {
	return p.rpc
}

// Publish sends msg to queue. With WithRPC it waits for the consumer's
// reply and returns it in the result.
//
// Failed attempts are retried with the configured policy. Hook vetoes,
// channel configuration conflicts, RPC timeouts and context cancellation
// end the publish immediately.
func (p *Producer) Publish(ctx context.Context, queue string, msg any, opts ...PublishOption) (*PublishResult, error) {
	options := PublishOptions{Persistent: true}
	for _, opt := range opts {
		opt(&options)
	}

	exchange, key := "", queue
	if options.RoutingKey != "" {
		exchange, key = options.Exchange, options.RoutingKey
	}

	var lastErr error
	attempts := 0
	for attempt := 0; ; attempt++ {
		attempts++
		result, publishing, err := p.publishOnce(ctx, queue, exchange, key, msg, options, attempt)

		shouldRetry := false
		var delay time.Duration
		if err != nil && ctx.Err() == nil {
			shouldRetry, delay = p.retry.ShouldRetry(attempt, err)
		}

		p.hooks.Trigger(ctx, EventAfterPublish, PublishEvent{
			Queue:        queue,
			Message:      msg,
			Publishing:   publishing,
			Options:      options,
			CurrentRetry: attempt,
			Result:       result,
			Err:          err,
			ShouldRetry:  shouldRetry,
		})

		if err == nil {
			return result, nil
		}

		lastErr = err
		if !shouldRetry {
			break
		}

		p.logger.Warn("publish failed, retrying",
			"queue", queue,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		if err := reliability.Sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	var permanent reliability.RetryableError
	if errors.As(lastErr, &permanent) && !permanent.Retryable {
		return nil, permanent.Err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if !errors.Is(lastErr, ctxErr) {
			lastErr = fmt.Errorf("%w: %w", ctxErr, lastErr)
		}
		return nil, lastErr
	}

	if attempts > 1 {
		lastErr = fmt.Errorf("%w: %w", reliability.ErrMaxRetriesExceeded, lastErr)
	}
	p.logger.Error("publish failed",
		"queue", queue,
		"attempts", attempts,
		"error", lastErr,
	)
	return nil, &rabbitmq.PublishError{
		Exchange:   exchange,
		RoutingKey: key,
		Attempts:   attempts,
		Err:        lastErr,
		Timestamp:  time.Now(),
	}
}

// SendToQueue publishes msg to queue.
//
// Deprecated: use Publish.
func (p *Producer) SendToQueue(ctx context.Context, queue string, msg any, opts ...PublishOption) (*PublishResult, error) {
	return p.Publish(ctx, queue, msg, opts...)
}

// Call performs an RPC to queue and returns the decoded reply
func (p *Producer) Call(ctx context.Context, queue string, msg any, opts ...PublishOption) (any, error) {
	result, err := p.Publish(ctx, queue, msg, append(opts, WithRPC())...)
	if err != nil {
		return nil, err
	}
	return result.Reply, nil
}

// publishOnce performs a single attempt. Errors that must not be retried
// are marked with reliability.Permanent.
func (p *Producer) publishOnce(ctx context.Context, queue, exchange, key string, msg any, options PublishOptions, attempt int) (*PublishResult, amqp.Publishing, error) {
	var publishing amqp.Publishing

	config := rabbitmq.ChannelConfig{Prefetch: options.Prefetch}
	ch, err := p.channels.GetChannel(ctx, queue, config)
	if err != nil {
		return nil, publishing, classify(err)
	}

	payload, err := serialization.Encode(msg)
	if err != nil {
		return nil, publishing, err
	}

	publishing = amqp.Publishing{
		Headers:      amqp.Table{},
		DeliveryMode: amqp.Transient,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
	}
	if options.Persistent {
		publishing.DeliveryMode = amqp.Persistent
	}
	maps.Copy(publishing.Headers, options.Headers)
	payload.Apply(&publishing)

	if options.RPC {
		return p.call(ctx, ch, queue, exchange, key, msg, publishing, options, attempt)
	}

	event := PublishEvent{Queue: queue, Message: msg, Publishing: publishing, Options: options, CurrentRetry: attempt}
	if !p.hooks.Trigger(ctx, EventBeforePublish, event) {
		return nil, publishing, reliability.Permanent(ErrPublishCancelled)
	}

	if err := ch.PublishWithContext(ctx, exchange, key, false, false, publishing); err != nil {
		return nil, publishing, classify(err)
	}
	return &PublishResult{Accepted: true}, publishing, nil
}

func (p *Producer) call(ctx context.Context, ch rabbitmq.Channel, queue, exchange, key string, msg any, publishing amqp.Publishing, options PublishOptions, attempt int) (*PublishResult, amqp.Publishing, error) {
	config := rabbitmq.ChannelConfig{Prefetch: options.Prefetch}
	replies, err := p.rpc.acquire(ctx, queue, ReplyQueueName(queue, p.hostname), func(q *replyQueue) error {
		return p.openReplyQueue(context.WithoutCancel(ctx), q, config)
	})
	if err != nil {
		return nil, publishing, classify(err)
	}

	correlationID := uuid.NewString()
	publishing.CorrelationId = correlationID
	publishing.ReplyTo = replies.name

	done := replies.register(correlationID)
	defer replies.forget(correlationID)

	timeout := p.rpcTimeout
	if options.RPCTimeout != nil {
		timeout = *options.RPCTimeout
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	event := PublishEvent{Queue: queue, Message: msg, Publishing: publishing, Options: options, CurrentRetry: attempt}
	if !p.hooks.Trigger(ctx, EventBeforePublish, event) {
		return nil, publishing, reliability.Permanent(ErrPublishCancelled)
	}

	if err := ch.PublishWithContext(ctx, exchange, key, false, false, publishing); err != nil {
		return nil, publishing, classify(err)
	}

	select {
	case reply := <-done:
		return &PublishResult{Accepted: true, Reply: reply.value, ReplyDelivery: &reply.delivery}, publishing, nil
	case <-expired:
		p.logger.Warn("rpc timed out", "queue", queue, "correlationId", correlationID, "timeout", timeout)
		return nil, publishing, reliability.Permanent(&RPCTimeoutError{
			Queue:         queue,
			CorrelationID: correlationID,
			Timeout:       timeout,
		})
	case <-ctx.Done():
		return nil, publishing, reliability.Permanent(ctx.Err())
	}
}

// openReplyQueue declares and consumes the reply queue of q
func (p *Producer) openReplyQueue(ctx context.Context, q *replyQueue, config rabbitmq.ChannelConfig) error {
	ch, err := p.channels.GetChannel(ctx, q.queue, config)
	if err != nil {
		return err
	}

	if _, err := rabbitmq.AssertQueue(ch, rabbitmq.QueueDeclaration{
		Name:      q.name,
		Durable:   true,
		Exclusive: true,
	}); err != nil {
		return err
	}

	deliveries, err := ch.Consume(q.name, "", true, true, false, false, nil)
	if err != nil {
		return &rabbitmq.ConsumerError{
			Queue:     q.name,
			Op:        "consume",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	p.logger.Debug("reply queue ready", "queue", q.queue, "replyQueue", q.name)
	go p.consumeReplies(q, deliveries)
	return nil
}

func (p *Producer) consumeReplies(q *replyQueue, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		value := serialization.Decode(&d)
		if !q.settle(d.CorrelationId, rpcReply{value: value, delivery: d}) {
			p.logger.Debug("discarding reply without a pending call",
				"replyQueue", q.name,
				"correlationId", d.CorrelationId,
			)
		}
	}

	p.rpc.drop(q)
	p.logger.Warn("reply queue closed", "queue", q.queue, "replyQueue", q.name, "pending", q.Pending())
}

// classify marks errors that no retry can fix as permanent
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return reliability.Permanent(err)
	}
	if rabbitmq.IsFatal(err) {
		return reliability.Permanent(err)
	}
	return err
}
