package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/burrow/hooks"
	"github.com/glimte/burrow/internal/rabbitmq"
	"github.com/glimte/burrow/internal/reliability"
	"github.com/glimte/burrow/serialization"
)

// Handler processes one message. content is the decoded body and d the raw
// delivery. The returned value is sent back when the message asked for a
// reply; a non-nil error rejects the message.
type Handler func(ctx context.Context, content any, d amqp.Delivery) (any, error)

// Result is the outcome of handling one message
type Result struct {
	Value any
	Err   error
}

// Success wraps a handler value
func Success(value any) Result {
	return Result{Value: value}
}

// Failure wraps a handler error
func Failure(err error) Result {
	return Result{Err: err}
}

// OK reports whether the message was handled
func (r Result) OK() bool {
	return r.Err == nil
}

// SubscribeOptions controls a single subscription
type SubscribeOptions struct {
	Prefetch int
	Durable  bool
	Requeue  bool
}

// SubscribeOption configures a subscription
type SubscribeOption func(*SubscribeOptions)

// WithPrefetch consumes on a dedicated channel with the given prefetch
func WithPrefetch(prefetch int) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Prefetch = prefetch
	}
}

// WithDurable sets whether the asserted queue survives a broker restart
func WithDurable(durable bool) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Durable = durable
	}
}

// WithRequeue overrides whether failed messages go back to the queue
func WithRequeue(requeue bool) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Requeue = requeue
	}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithQueueSuffix is appended to every subscribed queue name
func WithQueueSuffix(suffix string) ConsumerOption {
	return func(c *Consumer) {
		c.suffix = suffix
	}
}

// WithDefaultRequeue sets whether failed messages go back to the queue
func WithDefaultRequeue(requeue bool) ConsumerOption {
	return func(c *Consumer) {
		c.requeue = requeue
	}
}

// WithResubscribeDelay sets the pause between resubscribe attempts
func WithResubscribeDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.resubscribeDelay = delay
	}
}

// WithConcurrency bounds how many messages of the shared channel are
// handled at once. Subscriptions with their own prefetch use that instead.
func WithConcurrency(n int) ConsumerOption {
	return func(c *Consumer) {
		c.concurrency = n
	}
}

// Consumer subscribes handlers to queues and answers RPC calls
type Consumer struct {
	channels         ChannelSource
	hooks            *hooks.Bus[ConsumeEvent]
	suffix           string
	requeue          bool
	concurrency      int
	resubscribeDelay time.Duration
	logger           *slog.Logger

	mu            sync.Mutex
	subscriptions map[string]*subscription
	closed        bool
}

type subscription struct {
	queue   string
	tag     string
	handler Handler
	options SubscribeOptions

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu sync.Mutex
	ch rabbitmq.Channel
}

func (s *subscription) channel() rabbitmq.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *subscription) setChannel(ch rabbitmq.Channel) {
	s.mu.Lock()
	s.ch = ch
	s.mu.Unlock()
}

// NewConsumer creates a consumer reading over channels
func NewConsumer(channels ChannelSource, opts ...ConsumerOption) (*Consumer, error) {
	c := &Consumer{
		channels:         channels,
		requeue:          true,
		resubscribeDelay: time.Second,
		logger:           slog.Default(),
		subscriptions:    make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}

	if channels == nil {
		return nil, fmt.Errorf("%w: channel source is required", rabbitmq.ErrInvalidConfiguration)
	}
	if c.resubscribeDelay <= 0 {
		return nil, fmt.Errorf("%w: resubscribe delay must be positive", rabbitmq.ErrInvalidConfiguration)
	}
	if c.concurrency < 0 {
		return nil, fmt.Errorf("%w: concurrency must not be negative", rabbitmq.ErrInvalidConfiguration)
	}

	c.logger = c.logger.With("component", "consumer")
	c.hooks = hooks.NewBus[ConsumeEvent]("consumer", c.logger)
	return c, nil
}

// Hooks returns the consumer hook bus
func (c *Consumer) Hooks() *hooks.Bus[ConsumeEvent] {
	return c.hooks
}

// QueueName returns the queue a subscription to queue reads from
func (c *Consumer) QueueName(queue string) string {
	return queue + c.suffix
}

// Subscribe asserts queue and starts handling its messages. Once
// subscribed, the consumer resubscribes by itself whenever the delivery
// stream breaks, until Unsubscribe or Close.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler Handler, opts ...SubscribeOption) error {
	if handler == nil {
		return ErrInvalidHandler
	}

	options := SubscribeOptions{Durable: true, Requeue: c.requeue}
	for _, opt := range opts {
		opt(&options)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		queue:   c.QueueName(queue),
		tag:     "burrow-" + uuid.NewString(),
		handler: handler,
		options: options,
		ctx:     subCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return ErrConsumerClosed
	}
	if _, exists := c.subscriptions[sub.queue]; exists {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, sub.queue)
	}
	c.subscriptions[sub.queue] = sub
	c.mu.Unlock()

	deliveries, err := c.start(ctx, sub)
	if err != nil {
		c.remove(sub)
		cancel()
		return &rabbitmq.ConsumerError{
			Queue:       sub.queue,
			ConsumerTag: sub.tag,
			Op:          "subscribe",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	c.logger.Info("subscribed", "queue", sub.queue, "consumerTag", sub.tag)
	go c.run(sub, deliveries)
	return nil
}

// Consume subscribes handler to queue.
//
// Deprecated: use Subscribe.
func (c *Consumer) Consume(ctx context.Context, queue string, handler Handler, opts ...SubscribeOption) error {
	return c.Subscribe(ctx, queue, handler, opts...)
}

// Unsubscribe stops the subscription to queue. Messages already delivered
// but not yet handed to the handler are returned to the queue, and
// in-flight messages are allowed to finish.
func (c *Consumer) Unsubscribe(queue string) error {
	name := c.QueueName(queue)

	c.mu.Lock()
	sub, ok := c.subscriptions[name]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, name)
	}

	c.stop(sub)
	return nil
}

// Subscriptions returns the queues currently subscribed to
func (c *Consumer) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make([]string, 0, len(c.subscriptions))
	for queue := range c.subscriptions {
		queues = append(queues, queue)
	}
	sort.Strings(queues)
	return queues
}

// Close stops every subscription. Subscribe fails afterwards.
func (c *Consumer) Close() error {
	c.mu.Lock()
	c.closed = true
	subs := make([]*subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	eg := &errgroup.Group{}
	for _, sub := range subs {
		eg.Go(func() error {
			c.stop(sub)
			return nil
		})
	}
	return eg.Wait()
}

func (c *Consumer) stop(sub *subscription) {
	sub.cancel()
	<-sub.done
	c.remove(sub)
	c.logger.Info("unsubscribed", "queue", sub.queue)
}

func (c *Consumer) remove(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscriptions[sub.queue] == sub {
		delete(c.subscriptions, sub.queue)
	}
}

// start asserts the queue and opens the delivery stream
func (c *Consumer) start(ctx context.Context, sub *subscription) (<-chan amqp.Delivery, error) {
	ch, err := c.channels.GetChannel(ctx, sub.queue, rabbitmq.ChannelConfig{Prefetch: sub.options.Prefetch})
	if err != nil {
		return nil, err
	}

	if _, err := rabbitmq.AssertQueue(ch, rabbitmq.QueueDeclaration{
		Name:    sub.queue,
		Durable: sub.options.Durable,
	}); err != nil {
		return nil, err
	}

	deliveries, err := ch.Consume(sub.queue, sub.tag, false, false, false, false, nil)
	if err != nil {
		return nil, err
	}

	sub.setChannel(ch)
	return deliveries, nil
}

// run handles deliveries until the subscription is stopped, reopening the
// stream whenever it closes underneath.
func (c *Consumer) run(sub *subscription, deliveries <-chan amqp.Delivery) {
	defer close(sub.done)

	for {
		c.consume(sub, deliveries)
		if sub.ctx.Err() != nil {
			return
		}

		c.logger.Warn("delivery stream closed, resubscribing", "queue", sub.queue, "delay", c.resubscribeDelay)
		if err := reliability.Sleep(sub.ctx, c.resubscribeDelay); err != nil {
			return
		}

		policy := reliability.NewFixedDelay(c.resubscribeDelay, reliability.Unlimited)
		err := reliability.Retry(sub.ctx, policy, func(attempt int) error {
			d, err := c.start(sub.ctx, sub)
			if err != nil {
				c.logger.Warn("resubscribe failed", "queue", sub.queue, "attempt", attempt+1, "error", err)
				return classify(err)
			}
			deliveries = d
			return nil
		})
		if err != nil {
			if sub.ctx.Err() == nil {
				c.logger.Error("giving up on subscription", "queue", sub.queue, "error", err)
				c.remove(sub)
			}
			return
		}
		c.logger.Info("resubscribed", "queue", sub.queue)
	}
}

// consume fans deliveries out to a bounded worker pool. It returns once
// the stream closes or the subscription is stopped, after in-flight
// messages are settled.
func (c *Consumer) consume(sub *subscription, deliveries <-chan amqp.Delivery) {
	workers := pool.New().WithMaxGoroutines(c.workers(sub))
	defer workers.Wait()

	for {
		select {
		case <-sub.ctx.Done():
			c.release(sub, deliveries)
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if sub.ctx.Err() != nil {
				c.returnToQueue(sub, d)
				c.release(sub, deliveries)
				return
			}
			workers.Go(func() {
				c.handle(sub, d)
			})
		}
	}
}

// release cancels the broker consumer and hands back every delivery still
// buffered in the stream. The stream closes once the cancel is confirmed
// or the channel goes away.
func (c *Consumer) release(sub *subscription, deliveries <-chan amqp.Delivery) {
	if ch := sub.channel(); ch != nil && !ch.IsClosed() {
		if err := ch.Cancel(sub.tag, false); err != nil {
			c.logger.Debug("failed to cancel consumer", "queue", sub.queue, "consumerTag", sub.tag, "error", err)
		}
	}

	released := 0
	for d := range deliveries {
		c.returnToQueue(sub, d)
		released++
	}
	if released > 0 {
		c.logger.Info("returned unprocessed messages", "queue", sub.queue, "count", released)
	}
}

func (c *Consumer) returnToQueue(sub *subscription, d amqp.Delivery) {
	if err := d.Reject(true); err != nil {
		c.logger.Debug("failed to return message", "queue", sub.queue, "deliveryTag", d.DeliveryTag, "error", err)
	}
}

func (c *Consumer) workers(sub *subscription) int {
	switch {
	case sub.options.Prefetch > 0:
		return sub.options.Prefetch
	case c.concurrency > 0:
		return c.concurrency
	default:
		return runtime.GOMAXPROCS(0)
	}
}

// handle runs the pipeline for one delivery and settles it
func (c *Consumer) handle(sub *subscription, d amqp.Delivery) {
	// in-flight messages finish even when the subscription is stopping
	ctx := context.WithoutCancel(sub.ctx)
	content := serialization.Decode(&d)
	event := ConsumeEvent{Queue: sub.queue, Delivery: d, Content: content}

	var result Result
	if !c.hooks.Trigger(ctx, EventBeforeProcessMessage, event) {
		result = Failure(ErrProcessingCancelled)
	} else {
		result = c.process(ctx, sub.handler, content, d)
		if result.OK() && d.ReplyTo != "" {
			if err := c.reply(ctx, sub, d, content, result.Value); err != nil {
				result = Failure(err)
			}
		}
	}

	event.Err = result.Err
	if result.OK() {
		event.AckErr = d.Ack(false)
		if event.AckErr != nil {
			c.logger.Error("failed to ack message", "queue", sub.queue, "deliveryTag", d.DeliveryTag, "error", event.AckErr)
		}
	} else {
		c.logger.Warn("message processing failed",
			"queue", sub.queue,
			"messageId", d.MessageId,
			"requeue", sub.options.Requeue,
			"error", result.Err,
		)
		event.RejectErr = d.Reject(sub.options.Requeue)
		if event.RejectErr != nil {
			c.logger.Error("failed to reject message", "queue", sub.queue, "deliveryTag", d.DeliveryTag, "error", event.RejectErr)
		}
	}

	c.hooks.Trigger(ctx, EventAfterProcessMessage, event)
}

// process calls handler, turning a panic into a failure
func (c *Consumer) process(ctx context.Context, handler Handler, content any, d amqp.Delivery) Result {
	var value any
	var err error

	var catcher panics.Catcher
	catcher.Try(func() {
		value, err = handler(ctx, content, d)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		return Failure(fmt.Errorf("%w: %v", ErrHandlerPanic, recovered.Value))
	}
	if err != nil {
		return Failure(err)
	}
	return Success(value)
}

// reply sends value back to the caller of an RPC
func (c *Consumer) reply(ctx context.Context, sub *subscription, d amqp.Delivery, content, value any) error {
	event := ConsumeEvent{Queue: sub.queue, Delivery: d, Content: content, Reply: value}

	payload, err := serialization.Encode(value)
	if err == nil {
		c.hooks.Trigger(ctx, EventBeforeRPCReply, event)

		publishing := amqp.Publishing{
			CorrelationId: d.CorrelationId,
			Timestamp:     time.Now(),
		}
		payload.Apply(&publishing)

		ch := sub.channel()
		if ch == nil {
			err = rabbitmq.ErrChannelClosed
		} else {
			err = ch.PublishWithContext(ctx, "", d.ReplyTo, false, false, publishing)
		}
	}

	event.ReplyErr = err
	c.hooks.Trigger(ctx, EventAfterRPCReply, event)
	if err != nil {
		return fmt.Errorf("reply to %s: %w", d.ReplyTo, err)
	}
	return nil
}
