// Package rabbitmqtest provides an in-memory broker that implements the
// rabbitmq.Connection and rabbitmq.Channel seam for tests.
//
// Only the default exchange is modelled: every publish is routed to the
// queue named by its routing key and dropped when that queue does not exist.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/burrow/internal/rabbitmq"
)

var (
	ErrDialRefused   = errors.New("rabbitmqtest: connection refused")
	ErrPublishFailed = errors.New("rabbitmqtest: publish failed")
)

const deliveryBuffer = 1024

// Published records a message accepted by the broker
type Published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

type queue struct {
	name      string
	durable   bool
	exclusive bool
	owner     *Connection
	pending   []amqp.Delivery
	consumers []*consumer
	next      int
	acked     int
	rejected  int
	requeued  int
}

type consumer struct {
	tag        string
	queue      *queue
	channel    *Channel
	autoAck    bool
	deliveries chan amqp.Delivery
}

type unacked struct {
	queue    *queue
	delivery amqp.Delivery
}

// Broker is an in-memory stand-in for a RabbitMQ node
type Broker struct {
	mu              sync.Mutex
	queues          map[string]*queue
	connections     []*Connection
	published       []Published
	dialErr         error
	publishFailures int
	dials           int
	channelsOpened  int
	tags            int
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{queues: make(map[string]*queue)}
}

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(url string, config amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}

	conn := &Connection{broker: b}
	b.connections = append(b.connections, conn)
	return conn, nil
}

// SetDialError makes every following Dial fail with err; nil restores dialing
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// FailPublishes makes the next n publishes fail
func (b *Broker) FailPublishes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishFailures = n
}

// Dials returns the number of Dial calls
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// ChannelsOpened returns the number of channels ever opened
func (b *Broker) ChannelsOpened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channelsOpened
}

// Published returns every accepted publish
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// HasQueue reports whether a queue has been declared
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Pending returns the number of undelivered messages on a queue
func (b *Broker) Pending(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.pending)
	}
	return 0
}

// Acked returns the number of messages acknowledged on a queue
func (b *Broker) Acked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.acked
	}
	return 0
}

// Rejected returns the number of rejected messages on a queue and how many
// of them were requeued
func (b *Broker) Rejected(name string) (rejected, requeued int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.rejected, q.requeued
	}
	return 0, 0
}

// Consumers returns the number of active consumers on a queue
func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// Connections returns every connection opened so far
func (b *Broker) Connections() []*Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Connection(nil), b.connections...)
}

// dispatch hands pending messages to consumers round-robin. Caller holds b.mu.
func (b *Broker) dispatch(q *queue) {
	for len(q.pending) > 0 && len(q.consumers) > 0 {
		c := q.consumers[q.next%len(q.consumers)]
		q.next++

		d := q.pending[0]
		q.pending = q.pending[1:]

		d.ConsumerTag = c.tag
		d.Acknowledger = c.channel
		c.channel.deliveryTag++
		d.DeliveryTag = c.channel.deliveryTag
		if !c.autoAck {
			c.channel.unacked[d.DeliveryTag] = unacked{queue: q, delivery: d}
		}
		c.deliveries <- d
	}
}

func (b *Broker) route(key string, msg amqp.Publishing, exchange string) {
	q, ok := b.queues[key]
	if !ok {
		return
	}
	q.pending = append(q.pending, amqp.Delivery{
		Headers:       msg.Headers,
		ContentType:   msg.ContentType,
		DeliveryMode:  msg.DeliveryMode,
		CorrelationId: msg.CorrelationId,
		ReplyTo:       msg.ReplyTo,
		MessageId:     msg.MessageId,
		Body:          msg.Body,
		Exchange:      exchange,
		RoutingKey:    key,
	})
	b.dispatch(q)
}

// Connection is an in-memory broker connection
type Connection struct {
	broker    *Broker
	closed    bool
	channels  []*Channel
	listeners []chan *amqp.Error
}

// Channel implements rabbitmq.Connection
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}

	ch := &Channel{conn: c, unacked: make(map[uint64]unacked)}
	c.channels = append(c.channels, ch)
	b.channelsOpened++
	return ch, nil
}

// NotifyClose implements rabbitmq.Connection
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.listeners = append(c.listeners, receiver)
	return receiver
}

// Channels returns every channel opened on the connection
func (c *Connection) Channels() []*Channel {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return append([]*Channel(nil), c.channels...)
}

// IsClosed implements rabbitmq.Connection
func (c *Connection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close implements rabbitmq.Connection
func (c *Connection) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.shutdown(nil)
	return nil
}

// Break simulates the broker dropping the connection
func (c *Connection) Break() {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if !c.closed {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED", Server: true})
	}
}

// shutdown closes the connection, its channels and its exclusive queues.
// Caller holds broker.mu.
func (c *Connection) shutdown(cause *amqp.Error) {
	c.closed = true
	for _, ch := range c.channels {
		if !ch.closed {
			ch.shutdown(cause)
		}
	}
	for name, q := range c.broker.queues {
		if q.exclusive && q.owner == c {
			delete(c.broker.queues, name)
		}
	}
	notify(c.listeners, cause)
	c.listeners = nil
}

func notify(listeners []chan *amqp.Error, cause *amqp.Error) {
	for _, l := range listeners {
		if cause != nil {
			select {
			case l <- cause:
			default:
			}
		}
		close(l)
	}
}

// Channel is an in-memory broker channel
type Channel struct {
	conn        *Connection
	closed      bool
	prefetch    int
	consumers   []*consumer
	listeners   []chan *amqp.Error
	deliveryTag uint64
	unacked     map[uint64]unacked
}

// Prefetch returns the prefetch count applied with Qos
func (ch *Channel) Prefetch() int {
	ch.conn.broker.mu.Lock()
	defer ch.conn.broker.mu.Unlock()
	return ch.prefetch
}

// Qos implements rabbitmq.Channel
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.conn.broker.mu.Lock()
	defer ch.conn.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// QueueDeclare implements rabbitmq.Channel
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}

	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, durable: durable, exclusive: exclusive}
		if exclusive {
			q.owner = ch.conn
		}
		b.queues[name] = q
	} else if q.exclusive && q.owner != ch.conn {
		return amqp.Queue{}, &amqp.Error{Code: amqp.ResourceLocked, Reason: "RESOURCE_LOCKED"}
	}

	return amqp.Queue{Name: name, Messages: len(q.pending), Consumers: len(q.consumers)}, nil
}

// Consume implements rabbitmq.Channel
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}

	q, ok := b.queues[queueName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName)}
	}

	if tag == "" {
		b.tags++
		tag = fmt.Sprintf("ctag-%d", b.tags)
	}

	c := &consumer{
		tag:        tag,
		queue:      q,
		channel:    ch,
		autoAck:    autoAck,
		deliveries: make(chan amqp.Delivery, deliveryBuffer),
	}
	q.consumers = append(q.consumers, c)
	ch.consumers = append(ch.consumers, c)
	b.dispatch(q)

	return c.deliveries, nil
}

// Cancel implements rabbitmq.Channel
func (ch *Channel) Cancel(tag string, noWait bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}

	for i, c := range ch.consumers {
		if c.tag == tag {
			ch.consumers = append(ch.consumers[:i], ch.consumers[i+1:]...)
			c.detach()
			return nil
		}
	}
	return nil
}

// PublishWithContext implements rabbitmq.Channel
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if b.publishFailures > 0 {
		b.publishFailures--
		return ErrPublishFailed
	}

	b.published = append(b.published, Published{Exchange: exchange, RoutingKey: key, Msg: msg})
	b.route(key, msg, exchange)
	return nil
}

// NotifyClose implements rabbitmq.Channel
func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.conn.broker.mu.Lock()
	defer ch.conn.broker.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.listeners = append(ch.listeners, receiver)
	return receiver
}

// IsClosed implements rabbitmq.Channel
func (ch *Channel) IsClosed() bool {
	ch.conn.broker.mu.Lock()
	defer ch.conn.broker.mu.Unlock()
	return ch.closed
}

// Close implements rabbitmq.Channel
func (ch *Channel) Close() error {
	ch.conn.broker.mu.Lock()
	defer ch.conn.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.shutdown(nil)
	return nil
}

// Break simulates a channel-level exception closing the channel
func (ch *Channel) Break() {
	ch.conn.broker.mu.Lock()
	defer ch.conn.broker.mu.Unlock()
	if !ch.closed {
		ch.shutdown(&amqp.Error{Code: amqp.ChannelError, Reason: "CHANNEL_ERROR", Server: true})
	}
}

// shutdown detaches consumers and requeues unacked messages. Caller holds broker.mu.
func (ch *Channel) shutdown(cause *amqp.Error) {
	ch.closed = true
	for _, c := range ch.consumers {
		c.detach()
	}
	ch.consumers = nil

	for tag, u := range ch.unacked {
		u.delivery.Redelivered = true
		u.queue.pending = append(u.queue.pending, u.delivery)
		delete(ch.unacked, tag)
		ch.conn.broker.dispatch(u.queue)
	}

	notify(ch.listeners, cause)
	ch.listeners = nil
}

func (c *consumer) detach() {
	q := c.queue
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	close(c.deliveries)
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	ch.conn.broker.mu.Lock()
	defer ch.conn.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}

	u, ok := ch.unacked[tag]
	if !ok {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - unknown delivery tag"}
	}
	delete(ch.unacked, tag)
	u.queue.acked++
	return nil
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple bool, requeue bool) error {
	return ch.Reject(tag, requeue)
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}

	u, ok := ch.unacked[tag]
	if !ok {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - unknown delivery tag"}
	}
	delete(ch.unacked, tag)
	u.queue.rejected++
	if requeue {
		u.queue.requeued++
		u.delivery.Redelivered = true
		u.queue.pending = append(u.queue.pending, u.delivery)
		b.dispatch(u.queue)
	}
	return nil
}

var (
	_ rabbitmq.Connection = (*Connection)(nil)
	_ rabbitmq.Channel    = (*Channel)(nil)
	_ amqp.Acknowledger   = (*Channel)(nil)
)
