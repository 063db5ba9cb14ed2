package messaging

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/burrow/hooks"
)

// Producer hook events
const (
	EventBeforePublish hooks.Event = "producer.beforePublish"
	EventAfterPublish  hooks.Event = "producer.afterPublish"
)

// Consumer hook events
const (
	EventBeforeProcessMessage hooks.Event = "consumer.beforeProcessMessage"
	EventAfterProcessMessage  hooks.Event = "consumer.afterProcessMessage"
	EventBeforeRPCReply       hooks.Event = "consumer.beforeRpcReply"
	EventAfterRPCReply        hooks.Event = "consumer.afterRpcReply"
)

// PublishEvent is the payload of the producer hooks.
type PublishEvent struct {
	Queue        string
	Message      any             // value passed to Publish
	Publishing   amqp.Publishing // encoded message and properties
	Options      PublishOptions
	CurrentRetry int

	// Set on producer.afterPublish only
	Result      *PublishResult
	Err         error
	ShouldRetry bool
}

// ConsumeEvent is the payload of the consumer hooks.
type ConsumeEvent struct {
	Queue    string
	Delivery amqp.Delivery
	Content  any

	// Set on consumer.afterProcessMessage
	Err       error
	AckErr    error
	RejectErr error

	// Set on the rpc reply hooks
	Reply    any
	ReplyErr error
}
