package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueDeclaration defines a queue to be asserted
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// AssertQueue declares the queue on ch, creating it if it does not exist
func AssertQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	if queue.Name == "" {
		return amqp.Queue{}, fmt.Errorf("%w: queue name is required", ErrInvalidConfiguration)
	}

	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return amqp.Queue{}, &TopologyError{
			Component: "queue",
			Name:      queue.Name,
			Op:        "declare",
			Err:       fmt.Errorf("%w: %v", ErrTopologyDeclarationFailed, err),
			Timestamp: time.Now(),
		}
	}
	return q, nil
}
