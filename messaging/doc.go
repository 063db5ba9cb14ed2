// Package messaging implements queue-oriented publishing and consuming on
// top of the pooled channels of internal/rabbitmq.
//
// A Producer publishes values to a queue. Values are encoded by the
// serialization package, published as persistent messages by default and
// retried with a fixed delay when the attempt fails. With WithRPC the
// producer declares an exclusive reply queue per target queue and waits for
// the reply that carries the same correlation id:
//
//	reply, err := producer.Call(ctx, "colors", map[string]any{"q": "favourite"})
//
// A Consumer subscribes a Handler to a queue. Deliveries are decoded and
// handled concurrently up to the subscription prefetch; successful messages
// are acked, failed ones rejected. When a delivery carries a reply-to
// address the handler's value is sent back to the caller:
//
//	err := consumer.Subscribe(ctx, "colors", func(ctx context.Context, content any, d amqp.Delivery) (any, error) {
//		return "Red", nil
//	})
//
// Both expose a hooks.Bus that observes every publish and every processed
// message. Hooks on producer.beforePublish and consumer.beforeProcessMessage
// can veto the operation by returning hooks.ErrCancel.
package messaging
