package messaging

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ReplyQueueName returns the reply queue a host uses for RPC calls to queue
func ReplyQueueName(queue, hostname string) string {
	return queue + ":" + hostname + ":res"
}

type rpcReply struct {
	value    any
	delivery amqp.Delivery
}

// replyQueue is one reply queue with its outstanding calls. ready is closed
// once the queue is consumed or failed; name and err are read after that.
type replyQueue struct {
	queue string
	name  string
	ready chan struct{}
	err   error

	mu      sync.Mutex
	pending map[string]chan rpcReply
}

func (q *replyQueue) register(correlationID string) <-chan rpcReply {
	done := make(chan rpcReply, 1)
	q.mu.Lock()
	q.pending[correlationID] = done
	q.mu.Unlock()
	return done
}

func (q *replyQueue) forget(correlationID string) {
	q.mu.Lock()
	delete(q.pending, correlationID)
	q.mu.Unlock()
}

// settle hands a reply to its caller. It reports false when no call is
// waiting for the correlation id.
func (q *replyQueue) settle(correlationID string, reply rpcReply) bool {
	q.mu.Lock()
	done, ok := q.pending[correlationID]
	delete(q.pending, correlationID)
	q.mu.Unlock()

	if !ok {
		return false
	}
	done <- reply
	return true
}

// Pending returns the number of calls waiting for a reply
func (q *replyQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// RPCRegistry tracks the reply queue of every queue a producer has called.
type RPCRegistry struct {
	mu     sync.Mutex
	queues map[string]*replyQueue
}

// NewRPCRegistry creates an empty registry
func NewRPCRegistry() *RPCRegistry {
	return &RPCRegistry{queues: make(map[string]*replyQueue)}
}

// acquire returns the reply queue for queue, running open at most once per
// entry. Concurrent callers wait for the same open to finish; open must not
// depend on any single caller's context.
func (r *RPCRegistry) acquire(ctx context.Context, queue, name string, open func(*replyQueue) error) (*replyQueue, error) {
	r.mu.Lock()
	q, ok := r.queues[queue]
	if !ok {
		q = &replyQueue{
			queue:   queue,
			name:    name,
			ready:   make(chan struct{}),
			pending: make(map[string]chan rpcReply),
		}
		r.queues[queue] = q
	}
	r.mu.Unlock()

	if !ok {
		go func() {
			if err := open(q); err != nil {
				q.err = err
				r.drop(q)
			}
			close(q.ready)
		}()
	}

	select {
	case <-q.ready:
		if q.err != nil {
			return nil, q.err
		}
		return q, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// drop removes q if it is still the registered entry for its queue. Calls
// still waiting on q are left to their own timeout.
func (r *RPCRegistry) drop(q *replyQueue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queues[q.queue] == q {
		delete(r.queues, q.queue)
	}
}

// Pending returns the number of outstanding calls to queue
func (r *RPCRegistry) Pending(queue string) int {
	r.mu.Lock()
	q, ok := r.queues[queue]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return q.Pending()
}

// Has reports whether a reply queue is registered for queue
func (r *RPCRegistry) Has(queue string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.queues[queue]
	return ok
}
