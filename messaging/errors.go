package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrPublishCancelled    = errors.New("messaging: publish cancelled by producer.beforePublish hook")
	ErrProcessingCancelled = errors.New("messaging: processing cancelled by consumer.beforeProcessMessage hook")
	ErrRPCTimeout          = errors.New("messaging: rpc timed out")
	ErrHandlerPanic        = errors.New("messaging: handler panicked")
	ErrInvalidHandler      = errors.New("messaging: handler is required")
	ErrAlreadySubscribed   = errors.New("messaging: queue already has a subscription")
	ErrNotSubscribed       = errors.New("messaging: queue has no subscription")
	ErrConsumerClosed      = errors.New("messaging: consumer is closed")
)

// RPCTimeoutError reports an RPC call that got no reply in time
type RPCTimeoutError struct {
	Queue         string
	CorrelationID string
	Timeout       time.Duration
}

func (e *RPCTimeoutError) Error() string {
	return fmt.Sprintf("messaging: rpc to %s timed out after %s (correlation id %s)", e.Queue, e.Timeout, e.CorrelationID)
}

func (e *RPCTimeoutError) Unwrap() error {
	return ErrRPCTimeout
}
