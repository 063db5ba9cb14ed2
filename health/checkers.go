package health

import (
	"context"
	"time"

	"github.com/glimte/burrow/internal/rabbitmq"
)

// ConnectionProbe exposes the connection of a *rabbitmq.ConnectionManager
type ConnectionProbe interface {
	GetConnection(ctx context.Context) (rabbitmq.Connection, error)
	State() rabbitmq.ConnectionState
}

// RabbitMQChecker checks that the broker connection can be obtained
type RabbitMQChecker struct {
	probe ConnectionProbe
}

// NewRabbitMQChecker creates a new RabbitMQ health checker
func NewRabbitMQChecker(probe ConnectionProbe) *RabbitMQChecker {
	return &RabbitMQChecker{probe: probe}
}

func (c *RabbitMQChecker) Name() string {
	return "rabbitmq"
}

func (c *RabbitMQChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"state": c.probe.State().String()},
	}

	conn, err := c.probe.GetConnection(ctx)
	result.Duration = time.Since(start)
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Message = "Failed to get connection"
		result.Error = err.Error()
	case conn.IsClosed():
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
	default:
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
		result.Details["response_time_ms"] = result.Duration.Milliseconds()
	}
	return result
}

// ChannelPoolChecker checks that the default channel can be obtained
type ChannelPoolChecker struct {
	pool *rabbitmq.ChannelPool
}

// NewChannelPoolChecker creates a new channel pool health checker
func NewChannelPoolChecker(pool *rabbitmq.ChannelPool) *ChannelPoolChecker {
	return &ChannelPoolChecker{pool: pool}
}

func (c *ChannelPoolChecker) Name() string {
	return "channel_pool"
}

func (c *ChannelPoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	ch, err := c.pool.Get(ctx, rabbitmq.DefaultChannelKey, rabbitmq.ChannelConfig{})
	result.Duration = time.Since(start)
	result.Details["pool_size"] = c.pool.Size()
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Message = "Failed to get default channel"
		result.Error = err.Error()
	case ch.IsClosed():
		result.Status = StatusDegraded
		result.Message = "Default channel is closing"
	default:
		result.Status = StatusHealthy
		result.Message = "Channel pool is healthy"
	}
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
