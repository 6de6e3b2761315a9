package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mailbus/internal/rabbitmq"
	"github.com/glimte/mailbus/internal/reliability"
	"github.com/glimte/mailbus/management"
)

// ConnectionSource is the part of rabbitmq.ConnectionPool the connection
// check needs.
type ConnectionSource interface {
	IsConnected() bool
	OpenChannel(ctx context.Context) (rabbitmq.AMQPChannel, error)
}

// ConnectionChecker checks the shared broker connection by opening and
// closing a channel on it.
type ConnectionChecker struct {
	connections ConnectionSource
	logger      *slog.Logger
}

// NewConnectionChecker creates a new connection health checker
func NewConnectionChecker(connections ConnectionSource, logger *slog.Logger) *ConnectionChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionChecker{connections: connections, logger: logger}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq_connection"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	result, start := newResult(c.Name())

	wasConnected := c.connections.IsConnected()
	result.Details["connected"] = wasConnected

	ch, err := c.connections.OpenChannel(ctx)
	if err != nil {
		c.logger.Warn("connection health check failed", "error", err)
		if ctx.Err() != nil && !wasConnected {
			return fail(result, start, StatusDegraded, "Connection is recovering", err)
		}
		return fail(result, start, StatusUnhealthy, "Failed to open a channel", err)
	}
	_ = ch.Close()

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// ChannelPoolChecker borrows and releases a channel. A pool with waiting
// borrowers at capacity is reported degraded.
type ChannelPoolChecker struct {
	pool   *rabbitmq.ChannelPool
	logger *slog.Logger
}

// NewChannelPoolChecker creates a new channel pool health checker
func NewChannelPoolChecker(pool *rabbitmq.ChannelPool, logger *slog.Logger) *ChannelPoolChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelPoolChecker{pool: pool, logger: logger}
}

func (c *ChannelPoolChecker) Name() string {
	return "channel_pool"
}

func (c *ChannelPoolChecker) Check(ctx context.Context) CheckResult {
	result, start := newResult(c.Name())

	stats := c.pool.Stats()
	result.Details["state"] = stats.State.String()
	result.Details["open"] = stats.Open
	result.Details["idle"] = stats.Idle
	result.Details["waiters"] = stats.Waiters
	result.Details["max_channel"] = stats.MaxChannel

	if stats.State != rabbitmq.PoolStarted {
		return fail(result, start, StatusUnhealthy, fmt.Sprintf("Channel pool is %s", stats.State), nil)
	}

	ch, err := c.pool.Borrow(ctx)
	if err != nil {
		c.logger.Warn("channel pool health check failed", "error", err)
		if rabbitmq.IsBorrowTimeout(err) {
			return fail(result, start, StatusDegraded, "Channel pool is exhausted", err)
		}
		return fail(result, start, StatusUnhealthy, "Failed to borrow a channel", err)
	}
	ch.Release()

	result.Status = StatusHealthy
	result.Message = "Channel pool is healthy"
	if stats.Waiters > 0 && stats.Open >= stats.MaxChannel {
		result.Status = StatusDegraded
		result.Message = "Channel pool is saturated"
	}
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// QueueChecker checks that a queue exists and is not backed up.
type QueueChecker struct {
	queueName   string
	maxMessages int
	pool        *rabbitmq.ChannelPool
}

// NewQueueChecker creates a queue checker. maxMessages <= 0 disables the
// backlog threshold.
func NewQueueChecker(queueName string, maxMessages int, pool *rabbitmq.ChannelPool) *QueueChecker {
	return &QueueChecker{queueName: queueName, maxMessages: maxMessages, pool: pool}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queueName)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	result, start := newResult(c.Name())

	ch, err := c.pool.Borrow(ctx)
	if err != nil {
		return fail(result, start, StatusUnhealthy, "Failed to borrow a channel", err)
	}
	queue, err := ch.QueueInspect(ctx, c.queueName)
	ch.Release()
	if err != nil {
		return fail(result, start, StatusUnhealthy, fmt.Sprintf("Queue %s not accessible", c.queueName), err)
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is accessible", c.queueName)
	result.Details["message_count"] = queue.Messages
	result.Details["consumer_count"] = queue.Consumers
	if c.maxMessages > 0 && queue.Messages > c.maxMessages {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", c.queueName)
	}
	result.Duration = time.Since(start)
	return result
}

// BrokerHealth is implemented by *management.Client.
type BrokerHealth interface {
	CheckHealth(ctx context.Context) (management.HealthStatus, error)
}

// ManagementChecker reports broker alarms through the management API.
type ManagementChecker struct {
	client BrokerHealth
}

// NewManagementChecker creates a management API checker
func NewManagementChecker(client BrokerHealth) *ManagementChecker {
	return &ManagementChecker{client: client}
}

func (c *ManagementChecker) Name() string {
	return "rabbitmq_management"
}

func (c *ManagementChecker) Check(ctx context.Context) CheckResult {
	result, start := newResult(c.Name())

	status, err := c.client.CheckHealth(ctx)
	if errors.Is(err, reliability.ErrCircuitOpen) {
		return fail(result, start, StatusUnhealthy, "Management API circuit is open", err)
	}
	if err != nil {
		return fail(result, start, StatusUnhealthy, "Management API unreachable", err)
	}

	result.Details["version"] = status.RabbitMQVersion
	result.Details["node"] = status.Node
	result.Details["queues"] = status.TotalQueues
	result.Details["messages"] = status.TotalMessages
	if len(status.Alarms) > 0 {
		result.Details["alarms"] = status.Alarms
	}

	switch status.Status {
	case "healthy":
		result.Status = StatusHealthy
		result.Message = "Broker is healthy"
	case "warning":
		result.Status = StatusDegraded
		result.Message = "Broker raised alarms"
	default:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Broker status is %s", status.Status)
	}
	result.Duration = time.Since(start)
	return result
}
