package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mailbus/internal/rabbitmq"
	"github.com/glimte/mailbus/internal/reliability"
	"github.com/glimte/mailbus/management"
)

type stubChannel struct {
	rabbitmq.AMQPChannel
	mu       sync.Mutex
	closed   bool
	messages int
}

func (c *stubChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *stubChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *stubChannel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if name == "missing" {
		_ = c.Close()
		return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue 'missing'"}
	}
	return amqp.Queue{Name: name, Messages: c.messages, Consumers: 2}, nil
}

type stubConnections struct {
	connected bool
	err       error
	opened    []*stubChannel
	messages  int
}

func (s *stubConnections) IsConnected() bool { return s.connected }

func (s *stubConnections) OpenChannel(context.Context) (rabbitmq.AMQPChannel, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := &stubChannel{messages: s.messages}
	s.opened = append(s.opened, ch)
	return ch, nil
}

func startedPool(t *testing.T, opener rabbitmq.ChannelOpener, options ...rabbitmq.ChannelPoolOption) *rabbitmq.ChannelPool {
	t.Helper()
	pool, err := rabbitmq.NewChannelPool(opener, options...)
	require.NoError(t, err)
	require.NoError(t, pool.Start())
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func TestConnectionChecker(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		conns := &stubConnections{connected: true}
		result := NewConnectionChecker(conns, nil).Check(context.Background())

		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, "rabbitmq_connection", result.Name)
		require.Len(t, conns.opened, 1)
		assert.True(t, conns.opened[0].IsClosed())
	})

	t.Run("recovering", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		conns := &stubConnections{err: context.Canceled}
		result := NewConnectionChecker(conns, nil).Check(ctx)

		assert.Equal(t, StatusDegraded, result.Status)
		assert.Equal(t, false, result.Details["connected"])
	})

	t.Run("closed pool", func(t *testing.T) {
		conns := &stubConnections{connected: true, err: rabbitmq.ErrConnectionPoolClosed}
		result := NewConnectionChecker(conns, nil).Check(context.Background())

		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Contains(t, result.Error, "connection pool is closed")
	})
}

func TestChannelPoolChecker(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		pool := startedPool(t, &stubConnections{connected: true})
		result := NewChannelPoolChecker(pool, nil).Check(context.Background())

		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, "started", result.Details["state"])
		assert.Equal(t, 1, pool.Idle())
	})

	t.Run("stopped", func(t *testing.T) {
		pool, err := rabbitmq.NewChannelPool(&stubConnections{})
		require.NoError(t, err)
		result := NewChannelPoolChecker(pool, nil).Check(context.Background())

		assert.Equal(t, StatusUnhealthy, result.Status)
	})

	t.Run("exhausted", func(t *testing.T) {
		pool := startedPool(t, &stubConnections{connected: true},
			rabbitmq.WithMaxChannel(1), rabbitmq.WithMaxBorrowDelay(10*time.Millisecond))
		held, err := pool.Borrow(context.Background())
		require.NoError(t, err)
		defer held.Release()

		result := NewChannelPoolChecker(pool, nil).Check(context.Background())
		assert.Equal(t, StatusDegraded, result.Status)
		assert.Equal(t, "Channel pool is exhausted", result.Message)
	})
}

func TestQueueChecker(t *testing.T) {
	conns := &stubConnections{connected: true, messages: 50}
	pool := startedPool(t, conns)

	result := NewQueueChecker("mailboxEvent-workQueue", 0, pool).Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Equal(t, 50, result.Details["message_count"])

	result = NewQueueChecker("mailboxEvent-workQueue", 10, pool).Check(context.Background())
	assert.Equal(t, StatusDegraded, result.Status)

	result = NewQueueChecker("missing", 0, pool).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Equal(t, "queue_missing", result.Name)
}

type stubBroker struct {
	status management.HealthStatus
	err    error
}

func (s stubBroker) CheckHealth(context.Context) (management.HealthStatus, error) {
	return s.status, s.err
}

func TestManagementChecker(t *testing.T) {
	tests := []struct {
		name   string
		broker stubBroker
		want   Status
	}{
		{"healthy", stubBroker{status: management.HealthStatus{Status: "healthy"}}, StatusHealthy},
		{"alarms", stubBroker{status: management.HealthStatus{Status: "warning", Alarms: []string{"Disk alarm"}}}, StatusDegraded},
		{"critical", stubBroker{status: management.HealthStatus{Status: "critical"}}, StatusUnhealthy},
		{"unreachable", stubBroker{err: errors.New("connection refused")}, StatusUnhealthy},
		{"circuit open", stubBroker{err: &reliability.OpenError{Name: "rabbitmq-management", Failures: 3}}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NewManagementChecker(tt.broker).Check(context.Background())
			assert.Equal(t, tt.want, result.Status)
			if tt.name == "circuit open" {
				assert.Equal(t, "Management API circuit is open", result.Message)
			}
		})
	}
}

type staticChecker struct {
	name   string
	status Status
	delay  time.Duration
}

func (s staticChecker) Name() string { return s.name }

func (s staticChecker) Check(ctx context.Context) CheckResult {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
		}
	}
	return CheckResult{Name: s.name, Status: s.status}
}

func TestRegistry(t *testing.T) {
	t.Run("worst status wins", func(t *testing.T) {
		r := NewRegistry()
		r.Register(staticChecker{name: "a", status: StatusHealthy})
		r.Register(staticChecker{name: "b", status: StatusDegraded})

		health := r.Check(context.Background())
		assert.Equal(t, StatusDegraded, health.Status)
		assert.Len(t, health.Checks, 2)

		r.Register(staticChecker{name: "c", status: StatusUnhealthy})
		assert.Equal(t, StatusUnhealthy, r.Check(context.Background()).Status)

		r.Unregister("c")
		assert.Equal(t, StatusDegraded, r.Check(context.Background()).Status)
		assert.Equal(t, []string{"a", "b"}, r.Names())
	})

	t.Run("single check", func(t *testing.T) {
		r := NewRegistry()
		r.Register(staticChecker{name: "channel_pool", status: StatusDegraded})

		result, ok := r.CheckOne(context.Background(), "channel_pool")
		require.True(t, ok)
		assert.Equal(t, StatusDegraded, result.Status)

		_, ok = r.CheckOne(context.Background(), "missing")
		assert.False(t, ok)
	})

	t.Run("slow checks time out", func(t *testing.T) {
		r := NewRegistry()
		r.Register(staticChecker{name: "slow", status: StatusHealthy, delay: time.Second})

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		health := r.Check(ctx)

		assert.Equal(t, StatusUnhealthy, health.Status)
		assert.Equal(t, "Check timed out", health.Checks["slow"].Message)
	})
}

func TestHandler(t *testing.T) {
	r := NewRegistry()
	r.Register(staticChecker{name: "rabbitmq_connection", status: StatusHealthy})
	handler := NewHandler(r, time.Second)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body OverallHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusHealthy, body.Status)

	r.Register(staticChecker{name: "channel_pool", status: StatusUnhealthy})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health?check=rabbitmq_connection", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var single CheckResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &single))
	assert.Equal(t, "rabbitmq_connection", single.Name)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health?check=nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
