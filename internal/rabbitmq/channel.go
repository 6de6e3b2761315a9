package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPChannel is the part of *amqp.Channel the pool and its callers use.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDelete(name string, ifUnused, noWait bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	QueuePurge(name string, noWait bool) (int, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Confirm(noWait bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	IsClosed() bool
	Close() error
}

var _ AMQPChannel = (*amqp.Channel)(nil)

// ChannelOpener opens channels on the shared connection.
type ChannelOpener interface {
	OpenChannel(ctx context.Context) (AMQPChannel, error)
}

// PooledChannel is a channel checked out of a ChannelPool. It belongs to
// exactly one borrower until Release or Close is called.
type PooledChannel struct {
	ch         AMQPChannel
	pool       *ChannelPool
	id         string
	createdAt  time.Time
	lastUsed   time.Time
	rpcTimeout time.Duration
	confirming bool
	released   atomic.Bool
}

// ID identifies the channel in logs.
func (c *PooledChannel) ID() string { return c.id }

// Channel exposes the underlying channel for operations without a helper.
// It must not be used after Release.
func (c *PooledChannel) Channel() AMQPChannel { return c.ch }

// IsClosed reports whether the broker or a caller closed the channel.
func (c *PooledChannel) IsClosed() bool { return c.ch.IsClosed() }

// Release hands the channel back to its pool. Calling it twice is a no-op.
func (c *PooledChannel) Release() {
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	c.pool.put(c)
}

// Close discards the channel instead of returning it for reuse.
func (c *PooledChannel) Close() error {
	if !c.released.CompareAndSwap(false, true) {
		return nil
	}
	err := c.ch.Close()
	c.pool.discard(c)
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return &ChannelError{Op: "close", ChannelID: c.id, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// ExchangeDeclare declares an exchange within the channel RPC timeout.
func (c *PooledChannel) ExchangeDeclare(ctx context.Context, exchange ExchangeDeclaration) error {
	return c.rpc(ctx, "declare exchange", func() error {
		return c.ch.ExchangeDeclare(exchange.Name, exchange.Kind, exchange.Durable, exchange.AutoDelete,
			exchange.Internal, false, exchange.Arguments)
	})
}

// ExchangeDelete deletes an exchange within the channel RPC timeout.
func (c *PooledChannel) ExchangeDelete(ctx context.Context, name string, ifUnused bool) error {
	return c.rpc(ctx, "delete exchange", func() error {
		return c.ch.ExchangeDelete(name, ifUnused, false)
	})
}

// QueueDeclare declares a queue exactly as given; policy is applied by
// TopologyManager.
func (c *PooledChannel) QueueDeclare(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	var declared amqp.Queue
	err := c.rpc(ctx, "declare queue", func() error {
		var err error
		declared, err = c.ch.QueueDeclare(queue.Name, queue.Durable, queue.AutoDelete, queue.Exclusive, false, queue.Arguments)
		return err
	})
	return declared, err
}

// QueueInspect passively declares a queue to read its message and consumer
// counts. The broker closes the channel if the queue does not exist.
func (c *PooledChannel) QueueInspect(ctx context.Context, name string) (amqp.Queue, error) {
	var queue amqp.Queue
	err := c.rpc(ctx, "inspect queue", func() error {
		var err error
		queue, err = c.ch.QueueDeclarePassive(name, false, false, false, false, nil)
		return err
	})
	return queue, err
}

// QueueBind binds a queue within the channel RPC timeout.
func (c *PooledChannel) QueueBind(ctx context.Context, binding BindingDeclaration) error {
	return c.rpc(ctx, "bind queue", func() error {
		return c.ch.QueueBind(binding.Queue, binding.RoutingKey, binding.Exchange, false, binding.Arguments)
	})
}

// QueueUnbind removes a binding within the channel RPC timeout.
func (c *PooledChannel) QueueUnbind(ctx context.Context, binding BindingDeclaration) error {
	return c.rpc(ctx, "unbind queue", func() error {
		return c.ch.QueueUnbind(binding.Queue, binding.RoutingKey, binding.Exchange, binding.Arguments)
	})
}

// QueueDelete deletes a queue and returns the number of purged messages.
func (c *PooledChannel) QueueDelete(ctx context.Context, name string, ifUnused, ifEmpty bool) (int, error) {
	var purged int
	err := c.rpc(ctx, "delete queue", func() error {
		var err error
		purged, err = c.ch.QueueDelete(name, ifUnused, ifEmpty, false)
		return err
	})
	return purged, err
}

// QueuePurge drops every ready message of a queue.
func (c *PooledChannel) QueuePurge(ctx context.Context, name string) (int, error) {
	var purged int
	err := c.rpc(ctx, "purge queue", func() error {
		var err error
		purged, err = c.ch.QueuePurge(name, false)
		return err
	})
	return purged, err
}

// Publish sends msg within the channel RPC timeout.
func (c *PooledChannel) Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error {
	return c.rpcContext(ctx, "publish", func(ctx context.Context) error {
		return c.ch.PublishWithContext(ctx, exchange, routingKey, mandatory, false, msg)
	})
}

// EnableConfirms puts the channel in publisher-confirm mode. The mode sticks
// to the channel across borrows, so only the first call reaches the broker.
func (c *PooledChannel) EnableConfirms(ctx context.Context) error {
	if c.confirming {
		return nil
	}
	if err := c.rpc(ctx, "confirm select", func() error { return c.ch.Confirm(false) }); err != nil {
		return err
	}
	c.confirming = true
	return nil
}

// PublishConfirmed publishes msg and returns the broker confirmation handle.
// EnableConfirms must have been called.
func (c *PooledChannel) PublishConfirmed(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	var confirmation *amqp.DeferredConfirmation
	err := c.rpcContext(ctx, "publish", func(ctx context.Context) error {
		var err error
		confirmation, err = c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, mandatory, false, msg)
		return err
	})
	return confirmation, err
}

func (c *PooledChannel) rpc(ctx context.Context, op string, fn func() error) error {
	return c.rpcContext(ctx, op, func(context.Context) error { return fn() })
}

// rpcContext bounds one broker round-trip. When the bound is hit the channel
// is closed because its protocol state can no longer be trusted.
func (c *PooledChannel) rpcContext(ctx context.Context, op string, fn func(context.Context) error) error {
	if c.released.Load() {
		return &ChannelError{Op: op, ChannelID: c.id, Err: ErrChannelReleased, Timestamp: time.Now()}
	}
	c.lastUsed = time.Now()

	rpcCtx := ctx
	cancel := func() {}
	if c.rpcTimeout > 0 {
		rpcCtx, cancel = context.WithTimeout(ctx, c.rpcTimeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(rpcCtx) }()

	select {
	case err := <-done:
		if err != nil {
			return &ChannelError{Op: op, ChannelID: c.id, Err: err, Timestamp: time.Now()}
		}
		return nil
	case <-rpcCtx.Done():
		_ = c.ch.Close()
		err := ctx.Err()
		if err == nil {
			err = fmt.Errorf("%w after %s", ErrChannelRPCTimeout, c.rpcTimeout)
		}
		return &ChannelError{Op: op, ChannelID: c.id, Err: err, Timestamp: time.Now()}
	}
}
