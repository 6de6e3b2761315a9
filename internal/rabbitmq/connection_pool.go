package rabbitmq

import (
	"context"
	"sync"
)

// ConnectionPool owns the single shared ResilientConnection. It is created
// on first use; a failed creation is not remembered, so the next caller
// tries again.
type ConnectionPool struct {
	factory SessionFactory
	options []ConnectionOption

	ctx    context.Context
	cancel context.CancelFunc

	// createMu serializes creation; mu only guards conn so that
	// IsConnected never waits on a dial.
	createMu  sync.Mutex
	mu        sync.Mutex
	conn      *ResilientConnection
	closeOnce sync.Once
}

// NewConnectionPool creates an empty pool; nothing is dialed until
// ResilientConnection or OpenChannel is called.
func NewConnectionPool(factory SessionFactory, options ...ConnectionOption) *ConnectionPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionPool{
		factory: factory,
		options: options,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ResilientConnection returns the shared connection, opening it if needed.
// Concurrent first callers share one creation attempt.
func (p *ConnectionPool) ResilientConnection(ctx context.Context) (*ResilientConnection, error) {
	if conn := p.current(); conn != nil {
		return conn, nil
	}

	p.createMu.Lock()
	defer p.createMu.Unlock()

	if p.ctx.Err() != nil {
		return nil, ErrConnectionPoolClosed
	}
	if conn := p.current(); conn != nil {
		return conn, nil
	}

	createCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	session, err := p.factory.Create(createCtx)
	if err != nil {
		if p.ctx.Err() != nil {
			return nil, ErrConnectionPoolClosed
		}
		return nil, err
	}
	conn := newResilientConnection(session, p.factory, p.options...)

	p.mu.Lock()
	if p.ctx.Err() != nil {
		p.mu.Unlock()
		_ = conn.Close()
		return nil, ErrConnectionPoolClosed
	}
	p.conn = conn
	p.mu.Unlock()
	return conn, nil
}

func (p *ConnectionPool) current() *ResilientConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() != nil {
		return nil
	}
	return p.conn
}

// OpenChannel opens a channel on the shared connection.
func (p *ConnectionPool) OpenChannel(ctx context.Context) (AMQPChannel, error) {
	conn, err := p.ResilientConnection(ctx)
	if err != nil {
		return nil, err
	}
	return conn.OpenChannel(ctx)
}

// IsConnected reports whether the shared connection exists and is live.
func (p *ConnectionPool) IsConnected() bool {
	conn := p.current()
	return conn != nil && conn.IsConnected()
}

// Close closes the shared connection once. Later calls are no-ops.
func (p *ConnectionPool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()

		p.mu.Lock()
		conn := p.conn
		p.mu.Unlock()

		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}
