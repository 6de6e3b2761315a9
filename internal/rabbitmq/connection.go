package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ResilientConnection is a connection handle that survives transport loss.
// When the broker connection drops it is re-established in the background
// every recovery interval; holders keep using the same handle.
type ResilientConnection struct {
	factory          SessionFactory
	recoveryInterval time.Duration
	shutdownTimeout  time.Duration
	logger           *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	session     Session
	isConnected bool
	ready       chan struct{}
	closeOnce   sync.Once

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures a ResilientConnection
type ConnectionOption func(*ResilientConnection)

// WithConnectionLogger sets the logger
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(rc *ResilientConnection) {
		rc.logger = logger
	}
}

// WithRecoveryInterval sets the pause between recovery attempts.
func WithRecoveryInterval(interval time.Duration) ConnectionOption {
	return func(rc *ResilientConnection) {
		rc.recoveryInterval = interval
	}
}

// WithShutdownTimeout bounds the graceful close handshake.
func WithShutdownTimeout(timeout time.Duration) ConnectionOption {
	return func(rc *ResilientConnection) {
		rc.shutdownTimeout = timeout
	}
}

// WithStateListener registers a listener before the connection is watched.
func WithStateListener(listener ConnectionStateListener) ConnectionOption {
	return func(rc *ResilientConnection) {
		rc.stateListeners = append(rc.stateListeners, listener)
	}
}

// ConnectionOptions derives the recovery and shutdown settings from cfg.
func ConnectionOptions(cfg *Configuration) []ConnectionOption {
	return []ConnectionOption{
		WithRecoveryInterval(cfg.NetworkRecoveryInterval()),
		WithShutdownTimeout(cfg.ShutdownTimeout()),
	}
}

func newResilientConnection(session Session, factory SessionFactory, options ...ConnectionOption) *ResilientConnection {
	ctx, cancel := context.WithCancel(context.Background())
	rc := &ResilientConnection{
		factory:          factory,
		recoveryInterval: DefaultNetworkRecoveryInterval,
		shutdownTimeout:  DefaultShutdownTimeout,
		logger:           slog.Default(),
		ctx:              ctx,
		cancel:           cancel,
		session:          session,
		isConnected:      true,
		ready:            make(chan struct{}),
	}
	close(rc.ready)

	for _, opt := range options {
		opt(rc)
	}

	notifyClose := session.NotifyClose(make(chan *amqp.Error, 1))
	go rc.handleReconnect(session, notifyClose)
	return rc
}

// OpenChannel opens a channel on the current session. While the connection
// is recovering it waits for recovery or for ctx to end.
func (rc *ResilientConnection) OpenChannel(ctx context.Context) (AMQPChannel, error) {
	for {
		rc.mu.RLock()
		session, connected, ready := rc.session, rc.isConnected, rc.ready
		rc.mu.RUnlock()

		if rc.ctx.Err() != nil {
			return nil, ErrConnectionClosed
		}

		if connected {
			if !session.IsClosed() {
				ch, err := session.OpenChannel()
				if err == nil {
					return ch, nil
				}
				if !errors.Is(err, amqp.ErrClosed) {
					return nil, err
				}
			}
			// the session died under us; wait for the watcher to recover
			rc.markDisconnected(session)
			continue
		}

		select {
		case <-ready:
		case <-rc.ctx.Done():
			return nil, ErrConnectionClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// IsConnected reports whether a live session is currently held.
func (rc *ResilientConnection) IsConnected() bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.isConnected && rc.session != nil && !rc.session.IsClosed()
}

// IsClosed reports whether Close was called.
func (rc *ResilientConnection) IsClosed() bool {
	return rc.ctx.Err() != nil
}

// Close stops recovery and closes the session within the shutdown timeout.
// Further calls are no-ops.
func (rc *ResilientConnection) Close() error {
	var closeErr error
	rc.closeOnce.Do(func() {
		rc.cancel()

		rc.mu.Lock()
		session := rc.session
		rc.isConnected = false
		rc.mu.Unlock()

		if session != nil && !session.IsClosed() {
			err := session.CloseDeadline(time.Now().Add(rc.shutdownTimeout))
			if err != nil && !errors.Is(err, amqp.ErrClosed) {
				closeErr = err
			}
		}
		rc.logger.Info("connection closed")
	})
	return closeErr
}

// markDisconnected flips the state once per lost session.
func (rc *ResilientConnection) markDisconnected(session Session) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.session != session || !rc.isConnected {
		return false
	}
	rc.isConnected = false
	rc.ready = make(chan struct{})
	return true
}

// handleReconnect monitors the connection and reconnects if necessary.
// notifyClose must be registered on session before it is published.
func (rc *ResilientConnection) handleReconnect(session Session, notifyClose chan *amqp.Error) {
	for {
		var cause error
		select {
		case amqpErr, ok := <-notifyClose:
			if ok && amqpErr != nil {
				cause = amqpErr
			}
		case <-rc.ctx.Done():
			return
		}
		if rc.ctx.Err() != nil {
			return
		}

		if cause != nil {
			rc.logger.Error("connection lost", "error", cause)
		} else {
			rc.logger.Warn("connection closed unexpectedly")
			cause = ErrConnectionClosed
		}
		rc.markDisconnected(session)
		rc.notifyDisconnected(cause)

		next, nextClose, ok := rc.reconnect()
		if !ok {
			return
		}
		session, notifyClose = next, nextClose
	}
}

// reconnect retries every recovery interval until a session opens or the
// connection is closed. The returned channel reports the new session's loss.
func (rc *ResilientConnection) reconnect() (Session, chan *amqp.Error, bool) {
	startTime := time.Now()

	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(rc.recoveryInterval)
		select {
		case <-timer.C:
		case <-rc.ctx.Done():
			timer.Stop()
			return nil, nil, false
		}

		rc.logger.Info("attempting to reconnect", "attempt", attempt)
		rc.notifyReconnecting(attempt)

		session, err := rc.factory.Create(rc.ctx)
		if err != nil {
			if rc.ctx.Err() != nil {
				return nil, nil, false
			}
			rc.logger.Error("reconnection failed",
				"error", err,
				"attempt", attempt,
				"nextRetryIn", rc.recoveryInterval)
			continue
		}

		notifyClose := session.NotifyClose(make(chan *amqp.Error, 1))

		rc.mu.Lock()
		if rc.ctx.Err() != nil {
			rc.mu.Unlock()
			_ = session.CloseDeadline(time.Now().Add(rc.shutdownTimeout))
			return nil, nil, false
		}
		rc.session = session
		rc.isConnected = true
		close(rc.ready)
		rc.mu.Unlock()

		rc.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", attempt,
			"duration", time.Since(startTime))
		rc.notifyConnected()
		return session, notifyClose, true
	}
}

// AddStateListener adds a connection state listener
func (rc *ResilientConnection) AddStateListener(listener ConnectionStateListener) {
	rc.listenersMu.Lock()
	defer rc.listenersMu.Unlock()
	rc.stateListeners = append(rc.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (rc *ResilientConnection) RemoveStateListener(listener ConnectionStateListener) {
	rc.listenersMu.Lock()
	defer rc.listenersMu.Unlock()

	for i, l := range rc.stateListeners {
		if l == listener {
			rc.stateListeners = append(rc.stateListeners[:i], rc.stateListeners[i+1:]...)
			break
		}
	}
}

func (rc *ResilientConnection) notifyConnected() {
	rc.listenersMu.RLock()
	defer rc.listenersMu.RUnlock()

	for _, listener := range rc.stateListeners {
		go listener.OnConnected()
	}
}

func (rc *ResilientConnection) notifyDisconnected(err error) {
	rc.listenersMu.RLock()
	defer rc.listenersMu.RUnlock()

	for _, listener := range rc.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (rc *ResilientConnection) notifyReconnecting(attempt int) {
	rc.listenersMu.RLock()
	defer rc.listenersMu.RUnlock()

	for _, listener := range rc.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
