package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mailbus/internal/reliability"
)

// Channel pool defaults.
const (
	DefaultMaxChannel        = 3
	DefaultChannelRetries    = 3
	DefaultMaxBorrowDelay    = 5 * time.Second
	DefaultChannelRetryDelay = 50 * time.Millisecond
	DefaultChannelIdleTime   = 5 * time.Minute
)

// PoolState is the lifecycle state of a ChannelPool.
type PoolState int32

const (
	PoolStopped PoolState = iota
	PoolStarted
	PoolStopping
)

func (s PoolState) String() string {
	switch s {
	case PoolStopped:
		return "stopped"
	case PoolStarted:
		return "started"
	case PoolStopping:
		return "stopping"
	default:
		return fmt.Sprintf("PoolState(%d)", int32(s))
	}
}

// PoolStats is a snapshot of the pool bookkeeping.
type PoolStats struct {
	State      PoolState
	Open       int
	Idle       int
	Waiters    int
	MaxChannel int
}

// ChannelPool hands out channels of the shared connection, never keeping
// more than maxChannel open. Borrowers wait in FIFO order when the pool is
// at capacity.
type ChannelPool struct {
	opener         ChannelOpener
	maxChannel     int
	retries        int
	maxBorrowDelay time.Duration
	retryDelay     time.Duration
	rpcTimeout     time.Duration
	idleTimeout    time.Duration
	logger         *slog.Logger
	metrics        MetricsRecorder

	mu      sync.Mutex
	state   PoolState
	idle    []idleChannel
	open    int
	waiters []*waiter
	done    chan struct{}
}

type idleChannel struct {
	ch         AMQPChannel
	id         string
	createdAt  time.Time
	lastUsed   time.Time
	confirming bool
}

// grant is what a waiter receives: a channel, permission to open one, or
// the reason it will get neither.
type grant struct {
	ch   *PooledChannel
	slot bool
	err  error
}

type waiter struct {
	grants chan grant
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxChannel bounds the number of concurrently open channels.
func WithMaxChannel(n int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxChannel = n
	}
}

// WithRetries bounds re-attempts when the broker refuses a new channel.
func WithRetries(n int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.retries = n
	}
}

// WithMaxBorrowDelay bounds how long a borrow waits for capacity.
func WithMaxBorrowDelay(d time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxBorrowDelay = d
	}
}

// WithChannelRetryDelay sets the pause between channel open attempts.
func WithChannelRetryDelay(d time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.retryDelay = d
	}
}

// WithChannelRPCTimeout bounds every RPC made through a PooledChannel.
func WithChannelRPCTimeout(d time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.rpcTimeout = d
	}
}

// WithIdleTimeout closes channels left idle longer than d. Zero disables it.
func WithIdleTimeout(d time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.idleTimeout = d
	}
}

// WithPoolLogger sets the logger
func WithPoolLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// WithMetrics reports pool activity to recorder.
func WithMetrics(recorder MetricsRecorder) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.metrics = recorder
	}
}

// NewChannelPool creates a stopped pool; call Start before borrowing.
func NewChannelPool(opener ChannelOpener, options ...ChannelPoolOption) (*ChannelPool, error) {
	if opener == nil {
		return nil, fmt.Errorf("%w: channel opener is required", ErrInvalidConfiguration)
	}

	pool := &ChannelPool{
		opener:         opener,
		maxChannel:     DefaultMaxChannel,
		retries:        DefaultChannelRetries,
		maxBorrowDelay: DefaultMaxBorrowDelay,
		retryDelay:     DefaultChannelRetryDelay,
		rpcTimeout:     DefaultChannelRPCTimeout,
		idleTimeout:    DefaultChannelIdleTime,
		logger:         slog.Default(),
		metrics:        NopMetrics,
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxChannel < 1 {
		return nil, fmt.Errorf("%w: max channel must be at least 1", ErrInvalidConfiguration)
	}
	if pool.retries < 0 {
		return nil, fmt.Errorf("%w: retries must not be negative", ErrInvalidConfiguration)
	}
	if pool.maxBorrowDelay <= 0 {
		return nil, fmt.Errorf("%w: max borrow delay must be positive", ErrInvalidConfiguration)
	}
	if pool.logger == nil {
		pool.logger = slog.Default()
	}
	if pool.metrics == nil {
		pool.metrics = NopMetrics
	}

	return pool, nil
}

// Start makes the pool accept borrows. Channels are opened lazily.
// Starting a started pool is a no-op; a closed pool may be started again.
func (cp *ChannelPool) Start() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	switch cp.state {
	case PoolStarted:
		return nil
	case PoolStopping:
		return fmt.Errorf("%w: pool is stopping", ErrChannelPoolClosed)
	}

	cp.state = PoolStarted
	cp.done = make(chan struct{})
	if cp.idleTimeout > 0 {
		go cp.cleanupIdle(cp.done)
	}
	cp.logger.Debug("channel pool started", "maxChannel", cp.maxChannel)
	return nil
}

// Borrow returns a channel for the exclusive use of the caller, who must
// Release or Close it. It fails with ErrBorrowTimeout when no channel frees
// up within maxBorrowDelay.
func (cp *ChannelPool) Borrow(ctx context.Context) (*PooledChannel, error) {
	start := time.Now()
	ch, err := cp.borrow(ctx)
	cp.metrics.ObserveTimer(MetricBorrowLatency, time.Since(start))
	switch {
	case err == nil:
	case IsBorrowTimeout(err):
		cp.metrics.IncCounter(MetricBorrowTimeouts)
	default:
		cp.metrics.IncCounter(MetricBorrowFailures)
	}
	return ch, err
}

func (cp *ChannelPool) borrow(ctx context.Context) (*PooledChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ChannelError{Op: "borrow", ChannelID: "pool", Err: err, Timestamp: time.Now()}
	}

	g, w, err := cp.acquire()
	if err != nil {
		return nil, err
	}

	if w != nil {
		timer := time.NewTimer(cp.maxBorrowDelay)
		defer timer.Stop()

		select {
		case g = <-w.grants:
		case <-timer.C:
			late, granted := cp.abandon(w)
			if !granted {
				return nil, &ChannelError{
					Op:        "borrow",
					ChannelID: "pool",
					Err:       fmt.Errorf("%w after %s", ErrBorrowTimeout, cp.maxBorrowDelay),
					Timestamp: time.Now(),
				}
			}
			g = late
		case <-ctx.Done():
			if late, granted := cp.abandon(w); granted {
				cp.giveBack(late)
			}
			return nil, &ChannelError{Op: "borrow", ChannelID: "pool", Err: ctx.Err(), Timestamp: time.Now()}
		}
	}

	switch {
	case g.err != nil:
		return nil, g.err
	case g.ch != nil:
		return g.ch, nil
	default:
		return cp.create(ctx)
	}
}

// acquire serves the caller immediately when it can, otherwise queues it.
func (cp *ChannelPool) acquire() (grant, *waiter, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.state != PoolStarted {
		return grant{}, nil, &ChannelError{Op: "borrow", ChannelID: "pool", Err: ErrChannelPoolClosed, Timestamp: time.Now()}
	}

	for len(cp.idle) > 0 {
		entry := cp.idle[len(cp.idle)-1]
		cp.idle = cp.idle[:len(cp.idle)-1]
		if entry.ch.IsClosed() {
			cp.open--
			cp.metrics.IncCounter(MetricChannelsClosed)
			cp.logger.Debug("discarding stale channel", "channelId", entry.id)
			continue
		}
		cp.reportLocked()
		return grant{ch: cp.checkout(entry)}, nil, nil
	}

	cp.grantSlotsLocked()
	if cp.open < cp.maxChannel {
		cp.open++
		cp.reportLocked()
		return grant{slot: true}, nil, nil
	}

	w := &waiter{grants: make(chan grant, 1)}
	cp.waiters = append(cp.waiters, w)
	cp.reportLocked()
	return grant{}, w, nil
}

// abandon removes w from the queue. If w was served in the meantime, the
// grant it received is returned instead.
func (cp *ChannelPool) abandon(w *waiter) (grant, bool) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if i := slices.Index(cp.waiters, w); i >= 0 {
		cp.waiters = slices.Delete(cp.waiters, i, i+1)
		cp.reportLocked()
		return grant{}, false
	}
	return <-w.grants, true
}

// giveBack undoes a grant nobody will use.
func (cp *ChannelPool) giveBack(g grant) {
	switch {
	case g.ch != nil:
		g.ch.Release()
	case g.slot:
		cp.releaseSlot()
	}
}

// create opens a channel for a caller holding a slot. The slot is released
// if no channel can be opened.
func (cp *ChannelPool) create(ctx context.Context) (*PooledChannel, error) {
	policy := reliability.NewFixedDelay(cp.retryDelay, cp.retries)
	ch, err := reliability.RetryValue(ctx, policy, func() (AMQPChannel, error) {
		ch, err := cp.opener.OpenChannel(ctx)
		if err != nil {
			if errors.Is(err, ErrConnectionPoolClosed) || errors.Is(err, ErrConnectionClosed) {
				return nil, reliability.Permanent(err)
			}
			cp.logger.Warn("failed to open channel", "error", err)
			return nil, err
		}
		if ch.IsClosed() {
			return nil, ErrChannelClosed
		}
		return ch, nil
	})
	if err != nil {
		cp.releaseSlot()
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %w", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	now := time.Now()
	entry := idleChannel{ch: ch, id: uuid.New().String(), createdAt: now, lastUsed: now}

	cp.mu.Lock()
	if cp.state != PoolStarted {
		cp.open--
		cp.reportLocked()
		cp.mu.Unlock()
		closeChannel(ch)
		return nil, &ChannelError{Op: "borrow", ChannelID: entry.id, Err: ErrChannelPoolClosed, Timestamp: now}
	}
	pooled := cp.checkout(entry)
	cp.mu.Unlock()

	cp.metrics.IncCounter(MetricChannelsCreated)
	cp.logger.Debug("opened channel", "channelId", entry.id)
	return pooled, nil
}

// checkout wraps an idle channel in a fresh handle so that a stale handle
// from an earlier borrow cannot release it twice.
func (cp *ChannelPool) checkout(entry idleChannel) *PooledChannel {
	return &PooledChannel{
		ch:         entry.ch,
		pool:       cp,
		id:         entry.id,
		createdAt:  entry.createdAt,
		lastUsed:   entry.lastUsed,
		rpcTimeout: cp.rpcTimeout,
		confirming: entry.confirming,
	}
}

// put takes back a released channel.
func (cp *ChannelPool) put(c *PooledChannel) {
	cp.mu.Lock()

	if cp.state != PoolStarted {
		cp.open--
		cp.reportLocked()
		cp.mu.Unlock()
		closeChannel(c.ch)
		return
	}

	if c.ch.IsClosed() {
		cp.open--
		cp.metrics.IncCounter(MetricChannelsClosed)
		cp.grantSlotsLocked()
		cp.reportLocked()
		cp.mu.Unlock()
		cp.logger.Debug("discarding closed channel", "channelId", c.id)
		return
	}

	entry := idleChannel{ch: c.ch, id: c.id, createdAt: c.createdAt, lastUsed: time.Now(), confirming: c.confirming}
	if len(cp.waiters) > 0 {
		w := cp.waiters[0]
		cp.waiters = slices.Delete(cp.waiters, 0, 1)
		w.grants <- grant{ch: cp.checkout(entry)}
	} else {
		cp.idle = append(cp.idle, entry)
	}
	cp.reportLocked()
	cp.mu.Unlock()
}

// discard forgets a channel its borrower already closed.
func (cp *ChannelPool) discard(c *PooledChannel) {
	cp.metrics.IncCounter(MetricChannelsClosed)
	cp.releaseSlot()
	cp.logger.Debug("channel closed by borrower", "channelId", c.id)
}

func (cp *ChannelPool) releaseSlot() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.open--
	if cp.state == PoolStarted {
		cp.grantSlotsLocked()
	}
	cp.reportLocked()
}

// grantSlotsLocked lets queued borrowers open channels while there is room.
func (cp *ChannelPool) grantSlotsLocked() {
	for len(cp.waiters) > 0 && cp.open < cp.maxChannel {
		w := cp.waiters[0]
		cp.waiters = slices.Delete(cp.waiters, 0, 1)
		cp.open++
		w.grants <- grant{slot: true}
	}
}

func (cp *ChannelPool) reportLocked() {
	cp.metrics.SetGauge(MetricOpenChannels, float64(cp.open))
	cp.metrics.SetGauge(MetricIdleChannels, float64(len(cp.idle)))
	cp.metrics.SetGauge(MetricWaiters, float64(len(cp.waiters)))
}

// Execute runs fn with a borrowed channel and releases it afterwards.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*PooledChannel) error) error {
	ch, err := cp.Borrow(ctx)
	if err != nil {
		return err
	}
	defer ch.Release()

	// Run function with panic recovery
	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(ch)
	}()

	return execErr
}

// Close stops the pool. Idle channels are closed before Close returns;
// borrowed channels are closed when they are released. Pending borrows
// fail with ErrChannelPoolClosed. Close never waits for borrowers.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.state != PoolStarted {
		cp.mu.Unlock()
		return nil
	}
	cp.state = PoolStopping
	idle := cp.idle
	cp.idle = nil
	cp.open -= len(idle)
	waiters := cp.waiters
	cp.waiters = nil
	close(cp.done)
	cp.reportLocked()
	cp.mu.Unlock()

	for _, w := range waiters {
		w.grants <- grant{err: &ChannelError{Op: "borrow", ChannelID: "pool", Err: ErrChannelPoolClosed, Timestamp: time.Now()}}
	}

	var errs []error
	for _, entry := range idle {
		if err := entry.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, &ChannelError{Op: "close", ChannelID: entry.id, Err: err, Timestamp: time.Now()})
		}
	}

	cp.mu.Lock()
	cp.state = PoolStopped
	cp.mu.Unlock()

	cp.logger.Debug("channel pool closed", "closedIdle", len(idle))
	return errors.Join(errs...)
}

// cleanupIdle removes idle channels
func (cp *ChannelPool) cleanupIdle(done <-chan struct{}) {
	ticker := time.NewTicker(min(cp.idleTimeout, time.Minute))
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			cp.evictIdle(time.Now().Add(-cp.idleTimeout))
		}
	}
}

func (cp *ChannelPool) evictIdle(cutoff time.Time) {
	cp.mu.Lock()
	var expired []idleChannel
	kept := cp.idle[:0]
	for _, entry := range cp.idle {
		if entry.lastUsed.Before(cutoff) {
			expired = append(expired, entry)
		} else {
			kept = append(kept, entry)
		}
	}
	clear(cp.idle[len(kept):])
	cp.idle = kept
	cp.open -= len(expired)
	cp.grantSlotsLocked()
	cp.reportLocked()
	cp.mu.Unlock()

	for _, entry := range expired {
		closeChannel(entry.ch)
		cp.logger.Debug("closed idle channel", "channelId", entry.id)
	}
}

// Size returns the number of open channels, idle or borrowed.
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.open
}

// Idle returns the number of channels waiting to be borrowed.
func (cp *ChannelPool) Idle() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.idle)
}

// State returns the pool lifecycle state.
func (cp *ChannelPool) State() PoolState {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.state
}

// Stats returns a consistent snapshot of the pool bookkeeping.
func (cp *ChannelPool) Stats() PoolStats {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return PoolStats{
		State:      cp.state,
		Open:       cp.open,
		Idle:       len(cp.idle),
		Waiters:    len(cp.waiters),
		MaxChannel: cp.maxChannel,
	}
}

func closeChannel(ch AMQPChannel) {
	if ch.IsClosed() {
		return
	}
	_ = ch.Close()
}
