package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is matched by the error Execute returns while calls are
// being short-circuited.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// OpenError reports a short-circuited call.
type OpenError struct {
	Name     string
	Failures int
	RetryAt  time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: %v after %d failures, retry at %s",
		e.Name, ErrCircuitOpen, e.Failures, e.RetryAt.Format(time.RFC3339))
}

func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

// Breaker stops calling a dependency after consecutive failures and lets a
// limited number of probe calls through once the open period has elapsed.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	inFlight    int
	openedAt    time.Time
	lastFailure error

	name             string
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	halfOpenProbes   int
	isFailure        func(error) bool
	onStateChange    func(from, to State)
	now              func() time.Time
}

// BreakerOption configures a Breaker
type BreakerOption func(*Breaker)

// WithFailureThreshold sets how many consecutive failures open the breaker.
func WithFailureThreshold(n int) BreakerOption {
	return func(b *Breaker) { b.failureThreshold = n }
}

// WithSuccessThreshold sets how many half-open successes close it again.
func WithSuccessThreshold(n int) BreakerOption {
	return func(b *Breaker) { b.successThreshold = n }
}

// WithOpenTimeout sets how long the breaker stays open before probing.
func WithOpenTimeout(d time.Duration) BreakerOption {
	return func(b *Breaker) { b.openTimeout = d }
}

// WithHalfOpenProbes bounds concurrent calls while half-open.
func WithHalfOpenProbes(n int) BreakerOption {
	return func(b *Breaker) { b.halfOpenProbes = n }
}

// WithFailurePredicate decides which errors count against the dependency.
// Errors it rejects are returned unchanged and reset nothing.
func WithFailurePredicate(fn func(error) bool) BreakerOption {
	return func(b *Breaker) { b.isFailure = fn }
}

// WithStateChange registers a callback run after every transition, outside
// the breaker's lock.
func WithStateChange(fn func(from, to State)) BreakerOption {
	return func(b *Breaker) { b.onStateChange = fn }
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, options ...BreakerOption) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: 5,
		successThreshold: 1,
		openTimeout:      30 * time.Second,
		halfOpenProbes:   1,
		isFailure:        func(err error) bool { return err != nil },
		now:              time.Now,
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// State returns the current state, moving an expired open breaker to
// half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.now().Before(b.openedAt.Add(b.openTimeout)) {
		return StateHalfOpen
	}
	return b.state
}

// LastFailure returns the error that last counted as a failure.
func (b *Breaker) LastFailure() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailure
}

// Execute runs fn unless the breaker is open. Context errors never count as
// failures.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	transition, err := b.admit()
	b.notify(transition)
	if err != nil {
		return err
	}

	err = fn()
	b.notify(b.record(ctx, err))
	return err
}

type change struct{ from, to State }

func (b *Breaker) admit() (*change, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var transition *change
	if b.state == StateOpen {
		retryAt := b.openedAt.Add(b.openTimeout)
		if b.now().Before(retryAt) {
			return nil, &OpenError{Name: b.name, Failures: b.failures, RetryAt: retryAt}
		}
		transition = b.moveTo(StateHalfOpen)
	}
	if b.state == StateHalfOpen {
		if b.inFlight >= b.halfOpenProbes {
			return transition, &OpenError{Name: b.name, Failures: b.failures, RetryAt: b.now()}
		}
		b.inFlight++
	}
	return transition, nil
}

func (b *Breaker) record(ctx context.Context, err error) *change {
	b.mu.Lock()
	defer b.mu.Unlock()

	halfOpen := b.state == StateHalfOpen
	if halfOpen {
		b.inFlight--
	}

	if err != nil && ctx.Err() != nil {
		return nil
	}

	if err != nil && b.isFailure(err) {
		b.failures++
		b.lastFailure = err
		if halfOpen || b.failures >= b.failureThreshold {
			b.openedAt = b.now()
			return b.moveTo(StateOpen)
		}
		return nil
	}

	if halfOpen {
		b.successes++
		if b.successes >= b.successThreshold {
			return b.moveTo(StateClosed)
		}
		return nil
	}
	b.failures = 0
	return nil
}

// moveTo must be called with b.mu held.
func (b *Breaker) moveTo(to State) *change {
	if b.state == to {
		return nil
	}
	from := b.state
	b.state = to
	b.successes = 0
	if to == StateClosed {
		b.failures = 0
	}
	return &change{from: from, to: to}
}

func (b *Breaker) notify(c *change) {
	if c != nil && b.onStateChange != nil {
		b.onStateChange(c.from, c.to)
	}
}
