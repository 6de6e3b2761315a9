package reliability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// RetryPolicy bounds the number of retries and spaces them out. Whether a
// given error is worth retrying is decided by ShouldRetry.
type RetryPolicy interface {
	// MaxRetries returns the number of calls allowed after the first one
	MaxRetries() int
	// NextDelay returns the pause before retry number attempt+1
	NextDelay(attempt int) time.Duration
}

// BackoffShape names the delay curve used between attempts.
type BackoffShape string

const (
	BackoffFixed       BackoffShape = "fixed"
	BackoffExponential BackoffShape = "exponential"
)

// ParseBackoffShape resolves a configured backoff name.
func ParseBackoffShape(name string) (BackoffShape, error) {
	switch BackoffShape(strings.ToLower(strings.TrimSpace(name))) {
	case BackoffFixed:
		return BackoffFixed, nil
	case BackoffExponential, "":
		return BackoffExponential, nil
	default:
		return "", fmt.Errorf("unknown backoff shape %q, expected one of [fixed, exponential]", name)
	}
}

// maxBackoffInterval caps exponential delays between connection attempts.
const maxBackoffInterval = time.Minute

// NewPolicy builds the policy for a shape, a first delay and a retry budget.
func NewPolicy(shape BackoffShape, minDelay time.Duration, maxRetries int) RetryPolicy {
	if shape == BackoffFixed {
		return NewFixedDelay(minDelay, maxRetries)
	}
	return NewExponentialBackoff(minDelay, maxBackoffInterval, 2.0, maxRetries)
}

// ExponentialBackoff multiplies the delay after every attempt, up to
// MaxInterval, spreading it by ±15% when Jitter is set.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates a jittered exponential policy.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

func (e *ExponentialBackoff) MaxRetries() int { return e.MaxAttempts }

func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := math.Min(float64(e.InitialInterval)*math.Pow(e.Multiplier, float64(attempt)), float64(e.MaxInterval))
	if e.Jitter {
		delay *= 0.85 + 0.3*rand.Float64()
	}
	return time.Duration(delay)
}

// FixedDelay waits the same time before every retry.
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a fixed delay policy
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{Delay: delay, MaxAttempts: maxRetries}
}

func (f *FixedDelay) MaxRetries() int { return f.MaxAttempts }

func (f *FixedDelay) NextDelay(int) time.Duration { return f.Delay }

// Attempts reports how many calls a policy permits in total.
func Attempts(policy RetryPolicy) int {
	return policy.MaxRetries() + 1
}

// ShouldRetry reports whether the call that failed at attempt (zero based)
// may be repeated, and after which pause.
func ShouldRetry(policy RetryPolicy, attempt int, err error) (bool, time.Duration) {
	if err == nil || attempt >= policy.MaxRetries() || IsPermanent(err) {
		return false, 0
	}
	return true, policy.NextDelay(attempt)
}

// Retry executes a function with retry logic. The first call is not a
// retry: a policy allowing N retries runs fn at most N+1 times.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	_, err := RetryValue(ctx, policy, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryValue is Retry for operations producing a resource. Attempts run
// sequentially on the calling goroutine.
func RetryValue[T any](ctx context.Context, policy RetryPolicy, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, interrupted(err, lastErr)
		}

		value, err := fn()
		if err == nil {
			return value, nil
		}
		lastErr = err

		retry, delay := ShouldRetry(policy, attempt, err)
		if !retry {
			return zero, lastErr
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, interrupted(ctx.Err(), lastErr)
		}
	}
}

func interrupted(ctxErr, lastErr error) error {
	if lastErr == nil {
		return ctxErr
	}
	return fmt.Errorf("%w (last error: %v)", ctxErr, lastErr)
}

// RetryableError lets an error state whether another attempt can help.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (r RetryableError) Error() string     { return r.Err.Error() }
func (r RetryableError) IsRetryable() bool { return r.Retryable }
func (r RetryableError) Unwrap() error     { return r.Err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return RetryableError{Err: err, Retryable: false}
}

// IsPermanent reports whether any error in err's chain opts out of retries
// through an IsRetryable() bool method.
func IsPermanent(err error) bool {
	var r interface{ IsRetryable() bool }
	return errors.As(err, &r) && !r.IsRetryable()
}
