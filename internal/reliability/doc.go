// Package reliability provides the retry combinator used when opening
// broker sessions and the circuit breaker guarding management API calls.
//
// Retry policies bound the number of retries and space them out:
//   - FixedDelay: the same delay between every attempt
//   - ExponentialBackoff: delay grows by a multiplier, capped, with ±15% jitter
//
// Errors can opt out of retries by implementing IsRetryable() bool, or
// by being wrapped with Permanent, anywhere in their chain.
//
// Example usage:
//
//	policy := NewPolicy(BackoffExponential, 100*time.Millisecond, 5)
//	conn, err := RetryValue(ctx, policy, func() (*amqp.Connection, error) {
//	    return amqp.Dial(url)
//	})
//
// A Breaker opens after consecutive failures and short-circuits calls with
// an error matching ErrCircuitOpen until its open timeout has elapsed:
//
//	breaker := NewBreaker("rabbitmq-management", WithFailureThreshold(3))
//	err := breaker.Execute(ctx, func() error { return fetchOverview(ctx) })
package reliability
