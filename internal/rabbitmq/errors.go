package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Configuration errors
	ErrMissingURI                 = errors.New("rabbitmq: missing URI")
	ErrInvalidURI                 = errors.New("rabbitmq: invalid URI")
	ErrMissingManagementUser      = errors.New("rabbitmq: missing management user")
	ErrMissingManagementPassword  = errors.New("rabbitmq: missing management password")
	ErrInvalidQueueTTL            = errors.New("rabbitmq: invalid queue TTL")
	ErrUnknownSSLStrategy         = errors.New("rabbitmq: unknown SSL validation strategy")
	ErrUnknownHostNameVerifier    = errors.New("rabbitmq: unknown host name verifier")
	ErrInvalidStore               = errors.New("rabbitmq: invalid SSL store")
	ErrInvalidConfiguration       = errors.New("rabbitmq: invalid configuration")
	ErrUnsupportedScheme          = errors.New("rabbitmq: unsupported URI scheme")
	ErrConnectionFactoryConstruct = errors.New("rabbitmq: connection factory construction failed")

	// Connection errors
	ErrConnectionClosed     = errors.New("rabbitmq: connection is closed")
	ErrConnectionPoolClosed = errors.New("rabbitmq: connection pool is closed")
	ErrMaxRetriesExceeded   = errors.New("rabbitmq: maximum connection attempts exceeded")

	// Channel errors
	ErrChannelClosed         = errors.New("rabbitmq: channel is closed")
	ErrChannelPoolClosed     = errors.New("rabbitmq: channel pool is closed")
	ErrBorrowTimeout         = errors.New("rabbitmq: timed out borrowing a channel")
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")
	ErrChannelRPCTimeout     = errors.New("rabbitmq: channel RPC timeout")
	ErrChannelReleased       = errors.New("rabbitmq: channel already returned to the pool")

	// Topology errors
	ErrTopologyDeclarationFailed = errors.New("rabbitmq: topology declaration failed")

	// Publish errors
	ErrPublishNacked  = errors.New("rabbitmq: message was nacked")
	ErrConfirmTimeout = errors.New("rabbitmq: timeout waiting for confirmation")

	// General errors
	ErrOperationCancelled = errors.New("rabbitmq: operation cancelled")
)

// ConfigurationError reports a field that failed validation at build time.
type ConfigurationError struct {
	Field   string // Configuration key, e.g. "management.uri"
	Message string // Operator-facing explanation
	Err     error  // Sentinel or underlying cause
}

func (e *ConfigurationError) Error() string {
	return e.Message
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// FactoryError reports a failure while assembling a ConnectionFactory,
// typically while loading TLS material. It matches both
// ErrConnectionFactoryConstruct and the wrapped cause.
type FactoryError struct {
	Op  string // Step that failed, e.g. "load trust store"
	Err error  // Underlying cause
}

func (e *FactoryError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrConnectionFactoryConstruct, e.Op, e.Err)
}

func (e *FactoryError) Unwrap() []error {
	return []error{ErrConnectionFactoryConstruct, e.Err}
}

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	ChannelID string    // Channel identifier
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Mandatory  bool      // Whether mandatory flag was set
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s/%s (mandatory=%v): %v",
		e.Exchange, e.RoutingKey, e.Mandatory, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() []error {
	return []error{ErrTopologyDeclarationFailed, e.Err}
}

// IsBorrowTimeout reports whether err is the expected outcome of a borrow
// that found no channel before its deadline.
func IsBorrowTimeout(err error) bool {
	return errors.Is(err, ErrBorrowTimeout)
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidConfiguration),
		errors.Is(err, ErrConnectionFactoryConstruct),
		errors.Is(err, ErrUnsupportedScheme),
		errors.Is(err, ErrMaxRetriesExceeded),
		errors.Is(err, ErrOperationCancelled),
		errors.Is(err, ErrConnectionPoolClosed),
		errors.Is(err, ErrChannelPoolClosed):
		return false
	}

	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return false
	}

	return true
}

// IsFatal determines if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return !IsRetryable(err)
}

// SanitizeURL removes the password from a connection URL so it can be logged.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
