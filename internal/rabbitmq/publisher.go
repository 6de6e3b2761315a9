package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mailbus/internal/reliability"
)

// Publisher publishes messages over borrowed channels.
type Publisher struct {
	pool           *ChannelPool
	confirm        bool
	confirmTimeout time.Duration
	publishTimeout time.Duration
	maxRetries     int
	retryDelay     time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout sets the publish timeout
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublishRetries sets the maximum number of publish retries
func WithPublishRetries(retries int) PublisherOption {
	return func(p *Publisher) {
		p.maxRetries = retries
	}
}

// WithPublishRetryDelay sets the first delay between publish attempts.
func WithPublishRetryDelay(delay time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.retryDelay = delay
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithConfirmMode makes every publish wait for the broker acknowledgement.
func WithConfirmMode(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirm = enabled
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirm:        true,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
		maxRetries:     3,
		retryDelay:     100 * time.Millisecond,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishMessage represents a message to be published
type PublishMessage struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Message    amqp.Publishing
}

// Publish sends one message, retrying transient failures such as a borrow
// timeout or a channel lost mid-publish.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	policy := reliability.NewPolicy(reliability.BackoffExponential, p.retryDelay, p.maxRetries)
	err := reliability.Retry(ctx, policy, func() error {
		err := p.publishOnce(ctx, PublishMessage{Exchange: exchange, RoutingKey: routingKey, Message: msg})
		if err != nil && (errors.Is(err, ErrChannelPoolClosed) || errors.Is(err, ErrPublishNacked)) {
			return reliability.Permanent(err)
		}
		if err != nil {
			p.logger.Warn("publish attempt failed", "exchange", exchange, "routingKey", routingKey, "error", err)
		}
		return err
	})
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

// PublishBatch publishes messages on one channel and, in confirm mode,
// waits for every acknowledgement. It is not retried.
func (p *Publisher) PublishBatch(ctx context.Context, messages []PublishMessage) error {
	if len(messages) == 0 {
		return nil
	}

	ch, err := p.pool.Borrow(ctx)
	if err != nil {
		return &PublishError{Exchange: "batch", RoutingKey: "batch", Err: err, Timestamp: time.Now()}
	}
	defer ch.Release()

	if !p.confirm {
		for i, msg := range messages {
			if err := ch.Publish(ctx, msg.Exchange, msg.RoutingKey, msg.Mandatory, msg.Message); err != nil {
				return fmt.Errorf("failed to publish message %d: %w", i, err)
			}
		}
		return nil
	}

	if err := ch.EnableConfirms(ctx); err != nil {
		return fmt.Errorf("failed to enable confirms: %w", err)
	}

	confirmations := make([]*amqp.DeferredConfirmation, 0, len(messages))
	for i, msg := range messages {
		confirmation, err := ch.PublishConfirmed(ctx, msg.Exchange, msg.RoutingKey, msg.Mandatory, msg.Message)
		if err != nil {
			return fmt.Errorf("failed to publish message %d: %w", i, err)
		}
		confirmations = append(confirmations, confirmation)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()
	for i, confirmation := range confirmations {
		if err := awaitConfirmation(waitCtx, confirmation); err != nil {
			return fmt.Errorf("message %d of %d: %w", i+1, len(messages), err)
		}
	}
	return nil
}

func (p *Publisher) publishOnce(ctx context.Context, msg PublishMessage) error {
	ch, err := p.pool.Borrow(ctx)
	if err != nil {
		return err
	}
	defer ch.Release()

	if !p.confirm {
		return ch.Publish(ctx, msg.Exchange, msg.RoutingKey, msg.Mandatory, msg.Message)
	}

	if err := ch.EnableConfirms(ctx); err != nil {
		return fmt.Errorf("failed to enable confirms: %w", err)
	}
	confirmation, err := ch.PublishConfirmed(ctx, msg.Exchange, msg.RoutingKey, msg.Mandatory, msg.Message)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()
	return awaitConfirmation(waitCtx, confirmation)
}

func awaitConfirmation(ctx context.Context, confirmation *amqp.DeferredConfirmation) error {
	if confirmation == nil {
		return nil
	}
	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrConfirmTimeout
		}
		return err
	}
	if !acked {
		return ErrPublishNacked
	}
	return nil
}
