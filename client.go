// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mailbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/glimte/mailbus/config"
	"github.com/glimte/mailbus/health"
	"github.com/glimte/mailbus/internal/rabbitmq"
	"github.com/glimte/mailbus/management"
	"github.com/glimte/mailbus/metrics"
)

// Re-exported so callers outside the module can build configurations and
// declarations.
type (
	Configuration        = rabbitmq.Configuration
	ConfigurationBuilder = rabbitmq.ConfigurationBuilder
	PooledChannel        = rabbitmq.PooledChannel
	Topology             = rabbitmq.Topology
	QueueDeclaration     = rabbitmq.QueueDeclaration
	ExchangeDeclaration  = rabbitmq.ExchangeDeclaration
	BindingDeclaration   = rabbitmq.BindingDeclaration
	ChannelPoolOption    = rabbitmq.ChannelPoolOption
)

// NewConfigurationBuilder starts a validated broker configuration.
func NewConfigurationBuilder() *ConfigurationBuilder {
	return rabbitmq.NewConfigurationBuilder()
}

// Client provides the main entry point for mailbus. It owns the single
// broker connection and the channel pool shared by every component of the
// mail server.
type Client struct {
	cfg         *rabbitmq.Configuration
	connections *rabbitmq.ConnectionPool
	channels    *rabbitmq.ChannelPool
	topology    *rabbitmq.TopologyManager
	publisher   *rabbitmq.Publisher
	management  *management.Client
	health      *health.Registry
	metrics     *metrics.PrometheusRecorder
	logger      *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewClient wires the connectivity core for cfg. No connection is opened
// until the first channel is borrowed or Connect is called.
func NewClient(cfg *Configuration, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: configuration is required", rabbitmq.ErrInvalidConfiguration)
	}

	cc := &clientConfig{
		logger:         slog.Default(),
		connectionName: "mailbus",
	}
	for _, opt := range options {
		opt(cc)
	}
	if cc.logger == nil {
		cc.logger = slog.Default()
	}

	factory, err := rabbitmq.NewConnectionFactory(cfg,
		rabbitmq.WithLogger(cc.logger),
		rabbitmq.WithConnectionName(cc.connectionName),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection factory: %w", err)
	}

	connOpts := append(rabbitmq.ConnectionOptions(cfg), rabbitmq.WithConnectionLogger(cc.logger))
	if cc.metrics != nil {
		connOpts = append(connOpts, rabbitmq.WithStateListener(cc.metrics.ConnectionListener()))
	}
	connections := rabbitmq.NewConnectionPool(factory, connOpts...)

	poolOpts := []rabbitmq.ChannelPoolOption{
		rabbitmq.WithChannelRPCTimeout(cfg.ChannelRPCTimeout()),
		rabbitmq.WithPoolLogger(cc.logger),
	}
	if cc.metrics != nil {
		poolOpts = append(poolOpts, rabbitmq.WithMetrics(cc.metrics))
	}
	poolOpts = append(poolOpts, cc.poolOptions...)

	channels, err := rabbitmq.NewChannelPool(connections, poolOpts...)
	if err != nil {
		_ = connections.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}
	if err := channels.Start(); err != nil {
		_ = connections.Close()
		return nil, fmt.Errorf("failed to start channel pool: %w", err)
	}

	mgmt, err := management.NewClient(cfg, management.WithLogger(cc.logger))
	if err != nil {
		_ = channels.Close()
		_ = connections.Close()
		return nil, fmt.Errorf("failed to create management client: %w", err)
	}

	registry := health.NewRegistry()
	registry.Register(health.NewConnectionChecker(connections, cc.logger))
	registry.Register(health.NewChannelPoolChecker(channels, cc.logger))
	registry.Register(health.NewManagementChecker(mgmt))

	cc.logger.Info("mailbus client created",
		"uri", rabbitmq.SanitizeURL(cfg.URI().String()),
		"quorumQueues", cfg.UseQuorumQueues(),
		"connectionName", cc.connectionName)

	return &Client{
		cfg:         cfg,
		connections: connections,
		channels:    channels,
		topology:    rabbitmq.NewTopologyManager(channels, rabbitmq.NewDeclarationPolicy(cfg)),
		publisher:   rabbitmq.NewPublisher(channels, append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cc.logger)}, cc.publisherOptions...)...),
		management:  mgmt,
		health:      registry,
		metrics:     cc.metrics,
		logger:      cc.logger,
	}, nil
}

// NewClientFromFile loads a TOML configuration file. The [logging] table
// builds the logger unless WithLogger is given; [rabbitmq.channel_pool]
// options are applied before any passed as WithChannelPoolOptions.
func NewClientFromFile(path string, options ...ClientOption) (*Client, error) {
	cc := &clientConfig{}
	for _, opt := range options {
		opt(cc)
	}

	file, err := config.Load(path, cc.logger)
	if err != nil {
		return nil, err
	}
	if cc.logger == nil {
		logger, err := file.NewLogger(os.Stderr)
		if err != nil {
			return nil, err
		}
		options = append([]ClientOption{WithLogger(logger)}, options...)
	}

	cfg, err := file.RabbitMQConfiguration()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	options = append([]ClientOption{WithChannelPoolOptions(file.ChannelPoolOptions()...)}, options...)
	return NewClient(cfg, options...)
}

// Connect opens the broker connection eagerly, so a misconfigured broker is
// reported at startup instead of on the first borrow.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.connections.ResilientConnection(ctx)
	return err
}

// Borrow checks a channel out of the pool. The caller must Release or Close it.
func (c *Client) Borrow(ctx context.Context) (*PooledChannel, error) {
	return c.channels.Borrow(ctx)
}

// Execute runs fn on a borrowed channel and returns it to the pool.
func (c *Client) Execute(ctx context.Context, fn func(*PooledChannel) error) error {
	return c.channels.Execute(ctx, fn)
}

// DeclareTopology declares exchanges, queues and bindings, adjusting queue
// flags when quorum queues are enabled.
func (c *Client) DeclareTopology(ctx context.Context, topology Topology) error {
	return c.topology.DeclareTopology(ctx, topology)
}

// Configuration returns the validated configuration
func (c *Client) Configuration() *Configuration {
	return c.cfg
}

// Channels returns the channel pool
func (c *Client) Channels() *rabbitmq.ChannelPool {
	return c.channels
}

// Topology returns the topology manager
func (c *Client) Topology() *rabbitmq.TopologyManager {
	return c.topology
}

// Publisher returns the message publisher
func (c *Client) Publisher() *rabbitmq.Publisher {
	return c.publisher
}

// Management returns the management API client
func (c *Client) Management() *management.Client {
	return c.management
}

// Health returns the registry holding the connection, channel pool and
// management checks.
func (c *Client) Health() *health.Registry {
	return c.health
}

// Metrics returns the Prometheus recorder, or nil when WithMetrics was not
// given.
func (c *Client) Metrics() *metrics.PrometheusRecorder {
	return c.metrics
}

// Logger returns the logger shared by all components
func (c *Client) Logger() *slog.Logger {
	return c.logger
}

// Close closes the channel pool, then the connection. It is safe to call
// more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.Join(c.channels.Close(), c.connections.Close())
		c.logger.Info("mailbus client closed")
	})
	return c.closeErr
}

// clientConfig holds client configuration
type clientConfig struct {
	logger           *slog.Logger
	connectionName   string
	metrics          *metrics.PrometheusRecorder
	poolOptions      []rabbitmq.ChannelPoolOption
	publisherOptions []rabbitmq.PublisherOption
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithConnectionName sets the connection name shown by the management UI.
func WithConnectionName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectionName = name
	}
}

// WithMetrics reports pool and connection measurements to recorder.
func WithMetrics(recorder *metrics.PrometheusRecorder) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = recorder
	}
}

// WithChannelPoolOptions tunes the channel pool.
func WithChannelPoolOptions(options ...ChannelPoolOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.poolOptions = append(cfg.poolOptions, options...)
	}
}

// WithPublisherOptions tunes the publisher.
func WithPublisherOptions(options ...rabbitmq.PublisherOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.publisherOptions = append(cfg.publisherOptions, options...)
	}
}
