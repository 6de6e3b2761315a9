// Package config loads the mailbus TOML configuration file and turns it into
// validated broker settings.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/glimte/mailbus/internal/rabbitmq"
	"github.com/glimte/mailbus/internal/reliability"
)

// Config is the root of the configuration file.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	RabbitMQ RabbitMQConfig `toml:"rabbitmq"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
}

// RabbitMQConfig mirrors the [rabbitmq] table. Pointer fields distinguish
// "absent" from the zero value so the builder defaults apply.
type RabbitMQConfig struct {
	URI                                string        `toml:"uri"`
	Hosts                              []string      `toml:"hosts"`
	Vhost                              *string       `toml:"vhost"`
	MaxRetries                         *int          `toml:"max_retries"`
	MinDelay                           *Milliseconds `toml:"min_delay_ms"`
	Backoff                            string        `toml:"backoff"`
	ConnectionTimeout                  *Milliseconds `toml:"connection_timeout_ms"`
	ChannelRPCTimeout                  *Milliseconds `toml:"channel_rpc_timeout_ms"`
	HandshakeTimeout                   *Milliseconds `toml:"handshake_timeout_ms"`
	ShutdownTimeout                    *Milliseconds `toml:"shutdown_timeout_ms"`
	NetworkRecoveryInterval            *Milliseconds `toml:"network_recovery_interval_ms"`
	SSLEnabled                         bool          `toml:"ssl_enabled"`
	QuorumQueuesEnabled                bool          `toml:"quorum_queues_enable"`
	QuorumQueuesReplicationFactor      *int          `toml:"quorum_queues_replication_factor"`
	EventNotificationDurabilityEnabled *bool         `toml:"event_bus_notification_durability_enabled"`

	Management   ManagementConfig   `toml:"management"`
	SSL          SSLConfig          `toml:"ssl"`
	ChannelPool  ChannelPoolConfig  `toml:"channel_pool"`
	Notification NotificationConfig `toml:"notification"`
	TaskQueue    TaskQueueConfig    `toml:"task_queue"`
}

// ManagementConfig is the [rabbitmq.management] table.
type ManagementConfig struct {
	URI        string  `toml:"uri"`
	User       string  `toml:"user"`
	Password   *string `toml:"password"`
	SSLEnabled bool    `toml:"ssl_enabled"`
}

// SSLConfig is the [rabbitmq.ssl] table.
type SSLConfig struct {
	ValidationStrategy string  `toml:"validation_strategy"`
	HostNameVerifier   string  `toml:"hostname_verifier"`
	TrustStore         string  `toml:"truststore"`
	TrustStorePassword *string `toml:"truststore_password"`
	KeyStore           string  `toml:"keystore"`
	KeyStorePassword   *string `toml:"keystore_password"`
}

// ChannelPoolConfig is the [rabbitmq.channel_pool] table.
type ChannelPoolConfig struct {
	MaxChannel     *int          `toml:"max_channel"`
	Retries        *int          `toml:"retries"`
	MaxBorrowDelay *Milliseconds `toml:"max_borrow_delay_ms"`
	RetryDelay     *Milliseconds `toml:"retry_delay_ms"`
	IdleTimeout    *Milliseconds `toml:"idle_timeout_ms"`
}

// NotificationConfig is the [rabbitmq.notification] table.
type NotificationConfig struct {
	QueueTTL *Milliseconds `toml:"queue_ttl_ms"`
}

// TaskQueueConfig is the [rabbitmq.task_queue] table.
type TaskQueueConfig struct {
	ConsumerTimeout *Seconds `toml:"consumer_timeout"`
}

// Load reads and decodes path. Unknown keys are reported through logger
// and otherwise ignored.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	for _, key := range metadata.Undecoded() {
		logger.Warn("ignoring unknown configuration key", "file", path, "key", key.String())
	}

	trimStrings(cfg)
	return cfg, nil
}

func trimStrings(cfg *Config) {
	r := &cfg.RabbitMQ
	r.URI = strings.TrimSpace(r.URI)
	r.Backoff = strings.TrimSpace(r.Backoff)
	r.Management.URI = strings.TrimSpace(r.Management.URI)
	r.Management.User = strings.TrimSpace(r.Management.User)
	r.SSL.TrustStore = strings.TrimSpace(r.SSL.TrustStore)
	r.SSL.KeyStore = strings.TrimSpace(r.SSL.KeyStore)
}

// RabbitMQConfiguration validates the [rabbitmq] table through
// rabbitmq.ConfigurationBuilder.
func (c *Config) RabbitMQConfiguration() (*rabbitmq.Configuration, error) {
	r := c.RabbitMQ
	b := rabbitmq.NewConfigurationBuilder().
		AMQPURI(r.URI).
		ManagementURI(r.Management.URI).
		UseSSL(r.SSLEnabled).
		UseSSLManagement(r.Management.SSLEnabled).
		UseQuorumQueues(r.QuorumQueuesEnabled)

	if r.Management.User != "" || r.Management.Password != nil {
		b.ManagementCredentials(rabbitmq.NewManagementCredentials(r.Management.User, passwordBytes(r.Management.Password)))
	}

	if len(r.Hosts) > 0 {
		hosts := make([]rabbitmq.Host, 0, len(r.Hosts))
		for _, raw := range r.Hosts {
			host, err := rabbitmq.ParseHost(raw)
			if err != nil {
				return nil, fmt.Errorf("rabbitmq.hosts: %w", err)
			}
			hosts = append(hosts, host)
		}
		b.Hosts(hosts...)
	}

	if r.Vhost != nil {
		b.Vhost(*r.Vhost)
	}
	if r.MaxRetries != nil {
		b.MaxRetries(*r.MaxRetries)
	}
	if r.Backoff != "" {
		shape, err := reliability.ParseBackoffShape(r.Backoff)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq.backoff: %w", err)
		}
		b.Backoff(shape)
	}
	if r.QuorumQueuesReplicationFactor != nil {
		b.QuorumReplicationFactor(*r.QuorumQueuesReplicationFactor)
	}
	if r.EventNotificationDurabilityEnabled != nil {
		b.EventDurabilityEnabled(*r.EventNotificationDurabilityEnabled)
	}

	setDuration(r.MinDelay, b.MinDelay)
	setDuration(r.ConnectionTimeout, b.ConnectionTimeout)
	setDuration(r.ChannelRPCTimeout, b.ChannelRPCTimeout)
	setDuration(r.HandshakeTimeout, b.HandshakeTimeout)
	setDuration(r.ShutdownTimeout, b.ShutdownTimeout)
	setDuration(r.NetworkRecoveryInterval, b.NetworkRecoveryInterval)
	setDuration(r.Notification.QueueTTL, b.QueueTTL)
	if r.TaskQueue.ConsumerTimeout != nil {
		b.TaskQueueConsumerTimeout(time.Duration(*r.TaskQueue.ConsumerTimeout))
	}

	ssl, err := r.SSL.configuration()
	if err != nil {
		return nil, err
	}
	b.SSLConfiguration(ssl)

	return b.Build()
}

func (s SSLConfig) configuration() (rabbitmq.SSLConfiguration, error) {
	b := rabbitmq.NewSSLConfigurationBuilder()

	strategy := rabbitmq.SSLValidationDefault
	if s.ValidationStrategy != "" {
		var err error
		strategy, err = rabbitmq.ParseSSLValidationStrategy(s.ValidationStrategy)
		if err != nil {
			return rabbitmq.SSLConfiguration{}, fmt.Errorf("rabbitmq.ssl.validation_strategy: %w", err)
		}
	}
	switch strategy {
	case rabbitmq.SSLValidationOverride:
		store, err := rabbitmq.NewSSLTrustStore(s.TrustStore, passwordBytes(s.TrustStorePassword))
		if err != nil {
			return rabbitmq.SSLConfiguration{}, fmt.Errorf("rabbitmq.ssl.truststore: %w", err)
		}
		b.StrategyOverride(store)
	case rabbitmq.SSLValidationIgnore:
		b.StrategyIgnore()
	}

	if s.HostNameVerifier != "" {
		verifier, err := rabbitmq.ParseHostNameVerifier(s.HostNameVerifier)
		if err != nil {
			return rabbitmq.SSLConfiguration{}, fmt.Errorf("rabbitmq.ssl.hostname_verifier: %w", err)
		}
		if verifier == rabbitmq.HostNameVerifierAcceptAny {
			b.AcceptAnyHostNameVerifier()
		}
	}

	if s.KeyStore != "" {
		store, err := rabbitmq.NewSSLKeyStore(s.KeyStore, passwordBytes(s.KeyStorePassword))
		if err != nil {
			return rabbitmq.SSLConfiguration{}, fmt.Errorf("rabbitmq.ssl.keystore: %w", err)
		}
		b.KeyStore(store)
	}

	return b.Build(), nil
}

// ChannelPoolOptions converts the [rabbitmq.channel_pool] table. Unset keys
// keep the pool defaults.
func (c *Config) ChannelPoolOptions() []rabbitmq.ChannelPoolOption {
	p := c.RabbitMQ.ChannelPool
	var options []rabbitmq.ChannelPoolOption
	if p.MaxChannel != nil {
		options = append(options, rabbitmq.WithMaxChannel(*p.MaxChannel))
	}
	if p.Retries != nil {
		options = append(options, rabbitmq.WithRetries(*p.Retries))
	}
	if p.MaxBorrowDelay != nil {
		options = append(options, rabbitmq.WithMaxBorrowDelay(time.Duration(*p.MaxBorrowDelay)))
	}
	if p.RetryDelay != nil {
		options = append(options, rabbitmq.WithChannelRetryDelay(time.Duration(*p.RetryDelay)))
	}
	if p.IdleTimeout != nil {
		options = append(options, rabbitmq.WithIdleTimeout(time.Duration(*p.IdleTimeout)))
	}
	return options
}

// NewLogger builds the slog logger described by the [logging] table.
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if c.Logging.Level != "" {
		if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
			return nil, fmt.Errorf("logging.level: %w", err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("logging.format: unknown format %q, expected text or json", c.Logging.Format)
	}
}

func setDuration(value *Milliseconds, set func(time.Duration) *rabbitmq.ConfigurationBuilder) {
	if value != nil {
		set(time.Duration(*value))
	}
}

func passwordBytes(password *string) []byte {
	if password == nil {
		return nil
	}
	return []byte(*password)
}
