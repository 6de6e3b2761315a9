package rabbitmq

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/glimte/mailbus/internal/reliability"
)

// Defaults applied by the builder when a field is left unset.
const (
	DefaultMaxRetries               = 5
	DefaultMinDelay                 = 3000 * time.Millisecond
	DefaultConnectionTimeout        = 60 * time.Second
	DefaultChannelRPCTimeout        = 60 * time.Second
	DefaultHandshakeTimeout         = 10 * time.Second
	DefaultShutdownTimeout          = 10 * time.Second
	DefaultNetworkRecoveryInterval  = 5 * time.Second
	DefaultTaskQueueConsumerTimeout = 24 * time.Hour
	DefaultQuorumReplicationFactor  = 1
	DefaultBackoff                  = reliability.BackoffExponential

	defaultAMQPPort  = 5672
	defaultAMQPSPort = 5671
)

// Messages surfaced to operators for invalid configuration.
const (
	msgMissingURI                = "You need to specify the URI of RabbitMQ"
	msgInvalidURI                = "You need to specify a valid URI"
	msgMissingManagementURI      = "You need to specify the management URI of RabbitMQ"
	msgMissingManagementUser     = "You need to specify the management.user property as username of rabbitmq management admin account"
	msgMissingManagementPassword = "You need to specify the management.password property as password of rabbitmq management admin account"
	msgInvalidQueueTTL           = "'notification.queue.ttl' must be strictly positive"
)

// Host is one broker node of a cluster.
type Host struct {
	Name string
	Port int
}

// String renders host:port.
func (h Host) String() string {
	return net.JoinHostPort(h.Name, strconv.Itoa(h.Port))
}

// ParseHost parses "name:port", defaulting the port to 5672.
func ParseHost(raw string) (Host, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Host{}, fmt.Errorf("%w: empty host", ErrInvalidConfiguration)
	}
	name, portText, err := net.SplitHostPort(raw)
	if err != nil {
		return Host{Name: raw, Port: defaultAMQPPort}, nil
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 || port > 65535 {
		return Host{}, fmt.Errorf("%w: invalid port in host %q", ErrInvalidConfiguration, raw)
	}
	return Host{Name: name, Port: port}, nil
}

// ManagementCredentials authenticate against the broker management API.
// The password is kept as bytes and never rendered by String or slog.
type ManagementCredentials struct {
	User     string
	Password []byte
}

// NewManagementCredentials copies password so the caller may wipe its buffer.
func NewManagementCredentials(user string, password []byte) ManagementCredentials {
	return ManagementCredentials{User: user, Password: bytes.Clone(password)}
}

// Equal compares credentials by value.
func (c ManagementCredentials) Equal(other ManagementCredentials) bool {
	return c.User == other.User && bytes.Equal(c.Password, other.Password)
}

func (c ManagementCredentials) String() string {
	return fmt.Sprintf("ManagementCredentials{user=%s, password=***}", c.User)
}

// LogValue implements slog.LogValuer.
func (c ManagementCredentials) LogValue() slog.Value {
	return slog.GroupValue(slog.String("user", c.User), slog.String("password", "***"))
}

// Configuration holds validated, immutable broker connectivity settings.
// Obtain one through ConfigurationBuilder.Build.
type Configuration struct {
	uri                      *url.URL
	managementURI            *url.URL
	managementCredentials    ManagementCredentials
	hosts                    []Host
	vhost                    string
	hasVhost                 bool
	maxRetries               int
	minDelay                 time.Duration
	backoff                  reliability.BackoffShape
	connectionTimeout        time.Duration
	channelRPCTimeout        time.Duration
	handshakeTimeout         time.Duration
	shutdownTimeout          time.Duration
	networkRecoveryInterval  time.Duration
	useSSL                   bool
	useSSLManagement         bool
	ssl                      SSLConfiguration
	useQuorumQueues          bool
	quorumReplicationFactor  int
	eventDurabilityEnabled   bool
	queueTTL                 time.Duration
	hasQueueTTL              bool
	taskQueueConsumerTimeout time.Duration
}

// URI returns a copy of the AMQP endpoint.
func (c *Configuration) URI() *url.URL {
	u := *c.uri
	return &u
}

// ManagementURI returns a copy of the management endpoint.
func (c *Configuration) ManagementURI() *url.URL {
	u := *c.managementURI
	return &u
}

// ManagementCredentials returns a copy of the management credentials.
func (c *Configuration) ManagementCredentials() ManagementCredentials {
	return NewManagementCredentials(c.managementCredentials.User, c.managementCredentials.Password)
}

// Hosts lists the cluster nodes to connect to, in preference order.
func (c *Configuration) Hosts() []Host {
	return slices.Clone(c.hosts)
}

// Vhost returns the virtual host, if one was configured or present in the URI.
func (c *Configuration) Vhost() (string, bool) {
	return c.vhost, c.hasVhost
}

func (c *Configuration) MaxRetries() int { return c.maxRetries }
func (c *Configuration) MinDelay() time.Duration { return c.minDelay }
func (c *Configuration) Backoff() reliability.BackoffShape { return c.backoff }
func (c *Configuration) ConnectionTimeout() time.Duration { return c.connectionTimeout }
func (c *Configuration) ChannelRPCTimeout() time.Duration { return c.channelRPCTimeout }
func (c *Configuration) HandshakeTimeout() time.Duration { return c.handshakeTimeout }
func (c *Configuration) ShutdownTimeout() time.Duration { return c.shutdownTimeout }
func (c *Configuration) NetworkRecoveryInterval() time.Duration { return c.networkRecoveryInterval }
func (c *Configuration) UseSSL() bool { return c.useSSL }
func (c *Configuration) UseSSLManagement() bool { return c.useSSLManagement }
func (c *Configuration) SSLConfiguration() SSLConfiguration { return c.ssl }
func (c *Configuration) UseQuorumQueues() bool { return c.useQuorumQueues }
func (c *Configuration) QuorumReplicationFactor() int { return c.quorumReplicationFactor }
func (c *Configuration) EventDurabilityEnabled() bool { return c.eventDurabilityEnabled }
func (c *Configuration) TaskQueueConsumerTimeout() time.Duration {
	return c.taskQueueConsumerTimeout
}

// QueueTTL returns the notification queue TTL override, if any.
func (c *Configuration) QueueTTL() (time.Duration, bool) {
	return c.queueTTL, c.hasQueueTTL
}

// RetryPolicy returns the policy governing connection-open attempts.
func (c *Configuration) RetryPolicy() reliability.RetryPolicy {
	return reliability.NewPolicy(c.backoff, c.minDelay, c.maxRetries)
}

// Equal reports whether every field of both configurations is equal.
func (c *Configuration) Equal(other *Configuration) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.uri.String() == other.uri.String() &&
		c.managementURI.String() == other.managementURI.String() &&
		c.managementCredentials.Equal(other.managementCredentials) &&
		slices.Equal(c.hosts, other.hosts) &&
		c.vhost == other.vhost &&
		c.hasVhost == other.hasVhost &&
		c.maxRetries == other.maxRetries &&
		c.minDelay == other.minDelay &&
		c.backoff == other.backoff &&
		c.connectionTimeout == other.connectionTimeout &&
		c.channelRPCTimeout == other.channelRPCTimeout &&
		c.handshakeTimeout == other.handshakeTimeout &&
		c.shutdownTimeout == other.shutdownTimeout &&
		c.networkRecoveryInterval == other.networkRecoveryInterval &&
		c.useSSL == other.useSSL &&
		c.useSSLManagement == other.useSSLManagement &&
		c.ssl.Equal(other.ssl) &&
		c.useQuorumQueues == other.useQuorumQueues &&
		c.quorumReplicationFactor == other.quorumReplicationFactor &&
		c.eventDurabilityEnabled == other.eventDurabilityEnabled &&
		c.queueTTL == other.queueTTL &&
		c.hasQueueTTL == other.hasQueueTTL &&
		c.taskQueueConsumerTimeout == other.taskQueueConsumerTimeout
}

// ConfigurationBuilder collects settings; Build validates them once.
type ConfigurationBuilder struct {
	uri                      string
	managementURI            string
	managementUser           *string
	managementPassword       []byte
	hosts                    []Host
	vhost                    *string
	maxRetries               *int
	minDelay                 *time.Duration
	backoff                  reliability.BackoffShape
	connectionTimeout        *time.Duration
	channelRPCTimeout        *time.Duration
	handshakeTimeout         *time.Duration
	shutdownTimeout          *time.Duration
	networkRecoveryInterval  *time.Duration
	useSSL                   bool
	useSSLManagement         bool
	ssl                      *SSLConfiguration
	useQuorumQueues          bool
	quorumReplicationFactor  *int
	eventDurabilityEnabled   *bool
	queueTTL                 *time.Duration
	taskQueueConsumerTimeout *time.Duration
}

// NewConfigurationBuilder returns an empty builder.
func NewConfigurationBuilder() *ConfigurationBuilder {
	return &ConfigurationBuilder{}
}

func (b *ConfigurationBuilder) AMQPURI(uri string) *ConfigurationBuilder {
	b.uri = uri
	return b
}

func (b *ConfigurationBuilder) ManagementURI(uri string) *ConfigurationBuilder {
	b.managementURI = uri
	return b
}

func (b *ConfigurationBuilder) ManagementCredentials(credentials ManagementCredentials) *ConfigurationBuilder {
	user := credentials.User
	b.managementUser = &user
	b.managementPassword = bytes.Clone(credentials.Password)
	return b
}

func (b *ConfigurationBuilder) Hosts(hosts ...Host) *ConfigurationBuilder {
	b.hosts = slices.Clone(hosts)
	return b
}

func (b *ConfigurationBuilder) Vhost(vhost string) *ConfigurationBuilder {
	b.vhost = &vhost
	return b
}

func (b *ConfigurationBuilder) MaxRetries(maxRetries int) *ConfigurationBuilder {
	b.maxRetries = &maxRetries
	return b
}

func (b *ConfigurationBuilder) MinDelay(minDelay time.Duration) *ConfigurationBuilder {
	b.minDelay = &minDelay
	return b
}

func (b *ConfigurationBuilder) Backoff(shape reliability.BackoffShape) *ConfigurationBuilder {
	b.backoff = shape
	return b
}

func (b *ConfigurationBuilder) ConnectionTimeout(timeout time.Duration) *ConfigurationBuilder {
	b.connectionTimeout = &timeout
	return b
}

func (b *ConfigurationBuilder) ChannelRPCTimeout(timeout time.Duration) *ConfigurationBuilder {
	b.channelRPCTimeout = &timeout
	return b
}

func (b *ConfigurationBuilder) HandshakeTimeout(timeout time.Duration) *ConfigurationBuilder {
	b.handshakeTimeout = &timeout
	return b
}

func (b *ConfigurationBuilder) ShutdownTimeout(timeout time.Duration) *ConfigurationBuilder {
	b.shutdownTimeout = &timeout
	return b
}

func (b *ConfigurationBuilder) NetworkRecoveryInterval(interval time.Duration) *ConfigurationBuilder {
	b.networkRecoveryInterval = &interval
	return b
}

func (b *ConfigurationBuilder) UseSSL(enabled bool) *ConfigurationBuilder {
	b.useSSL = enabled
	return b
}

func (b *ConfigurationBuilder) UseSSLManagement(enabled bool) *ConfigurationBuilder {
	b.useSSLManagement = enabled
	return b
}

func (b *ConfigurationBuilder) SSLConfiguration(ssl SSLConfiguration) *ConfigurationBuilder {
	b.ssl = &ssl
	return b
}

func (b *ConfigurationBuilder) UseQuorumQueues(enabled bool) *ConfigurationBuilder {
	b.useQuorumQueues = enabled
	return b
}

func (b *ConfigurationBuilder) QuorumReplicationFactor(factor int) *ConfigurationBuilder {
	b.quorumReplicationFactor = &factor
	return b
}

func (b *ConfigurationBuilder) EventDurabilityEnabled(enabled bool) *ConfigurationBuilder {
	b.eventDurabilityEnabled = &enabled
	return b
}

func (b *ConfigurationBuilder) QueueTTL(ttl time.Duration) *ConfigurationBuilder {
	b.queueTTL = &ttl
	return b
}

func (b *ConfigurationBuilder) TaskQueueConsumerTimeout(timeout time.Duration) *ConfigurationBuilder {
	b.taskQueueConsumerTimeout = &timeout
	return b
}

// Build validates every field and returns the configuration, or the first
// validation failure as a *ConfigurationError.
func (b *ConfigurationBuilder) Build() (*Configuration, error) {
	uri, err := parseEndpoint("uri", b.uri, msgMissingURI)
	if err != nil {
		return nil, err
	}
	managementURI, err := parseEndpoint("management.uri", b.managementURI, msgMissingManagementURI)
	if err != nil {
		return nil, err
	}
	if b.managementUser == nil || *b.managementUser == "" {
		return nil, &ConfigurationError{Field: "management.user", Message: msgMissingManagementUser, Err: ErrMissingManagementUser}
	}
	if b.managementPassword == nil {
		return nil, &ConfigurationError{Field: "management.password", Message: msgMissingManagementPassword, Err: ErrMissingManagementPassword}
	}

	cfg := &Configuration{
		uri:                      uri,
		managementURI:            managementURI,
		managementCredentials:    NewManagementCredentials(*b.managementUser, b.managementPassword),
		maxRetries:               valueOr(b.maxRetries, DefaultMaxRetries),
		minDelay:                 valueOr(b.minDelay, DefaultMinDelay),
		backoff:                  b.backoff,
		connectionTimeout:        valueOr(b.connectionTimeout, DefaultConnectionTimeout),
		channelRPCTimeout:        valueOr(b.channelRPCTimeout, DefaultChannelRPCTimeout),
		handshakeTimeout:         valueOr(b.handshakeTimeout, DefaultHandshakeTimeout),
		shutdownTimeout:          valueOr(b.shutdownTimeout, DefaultShutdownTimeout),
		networkRecoveryInterval:  valueOr(b.networkRecoveryInterval, DefaultNetworkRecoveryInterval),
		useSSL:                   b.useSSL,
		useSSLManagement:         b.useSSLManagement,
		ssl:                      valueOr(b.ssl, DefaultSSLConfiguration()),
		useQuorumQueues:          b.useQuorumQueues,
		quorumReplicationFactor:  valueOr(b.quorumReplicationFactor, DefaultQuorumReplicationFactor),
		eventDurabilityEnabled:   valueOr(b.eventDurabilityEnabled, true),
		taskQueueConsumerTimeout: valueOr(b.taskQueueConsumerTimeout, DefaultTaskQueueConsumerTimeout),
	}
	if cfg.backoff == "" {
		cfg.backoff = DefaultBackoff
	}

	if cfg.maxRetries < 0 {
		return nil, invalidField("max.retries", "'max.retries' must not be negative")
	}
	if cfg.minDelay <= 0 {
		return nil, invalidField("min.delay.ms", "'min.delay.ms' must be strictly positive")
	}
	for _, timeout := range []struct {
		field string
		value time.Duration
	}{
		{"connection.timeout", cfg.connectionTimeout},
		{"channel.rpc.timeout", cfg.channelRPCTimeout},
		{"handshake.timeout", cfg.handshakeTimeout},
		{"shutdown.timeout", cfg.shutdownTimeout},
		{"network.recovery.interval", cfg.networkRecoveryInterval},
	} {
		if timeout.value <= 0 {
			return nil, invalidField(timeout.field, fmt.Sprintf("'%s' must be strictly positive", timeout.field))
		}
	}
	if cfg.quorumReplicationFactor < 1 {
		return nil, invalidField("quorum.queues.replication.factor", "'quorum.queues.replication.factor' must be at least 1")
	}

	if b.queueTTL != nil {
		if *b.queueTTL <= 0 {
			return nil, &ConfigurationError{Field: "notification.queue.ttl", Message: msgInvalidQueueTTL, Err: ErrInvalidQueueTTL}
		}
		cfg.queueTTL, cfg.hasQueueTTL = *b.queueTTL, true
	}

	switch {
	case b.vhost != nil:
		cfg.vhost, cfg.hasVhost = *b.vhost, true
	case strings.Trim(uri.Path, "/") != "":
		cfg.vhost, cfg.hasVhost = strings.TrimPrefix(uri.Path, "/"), true
	}

	cfg.hosts = slices.Clone(b.hosts)
	if len(cfg.hosts) == 0 {
		cfg.hosts = []Host{hostFromURI(uri)}
	}

	return cfg, nil
}

func parseEndpoint(field, raw, missingMessage string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, &ConfigurationError{Field: field, Message: missingMessage, Err: ErrMissingURI}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		cause := ErrInvalidURI
		if err != nil {
			cause = fmt.Errorf("%w: %v", ErrInvalidURI, err)
		}
		return nil, &ConfigurationError{Field: field, Message: msgInvalidURI, Err: cause}
	}
	return u, nil
}

func hostFromURI(u *url.URL) Host {
	port := defaultAMQPPort
	if u.Scheme == "amqps" {
		port = defaultAMQPSPort
	}
	if p, err := strconv.Atoi(u.Port()); err == nil {
		port = p
	}
	return Host{Name: u.Hostname(), Port: port}
}

func invalidField(field, message string) error {
	return &ConfigurationError{Field: field, Message: message, Err: ErrInvalidConfiguration}
}

func valueOr[T any](value *T, fallback T) T {
	if value == nil {
		return fallback
	}
	return *value
}
