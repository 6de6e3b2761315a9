// Package management is a small client for the RabbitMQ management HTTP API,
// used for diagnostics and health checks.
package management

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/glimte/mailbus/internal/rabbitmq"
	"github.com/glimte/mailbus/internal/reliability"
)

const defaultTimeout = 10 * time.Second

var (
	ErrNotFound     = errors.New("management: resource not found")
	ErrUnauthorized = errors.New("management: unauthorized")
)

// APIError is a non-2xx answer of the management API.
type APIError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Status     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("management API error: %s %s: %s", e.Method, e.Endpoint, e.Status)
}

// Is maps 404 and 401/403 to the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}
	return false
}

// QueueInfo contains queue statistics
type QueueInfo struct {
	Name        string
	VHost       string
	Type        string
	Messages    int
	Ready       int
	Unacked     int
	Consumers   int
	MessageRate float64
	State       string
	Durable     bool
	AutoDelete  bool
	Exclusive   bool
	Memory      int64
	Arguments   map[string]any
}

// ConsumerInfo describes one consumer attached to a queue.
type ConsumerInfo struct {
	Tag           string
	Queue         string
	VHost         string
	ChannelName   string
	AckRequired   bool
	Exclusive     bool
	PrefetchCount int
}

// HealthStatus contains broker health information
type HealthStatus struct {
	Status               string
	RabbitMQVersion      string
	ErlangVersion        string
	Node                 string
	MemoryUsed           int64
	MemoryLimit          int64
	DiskFree             int64
	FileDescriptorsUsed  int
	FileDescriptorsTotal int
	Alarms               []string
	TotalQueues          int
	TotalMessages        int
	MessagesReady        int
	MessagesUnacked      int
	TotalConnections     int
	TotalChannels        int
	TotalConsumers       int
}

// Client queries the management API with the configured credentials.
type Client struct {
	baseURL    string
	vhost      string
	user       string
	password   string
	httpClient *http.Client
	breaker    *reliability.Breaker
	logger     *slog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the HTTP client, for instance to add tracing.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithCircuitBreaker replaces the breaker guarding API calls.
func WithCircuitBreaker(breaker *reliability.Breaker) Option {
	return func(c *Client) {
		c.breaker = breaker
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient builds a client for the management endpoint of cfg. When SSL is
// enabled for management, the TLS settings of the AMQP side are reused.
func NewClient(cfg *rabbitmq.Configuration, options ...Option) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: configuration is required", rabbitmq.ErrInvalidConfiguration)
	}
	base := cfg.ManagementURI()
	credentials := cfg.ManagementCredentials()

	vhost, ok := cfg.Vhost()
	if !ok || vhost == "" {
		vhost = "/"
	}

	c := &Client{
		baseURL:  strings.TrimSuffix(base.String(), "/"),
		vhost:    vhost,
		user:     credentials.User,
		password: string(credentials.Password),
		logger:   slog.Default(),
	}

	if cfg.UseSSLManagement() {
		tlsConfig, err := rabbitmq.NewTLSConfig(base.Hostname(), cfg.SSLConfiguration())
		if err != nil {
			return nil, err
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = tlsConfig
		c.httpClient = &http.Client{Timeout: defaultTimeout, Transport: transport}
	} else {
		c.httpClient = &http.Client{Timeout: defaultTimeout}
	}

	for _, opt := range options {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.breaker == nil {
		c.breaker = reliability.NewBreaker("rabbitmq-management",
			reliability.WithFailureThreshold(3),
			reliability.WithOpenTimeout(15*time.Second),
			reliability.WithFailurePredicate(brokerUnavailable),
			reliability.WithStateChange(func(from, to reliability.State) {
				c.logger.Warn("management API circuit changed state",
					"from", from.String(), "to", to.String(), "endpoint", rabbitmq.SanitizeURL(c.baseURL))
			}),
		)
	}
	return c, nil
}

// brokerUnavailable counts transport failures and 5xx answers; a 4xx is
// the caller's problem and says nothing about the management node.
func brokerUnavailable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= http.StatusInternalServerError
	}
	return true
}

// CircuitState reports whether calls currently reach the management API.
func (c *Client) CircuitState() reliability.State {
	return c.breaker.State()
}

type apiQueue struct {
	Name                   string         `json:"name"`
	VHost                  string         `json:"vhost"`
	Type                   string         `json:"type"`
	Messages               int            `json:"messages"`
	MessagesReady          int            `json:"messages_ready"`
	MessagesUnacknowledged int            `json:"messages_unacknowledged"`
	Consumers              int            `json:"consumers"`
	State                  string         `json:"state"`
	Durable                bool           `json:"durable"`
	AutoDelete             bool           `json:"auto_delete"`
	Exclusive              bool           `json:"exclusive"`
	Memory                 int64          `json:"memory"`
	Arguments              map[string]any `json:"arguments"`
	MessageStats           struct {
		PublishDetails struct {
			Rate float64 `json:"rate"`
		} `json:"publish_details"`
	} `json:"message_stats"`
}

func (q apiQueue) info() QueueInfo {
	return QueueInfo{
		Name:        q.Name,
		VHost:       q.VHost,
		Type:        q.Type,
		Messages:    q.Messages,
		Ready:       q.MessagesReady,
		Unacked:     q.MessagesUnacknowledged,
		Consumers:   q.Consumers,
		MessageRate: q.MessageStats.PublishDetails.Rate,
		State:       q.State,
		Durable:     q.Durable,
		AutoDelete:  q.AutoDelete,
		Exclusive:   q.Exclusive,
		Memory:      q.Memory,
		Arguments:   q.Arguments,
	}
}

// ListQueues returns the queues of the configured vhost.
func (c *Client) ListQueues(ctx context.Context) ([]QueueInfo, error) {
	var apiQueues []apiQueue
	if err := c.get(ctx, &apiQueues, "queues", c.vhost); err != nil {
		return nil, err
	}

	queues := make([]QueueInfo, len(apiQueues))
	for i, q := range apiQueues {
		queues[i] = q.info()
	}
	return queues, nil
}

// GetQueue returns one queue of the configured vhost. A missing queue
// yields an error matching ErrNotFound.
func (c *Client) GetQueue(ctx context.Context, name string) (*QueueInfo, error) {
	var q apiQueue
	if err := c.get(ctx, &q, "queues", c.vhost, name); err != nil {
		return nil, err
	}
	info := q.info()
	return &info, nil
}

// ListConsumers returns the consumers of the configured vhost.
func (c *Client) ListConsumers(ctx context.Context) ([]ConsumerInfo, error) {
	var apiConsumers []struct {
		ConsumerTag    string `json:"consumer_tag"`
		AckRequired    bool   `json:"ack_required"`
		Exclusive      bool   `json:"exclusive"`
		PrefetchCount  int    `json:"prefetch_count"`
		ChannelDetails struct {
			Name string `json:"name"`
		} `json:"channel_details"`
		Queue struct {
			Name  string `json:"name"`
			VHost string `json:"vhost"`
		} `json:"queue"`
	}
	if err := c.get(ctx, &apiConsumers, "consumers", c.vhost); err != nil {
		return nil, err
	}

	consumers := make([]ConsumerInfo, len(apiConsumers))
	for i, ac := range apiConsumers {
		consumers[i] = ConsumerInfo{
			Tag:           ac.ConsumerTag,
			Queue:         ac.Queue.Name,
			VHost:         ac.Queue.VHost,
			ChannelName:   ac.ChannelDetails.Name,
			AckRequired:   ac.AckRequired,
			Exclusive:     ac.Exclusive,
			PrefetchCount: ac.PrefetchCount,
		}
	}
	return consumers, nil
}

// CheckHealth combines the overview and node endpoints. Status is
// "healthy", "warning" when an alarm is raised, or "critical" when the
// node is not running.
func (c *Client) CheckHealth(ctx context.Context) (HealthStatus, error) {
	health := HealthStatus{Status: "unknown"}

	var overview struct {
		RabbitmqVersion string `json:"rabbitmq_version"`
		ErlangVersion   string `json:"erlang_version"`
		Node            string `json:"node"`
		QueueTotals     struct {
			Messages      int `json:"messages"`
			MessagesReady int `json:"messages_ready"`
			MessagesUnack int `json:"messages_unacknowledged"`
		} `json:"queue_totals"`
		ObjectTotals struct {
			Connections int `json:"connections"`
			Channels    int `json:"channels"`
			Queues      int `json:"queues"`
			Consumers   int `json:"consumers"`
		} `json:"object_totals"`
	}
	if err := c.get(ctx, &overview, "overview"); err != nil {
		health.Status = "error"
		return health, err
	}

	health.RabbitMQVersion = overview.RabbitmqVersion
	health.ErlangVersion = overview.ErlangVersion
	health.Node = overview.Node
	health.TotalQueues = overview.ObjectTotals.Queues
	health.TotalMessages = overview.QueueTotals.Messages
	health.MessagesReady = overview.QueueTotals.MessagesReady
	health.MessagesUnacked = overview.QueueTotals.MessagesUnack
	health.TotalConnections = overview.ObjectTotals.Connections
	health.TotalChannels = overview.ObjectTotals.Channels
	health.TotalConsumers = overview.ObjectTotals.Consumers

	var nodes []struct {
		Name          string   `json:"name"`
		Running       bool     `json:"running"`
		MemUsed       int64    `json:"mem_used"`
		MemLimit      int64    `json:"mem_limit"`
		MemAlarm      bool     `json:"mem_alarm"`
		DiskFree      int64    `json:"disk_free"`
		DiskFreeAlarm bool     `json:"disk_free_alarm"`
		FdUsed        int      `json:"fd_used"`
		FdTotal       int      `json:"fd_total"`
		Partitions    []string `json:"partitions"`
	}
	if err := c.get(ctx, &nodes, "nodes"); err != nil {
		// node details need the monitoring tag; the overview alone is enough
		c.logger.Debug("management node details unavailable", "error", err)
		health.Status = "healthy"
		return health, nil
	}
	if len(nodes) == 0 {
		health.Status = "healthy"
		return health, nil
	}

	node := nodes[0]
	for _, n := range nodes {
		if n.Name == overview.Node {
			node = n
			break
		}
	}
	health.MemoryUsed = node.MemUsed
	health.MemoryLimit = node.MemLimit
	health.DiskFree = node.DiskFree
	health.FileDescriptorsUsed = node.FdUsed
	health.FileDescriptorsTotal = node.FdTotal

	if node.MemAlarm {
		health.Alarms = append(health.Alarms, "Memory alarm - high memory usage")
	}
	if node.DiskFreeAlarm {
		health.Alarms = append(health.Alarms, "Disk alarm - low disk space")
	}
	if len(node.Partitions) > 0 {
		health.Alarms = append(health.Alarms, fmt.Sprintf("Network partition detected: %v", node.Partitions))
	}

	switch {
	case !node.Running:
		health.Status = "critical"
	case len(health.Alarms) > 0:
		health.Status = "warning"
	default:
		health.Status = "healthy"
	}
	return health, nil
}

// get decodes the JSON answer of GET base/segments... Segments are path
// escaped, so the default vhost "/" becomes %2F.
func (c *Client) get(ctx context.Context, out any, segments ...string) error {
	escaped := make([]string, len(segments))
	for i, segment := range segments {
		escaped[i] = url.PathEscape(segment)
	}
	endpoint := "/" + strings.Join(escaped, "/")

	return c.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
		if err != nil {
			return err
		}
		req.SetBasicAuth(c.user, c.password)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("management request %s: %w", endpoint, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return &APIError{Method: http.MethodGet, Endpoint: endpoint, StatusCode: resp.StatusCode, Status: resp.Status}
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
		}
		return nil
	})
}
