package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mailbus/internal/reliability"
)

const defaultHeartbeat = 10 * time.Second

// Session is one open broker connection.
type Session interface {
	OpenChannel() (AMQPChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	CloseDeadline(deadline time.Time) error
}

// SessionFactory opens sessions; *ConnectionFactory is the production one.
type SessionFactory interface {
	Create(ctx context.Context) (Session, error)
}

type amqpSession struct {
	*amqp.Connection
}

func (s amqpSession) OpenChannel() (AMQPChannel, error) {
	ch, err := s.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialFunc opens one AMQP connection. amqp.DialConfig is the default.
type DialFunc func(uri string, config amqp.Config) (*amqp.Connection, error)

// ConnectionFactory opens connections to the configured broker, retrying
// according to the configured policy.
type ConnectionFactory struct {
	cfg            *Configuration
	endpoints      []endpoint
	dial           DialFunc
	logger         *slog.Logger
	connectionName string
}

type endpoint struct {
	uri string
	tls *tls.Config
}

// FactoryOption configures a ConnectionFactory
type FactoryOption func(*ConnectionFactory)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) FactoryOption {
	return func(f *ConnectionFactory) {
		f.logger = logger
	}
}

// WithDialer replaces the function used to open connections.
func WithDialer(dial DialFunc) FactoryOption {
	return func(f *ConnectionFactory) {
		f.dial = dial
	}
}

// WithConnectionName sets the prefix of the name shown by the broker for
// connections opened by this factory.
func WithConnectionName(name string) FactoryOption {
	return func(f *ConnectionFactory) {
		f.connectionName = name
	}
}

// NewConnectionFactory validates the endpoint scheme and loads TLS material.
// It never contacts the broker.
func NewConnectionFactory(cfg *Configuration, options ...FactoryOption) (*ConnectionFactory, error) {
	if cfg == nil {
		return nil, &FactoryError{Op: "configure", Err: fmt.Errorf("%w: configuration is required", ErrInvalidConfiguration)}
	}

	f := &ConnectionFactory{
		cfg:            cfg,
		dial:           amqp.DialConfig,
		logger:         slog.Default(),
		connectionName: "mailbus",
	}
	for _, opt := range options {
		opt(f)
	}
	f.connectionName = f.connectionName + "-" + uuid.New().String()

	base := cfg.URI()
	if _, err := amqp.ParseURI(base.String()); err != nil {
		return nil, &FactoryError{Op: "parse uri", Err: fmt.Errorf("%w: %s: %v", ErrUnsupportedScheme, SanitizeURL(base.String()), err)}
	}

	secure := cfg.UseSSL() || base.Scheme == "amqps"
	for _, host := range cfg.Hosts() {
		u := *base
		u.Host = host.String()
		if secure {
			u.Scheme = "amqps"
		}
		ep := endpoint{uri: u.String()}
		if secure {
			tlsConfig, err := NewTLSConfig(host.Name, cfg.SSLConfiguration())
			if err != nil {
				return nil, err
			}
			ep.tls = tlsConfig
		}
		f.endpoints = append(f.endpoints, ep)
	}

	return f, nil
}

// ConnectionName is the client-provided name reported to the broker.
func (f *ConnectionFactory) ConnectionName() string {
	return f.connectionName
}

// Create opens a connection, making at most maxRetries+1 sequential
// attempts across the configured hosts.
func (f *ConnectionFactory) Create(ctx context.Context) (Session, error) {
	conn, err := f.CreateConnection(ctx)
	if err != nil {
		return nil, err
	}
	return amqpSession{conn}, nil
}

// CreateConnection is Create returning the library connection itself.
func (f *ConnectionFactory) CreateConnection(ctx context.Context) (*amqp.Connection, error) {
	attempts := 0
	conn, err := reliability.RetryValue(ctx, f.cfg.RetryPolicy(), func() (*amqp.Connection, error) {
		ep := f.endpoints[attempts%len(f.endpoints)]
		attempts++

		conn, err := f.dial(ep.uri, f.amqpConfig(ctx, ep))
		if err != nil {
			f.logger.Warn("failed to connect to RabbitMQ",
				"url", SanitizeURL(ep.uri),
				"attempt", attempts,
				"maxAttempts", reliability.Attempts(f.cfg.RetryPolicy()),
				"error", err)
			if errors.Is(err, amqp.ErrCredentials) || errors.Is(err, amqp.ErrVhost) || errors.Is(err, amqp.ErrSASL) {
				return nil, reliability.Permanent(err)
			}
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		if ctx.Err() == nil && !reliability.IsPermanent(err) {
			err = fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, err)
		}
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(f.cfg.URI().String()),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempts,
		}
	}

	f.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(f.cfg.URI().String()),
		"connectionName", f.connectionName,
		"attempts", attempts)
	return conn, nil
}

func (f *ConnectionFactory) amqpConfig(ctx context.Context, ep endpoint) amqp.Config {
	config := amqp.Config{
		Heartbeat:       defaultHeartbeat,
		TLSClientConfig: ep.tls,
		Dial:            f.dialer(ctx),
		Properties: amqp.Table{
			"connection_name": f.connectionName,
		},
	}
	if vhost, ok := f.cfg.Vhost(); ok {
		config.Vhost = vhost
	}
	return config
}

// dialer bounds the TCP connect by connectionTimeout and leaves
// handshakeTimeout for the TLS and AMQP handshakes. The client clears the
// deadline once the connection is open.
func (f *ConnectionFactory) dialer(ctx context.Context) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: f.cfg.ConnectionTimeout()}
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if err := conn.SetDeadline(time.Now().Add(f.cfg.HandshakeTimeout())); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}
}
