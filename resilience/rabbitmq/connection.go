package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
	libOpentelemetry "github.com/LerianStudio/lib-resilience/resilience/opentelemetry"
)

var (
	ErrNilConnection    = errors.New("rabbitmq connection is nil")
	ErrEmptyURL         = errors.New("rabbitmq url is required")
	ErrConnectionClosed = errors.New("rabbitmq connection is closed")
)

// Config describes how to reach the broker.
type Config struct {
	URL    string
	Logger libLog.Logger
}

// Connection owns one AMQP connection. Publishers and consumers each open
// their own channel from it.
type Connection struct {
	mu     sync.Mutex
	url    string
	logger libLog.Logger
	conn   *amqp.Connection
	dial   func(string) (*amqp.Connection, error)
}

// Dial connects to the broker described by cfg.
func Dial(ctx context.Context, cfg Config) (*Connection, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrEmptyURL
	}

	c := &Connection{url: cfg.URL, logger: libLog.OrNop(cfg.Logger), dial: amqp.Dial}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Connection) connect(ctx context.Context) error {
	_, span := otel.Tracer("rabbitmq").Start(ctx, "rabbitmq.connect")
	defer span.End()

	span.SetAttributes(attribute.String("messaging.system", "rabbitmq"))

	conn, err := c.dial(c.url)
	if err != nil {
		sanitized := newSanitizedError(err, c.url, "failed to connect to rabbitmq")
		libOpentelemetry.HandleSpanError(span, "Failed to connect to rabbitmq", sanitized)

		c.logger.Log(ctx, libLog.LevelError, "failed to connect to rabbitmq",
			libLog.String("error_detail", sanitizeAMQPErr(err, c.url)))

		return sanitized
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Log(ctx, libLog.LevelInfo, "connected to rabbitmq")

	return nil
}

// Channel opens a new AMQP channel, reconnecting first when the connection
// was closed by the broker.
func (c *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	if c == nil {
		return nil, ErrNilConnection
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil, ErrConnectionClosed
	}

	if conn.IsClosed() {
		if err := c.connect(ctx); err != nil {
			return nil, err
		}

		c.mu.Lock()
		conn = c.conn
		c.mu.Unlock()
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	return ch, nil
}

// Close closes the connection and every channel opened from it.
func (c *Connection) Close() error {
	if c == nil {
		return ErrNilConnection
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}

	if err := conn.Close(); err != nil {
		return fmt.Errorf("close rabbitmq connection: %w", err)
	}

	return nil
}

// sanitizedError hides credentials from Error() while keeping the original
// error reachable through Unwrap.
type sanitizedError struct {
	original error
	message  string
}

func (e *sanitizedError) Error() string { return e.message }

func (e *sanitizedError) Unwrap() error { return e.original }

func newSanitizedError(err error, connectionString, prefix string) error {
	return fmt.Errorf("%s: %w", prefix, &sanitizedError{
		original: err,
		message:  sanitizeAMQPErr(err, connectionString),
	})
}

func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	errMsg := err.Error()

	if connectionString == "" {
		return errMsg
	}

	referenceURL, parseErr := url.Parse(connectionString)
	if parseErr != nil {
		return errMsg
	}

	redacted := referenceURL.Redacted()
	errMsg = strings.ReplaceAll(errMsg, connectionString, redacted)
	errMsg = strings.ReplaceAll(errMsg, referenceURL.String(), redacted)

	// The password may also appear decoded.
	if referenceURL.User != nil {
		if pass, ok := referenceURL.User.Password(); ok && pass != "" {
			errMsg = strings.ReplaceAll(errMsg, pass, "xxxxx")
		}
	}

	return errMsg
}

// BuildConnectionString builds an AMQP URL. An empty vhost selects "/".
func BuildConnectionString(protocol, user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: protocol}
	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	switch {
	case port != "":
		u.Host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":") && !strings.HasPrefix(host, "["):
		u.Host = "[" + host + "]"
	default:
		u.Host = host
	}

	if vhost != "" {
		// vhost names may contain '/', which must travel as %2F.
		escaped := strings.ReplaceAll(url.QueryEscape(vhost), "+", "%20")
		u.Path = "/" + vhost
		u.RawPath = "/" + escaped
	}

	return u.String()
}
