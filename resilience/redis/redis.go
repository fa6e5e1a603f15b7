package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
	libOpentelemetry "github.com/LerianStudio/lib-resilience/resilience/opentelemetry"
)

var (
	ErrNilClient     = errors.New("redis client is nil")
	ErrClientClosed  = errors.New("redis client is closed")
	ErrInvalidConfig = errors.New("invalid redis config")
)

// Config describes how to reach Redis. Exactly one topology is used;
// Cluster wins over Sentinel, which wins over Standalone.
type Config struct {
	Topology Topology
	Password string
	Options  ConnectionOptions
	Logger   libLog.Logger
}

// Topology selects the deployment shape.
type Topology struct {
	Standalone *StandaloneTopology
	Sentinel   *SentinelTopology
	Cluster    *ClusterTopology
}

// StandaloneTopology is a single server.
type StandaloneTopology struct {
	Address string
}

// SentinelTopology is a sentinel-managed primary.
type SentinelTopology struct {
	Addresses  []string
	MasterName string
}

// ClusterTopology is a Redis Cluster.
type ClusterTopology struct {
	Addresses []string
}

// ConnectionOptions tunes the go-redis pool. Zero values keep the
// go-redis defaults.
type ConnectionOptions struct {
	DB           int
	PoolSize     int
	MinIdleConns int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	MaxRetries   int
}

func (cfg Config) universalOptions() (*redis.UniversalOptions, error) {
	o := cfg.Options
	opts := &redis.UniversalOptions{
		DB:           o.DB,
		PoolSize:     o.PoolSize,
		MinIdleConns: o.MinIdleConns,
		ReadTimeout:  o.ReadTimeout,
		WriteTimeout: o.WriteTimeout,
		DialTimeout:  o.DialTimeout,
		MaxRetries:   o.MaxRetries,
		Password:     cfg.Password,
	}

	switch t := cfg.Topology; {
	case t.Cluster != nil:
		opts.Addrs = t.Cluster.Addresses
	case t.Sentinel != nil:
		if strings.TrimSpace(t.Sentinel.MasterName) == "" {
			return nil, fmt.Errorf("%w: sentinel master name is required", ErrInvalidConfig)
		}

		opts.Addrs = t.Sentinel.Addresses
		opts.MasterName = t.Sentinel.MasterName
	case t.Standalone != nil:
		opts.Addrs = []string{t.Standalone.Address}
	}

	// go-redis silently dials localhost:6379 when Addrs is empty.
	for _, addr := range opts.Addrs {
		if strings.TrimSpace(addr) == "" {
			return nil, fmt.Errorf("%w: empty address", ErrInvalidConfig)
		}
	}

	if len(opts.Addrs) == 0 {
		return nil, fmt.Errorf("%w: no topology configured", ErrInvalidConfig)
	}

	return opts, nil
}

// Client owns a go-redis UniversalClient.
type Client struct {
	mu     sync.RWMutex
	cfg    Config
	logger libLog.Logger
	client redis.UniversalClient
}

// New validates cfg, connects and pings.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if _, err := cfg.universalOptions(); err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg, logger: libLog.OrNop(cfg.Logger)}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// Connect opens the connection unless one is already open.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	ctx, span := otel.Tracer("redis").Start(ctx, "redis.connect")
	defer span.End()

	span.SetAttributes(attribute.String("db.system", "redis"))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	opts, err := c.cfg.universalOptions()
	if err != nil {
		return err
	}

	rdb := redis.NewUniversalClient(opts)

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()

		err = fmt.Errorf("redis connect: ping: %w", err)
		libOpentelemetry.HandleSpanError(span, "Failed to connect to redis", err)

		return err
	}

	c.client = rdb

	switch rdb.(type) {
	case *redis.ClusterClient:
		c.logger.Log(ctx, libLog.LevelInfo, "connected to redis in cluster mode")
	default:
		c.logger.Log(ctx, libLog.LevelInfo, "connected to redis")
	}

	return nil
}

// GetClient returns the connected go-redis client.
//
//nolint:ireturn
func (c *Client) GetClient(_ context.Context) (redis.UniversalClient, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return nil, ErrClientClosed
	}

	return c.client, nil
}

// IsConnected reports whether the client holds an open connection.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.client != nil
}

// Close closes the connection. Closing twice is a no-op.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil

	if err != nil {
		return fmt.Errorf("redis close: %w", err)
	}

	return nil
}
