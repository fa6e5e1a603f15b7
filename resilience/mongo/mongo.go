package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
	libOpentelemetry "github.com/LerianStudio/lib-resilience/resilience/opentelemetry"
)

const (
	defaultServerSelectionTimeout = 5 * time.Second
	defaultHeartbeatInterval      = 10 * time.Second
	maxMaxPoolSize                = 1000
)

var (
	ErrNilContext          = errors.New("context cannot be nil")
	ErrNilClient           = errors.New("mongo client is nil")
	ErrClientClosed        = errors.New("mongo client is closed")
	ErrNilDependency       = errors.New("mongo option set a required dependency to nil")
	ErrEmptyURI            = errors.New("mongo uri cannot be empty")
	ErrEmptyDatabaseName   = errors.New("database name cannot be empty")
	ErrEmptyCollectionName = errors.New("collection name cannot be empty")
	ErrEmptyIndexes        = errors.New("at least one index must be provided")
	ErrConnect             = errors.New("mongo connect failed")
	ErrPing                = errors.New("mongo ping failed")
	ErrDisconnect          = errors.New("mongo disconnect failed")
	ErrCreateIndex         = errors.New("mongo create index failed")
	ErrNilMongoClient      = errors.New("mongo driver returned nil client")
)

// Config defines the MongoDB connection and pool.
type Config struct {
	URI                    string
	Database               string
	MaxPoolSize            uint64
	ServerSelectionTimeout time.Duration
	HeartbeatInterval      time.Duration
	Logger                 libLog.Logger
}

func (cfg Config) validate() error {
	if strings.TrimSpace(cfg.URI) == "" {
		return ErrEmptyURI
	}

	if strings.TrimSpace(cfg.Database) == "" {
		return ErrEmptyDatabaseName
	}

	return nil
}

// Option replaces driver calls, mainly for tests.
type Option func(*clientDeps)

// Client wraps a MongoDB client with lifecycle and index helpers.
type Client struct {
	mu           sync.RWMutex
	client       *mongo.Client
	databaseName string
	cfg          Config
	logger       libLog.Logger
	deps         clientDeps
}

type clientDeps struct {
	connect     func(context.Context, *options.ClientOptions) (*mongo.Client, error)
	ping        func(context.Context, *mongo.Client) error
	disconnect  func(context.Context, *mongo.Client) error
	createIndex func(context.Context, *mongo.Client, string, string, mongo.IndexModel) error
}

func defaultDeps() clientDeps {
	return clientDeps{
		connect: func(ctx context.Context, clientOptions *options.ClientOptions) (*mongo.Client, error) {
			return mongo.Connect(ctx, clientOptions)
		},
		ping: func(ctx context.Context, client *mongo.Client) error {
			return client.Ping(ctx, nil)
		},
		disconnect: func(ctx context.Context, client *mongo.Client) error {
			return client.Disconnect(ctx)
		},
		createIndex: func(ctx context.Context, client *mongo.Client, database, collection string, index mongo.IndexModel) error {
			_, err := client.Database(database).Collection(collection).Indexes().CreateOne(ctx, index)

			return err
		},
	}
}

// NewClient validates cfg, connects and pings.
func NewClient(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.MaxPoolSize > maxMaxPoolSize {
		cfg.MaxPoolSize = maxMaxPoolSize
	}

	deps := defaultDeps()

	for _, opt := range opts {
		if opt != nil {
			opt(&deps)
		}
	}

	if deps.connect == nil || deps.ping == nil || deps.disconnect == nil || deps.createIndex == nil {
		return nil, ErrNilDependency
	}

	client := &Client{
		databaseName: strings.TrimSpace(cfg.Database),
		cfg:          cfg,
		logger:       libLog.OrNop(cfg.Logger),
		deps:         deps,
	}

	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	return client, nil
}

// Connect opens the connection unless one is already open.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	if ctx == nil {
		return ErrNilContext
	}

	ctx, span := otel.Tracer("mongo").Start(ctx, "mongo.connect")
	defer span.End()

	span.SetAttributes(attribute.String("db.system", "mongodb"))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	clientOptions := options.Client().ApplyURI(c.cfg.URI)
	clientOptions.SetServerSelectionTimeout(orDefault(c.cfg.ServerSelectionTimeout, defaultServerSelectionTimeout))
	clientOptions.SetHeartbeatInterval(orDefault(c.cfg.HeartbeatInterval, defaultHeartbeatInterval))

	if c.cfg.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(c.cfg.MaxPoolSize)
	}

	mongoClient, err := c.deps.connect(ctx, clientOptions)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrConnect, err)
		libOpentelemetry.HandleSpanError(span, "Failed to connect to mongo", err)

		return err
	}

	if mongoClient == nil {
		return ErrNilMongoClient
	}

	if err := c.deps.ping(ctx, mongoClient); err != nil {
		if disconnectErr := c.deps.disconnect(ctx, mongoClient); disconnectErr != nil {
			c.logger.Log(ctx, libLog.LevelWarn, "failed to disconnect after ping failure", libLog.Err(disconnectErr))
		}

		err = fmt.Errorf("%w: %w", ErrPing, err)
		libOpentelemetry.HandleSpanError(span, "Failed to ping mongo", err)

		return err
	}

	c.client = mongoClient

	c.logger.Log(ctx, libLog.LevelInfo, "connected to mongo", libLog.String("database", c.databaseName))

	return nil
}

// Database returns the configured database handle.
func (c *Client) Database(ctx context.Context) (*mongo.Database, error) {
	client, err := c.driver(ctx)
	if err != nil {
		return nil, err
	}

	return client.Database(c.databaseName), nil
}

// DatabaseName returns the configured database name.
func (c *Client) DatabaseName() string {
	if c == nil {
		return ""
	}

	return c.databaseName
}

// Ping checks availability over the open connection.
func (c *Client) Ping(ctx context.Context) error {
	client, err := c.driver(ctx)
	if err != nil {
		return err
	}

	ctx, span := otel.Tracer("mongo").Start(ctx, "mongo.ping")
	defer span.End()

	if err := c.deps.ping(ctx, client); err != nil {
		err = fmt.Errorf("%w: %w", ErrPing, err)
		libOpentelemetry.HandleSpanError(span, "Mongo ping failed", err)

		return err
	}

	return nil
}

// Close disconnects. The client counts as closed even when disconnect
// fails.
func (c *Client) Close(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	if ctx == nil {
		return ErrNilContext
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.deps.disconnect(ctx, c.client)
	c.client = nil

	if err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnect, err)
	}

	return nil
}

// EnsureIndexes creates indexes on collection. Existing identical indexes
// are left alone by the server. Every failure is reported.
func (c *Client) EnsureIndexes(ctx context.Context, collection string, indexes ...mongo.IndexModel) error {
	client, err := c.driver(ctx)
	if err != nil {
		return err
	}

	if strings.TrimSpace(collection) == "" {
		return ErrEmptyCollectionName
	}

	if len(indexes) == 0 {
		return ErrEmptyIndexes
	}

	ctx, span := otel.Tracer("mongo").Start(ctx, "mongo.ensure_indexes")
	defer span.End()

	span.SetAttributes(attribute.String("db.mongodb.collection", collection))

	var indexErrors []error

	for _, index := range indexes {
		if err := ctx.Err(); err != nil {
			indexErrors = append(indexErrors, fmt.Errorf("%w: %w", ErrCreateIndex, err))

			break
		}

		fields := indexKeysString(index.Keys)

		if err := c.deps.createIndex(ctx, client, c.databaseName, collection, index); err != nil {
			c.logger.Log(ctx, libLog.LevelWarn, "failed to create mongo index",
				libLog.String("collection", collection),
				libLog.String("fields", fields),
				libLog.Err(err),
			)

			indexErrors = append(indexErrors, fmt.Errorf("%w: collection=%s fields=%s: %w", ErrCreateIndex, collection, fields, err))
		}
	}

	if len(indexErrors) > 0 {
		joined := errors.Join(indexErrors...)
		libOpentelemetry.HandleSpanError(span, "Failed to ensure mongo indexes", joined)

		return joined
	}

	return nil
}

func (c *Client) driver(ctx context.Context) (*mongo.Client, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	if ctx == nil {
		return nil, ErrNilContext
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return nil, ErrClientClosed
	}

	return c.client, nil
}

func orDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}

	return value
}

func indexKeysString(keys any) string {
	switch k := keys.(type) {
	case bson.D:
		parts := make([]string, 0, len(k))
		for _, e := range k {
			parts = append(parts, e.Key)
		}

		return strings.Join(parts, ",")
	case bson.M:
		parts := make([]string, 0, len(k))
		for key := range k {
			parts = append(parts, key)
		}

		sort.Strings(parts)

		return strings.Join(parts, ",")
	default:
		return "<unknown>"
	}
}
