package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
)

const (
	driverName             = "pgx"
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute

	uniqueViolationCode = "23505"
)

var (
	ErrDSNRequired      = errors.New("postgres dsn is required")
	ErrNotConnected     = errors.New("postgres connection is not established")
	ErrTxFuncRequired   = errors.New("transaction function is required")
	ErrDatabaseRequired = errors.New("postgres database handle is required")

	dbOpenFn = sql.Open

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
)

// Config describes a connection pool.
type Config struct {
	DSN                string
	MaxOpenConnections int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
	ConnMaxIdleTime    time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxOpenConnections <= 0 {
		cfg.MaxOpenConnections = defaultMaxOpenConns
	}

	if cfg.MaxIdleConnections <= 0 {
		cfg.MaxIdleConnections = defaultMaxIdleConns
	}

	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = defaultConnMaxLifetime
	}

	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = defaultConnMaxIdleTime
	}

	return cfg
}

// Connection owns one *sql.DB pool and opens it lazily.
type Connection struct {
	cfg    Config
	logger libLog.Logger

	mu sync.RWMutex
	db *sql.DB
}

// New validates cfg and returns an unconnected Connection.
func New(cfg Config, logger libLog.Logger) (*Connection, error) {
	if cfg.DSN == "" {
		return nil, ErrDSNRequired
	}

	return &Connection{cfg: cfg.withDefaults(), logger: libLog.OrNop(logger)}, nil
}

// Connect opens and pings the pool, replacing a previous one only on success.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Connection) connectLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context done before database connection: %w", err)
	}

	db, err := dbOpenFn(driverName, c.cfg.DSN)
	if err != nil {
		sanitized := sanitizeSensitiveError(err)
		c.logger.Log(ctx, libLog.LevelError, "failed to open postgres pool", libLog.String("error", sanitized))

		return fmt.Errorf("failed to open postgres pool: %s", sanitized)
	}

	db.SetMaxOpenConns(c.cfg.MaxOpenConnections)
	db.SetMaxIdleConns(c.cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(c.cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		sanitized := sanitizeSensitiveError(err)
		c.logger.Log(ctx, libLog.LevelError, "failed to ping postgres", libLog.String("error", sanitized))

		return fmt.Errorf("failed to ping postgres: %s", sanitized)
	}

	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.logger.Log(ctx, libLog.LevelWarn, "failed to close previous postgres pool", libLog.Err(err))
		}
	}

	c.db = db

	c.logger.Log(ctx, libLog.LevelInfo, "connected to postgres")

	return nil
}

// DB returns the pool, connecting on first use.
func (c *Connection) DB(ctx context.Context) (*sql.DB, error) {
	c.mu.RLock()
	db := c.db
	c.mu.RUnlock()

	if db != nil {
		return db, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		return c.db, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.db, nil
}

// IsConnected reports whether a pool is open.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.db != nil
}

// Close releases the pool. Closing twice is a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil
	}

	err := c.db.Close()
	c.db = nil

	return err
}

// WithTx runs fn inside a transaction on db, committing when fn succeeds
// and rolling back otherwise.
func WithTx[T any](ctx context.Context, db *sql.DB, fn func(*sql.Tx) (T, error)) (T, error) {
	var zero T

	if db == nil {
		return zero, ErrDatabaseRequired
	}

	if fn == nil {
		return zero, ErrTxFuncRequired
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	result, err := fn(tx)
	if err != nil {
		return zero, err
	}

	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// SanitizeError renders err with DSN credentials masked.
func SanitizeError(err error) string {
	return sanitizeSensitiveError(err)
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}
