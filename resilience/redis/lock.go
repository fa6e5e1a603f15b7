package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"go.opentelemetry.io/otel"

	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
	libOpentelemetry "github.com/LerianStudio/lib-resilience/resilience/opentelemetry"
	"github.com/LerianStudio/lib-resilience/resilience/outbox"
)

const maxLockTries = 1000

var (
	ErrNilLockManager         = errors.New("lock manager is nil")
	ErrLockNotHeld            = errors.New("lock was not held or already expired")
	ErrNilLockFn              = errors.New("lock function is nil")
	ErrEmptyLockKey           = errors.New("lock key cannot be empty")
	ErrLockExpiryInvalid      = errors.New("lock expiry must be greater than 0")
	ErrLockTriesInvalid       = errors.New("lock tries must be at least 1")
	ErrLockTriesExceeded      = errors.New("lock tries exceeds maximum")
	ErrLockRetryDelayNegative = errors.New("lock retry delay cannot be negative")
	ErrLockDriftFactorInvalid = errors.New("lock drift factor must be between 0 (inclusive) and 1 (exclusive)")
)

// LockOptions configures lock acquisition.
type LockOptions struct {
	// Expiry is how long the lock lives unless released first.
	Expiry time.Duration
	// Tries bounds acquisition attempts in WithLock. TryLock always tries once.
	Tries      int
	RetryDelay time.Duration
	// DriftFactor accounts for clock drift between Redis nodes.
	DriftFactor float64
}

// DefaultLockOptions suits operations that finish within seconds.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Expiry:      10 * time.Second,
		Tries:       3,
		RetryDelay:  500 * time.Millisecond,
		DriftFactor: 0.01,
	}
}

// DispatcherLockOptions keeps the tick lock short so a crashed holder
// blocks other dispatchers for a few intervals at most.
func DispatcherLockOptions() LockOptions {
	return LockOptions{
		Expiry:      30 * time.Second,
		Tries:       1,
		RetryDelay:  100 * time.Millisecond,
		DriftFactor: 0.01,
	}
}

func (opts LockOptions) validate() error {
	switch {
	case opts.Expiry <= 0:
		return ErrLockExpiryInvalid
	case opts.Tries < 1:
		return ErrLockTriesInvalid
	case opts.Tries > maxLockTries:
		return ErrLockTriesExceeded
	case opts.RetryDelay < 0:
		return ErrLockRetryDelayNegative
	case opts.DriftFactor < 0 || opts.DriftFactor >= 1:
		return ErrLockDriftFactorInvalid
	}

	return nil
}

// clientPool resolves the go-redis client on every Get, so the pool
// follows reconnections of Client.
type clientPool struct {
	conn *Client
}

//nolint:ireturn
func (p *clientPool) Get(ctx context.Context) (redsyncredis.Conn, error) {
	rdb, err := p.conn.GetClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get redis client for lock pool: %w", err)
	}

	return goredis.NewPool(rdb).Get(ctx)
}

// LockManager provides RedLock mutual exclusion across processes.
type LockManager struct {
	redsync *redsync.Redsync
	opts    LockOptions
	logger  libLog.Logger
}

var _ outbox.Locker = (*LockManager)(nil)

// LockOption configures a LockManager.
type LockOption func(*LockManager)

// WithLockOptions replaces the options used by TryLock and WithLock.
func WithLockOptions(opts LockOptions) LockOption {
	return func(m *LockManager) { m.opts = opts }
}

// WithLockLogger sets the lock manager logger.
func WithLockLogger(logger libLog.Logger) LockOption {
	return func(m *LockManager) { m.logger = libLog.OrNop(logger) }
}

// NewLockManager returns a lock manager over conn.
func NewLockManager(conn *Client, opts ...LockOption) (*LockManager, error) {
	if conn == nil {
		return nil, ErrNilClient
	}

	m := &LockManager{
		redsync: redsync.New(&clientPool{conn: conn}),
		opts:    DefaultLockOptions(),
		logger:  libLog.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	if err := m.opts.validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// WithLock runs fn while holding lockKey and releases the lock afterwards,
// even when fn panics.
func (m *LockManager) WithLock(ctx context.Context, lockKey string, fn func(context.Context) error) error {
	if m == nil {
		return ErrNilLockManager
	}

	if fn == nil {
		return ErrNilLockFn
	}

	if strings.TrimSpace(lockKey) == "" {
		return ErrEmptyLockKey
	}

	ctx, span := otel.Tracer("redis").Start(ctx, "redis.lock.with_lock")
	defer span.End()

	mutex := m.newMutex(lockKey, m.opts.Tries)

	if err := mutex.LockContext(ctx); err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to acquire lock", err)

		return fmt.Errorf("failed to acquire lock %s: %w", safeLockKeyForLogs(lockKey), err)
	}

	defer m.release(context.WithoutCancel(ctx), mutex, lockKey)

	if err := fn(ctx); err != nil {
		libOpentelemetry.HandleSpanError(span, "Function execution failed", err)

		return fmt.Errorf("distributed lock: function execution: %w", err)
	}

	return nil
}

// TryLock makes one acquisition attempt. A lock held elsewhere yields
// acquired=false with a nil error.
func (m *LockManager) TryLock(ctx context.Context, lockKey string) (func(context.Context) error, bool, error) {
	if m == nil {
		return nil, false, ErrNilLockManager
	}

	if strings.TrimSpace(lockKey) == "" {
		return nil, false, ErrEmptyLockKey
	}

	ctx, span := otel.Tracer("redis").Start(ctx, "redis.lock.try_lock")
	defer span.End()

	mutex := m.newMutex(lockKey, 1)

	if err := mutex.LockContext(ctx); err != nil {
		if isLockContention(err) {
			m.logger.Log(ctx, libLog.LevelDebug, "lock already held by another process",
				libLog.String("lock_key", safeLockKeyForLogs(lockKey)))

			return nil, false, nil
		}

		libOpentelemetry.HandleSpanError(span, "Failed to attempt lock acquisition", err)

		return nil, false, fmt.Errorf("failed to attempt lock acquisition for %s: %w", safeLockKeyForLogs(lockKey), err)
	}

	unlock := func(ctx context.Context) error {
		ok, err := mutex.UnlockContext(ctx)
		if err != nil {
			return fmt.Errorf("distributed lock: unlock: %w", err)
		}

		if !ok {
			return ErrLockNotHeld
		}

		return nil
	}

	return unlock, true, nil
}

func (m *LockManager) newMutex(lockKey string, tries int) *redsync.Mutex {
	return m.redsync.NewMutex(
		lockKey,
		redsync.WithExpiry(m.opts.Expiry),
		redsync.WithTries(tries),
		redsync.WithRetryDelay(m.opts.RetryDelay),
		redsync.WithDriftFactor(m.opts.DriftFactor),
	)
}

func (m *LockManager) release(ctx context.Context, mutex *redsync.Mutex, lockKey string) {
	if ok, err := mutex.UnlockContext(ctx); !ok || err != nil {
		m.logger.Log(ctx, libLog.LevelError, "failed to release lock",
			libLog.String("lock_key", safeLockKeyForLogs(lockKey)),
			libLog.Bool("unlock_ok", ok),
			libLog.Err(err),
		)
	}
}

// isLockContention reports whether err means another holder owns the lock.
func isLockContention(err error) bool {
	var taken *redsync.ErrTaken

	if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock")
}

func safeLockKeyForLogs(lockKey string) string {
	const maxLockKeyLogLength = 128

	safeLockKey := strconv.QuoteToASCII(lockKey)
	if len(safeLockKey) <= maxLockKeyLogLength {
		return safeLockKey
	}

	return safeLockKey[:maxLockKeyLogLength] + "...(truncated)"
}
