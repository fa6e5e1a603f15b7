package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/allisson/go-env"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/LerianStudio/lib-resilience/resilience/backoff"
	"github.com/LerianStudio/lib-resilience/resilience/bulkhead"
	"github.com/LerianStudio/lib-resilience/resilience/circuitbreaker"
	"github.com/LerianStudio/lib-resilience/resilience/idempotency"
	"github.com/LerianStudio/lib-resilience/resilience/inbox"
	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
	"github.com/LerianStudio/lib-resilience/resilience/outbox"
	"github.com/LerianStudio/lib-resilience/resilience/retry"
	"github.com/LerianStudio/lib-resilience/resilience/throttle"
	libZap "github.com/LerianStudio/lib-resilience/resilience/zap"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RESILIENCE_"

var ErrInvalidConfig = errors.New("invalid resilience config")

// Config is the full set of resilience settings.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Retry       RetryConfig       `yaml:"retry"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Bulkhead    BulkheadConfig    `yaml:"bulkhead"`
	Throttle    ThrottleConfig    `yaml:"throttle"`
	Outbox      OutboxConfig      `yaml:"outbox"`
	Inbox       InboxConfig       `yaml:"inbox"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Redis       RedisConfig       `yaml:"redis"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Environment is one of production, staging, development or local.
	Environment string `yaml:"environment"`
}

// Logger builds the zap-backed logger, bridged to OpenTelemetry under
// libraryName.
func (c LogConfig) Logger(libraryName string) (libLog.Logger, error) {
	logger, _, err := libZap.New(libZap.Config{
		Environment:     libZap.Environment(c.Environment),
		Level:           c.Level,
		OTelLibraryName: libraryName,
	})
	if err != nil {
		return nil, err
	}

	return logger, nil
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	// Jitter is one of "none", "full" or "equal".
	Jitter   string        `yaml:"jitter"`
	Deadline time.Duration `yaml:"deadline"`
}

type BreakerConfig struct {
	// Preset picks the base configuration: "default", "aggressive",
	// "conservative", "http" or "database". Set fields override it.
	Preset           string        `yaml:"preset"`
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureRatio     float64       `yaml:"failure_ratio"`
	MinRequests      int           `yaml:"min_requests"`
	WindowSize       int           `yaml:"window_size"`
	WindowDuration   time.Duration `yaml:"window_duration"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenDuration     time.Duration `yaml:"open_duration"`
}

type BulkheadConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	MaxQueue      int           `yaml:"max_queue"`
	QueueTimeout  time.Duration `yaml:"queue_timeout"`
}

type ThrottleConfig struct {
	Capacity   int     `yaml:"capacity"`
	RefillRate float64 `yaml:"refill_rate"`
}

type OutboxConfig struct {
	DispatchInterval time.Duration `yaml:"dispatch_interval"`
	BatchSize        int           `yaml:"batch_size"`
	MaxAttempts      int           `yaml:"max_attempts"`
	PublishTimeout   time.Duration `yaml:"publish_timeout"`
	LockKey          string        `yaml:"lock_key"`
	// RetryBaseDelay enables exponential delay between the failed attempts
	// of one record. Zero makes a failed record due on the next tick.
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	RetryMultiplier float64       `yaml:"retry_multiplier"`
	RetryMaxDelay   time.Duration `yaml:"retry_max_delay"`
}

type InboxConfig struct {
	ConsumerGroup  string        `yaml:"consumer_group"`
	Lease          time.Duration `yaml:"lease"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

type IdempotencyConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	LockTTL      time.Duration `yaml:"lock_ttl"`
	PollInterval time.Duration `yaml:"poll_interval"`
	WaitTimeout  time.Duration `yaml:"wait_timeout"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
}

// Default returns the documented defaults of every component.
func Default() *Config {
	outboxDefaults := outbox.DefaultDispatcherConfig()
	idemDefaults := idempotency.DefaultConfig()
	bulkheadDefaults := bulkhead.DefaultConfig()

	return &Config{
		Log: LogConfig{Level: "info", Environment: string(libZap.EnvironmentProduction)},
		Retry: RetryConfig{
			MaxAttempts: retry.DefaultMaxAttempts,
			BaseDelay:   100 * time.Millisecond,
			Multiplier:  2,
			MaxDelay:    30 * time.Second,
			Jitter:      "full",
		},
		Breaker: BreakerConfig{Preset: "default"},
		Bulkhead: BulkheadConfig{
			MaxConcurrent: bulkheadDefaults.MaxConcurrent,
			MaxQueue:      bulkheadDefaults.MaxQueue,
		},
		Throttle: ThrottleConfig{Capacity: 100, RefillRate: 50},
		Outbox: OutboxConfig{
			DispatchInterval: outboxDefaults.DispatchInterval,
			BatchSize:        outboxDefaults.BatchSize,
			MaxAttempts:      outboxDefaults.MaxAttempts,
			PublishTimeout:   outboxDefaults.PublishTimeout,
			LockKey:          outboxDefaults.LockKey,
			RetryMultiplier:  2,
		},
		Inbox: InboxConfig{Lease: inbox.DefaultLease},
		Idempotency: IdempotencyConfig{
			TTL:          idemDefaults.TTL,
			LockTTL:      idemDefaults.LockTTL,
			PollInterval: idemDefaults.PollInterval,
			WaitTimeout:  idemDefaults.WaitTimeout,
			KeyPrefix:    "idempotency:",
		},
	}
}

// Load reads the YAML file at path on top of Default, applies environment
// overrides and validates the result. An empty or missing path skips the
// file. A .env file in the working directory or any parent is loaded first
// without overriding variables that are already set.
func Load(path string) (*Config, error) {
	loadDotEnv()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)

		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overrides every field that has a variable set. Durations are
// read in milliseconds.
func (c *Config) applyEnv() {
	c.Log.Level = env.GetString(EnvPrefix+"LOG_LEVEL", c.Log.Level)
	c.Log.Environment = env.GetString(EnvPrefix+"LOG_ENVIRONMENT", c.Log.Environment)

	c.Retry.MaxAttempts = env.GetInt(EnvPrefix+"RETRY_MAX_ATTEMPTS", c.Retry.MaxAttempts)
	c.Retry.BaseDelay = envMillis("RETRY_BASE_DELAY_MS", c.Retry.BaseDelay)
	c.Retry.Multiplier = env.GetFloat64(EnvPrefix+"RETRY_MULTIPLIER", c.Retry.Multiplier)
	c.Retry.MaxDelay = envMillis("RETRY_MAX_DELAY_MS", c.Retry.MaxDelay)
	c.Retry.Jitter = env.GetString(EnvPrefix+"RETRY_JITTER", c.Retry.Jitter)
	c.Retry.Deadline = envMillis("RETRY_DEADLINE_MS", c.Retry.Deadline)

	c.Breaker.Preset = env.GetString(EnvPrefix+"BREAKER_PRESET", c.Breaker.Preset)
	c.Breaker.FailureThreshold = env.GetInt(EnvPrefix+"BREAKER_FAILURE_THRESHOLD", c.Breaker.FailureThreshold)
	c.Breaker.FailureRatio = env.GetFloat64(EnvPrefix+"BREAKER_FAILURE_RATIO", c.Breaker.FailureRatio)
	c.Breaker.SuccessThreshold = env.GetInt(EnvPrefix+"BREAKER_SUCCESS_THRESHOLD", c.Breaker.SuccessThreshold)
	c.Breaker.OpenDuration = envMillis("BREAKER_OPEN_DURATION_MS", c.Breaker.OpenDuration)

	c.Bulkhead.MaxConcurrent = env.GetInt(EnvPrefix+"BULKHEAD_MAX_CONCURRENT", c.Bulkhead.MaxConcurrent)
	c.Bulkhead.MaxQueue = env.GetInt(EnvPrefix+"BULKHEAD_MAX_QUEUE", c.Bulkhead.MaxQueue)
	c.Bulkhead.QueueTimeout = envMillis("BULKHEAD_QUEUE_TIMEOUT_MS", c.Bulkhead.QueueTimeout)

	c.Throttle.Capacity = env.GetInt(EnvPrefix+"THROTTLE_CAPACITY", c.Throttle.Capacity)
	c.Throttle.RefillRate = env.GetFloat64(EnvPrefix+"THROTTLE_REFILL_RATE", c.Throttle.RefillRate)

	c.Outbox.DispatchInterval = envMillis("OUTBOX_DISPATCH_INTERVAL_MS", c.Outbox.DispatchInterval)
	c.Outbox.BatchSize = env.GetInt(EnvPrefix+"OUTBOX_BATCH_SIZE", c.Outbox.BatchSize)
	c.Outbox.MaxAttempts = env.GetInt(EnvPrefix+"OUTBOX_MAX_ATTEMPTS", c.Outbox.MaxAttempts)
	c.Outbox.PublishTimeout = envMillis("OUTBOX_PUBLISH_TIMEOUT_MS", c.Outbox.PublishTimeout)
	c.Outbox.LockKey = env.GetString(EnvPrefix+"OUTBOX_LOCK_KEY", c.Outbox.LockKey)
	c.Outbox.RetryBaseDelay = envMillis("OUTBOX_RETRY_BASE_DELAY_MS", c.Outbox.RetryBaseDelay)
	c.Outbox.RetryMultiplier = env.GetFloat64(EnvPrefix+"OUTBOX_RETRY_MULTIPLIER", c.Outbox.RetryMultiplier)
	c.Outbox.RetryMaxDelay = envMillis("OUTBOX_RETRY_MAX_DELAY_MS", c.Outbox.RetryMaxDelay)

	c.Inbox.ConsumerGroup = env.GetString(EnvPrefix+"INBOX_CONSUMER_GROUP", c.Inbox.ConsumerGroup)
	c.Inbox.Lease = envMillis("INBOX_LEASE_MS", c.Inbox.Lease)
	c.Inbox.HandlerTimeout = envMillis("INBOX_HANDLER_TIMEOUT_MS", c.Inbox.HandlerTimeout)

	c.Idempotency.TTL = envMillis("IDEMPOTENCY_TTL_MS", c.Idempotency.TTL)
	c.Idempotency.LockTTL = envMillis("IDEMPOTENCY_LOCK_TTL_MS", c.Idempotency.LockTTL)
	c.Idempotency.PollInterval = envMillis("IDEMPOTENCY_POLL_INTERVAL_MS", c.Idempotency.PollInterval)
	c.Idempotency.WaitTimeout = envMillis("IDEMPOTENCY_WAIT_TIMEOUT_MS", c.Idempotency.WaitTimeout)
	c.Idempotency.KeyPrefix = env.GetString(EnvPrefix+"IDEMPOTENCY_KEY_PREFIX", c.Idempotency.KeyPrefix)

	c.Postgres.DSN = env.GetString(EnvPrefix+"POSTGRES_DSN", c.Postgres.DSN)
	c.Redis.Address = env.GetString(EnvPrefix+"REDIS_ADDRESS", c.Redis.Address)
	c.Redis.Password = env.GetString(EnvPrefix+"REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = env.GetInt(EnvPrefix+"REDIS_DB", c.Redis.DB)
	c.RabbitMQ.URL = env.GetString(EnvPrefix+"RABBITMQ_URL", c.RabbitMQ.URL)
	c.RabbitMQ.Exchange = env.GetString(EnvPrefix+"RABBITMQ_EXCHANGE", c.RabbitMQ.Exchange)
	c.RabbitMQ.Queue = env.GetString(EnvPrefix+"RABBITMQ_QUEUE", c.RabbitMQ.Queue)
}

func envMillis(name string, current time.Duration) time.Duration {
	return env.GetDuration(EnvPrefix+name, int(current.Milliseconds()), time.Millisecond)
}

// Validate checks every section with the owning component's rules.
func (c *Config) Validate() error {
	if _, err := libLog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %w", ErrInvalidConfig, err)
	}

	if _, err := c.Log.Logger("resilience"); err != nil {
		return fmt.Errorf("%w: log: %w", ErrInvalidConfig, err)
	}

	if _, err := c.Retry.Policy(); err != nil {
		return fmt.Errorf("%w: retry: %w", ErrInvalidConfig, err)
	}

	breaker, err := c.Breaker.CircuitBreaker()
	if err != nil {
		return fmt.Errorf("%w: breaker: %w", ErrInvalidConfig, err)
	}

	checks := []struct {
		section string
		err     error
	}{
		{"breaker", breaker.Validate()},
		{"bulkhead", c.Bulkhead.Bulkhead().Validate()},
		{"throttle", c.Throttle.validate()},
		{"outbox", c.Outbox.validate()},
		{"inbox", c.Inbox.validate()},
		{"idempotency", c.Idempotency.Middleware().Validate()},
	}

	for _, check := range checks {
		if check.err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, check.section, check.err)
		}
	}

	return nil
}

// Policy builds the retry policy.
func (c RetryConfig) Policy() (retry.Policy, error) {
	jitter, err := parseJitter(c.Jitter)
	if err != nil {
		return retry.Policy{}, err
	}

	return retry.NewPolicy(
		retry.WithMaxAttempts(c.MaxAttempts),
		retry.WithBackoff(backoff.ExponentialStrategy(c.BaseDelay, c.Multiplier, c.MaxDelay)),
		retry.WithJitter(jitter),
		retry.WithDeadline(c.Deadline),
	)
}

func parseJitter(name string) (backoff.Jitter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "full":
		return backoff.Full(nil), nil
	case "none":
		return backoff.None(), nil
	case "equal":
		return backoff.Equal(nil), nil
	default:
		return nil, fmt.Errorf("unknown jitter %q", name)
	}
}

// CircuitBreaker returns the preset with the non-zero fields applied.
func (c BreakerConfig) CircuitBreaker() (circuitbreaker.Config, error) {
	var cfg circuitbreaker.Config

	switch strings.ToLower(strings.TrimSpace(c.Preset)) {
	case "", "default":
		cfg = circuitbreaker.DefaultConfig()
	case "aggressive":
		cfg = circuitbreaker.AggressiveConfig()
	case "conservative":
		cfg = circuitbreaker.ConservativeConfig()
	case "http":
		cfg = circuitbreaker.HTTPServiceConfig()
	case "database":
		cfg = circuitbreaker.DatabaseConfig()
	default:
		return circuitbreaker.Config{}, fmt.Errorf("unknown preset %q", c.Preset)
	}

	if c.FailureThreshold != 0 {
		cfg.FailureThreshold = c.FailureThreshold
	}

	if c.FailureRatio != 0 {
		cfg.FailureRatio = c.FailureRatio
	}

	if c.MinRequests != 0 {
		cfg.MinRequests = c.MinRequests
	}

	if c.WindowSize != 0 {
		cfg.WindowSize = c.WindowSize
	}

	if c.WindowDuration != 0 {
		cfg.WindowDuration = c.WindowDuration
	}

	if c.SuccessThreshold != 0 {
		cfg.SuccessThreshold = c.SuccessThreshold
	}

	if c.OpenDuration != 0 {
		cfg.OpenDuration = c.OpenDuration
	}

	return cfg, nil
}

// Bulkhead returns the bulkhead configuration.
func (c BulkheadConfig) Bulkhead() bulkhead.Config {
	return bulkhead.Config{MaxConcurrent: c.MaxConcurrent, MaxQueue: c.MaxQueue, QueueTimeout: c.QueueTimeout}
}

// Limiter returns the throttle configuration.
func (c ThrottleConfig) Limiter() throttle.Config {
	return throttle.Config{Capacity: c.Capacity, RefillRate: c.RefillRate}
}

func (c ThrottleConfig) validate() error {
	_, err := throttle.New("config", c.Limiter())

	return err
}

// Dispatcher returns the outbox dispatcher configuration.
func (c OutboxConfig) Dispatcher() outbox.DispatcherConfig {
	cfg := outbox.DefaultDispatcherConfig()
	cfg.DispatchInterval = c.DispatchInterval
	cfg.BatchSize = c.BatchSize
	cfg.MaxAttempts = c.MaxAttempts
	cfg.PublishTimeout = c.PublishTimeout

	if c.LockKey != "" {
		cfg.LockKey = c.LockKey
	}

	return cfg
}

// RetryBackoff returns the delay strategy between failed attempts of one
// record, or nil when RetryBaseDelay is zero.
func (c OutboxConfig) RetryBackoff() backoff.Strategy {
	if c.RetryBaseDelay <= 0 {
		return nil
	}

	return backoff.ExponentialStrategy(c.RetryBaseDelay, c.RetryMultiplier, c.RetryMaxDelay)
}

// Options returns the dispatcher options for this section.
func (c OutboxConfig) Options() []outbox.DispatcherOption {
	opts := []outbox.DispatcherOption{outbox.WithConfig(c.Dispatcher())}

	if strategy := c.RetryBackoff(); strategy != nil {
		opts = append(opts, outbox.WithRetryBackoff(strategy))
	}

	return opts
}

func (c OutboxConfig) validate() error {
	if err := c.Dispatcher().Validate(); err != nil {
		return err
	}

	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}

	if c.RetryBaseDelay > 0 && c.RetryMultiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1, got %v", c.RetryMultiplier)
	}

	return nil
}

// Options returns the inbox processor options.
func (c InboxConfig) Options() []inbox.Option {
	return []inbox.Option{inbox.WithLease(c.Lease), inbox.WithHandlerTimeout(c.HandlerTimeout)}
}

func (c InboxConfig) validate() error {
	if c.Lease <= 0 {
		return fmt.Errorf("lease must be positive, got %s", c.Lease)
	}

	if c.HandlerTimeout < 0 {
		return fmt.Errorf("handler timeout must not be negative, got %s", c.HandlerTimeout)
	}

	return nil
}

// Middleware returns the idempotency middleware configuration.
func (c IdempotencyConfig) Middleware() idempotency.Config {
	return idempotency.Config{
		TTL:          c.TTL,
		LockTTL:      c.LockTTL,
		PollInterval: c.PollInterval,
		WaitTimeout:  c.WaitTimeout,
	}
}

// loadDotEnv loads the nearest .env file walking up from the working
// directory.
func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}

	for {
		path := filepath.Join(dir, ".env")
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)

			return
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}

		dir = parent
	}
}
