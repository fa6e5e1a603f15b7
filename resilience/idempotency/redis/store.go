package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LerianStudio/lib-resilience/resilience/clock"
	"github.com/LerianStudio/lib-resilience/resilience/idempotency"
	"github.com/LerianStudio/lib-resilience/resilience/internal/nilcheck"
	libOpentelemetry "github.com/LerianStudio/lib-resilience/resilience/opentelemetry"
	libRedis "github.com/LerianStudio/lib-resilience/resilience/redis"
)

const defaultKeyPrefix = "idempotency:"

var ErrConnectionRequired = errors.New("redis connection is required")

// reserveScript returns an empty array when it stored the reservation and
// the HGETALL of the live record otherwise.
//
// ARGV: now_ms, fingerprint, token, locked_until_ms, expires_at_ms, ttl_ms.
var reserveScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status then
  local now = tonumber(ARGV[1])
  local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
  local locked = tonumber(redis.call('HGET', KEYS[1], 'locked_until'))
  if now < expires and not (status == 'IN_PROGRESS' and now >= locked) then
    return redis.call('HGETALL', KEYS[1])
  end
  redis.call('DEL', KEYS[1])
end
redis.call('HSET', KEYS[1],
  'fingerprint', ARGV[2],
  'status', 'IN_PROGRESS',
  'token', ARGV[3],
  'created_at', ARGV[1],
  'locked_until', ARGV[4],
  'expires_at', ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return {}
`)

// ARGV: token, result, expires_at_ms, ttl_ms.
var completeScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] or redis.call('HGET', KEYS[1], 'status') ~= 'IN_PROGRESS' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'COMPLETED', 'result', ARGV[2], 'expires_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// ARGV: token.
var releaseScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') == ARGV[1] and redis.call('HGET', KEYS[1], 'status') == 'IN_PROGRESS' then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix namespaces every Redis key. Defaults to "idempotency:".
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithClock sets the clock used to compute key TTLs on Complete.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = clock.OrSystem(c) }
}

// WithTracer sets the tracer used for one span per call.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Store) {
		if !nilcheck.Is(tracer) {
			s.tracer = tracer
		}
	}
}

// Store is an idempotency.Store backed by Redis.
type Store struct {
	conn   *libRedis.Client
	prefix string
	clock  clock.Clock
	tracer trace.Tracer
}

var _ idempotency.Store = (*Store)(nil)

// NewStore returns a Store over conn.
func NewStore(conn *libRedis.Client, opts ...Option) (*Store, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	s := &Store{
		conn:   conn,
		prefix: defaultKeyPrefix,
		clock:  clock.System(),
		tracer: noop.NewTracerProvider().Tracer("resilience.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s, nil
}

// Reserve stores record unless a live record holds its key.
func (s *Store) Reserve(ctx context.Context, record *idempotency.Record) (*idempotency.Record, bool, error) {
	if record == nil {
		return nil, false, idempotency.ErrRecordRequired
	}

	if strings.TrimSpace(record.Key) == "" {
		return nil, false, idempotency.ErrKeyRequired
	}

	ctx, span := s.tracer.Start(ctx, "redis.idempotency.reserve")
	defer span.End()

	rdb, err := s.conn.GetClient(ctx)
	if err != nil {
		return nil, false, s.fail(span, "failed to get redis client", err)
	}

	reply, err := reserveScript.Run(ctx, rdb, []string{s.redisKey(record.Key)},
		record.CreatedAt.UnixMilli(),
		record.Fingerprint,
		record.Token,
		record.LockedUntil.UnixMilli(),
		record.ExpiresAt.UnixMilli(),
		ttlMillis(record.ExpiresAt.Sub(record.CreatedAt)),
	).Slice()
	if err != nil {
		return nil, false, s.fail(span, "failed to reserve idempotency key", err)
	}

	if len(reply) == 0 {
		span.SetAttributes(attribute.Bool("idempotency.reserved", true))

		stored := record.Clone()
		stored.Status = idempotency.StatusInProgress
		stored.Result = nil

		return stored, true, nil
	}

	span.SetAttributes(attribute.Bool("idempotency.reserved", false))

	fields := make(map[string]string, len(reply)/2)

	for i := 0; i+1 < len(reply); i += 2 {
		name, _ := reply[i].(string)
		value, _ := reply[i+1].(string)
		fields[name] = value
	}

	existing, err := parseRecord(record.Key, fields)
	if err != nil {
		return nil, false, s.fail(span, "failed to decode idempotency record", err)
	}

	return existing, false, nil
}

// Get returns the stored record.
func (s *Store) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	ctx, span := s.tracer.Start(ctx, "redis.idempotency.get")
	defer span.End()

	rdb, err := s.conn.GetClient(ctx)
	if err != nil {
		return nil, s.fail(span, "failed to get redis client", err)
	}

	fields, err := rdb.HGetAll(ctx, s.redisKey(key)).Result()
	if err != nil {
		return nil, s.fail(span, "failed to get idempotency record", err)
	}

	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", idempotency.ErrRecordNotFound, key)
	}

	record, err := parseRecord(key, fields)
	if err != nil {
		return nil, s.fail(span, "failed to decode idempotency record", err)
	}

	return record, nil
}

// Complete stores result for the reservation identified by token.
func (s *Store) Complete(ctx context.Context, key, token string, result []byte, expiresAt time.Time) error {
	ctx, span := s.tracer.Start(ctx, "redis.idempotency.complete")
	defer span.End()

	rdb, err := s.conn.GetClient(ctx)
	if err != nil {
		return s.fail(span, "failed to get redis client", err)
	}

	updated, err := completeScript.Run(ctx, rdb, []string{s.redisKey(key)},
		token,
		result,
		expiresAt.UnixMilli(),
		ttlMillis(expiresAt.Sub(s.clock.Now())),
	).Int()
	if err != nil {
		return s.fail(span, "failed to complete idempotency key", err)
	}

	if updated == 0 {
		return fmt.Errorf("%w: %s", idempotency.ErrReservationLost, key)
	}

	return nil
}

// Release drops the reservation identified by token.
func (s *Store) Release(ctx context.Context, key, token string) error {
	ctx, span := s.tracer.Start(ctx, "redis.idempotency.release")
	defer span.End()

	rdb, err := s.conn.GetClient(ctx)
	if err != nil {
		return s.fail(span, "failed to get redis client", err)
	}

	if err := releaseScript.Run(ctx, rdb, []string{s.redisKey(key)}, token).Err(); err != nil {
		return s.fail(span, "failed to release idempotency key", err)
	}

	return nil
}

func (s *Store) redisKey(key string) string {
	return s.prefix + key
}

func (s *Store) fail(span trace.Span, msg string, err error) error {
	libOpentelemetry.HandleSpanError(span, msg, err)

	return fmt.Errorf("%s: %w", strings.TrimPrefix(msg, "failed to "), err)
}

// ttlMillis keeps PEXPIRE positive; a non-positive TTL would delete the key.
func ttlMillis(d time.Duration) int64 {
	return max(d.Milliseconds(), 1)
}

func parseRecord(key string, fields map[string]string) (*idempotency.Record, error) {
	status, err := idempotency.ParseStatus(fields["status"])
	if err != nil {
		return nil, err
	}

	record := &idempotency.Record{
		Key:         key,
		Fingerprint: fields["fingerprint"],
		Status:      status,
		Token:       fields["token"],
	}

	if result, ok := fields["result"]; ok {
		record.Result = []byte(result)
	}

	for name, dst := range map[string]*time.Time{
		"created_at":   &record.CreatedAt,
		"locked_until": &record.LockedUntil,
		"expires_at":   &record.ExpiresAt,
	} {
		ms, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}

		*dst = time.UnixMilli(ms).UTC()
	}

	return record, nil
}
