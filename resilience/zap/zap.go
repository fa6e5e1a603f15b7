package zap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const callerSkipFrames = 1

// ErrLibraryNameRequired is returned when Config.OTelLibraryName is empty.
var ErrLibraryNameRequired = errors.New("OTelLibraryName is required")

// Environment selects the baseline encoder and default level.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentStaging     Environment = "staging"
	EnvironmentDevelopment Environment = "development"
	EnvironmentLocal       Environment = "local"
)

// Config holds the logger construction inputs.
type Config struct {
	Environment     Environment
	Level           string
	OTelLibraryName string
}

func (c Config) validate() error {
	if strings.TrimSpace(c.OTelLibraryName) == "" {
		return ErrLibraryNameRequired
	}

	switch c.Environment {
	case EnvironmentProduction, EnvironmentStaging, EnvironmentDevelopment, EnvironmentLocal:
		return nil
	default:
		return fmt.Errorf("invalid environment %q", c.Environment)
	}
}

// Logger is a structured logger implementing log.Logger.
type Logger struct {
	logger *zap.Logger
}

var _ libLog.Logger = (*Logger)(nil)

// New builds a JSON logger for cfg and returns its runtime-adjustable level.
func New(cfg Config) (*Logger, zap.AtomicLevel, error) {
	if err := cfg.validate(); err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid zap config: %w", err)
	}

	level, err := resolveLevel(cfg)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}

	base := zap.NewProductionConfig()
	if cfg.Environment == EnvironmentDevelopment || cfg.Environment == EnvironmentLocal {
		base = zap.NewDevelopmentConfig()
	}

	base.Encoding = "json"
	base.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	base.DisableStacktrace = true
	base.Level = level

	built, err := base.Build(
		zap.AddCallerSkip(callerSkipFrames),
		zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, otelzap.NewCore(cfg.OTelLibraryName))
		}),
	)
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to build logger: %w", err)
	}

	return &Logger{logger: built}, level, nil
}

// NewFromZap wraps an existing zap logger.
func NewFromZap(logger *zap.Logger) *Logger {
	return &Logger{logger: logger}
}

func resolveLevel(cfg Config) (zap.AtomicLevel, error) {
	if strings.TrimSpace(cfg.Level) != "" {
		var parsed zapcore.Level
		if err := parsed.Set(cfg.Level); err != nil {
			return zap.AtomicLevel{}, fmt.Errorf("invalid level %q: %w", cfg.Level, err)
		}

		return zap.NewAtomicLevelAt(parsed), nil
	}

	if cfg.Environment == EnvironmentDevelopment || cfg.Environment == EnvironmentLocal {
		return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
	}

	return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
}

func (l *Logger) must() *zap.Logger {
	if l == nil || l.logger == nil {
		return zap.NewNop()
	}

	return l.logger
}

// Log writes msg at level. When ctx carries a valid span, trace_id and
// span_id are appended.
func (l *Logger) Log(ctx context.Context, level libLog.Level, msg string, fields ...libLog.Field) {
	zapFields := toZapFields(fields)

	if ctx != nil {
		if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
			zapFields = append(zapFields,
				zap.String("trace_id", sc.TraceID().String()),
				zap.String("span_id", sc.SpanID().String()),
			)
		}
	}

	if ce := l.must().Check(toZapLevel(level), msg); ce != nil {
		ce.Write(zapFields...)
	}
}

// With returns a child logger carrying fields.
//
//nolint:ireturn
func (l *Logger) With(fields ...libLog.Field) libLog.Logger {
	return &Logger{logger: l.must().With(toZapFields(fields)...)}
}

// WithGroup nests subsequent fields under name.
//
//nolint:ireturn
func (l *Logger) WithGroup(name string) libLog.Logger {
	return &Logger{logger: l.must().With(zap.Namespace(name))}
}

// Enabled reports whether level would be written.
func (l *Logger) Enabled(level libLog.Level) bool {
	return l.must().Core().Enabled(toZapLevel(level))
}

// Sync flushes buffered entries unless ctx ends first.
func (l *Logger) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)

	go func() {
		done <- l.must().Sync()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Raw returns the underlying zap logger.
func (l *Logger) Raw() *zap.Logger {
	return l.must()
}

func toZapLevel(level libLog.Level) zapcore.Level {
	switch level {
	case libLog.LevelDebug:
		return zapcore.DebugLevel
	case libLog.LevelWarn:
		return zapcore.WarnLevel
	case libLog.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func toZapFields(fields []libLog.Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))

	for _, f := range fields {
		if err, ok := f.Value.(error); ok && f.Key == "error" {
			out = append(out, zap.Error(err))
			continue
		}

		out = append(out, zap.Any(f.Key, f.Value))
	}

	return out
}
