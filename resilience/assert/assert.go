// Package assert evaluates invariants without panicking. A failed assertion
// is logged, recorded on the active span and returned as an error.
package assert

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
	"github.com/LerianStudio/lib-resilience/resilience/internal/nilcheck"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrAssertionFailed is matched by every AssertionError.
var ErrAssertionFailed = errors.New("assertion failed")

const maxValueLength = 200

// AssertionError describes a failed assertion.
type AssertionError struct {
	Assertion string
	Message   string
	Component string
	Operation string
	Details   string
}

func (e *AssertionError) Error() string {
	if e == nil {
		return ErrAssertionFailed.Error()
	}

	if e.Details == "" {
		return "assertion failed: " + e.Message
	}

	return "assertion failed: " + e.Message + " (" + e.Details + ")"
}

func (e *AssertionError) Unwrap() error {
	return ErrAssertionFailed
}

// Asserter checks invariants for one component operation.
type Asserter struct {
	ctx       context.Context
	logger    libLog.Logger
	component string
	operation string
}

// New returns an Asserter labelled with component and operation.
func New(ctx context.Context, logger libLog.Logger, component, operation string) *Asserter {
	if ctx == nil {
		ctx = context.Background()
	}

	return &Asserter{ctx: ctx, logger: libLog.OrNop(logger), component: component, operation: operation}
}

// That fails when ok is false.
func (a *Asserter) That(ctx context.Context, ok bool, msg string, kv ...any) error {
	if ok {
		return nil
	}

	return a.fail(ctx, "That", msg, kv...)
}

// NotNil fails when v is nil, including typed nils.
func (a *Asserter) NotNil(ctx context.Context, v any, msg string, kv ...any) error {
	if !nilcheck.Is(v) {
		return nil
	}

	return a.fail(ctx, "NotNil", msg, kv...)
}

// NotEmpty fails when s is blank.
func (a *Asserter) NotEmpty(ctx context.Context, s, msg string, kv ...any) error {
	if strings.TrimSpace(s) != "" {
		return nil
	}

	return a.fail(ctx, "NotEmpty", msg, kv...)
}

// NoError fails when err is non-nil.
func (a *Asserter) NoError(ctx context.Context, err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}

	return a.fail(ctx, "NoError", msg, append([]any{"error", err.Error(), "error_type", fmt.Sprintf("%T", err)}, kv...)...)
}

// Never always fails. Use it on unreachable branches.
func (a *Asserter) Never(ctx context.Context, msg string, kv ...any) error {
	return a.fail(ctx, "Never", msg, kv...)
}

func (a *Asserter) fail(ctx context.Context, assertion, msg string, kv ...any) error {
	if ctx == nil {
		ctx = a.ctx
	}

	details := formatPairs(kv)

	a.logger.Log(ctx, libLog.LevelError, "assertion failed",
		libLog.String("assertion", assertion),
		libLog.String("component", a.component),
		libLog.String("operation", a.operation),
		libLog.String("message", msg),
		libLog.String("details", details),
	)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("assertion.failed", trace.WithAttributes(
			attribute.String("assertion.type", assertion),
			attribute.String("assertion.message", msg),
			attribute.String("assertion.component", a.component),
			attribute.String("assertion.operation", a.operation),
		))
	}

	return &AssertionError{
		Assertion: assertion,
		Message:   msg,
		Component: a.component,
		Operation: a.operation,
		Details:   details,
	}
}

func formatPairs(kv []any) string {
	if len(kv) == 0 {
		return ""
	}

	parts := make([]string, 0, (len(kv)+1)/2)

	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])

		value := "<missing>"
		if i+1 < len(kv) {
			value = truncate(kv[i+1])
		}

		parts = append(parts, key+"="+value)
	}

	return strings.Join(parts, " ")
}

func truncate(v any) string {
	s := fmt.Sprint(v)
	if len(s) <= maxValueLength {
		return s
	}

	return s[:maxValueLength] + "... (truncated " + strconv.Itoa(len(s)-maxValueLength) + " chars)"
}
