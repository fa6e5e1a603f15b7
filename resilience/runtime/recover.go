package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
	"github.com/LerianStudio/lib-resilience/resilience/internal/nilcheck"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrPanic is the error recorded on spans when a panic is recovered.
var ErrPanic = errors.New("panic")

// PanicSpanEventName is the span event added for every recovered panic.
const PanicSpanEventName = "panic.recovered"

const meterName = "resilience.runtime"

// PanicPolicy decides what happens after a panic is logged.
type PanicPolicy int

const (
	// KeepRunning swallows the panic.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after recording.
	CrashProcess
)

// RecoverAndLog must be deferred directly. It recovers a panic, records it
// and applies policy.
func RecoverAndLog(ctx context.Context, logger libLog.Logger, component, name string, policy PanicPolicy) {
	if recovered := recover(); recovered != nil {
		HandlePanicValue(ctx, logger, recovered, component, name)

		if policy == CrashProcess {
			panic(recovered)
		}
	}
}

// HandlePanicValue records a panic value that was already recovered.
func HandlePanicValue(ctx context.Context, logger libLog.Logger, value any, component, name string) {
	if value == nil {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	stack := debug.Stack()

	if !nilcheck.Is(logger) {
		logger.Log(ctx, libLog.LevelError, "panic recovered",
			libLog.String("component", component),
			libLog.String("goroutine", name),
			libLog.String("panic", fmt.Sprint(value)),
			libLog.String("stack", string(stack)),
		)
	}

	RecordPanicToSpan(ctx, value, stack, component, name)
	recordPanicMetric(ctx, component, name)
}

// SafeGo runs fn in a goroutine that never takes the process down under
// KeepRunning.
func SafeGo(ctx context.Context, logger libLog.Logger, component, name string, policy PanicPolicy, fn func(context.Context)) {
	go func() {
		defer RecoverAndLog(ctx, logger, component, name, policy)

		fn(ctx)
	}()
}

// RecordPanicToSpan adds a panic event to the span in ctx and marks it failed.
func RecordPanicToSpan(ctx context.Context, value any, stack []byte, component, name string) {
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.AddEvent(PanicSpanEventName, trace.WithAttributes(
		attribute.String("panic.value", fmt.Sprint(value)),
		attribute.String("panic.stack", string(stack)),
		attribute.String("panic.component", component),
		attribute.String("panic.goroutine_name", name),
	))
	span.RecordError(fmt.Errorf("%w: %v", ErrPanic, value))
	span.SetStatus(codes.Error, "panic recovered in "+name)
}

func recordPanicMetric(ctx context.Context, component, name string) {
	counter, err := otel.GetMeterProvider().Meter(meterName).Int64Counter(
		"panic_recovered_total",
		metric.WithDescription("Total number of recovered panics"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return
	}

	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("goroutine_name", name),
	))
}
