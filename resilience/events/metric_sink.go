package events

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterScope = "resilience.events"

type metricSink struct {
	total metric.Int64Counter
	delay metric.Float64Histogram
}

// NewMetricSink counts events by kind, name and outcome and records retry
// delays in milliseconds.
//
//nolint:ireturn
func NewMetricSink(provider metric.MeterProvider) (Sink, error) {
	if provider == nil {
		return nil, fmt.Errorf("events: meter provider is required")
	}

	meter := provider.Meter(meterScope)

	total, err := meter.Int64Counter(
		"resilience.events.total",
		metric.WithDescription("Resilience events by kind"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create events counter: %w", err)
	}

	delay, err := meter.Float64Histogram(
		"resilience.retry.delay",
		metric.WithDescription("Delay before a retry attempt"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create delay histogram: %w", err)
	}

	return &metricSink{total: total, delay: delay}, nil
}

func (s *metricSink) Emit(ev Event) {
	ctx := context.Background()

	attrs := []attribute.KeyValue{
		attribute.String("kind", string(ev.Kind)),
		attribute.String("name", ev.Name),
	}

	if ev.Outcome != "" {
		attrs = append(attrs, attribute.String("outcome", ev.Outcome))
	}

	if ev.To != "" {
		attrs = append(attrs, attribute.String("to", ev.To))
	}

	s.total.Add(ctx, 1, metric.WithAttributes(attrs...))

	if ev.Kind == KindRetryAttempt && ev.Delay > 0 {
		s.delay.Record(ctx, float64(ev.Delay.Microseconds())/1000, metric.WithAttributes(attribute.String("name", ev.Name)))
	}
}
