package outbox

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "resilience.outbox.dispatcher"

type dispatcherMetrics struct {
	recordsDispatched  metric.Int64Counter
	recordsRetried     metric.Int64Counter
	recordsFailed      metric.Int64Counter
	recordsStateFailed metric.Int64Counter
	dispatchLatency    metric.Float64Histogram
	batchSize          metric.Int64Gauge
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(meterName)

	var (
		metrics dispatcherMetrics
		err     error
	)

	metrics.recordsDispatched, err = meter.Int64Counter(
		"outbox.records.dispatched",
		metric.WithDescription("Number of outbox records published and marked dispatched"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.records.dispatched counter: %w", err)
	}

	metrics.recordsRetried, err = meter.Int64Counter(
		"outbox.records.retried",
		metric.WithDescription("Number of failed publishes left pending for another attempt"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.records.retried counter: %w", err)
	}

	metrics.recordsFailed, err = meter.Int64Counter(
		"outbox.records.failed",
		metric.WithDescription("Number of outbox records that became FAILED"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.records.failed counter: %w", err)
	}

	metrics.recordsStateFailed, err = meter.Int64Counter(
		"outbox.records.state_update_failed",
		metric.WithDescription("Number of outbox records whose state could not be persisted after publish"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.records.state_update_failed counter: %w", err)
	}

	metrics.dispatchLatency, err = meter.Float64Histogram(
		"outbox.dispatch.latency",
		metric.WithDescription("Time taken per dispatch tick"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.dispatch.latency histogram: %w", err)
	}

	metrics.batchSize, err = meter.Int64Gauge(
		"outbox.dispatch.batch_size",
		metric.WithDescription("Number of due records selected in the last tick"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.dispatch.batch_size gauge: %w", err)
	}

	return metrics, nil
}

func (m dispatcherMetrics) record(ctx context.Context, result DispatchResult, selected int, latencySeconds float64) {
	add := func(counter metric.Int64Counter, n int) {
		if counter != nil && n > 0 {
			counter.Add(ctx, int64(n))
		}
	}

	add(m.recordsDispatched, result.Published)
	add(m.recordsRetried, result.Retried)
	add(m.recordsFailed, result.Failed)
	add(m.recordsStateFailed, result.StateUpdateFailed)

	if m.batchSize != nil {
		m.batchSize.Record(ctx, int64(selected))
	}

	if m.dispatchLatency != nil {
		m.dispatchLatency.Record(ctx, latencySeconds)
	}
}
