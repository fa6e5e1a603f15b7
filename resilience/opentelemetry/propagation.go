package opentelemetry

import (
	"context"
	"maps"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InjectMessageHeaders returns a copy of base with the W3C trace context
// of ctx added, ready to travel with a message.
func InjectMessageHeaders(ctx context.Context, base map[string]string) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := make(map[string]string, len(base)+len(carrier))
	maps.Copy(headers, base)
	maps.Copy(headers, carrier)

	return headers
}

// ExtractMessageHeaders returns ctx enriched with the trace context carried
// in headers.
func ExtractMessageHeaders(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}

	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// TableToHeaders keeps the string values of a broker header table.
func TableToHeaders(table map[string]any) map[string]string {
	headers := make(map[string]string, len(table))

	for k, v := range table {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}

	return headers
}

// HeadersToTable converts headers into a broker header table.
func HeadersToTable(headers map[string]string) map[string]any {
	table := make(map[string]any, len(headers))

	for k, v := range headers {
		table[k] = v
	}

	return table
}
