package opentelemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// HandleSpanError marks span as failed and records err.
func HandleSpanError(span trace.Span, message string, err error) {
	if span == nil || err == nil {
		return
	}

	span.SetStatus(codes.Error, message+": "+err.Error())
	span.RecordError(err)
}

// HandleSpanEvent adds a named event to span.
func HandleSpanEvent(span trace.Span, eventName string, attributes ...attribute.KeyValue) {
	if span == nil {
		return
	}

	span.AddEvent(eventName, trace.WithAttributes(attributes...))
}

// TraceIDFromSpan returns the trace id of span, or "" when it has none.
func TraceIDFromSpan(span trace.Span) string {
	if span == nil {
		return ""
	}

	sc := span.SpanContext()
	if !sc.IsValid() {
		return ""
	}

	return sc.TraceID().String()
}
