package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for control plane spans.
var (
	AttrDeviceID        = attribute.Key("constellation.device.id")
	AttrTaskID          = attribute.Key("constellation.task.id")
	AttrConstellationID = attribute.Key("constellation.id")
	AttrSessionID       = attribute.Key("constellation.session.id")
	AttrEdgeFrom        = attribute.Key("constellation.edge.from")
	AttrEdgeTo          = attribute.Key("constellation.edge.to")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call to a device through the relay.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
