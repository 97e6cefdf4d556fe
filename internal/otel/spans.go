package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for chorus spans.
var (
	AttrSessionID    = attribute.Key("chorus.session.id")
	AttrConversation = attribute.Key("chorus.conversation.uuid")
	AttrLogFile      = attribute.Key("chorus.log.file")
	AttrMessageCount = attribute.Key("chorus.message.count")
	AttrEventKind    = attribute.Key("chorus.event.kind")
	AttrQuery        = attribute.Key("chorus.search.query")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (dashboard API).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
