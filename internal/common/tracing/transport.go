package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TraceHTTPRequest starts a client span for an outbound API request.
// Returns the updated context and a finish func taking (statusCode, error).
func TraceHTTPRequest(ctx context.Context, method, path string) (context.Context, func(int, error)) {
	tracer := Tracer("agentap.remote")
	ctx, span := tracer.Start(ctx, "http."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.path", path),
		),
	)

	return ctx, func(statusCode int, err error) {
		span.SetAttributes(attribute.Int("http.status_code", statusCode))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if statusCode >= 400 {
			span.SetStatus(codes.Error, "http error")
		}
		span.End()
	}
}

// TraceAgentEvent records an internal span for a canonical agent event.
func TraceAgentEvent(ctx context.Context, eventType, sessionID string) {
	tracer := Tracer("agentap.events")
	_, span := tracer.Start(ctx, "agent.event",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("event_type", eventType),
			attribute.String("session_id", sessionID),
		),
	)
	span.End()
}
