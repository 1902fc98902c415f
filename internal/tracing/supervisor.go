package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const supervisorTracerName = "toolmux-supervisor"

func supervisorTracer() trace.Tracer {
	return Tracer(supervisorTracerName)
}

// TraceSend creates a span for a non-interactive send to a tool.
func TraceSend(ctx context.Context, tool string, commandLen int) (context.Context, trace.Span) {
	ctx, span := supervisorTracer().Start(ctx, "supervisor.send",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("tool", tool),
		attribute.Int("command_bytes", commandLen),
	)
	return ctx, span
}

// TraceAttach creates a span covering one attach/detach cycle.
func TraceAttach(ctx context.Context, tool string) (context.Context, trace.Span) {
	ctx, span := supervisorTracer().Start(ctx, "supervisor.attach",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.String("tool", tool))
	return ctx, span
}

// TraceForward creates a span for a cross-tool relay.
func TraceForward(ctx context.Context, fromTool, toTool string) (context.Context, trace.Span) {
	ctx, span := supervisorTracer().Start(ctx, "relay.forward",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("from_tool", fromTool),
		attribute.String("to_tool", toTool),
	)
	return ctx, span
}

// RecordResult records the outcome of an operation on its span.
func RecordResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
