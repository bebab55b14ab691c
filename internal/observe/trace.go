package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/callbridge"

// Tracer returns the callbridge tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartCallSpan starts the root span of one call. The span's trace ID is the
// call identifier: [CallID] and [Logger] read it back from the returned
// context.
func StartCallSpan(ctx context.Context, provider, voice, language string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("callbridge.provider", provider),
			attribute.String("callbridge.voice", voice),
			attribute.String("callbridge.language", language),
		),
	)
}

// CallEvent adds a named event to the call span carried by ctx, e.g.
// "interrupted" or "directive". It is a no-op without a recording span.
func CallEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// FailCall marks span as failed with err. The span is not ended.
func FailCall(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// CallID returns the trace ID of the span in ctx, or "" if there is none.
func CallID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with call_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("call_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
