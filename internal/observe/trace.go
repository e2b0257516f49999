package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/xivoice"

type jobKey struct{}

// StartSpan starts a span on the global tracer provider. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// StartJob starts the root span of one utterance job and tags ctx with its
// token, so that every [Logger] derived from the returned context carries
// "job=<token>" even when tracing is not exported.
func StartJob(ctx context.Context, token string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx = context.WithValue(ctx, jobKey{}, token)
	attrs = append([]attribute.KeyValue{attribute.String("job.token", token)}, attrs...)
	return StartSpan(ctx, "job", trace.WithAttributes(attrs...))
}

// JobToken returns the token set by [StartJob], or "".
func JobToken(ctx context.Context) string {
	s, _ := ctx.Value(jobKey{}).(string)
	return s
}

// CorrelationID is the trace ID of the span in ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with the job token and trace ID found
// in ctx attached.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if tok := JobToken(ctx); tok != "" {
		l = l.With(slog.String("job", tok))
	}
	if cid := CorrelationID(ctx); cid != "" {
		l = l.With(slog.String("trace_id", cid))
	}
	return l
}
