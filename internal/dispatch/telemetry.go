package dispatch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// tracer and meter use the global otel providers: a no-op recorder by
// default, real instrumentation once the process registers an SDK.
// There is no dispatch-specific reason to thread these through
// dependency injection when the global accessors already give every
// call site working instrumentation for free.
var (
	tracer = otel.Tracer("github.com/kbusd/kbusd/internal/dispatch")
	meter  = otel.Meter("github.com/kbusd/kbusd/internal/dispatch")

	quotaRejections, _ = meter.Int64Counter(
		"kbusd.dispatch.quota_rejections",
		metric.WithDescription("messages rejected by a destination's queue admission quota"),
	)
)

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func recordQuotaRejection(ctx context.Context, reason string) {
	quotaRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
