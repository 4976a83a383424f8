package observability

import (
	"context"
	"log/slog"
)

// fanoutHandler duplicates every record to both a local sink and the
// OpenTelemetry log bridge, so records remain readable locally (stderr
// or a rotated file) even when no collector is attached.
type fanoutHandler struct {
	local slog.Handler
	otel  slog.Handler
}

func (h fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.local.Enabled(ctx, level) || h.otel.Enabled(ctx, level)
}

func (h fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.local.Enabled(ctx, r.Level) {
		if err := h.local.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	if h.otel.Enabled(ctx, r.Level) {
		return h.otel.Handle(ctx, r.Clone())
	}
	return nil
}

func (h fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return fanoutHandler{local: h.local.WithAttrs(attrs), otel: h.otel.WithAttrs(attrs)}
}

func (h fanoutHandler) WithGroup(name string) slog.Handler {
	return fanoutHandler{local: h.local.WithGroup(name), otel: h.otel.WithGroup(name)}
}
