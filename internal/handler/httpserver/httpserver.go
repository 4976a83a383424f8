// Package httpserver composes the chi-routed introspection and monitor
// handlers behind one net/http.Server and wires its start/stop into the
// fx lifecycle.
package httpserver

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kbusd/kbusd/internal/adapter/metadata"
	"github.com/kbusd/kbusd/internal/busdir"
	kbhttp "github.com/kbusd/kbusd/internal/handler/http"
	"github.com/kbusd/kbusd/internal/handler/ws"
	"github.com/kbusd/kbusd/internal/svcdir"
	"go.uber.org/fx"
)

type Config struct {
	Addr string
}

func New(cfg Config, logger *slog.Logger, introspect *kbhttp.Handler, monitor *ws.Handler) *http.Server {
	r := chi.NewRouter()
	r.Handle("/buses/{bus}/monitor", monitor.Routes())
	r.Mount("/", introspect.Routes())

	return &http.Server{Addr: cfg.Addr, Handler: r}
}

// Module provides the handlers and server, and runs it under fx's
// lifecycle the same way the teacher's grpc server module does.
var Module = fx.Module(
	"http-server",

	fx.Provide(
		busdir.New,
		svcdir.New,
		func() metadata.Collector { return metadata.HostCollector{} },
		kbhttp.New,
		ws.New,
		New,
	),

	fx.Invoke(func(lc fx.Lifecycle, srv *http.Server, logger *slog.Logger) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("httpserver: serve exited", "error", err)
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return srv.Shutdown(ctx)
			},
		})
	}),
)
