package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/kbusd/kbusd/config"
	"github.com/kbusd/kbusd/internal/adapter/notify"
	"github.com/kbusd/kbusd/internal/adapter/policy"
	"github.com/kbusd/kbusd/internal/busdir"
	"github.com/kbusd/kbusd/internal/dispatch"
	"github.com/kbusd/kbusd/internal/domain/bus"
	"github.com/kbusd/kbusd/internal/domain/endpoint"
	"github.com/kbusd/kbusd/internal/domain/model"
	"github.com/kbusd/kbusd/internal/handler/amqp"
	"github.com/kbusd/kbusd/internal/handler/grpcsrv"
	"github.com/kbusd/kbusd/internal/handler/httpserver"
	"github.com/kbusd/kbusd/internal/observability"
	"github.com/kbusd/kbusd/internal/service"
	"github.com/kbusd/kbusd/internal/svcdir"
	"go.uber.org/fx"
)

// NewApp assembles the fx graph for one mounted bus plus the transports
// fronting it: HTTP introspection and monitor websocket, a bare gRPC
// health/reflection server, and (when an AMQP URI is configured) the
// notification exporter.
func NewApp(cfg *config.Config) *fx.App {
	opts := []fx.Option{
		fx.Provide(
			func() *config.Config { return cfg },
			func() *slog.Logger { return observability.NewLogger(observability.LogConfigFrom(cfg)) },
			newPolicyOracle,
			newDispatcher,
			newBus,
			newEndpoint,
			func() httpserver.Config { return httpserver.Config{Addr: cfg.HTTPAddr} },
		),

		service.Module,
		httpserver.Module,

		fx.Invoke(registerBus, startGRPC),
	}

	if cfg.AMQPURI != "" {
		opts = append(opts,
			fx.Supply(amqp.Config{URI: cfg.AMQPURI}),
			amqp.Module,
		)
	} else {
		opts = append(opts, fx.Provide(func() notify.Exporter { return notify.NopExporter{} }))
	}

	return fx.New(opts...)
}

func newPolicyOracle(cfg *config.Config, logger *slog.Logger) (policy.Oracle, error) {
	switch cfg.PolicySource {
	case "", "allow-all":
		return policy.AllowAll{}, nil
	case "static":
		static := policy.NewStatic(nil)
		return policy.NewCached(static, cfg.PolicyCacheSize)
	default:
		logger.Warn("config: unknown policy_source, falling back to allow-all", "policy_source", cfg.PolicySource)
		return policy.AllowAll{}, nil
	}
}

func newDispatcher(exporter notify.Exporter) *dispatch.Dispatcher {
	return dispatch.New(exporter)
}

// busName returns the bus's name as spec's dotted-dash uid prefix
// requires: the process's own uid, dash, cfg.BusName.
func busName(cfg *config.Config) string {
	return fmt.Sprintf("%d-%s", os.Getuid(), cfg.BusName)
}

func newBus(cfg *config.Config, policyDB policy.Oracle, d *dispatch.Dispatcher) (*bus.Bus, error) {
	b, err := bus.New(busName(cfg), cfg.Domain, uint32(os.Getuid()), model.DefaultBloom, policyDB, nil, d.Hooks())
	if err != nil {
		return nil, err
	}
	d.Attach(b)
	return b, nil
}

func newEndpoint(cfg *config.Config, b *bus.Bus, policyDB policy.Oracle) *endpoint.Endpoint {
	return endpoint.New(endpoint.DefaultName, b, 0600, uint32(os.Getuid()), 0, policyDB)
}

func registerBus(cfg *config.Config, b *bus.Bus, svc service.Bus, buses *busdir.Directory, services *svcdir.Directory) {
	buses.Register(b)
	services.Register(busName(cfg), svc)
}

func startGRPC(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) {
	srv := grpcsrv.New(logger, cfg.GRPCAddr)
	lc.Append(fx.Hook{
		OnStart: srv.Start,
		OnStop:  srv.Stop,
	})
}
