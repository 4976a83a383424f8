package service

import "go.uber.org/fx"

// Module provides the control-surface Bus service for fx-wired
// transports (http, ws, grpcsrv). The *endpoint.Endpoint and
// *dispatch.Dispatcher it depends on are supplied by the bus bootstrap
// module that actually constructs a bus.Bus and its default endpoint.
var Module = fx.Module(
	"service",

	fx.Provide(
		fx.Annotate(
			NewBus,
			fx.As(new(Bus)),
		),
	),
)
