// Package amqp wires the watermill-amqp publisher backing
// internal/adapter/notify's Exporter into the fx lifecycle, so the
// connection opens at startup and drains cleanly at shutdown.
package amqp

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	watermillamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/kbusd/kbusd/internal/adapter/notify"
	"go.uber.org/fx"
)

// Config is the subset of connection settings the exporter needs.
type Config struct {
	URI string
}

func NewPublisher(cfg Config, logger *slog.Logger) (message.Publisher, error) {
	wlogger := watermill.NewSlogLogger(logger)
	amqpCfg := watermillamqp.NewDurablePubSubConfig(cfg.URI, watermillamqp.GenerateQueueNameTopicName)
	return watermillamqp.NewPublisher(amqpCfg, wlogger)
}

func NewExporter(pub message.Publisher) notify.Exporter {
	return notify.NewWatermillExporter(pub)
}

var Module = fx.Module(
	"amqp-notify",

	fx.Provide(
		NewPublisher,
		NewExporter,
	),

	fx.Invoke(func(lc fx.Lifecycle, pub message.Publisher, logger *slog.Logger) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if err := pub.Close(); err != nil {
					logger.Error("amqp: publisher close failed", "error", err)
					return err
				}
				return nil
			},
		})
	}),
)
