package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kbusd/kbusd/config"
	"github.com/spf13/pflag"
	"github.com/urfave/cli/v2"
)

const (
	ServiceName      = "kbusd"
	ServiceNamespace = "kbusd"
)

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branch         = "branch"
	buildTimestamp = ""
)

func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "A userspace, in-process message bus",
		Commands: []*cli.Command{
			serverCmd(),
			topCmd(),
		},
	}

	return app.Run(os.Args)
}

// loadConfig builds a pflag.FlagSet from the arguments a cli.Command
// leaves unconsumed and runs them through config.NewLoader: the command
// layer only routes subcommands, the flag and hot-reload machinery
// belongs entirely to config.
func loadConfig(c *cli.Context) (*config.Loader, *config.Config, error) {
	fs := pflag.NewFlagSet(c.Command.Name, pflag.ContinueOnError)
	loader, err := config.NewLoader(fs)
	if err != nil {
		return nil, nil, err
	}
	if err := fs.Parse(c.Args().Slice()); err != nil {
		return nil, nil, err
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return loader, cfg, nil
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run the bus, its transports, and the notification exporter",
		Action: func(c *cli.Context) error {
			loader, cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			logger := slog.Default()
			loader.Watch(logger)

			app := NewApp(cfg)
			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return app.Stop(ctx)
		},
	}
}
