package cmd

import (
	"context"
	"fmt"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"github.com/kbusd/kbusd/config"
	"github.com/kbusd/kbusd/internal/adapter/notify"
	"github.com/kbusd/kbusd/internal/domain/bus"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
)

// topCmd runs a live terminal dashboard over one bus's connections and
// per-connection queue depth, the interactive counterpart to the HTTP
// introspection endpoints for an operator at a terminal.
func topCmd() *cli.Command {
	return &cli.Command{
		Name:  "top",
		Usage: "Live terminal dashboard of connections and queue depth",
		Action: func(c *cli.Context) error {
			_, cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			var b *bus.Bus
			app := fx.New(
				fx.Provide(
					func() *config.Config { return cfg },
					func() notify.Exporter { return notify.NopExporter{} },
					newPolicyOracle,
					newDispatcher,
					newBus,
				),
				fx.Invoke(func(bb *bus.Bus) { b = bb }),
				fx.NopLogger,
			)

			if err := app.Start(c.Context); err != nil {
				return err
			}
			defer app.Stop(c.Context)

			return runDashboard(c.Context, b)
		},
	}
}

func runDashboard(ctx context.Context, b *bus.Bus) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("top: terminal init failed: %w", err)
	}
	defer ui.Close()

	table := widgets.NewTable()
	table.Title = fmt.Sprintf(" %s ", b.Name)
	table.Rows = [][]string{{"ID", "UID", "STATE", "QUEUE", "NAMES"}}
	table.SetRect(0, 0, 90, 30)
	table.RowSeparator = true

	render := func() {
		rows := [][]string{{"ID", "UID", "STATE", "QUEUE", "NAMES"}}
		for _, conn := range b.Connections() {
			rows = append(rows, []string{
				fmt.Sprintf("%d", conn.ID),
				fmt.Sprintf("%d", conn.UID),
				conn.State().String(),
				fmt.Sprintf("%d", conn.Queue.Len()),
				fmt.Sprintf("%v", conn.OwnedNames()),
			})
		}
		table.Rows = rows
		ui.Render(table)
	}

	render()

	uiEvents := ui.PollEvents()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-uiEvents:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			}
		case <-ticker.C:
			render()
		}
	}
}
