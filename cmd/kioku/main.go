package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kioku/internal/kioku/app"
	"github.com/bdobrica/kioku/internal/kioku/config"
	"github.com/bdobrica/kioku/internal/kioku/observability"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCMD().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globals are the flags shared by every subcommand.
type globals struct {
	configPath string
}

func rootCMD() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "kioku",
		Short:         "Ingest conversation history into long-term memory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", os.Getenv("KIOKU_CONFIG"), "path to the YAML config file")

	root.AddCommand(ingestCMD(g), retryCMD(g), versionCMD())
	return root
}

// open loads the configuration, sets up logging and wires the application.
// The returned cleanup stops the metrics server and closes the app.
func (g *globals) open(ctx context.Context) (*app.App, *config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	logger := observability.Setup(cfg.Log.Level, cfg.Log.Format)

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	stopMetrics := func() {}
	if cfg.Metrics.Addr != "" {
		stop, err := a.Metrics().Serve(ctx, cfg.Metrics.Addr, logger)
		if err != nil {
			_ = a.Close()
			return nil, nil, nil, nil, err
		}
		stopMetrics = stop
	}

	cleanup := func() {
		stopMetrics()
		if err := a.Close(); err != nil {
			logger.Warn("close failed", "err", err)
		}
	}
	return a, cfg, logger, cleanup, nil
}
