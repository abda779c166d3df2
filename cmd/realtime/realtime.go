// Package realtime implements the realtime alert engine command.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mtoivan/trailwatch-go/internal/api"
	"github.com/mtoivan/trailwatch-go/internal/conf"
	"github.com/mtoivan/trailwatch-go/internal/datastore"
	"github.com/mtoivan/trailwatch-go/internal/engine"
	"github.com/mtoivan/trailwatch-go/internal/logging"
	"github.com/mtoivan/trailwatch-go/internal/telemetry"
)

// Command returns the realtime subcommand.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "realtime",
		Short: "Run the alert engine in realtime mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(settings)
		},
	}
}

func run(settings *conf.Settings) error {
	logger := logging.ForService("realtime")
	if logger == nil {
		logger = slog.Default().With("service", "realtime")
	}

	store := datastore.New(settings)
	if store == nil {
		return fmt.Errorf("no datastore enabled, enable output.sqlite or output.mysql")
	}
	if err := store.Open(); err != nil {
		return fmt.Errorf("opening datastore: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing datastore", "error", err)
		}
	}()

	var metrics *telemetry.Metrics
	var endpoint *telemetry.Endpoint
	if settings.Telemetry.Enabled {
		m, registry := telemetry.NewMetrics()
		metrics = m
		endpoint = telemetry.NewEndpoint(settings.Telemetry, registry)
		endpoint.Start()
	}

	eng, err := engine.New(settings, store, metrics)
	if err != nil {
		return fmt.Errorf("assembling engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	controller := api.New(settings, store, eng)
	go func() {
		if err := controller.Start(); err != nil {
			logger.Error("api server stopped", "error", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := controller.Echo.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown", "error", err)
	}
	if endpoint != nil {
		if err := endpoint.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown", "error", err)
		}
	}
	eng.Stop()
	return nil
}
