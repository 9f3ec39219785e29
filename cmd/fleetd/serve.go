package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetops/agentops/config"
	"github.com/fleetops/agentops/runtimecore"
	"github.com/fleetops/agentops/telemetry"
)

// shutdownTimeout bounds how long fleetd waits for runtimecore.Shutdown
// to flush the journal, drain the query store, and tear down the bus
// before giving up and exiting anyway.
const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the fleetd daemon: streaming server, subscribers, and metrics endpoint",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := telemetry.NewClueLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := runtimecore.Initialize(ctx, cfg, logger); err != nil {
		return fmt.Errorf("initialize runtime: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "fleetd listening on %s:%d\n", cfg.Streaming.Host, cfg.Streaming.Port)

	<-ctx.Done()
	fmt.Fprintln(cmd.OutOrStdout(), "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := runtimecore.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown runtime: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "shutdown complete")
	return nil
}
