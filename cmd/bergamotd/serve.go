package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CRJFisher/bergamot/internal/config"
	"github.com/CRJFisher/bergamot/internal/engine"
	"github.com/CRJFisher/bergamot/internal/telemetry"
)

var otlpEndpointFlag string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the engine and block until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cfg, _, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if otlpEndpointFlag != "" {
			cfg.OTLPEndpoint = otlpEndpointFlag
		}

		shutdownTelemetry, err := telemetry.Init(ctx, cfg.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() { _ = shutdownTelemetry(context.Background()) }()

		eng, err := engine.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("build engine: %w", err)
		}
		eng.Start(ctx)
		if err := eng.WatchConfig(configPath); err != nil {
			fmt.Fprintf(os.Stderr, "warning: config hot-reload disabled: %v\n", err)
		}

		fmt.Fprintf(os.Stderr, "bergamotd: serving (db=%s content=%s)\n", cfg.DBPath, cfg.ContentStorePath)
		<-ctx.Done()
		fmt.Fprintln(os.Stderr, "bergamotd: shutting down")
		return eng.Stop()
	},
}

func init() {
	serveCmd.Flags().StringVar(&otlpEndpointFlag, "otlp-endpoint", "", "OTLP metric exporter endpoint (default: stdout exporter)")
}
