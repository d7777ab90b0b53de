package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clauditor/clauditor/internal/config"
	"github.com/clauditor/clauditor/internal/daemon"
)

func newDaemonCmd() *cobra.Command {
	var configPath, heartbeatPath string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the monitoring loop until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath, heartbeatPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "/etc/clauditor/config.toml", "path to the TOML configuration file")
	cmd.Flags().StringVar(&heartbeatPath, "heartbeat", "/run/clauditor/heartbeat", "path to the liveness heartbeat file")
	return cmd
}

func runDaemon(configPath, heartbeatPath string) error {
	logger := newLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	d, err := daemon.New(cfg, heartbeatPath, logger)
	if err != nil {
		return fmt.Errorf("construct daemon: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger.Info("starting", slog.String("config", configPath))
	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	logger.Info("stopped")
	return nil
}
