package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentap/agentap/internal/common/config"
	"github.com/agentap/agentap/internal/common/logger"
	"github.com/agentap/agentap/internal/common/tracing"
	"github.com/agentap/agentap/internal/daemon"
	"github.com/agentap/agentap/internal/events"
	"github.com/agentap/agentap/internal/server"
)

func startCmd(configDir *string) *cobra.Command {
	var (
		port     int
		noTunnel bool
		apiURL   string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the daemon in the foreground",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runDaemon(resolveDir(configDir), port, noTunnel, apiURL)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides config)")
	cmd.Flags().BoolVar(&noTunnel, "no-tunnel", false, "skip the tunnel and advertise the LAN address")
	cmd.Flags().StringVar(&apiURL, "api-url", "", "remote API base URL (overrides config)")
	return cmd
}

func runDaemon(dir string, port int, noTunnel bool, apiURL string) error {
	// 1. Load configuration, flags win over the file
	cfg := config.LoadFromDir(dir)
	if port > 0 {
		cfg.Daemon.Port = port
	}
	if apiURL != "" {
		cfg.API.URL = apiURL
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Logging.ToLoggerConfig())
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agentap daemon...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Select the event bus (in-memory unless NATS is configured)
	provided, cleanup, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	// 5. Assemble and start the daemon
	d := daemon.New(cfg, daemon.Options{ConfigDir: dir, NoTunnel: noTunnel, Bus: provided.Bus}, log)
	if err := d.Start(ctx); err != nil {
		return err
	}

	// 6. Mirror bus events out to WebSocket clients
	server.RegisterEventStreamNotifications(ctx, provided.Bus, d.Server(), log)

	// 7. Wait for a shutdown signal or a client stop request
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("Shutting down agentap...", zap.String("signal", sig.String()))
	case <-d.ShutdownRequested():
		log.Info("Shutting down agentap on client request...")
	}
	cancel()

	// 8. Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := d.Stop(shutdownCtx); err != nil {
		log.Error("Daemon stop error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown error", zap.Error(err))
	}

	log.Info("agentap stopped")
	return nil
}
