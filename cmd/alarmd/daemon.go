package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/alarmd/internal/api"
	"github.com/benaskins/alarmd/internal/config"
	"github.com/benaskins/alarmd/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the alarmd daemon",
	Long:  "Start the alarm daemon. Reschedules stored alarms, fetches missed notifications and listens on the event stream.",
	RunE:  runDaemon,
}

var (
	apiAddr    string
	configPath string
)

func init() {
	daemonCmd.Flags().StringVar(&apiAddr, "api-addr", "", "Optional TCP address for API (e.g. 127.0.0.1:9090)")
	daemonCmd.Flags().StringVar(&configPath, "config", config.DefaultPath(), "config file")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	home, err := alarmdHome()
	if err != nil {
		return fmt.Errorf("finding home dir: %w", err)
	}
	if err := os.MkdirAll(home, 0700); err != nil {
		return fmt.Errorf("creating %s: %w", home, err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if apiAddr == "" {
		apiAddr = cfg.APIAddr
	}

	slog.Info("alarmd daemon starting", "config", configPath, "database", cfg.Database)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	d, err := daemon.New(cfg, daemon.WithConfigPath(configPath), daemon.WithStateDir(home))
	if err != nil {
		return fmt.Errorf("creating daemon: %w", err)
	}
	if err := d.Start(ctx); err != nil {
		d.Stop()
		return fmt.Errorf("starting daemon: %w", err)
	}

	socketPath := defaultSocketPath()
	if err := os.MkdirAll(filepath.Dir(socketPath), 0700); err != nil {
		d.Stop()
		return fmt.Errorf("creating socket dir: %w", err)
	}

	srv := api.NewServer(d, ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenUnix(socketPath)
	}()

	if apiAddr != "" {
		go func() {
			if err := srv.ListenTCP(apiAddr); err != nil {
				slog.Error("TCP API error", "error", err)
			}
		}()
	}

	slog.Info("alarmd daemon ready", "socket", socketPath)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil {
			slog.Error("API server error", "error", err)
		}
	}

	// Graceful shutdown
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	d.Stop()
	os.Remove(socketPath)

	slog.Info("alarmd daemon stopped")
	return nil
}
