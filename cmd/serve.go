package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lemonhq/lemon/internal/config"
	"github.com/lemonhq/lemon/internal/gateway"
	"github.com/lemonhq/lemon/internal/store"
	"github.com/lemonhq/lemon/internal/supervisor"
	"github.com/lemonhq/lemon/internal/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session runtime and event gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		slog.Error("serve.config_failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("serve.telemetry_failed", "error", err)
		os.Exit(1)
	}

	stateDir := config.ExpandHome(cfg.Stores.Dir)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		slog.Error("serve.state_dir_failed", "dir", stateDir, "error", err)
		os.Exit(1)
	}

	procs, err := store.OpenProcessStore(stateDir, cfg.Stores.MaxLogLines)
	if err != nil {
		slog.Error("serve.process_store_failed", "error", err)
		os.Exit(1)
	}
	tasks, err := store.OpenTaskStore(stateDir)
	if err != nil {
		slog.Error("serve.task_store_failed", "error", err)
		os.Exit(1)
	}

	janitor := &store.Janitor{
		Processes:  procs,
		Tasks:      tasks,
		Cron:       cfg.Stores.CleanupCron,
		ProcessTTL: time.Duration(cfg.Stores.ProcessTTLSeconds) * time.Second,
		TaskTTL:    time.Duration(cfg.Stores.TaskTTLSeconds) * time.Second,
	}
	go janitor.Run(ctx)

	sup := supervisor.New()

	slog.Info("serve.started", "state_dir", stateDir, "gateway_enabled", cfg.Gateway.Enabled)

	if cfg.Gateway.Enabled {
		gw := gateway.NewServer(cfg.Gateway, sup)
		if err := gw.Start(ctx); err != nil {
			slog.Error("serve.gateway_failed", "error", err)
		}
	} else {
		<-ctx.Done()
	}

	// Shutdown: sessions first so they flush terminal frames, then stores.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sup.StopAll(shutdownCtx)
	procs.Close()
	tasks.Close()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("serve.telemetry_shutdown", "error", err)
	}
	slog.Info("serve.stopped")
}

// secretsPath is where the encrypted secret store lives for a state dir.
func secretsPath(stateDir string) string {
	return filepath.Join(stateDir, "secrets.json")
}
