package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/camlink/camlink/agent"
	"github.com/camlink/camlink/config"
	"github.com/camlink/camlink/storage"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadAgent()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if info, err := os.Stat(cfg.RecordingsRoot); err != nil || !info.IsDir() {
		slog.Error("recordings root is not a directory", "path", cfg.RecordingsRoot, "error", err)
		os.Exit(1)
	}

	lib := storage.NewLibrary(cfg.RecordingsRoot, cfg.ListCacheTTL)
	defer lib.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("camlink agent starting",
		"device_id", cfg.DeviceID, "cameras", cfg.CameraIDs, "proxy", cfg.ProxyURL)

	if err := agent.New(cfg, lib).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("agent stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("agent stopped")
}
