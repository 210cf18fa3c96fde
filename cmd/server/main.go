package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dharsanguruparan/SoundDrop/internal/app"
	"github.com/dharsanguruparan/SoundDrop/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Configuration and logging.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := config.SetupLogger(cfg)
	logger.Info("starting sounddrop api",
		slog.String("store", cfg.Store),
		slog.String("sweep_mode", cfg.SweepMode),
	)

	// 2. Record store, object storage and event bus.
	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("open runtime", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer rt.Close()

	// 3. HTTP server, plus the sweeper when it runs in-process.
	if err := app.RunAPI(ctx, rt); err != nil {
		logger.Error("api stopped", slog.String("error", err.Error()))
		rt.Close()
		os.Exit(1)
	}
	logger.Info("sounddrop api stopped")
}
