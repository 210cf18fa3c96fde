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

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := config.SetupLogger(cfg)

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("open runtime", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer rt.Close()

	if err := app.RunWorker(ctx, rt); err != nil {
		logger.Error("worker stopped", slog.String("error", err.Error()))
		rt.Close()
		os.Exit(1)
	}
}
