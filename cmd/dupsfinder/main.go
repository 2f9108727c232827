package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"TopPhotos/internal/app"
	"TopPhotos/internal/config"
	"TopPhotos/internal/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.RunDupsFinder(ctx, cfg, logger); err != nil {
		logger.Error("duplicate detection failed", "error", err)
		os.Exit(1)
	}
}
