package main

import (
	"auction-engine/internal/app"
	"auction-engine/internal/config"
	"auction-engine/utils"
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		utils.Fatal("Failed to load config", map[string]any{"error": err.Error()})
	}
	utils.ConfigureLogger(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		utils.Fatal("Failed to build auction engine", map[string]any{"error": err.Error()})
	}

	if err := a.Run(ctx); err != nil {
		utils.Error("Auction server exited with error", map[string]any{"error": err.Error()})
		stop()
		os.Exit(1)
	}
}
