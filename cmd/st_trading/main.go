package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"st_trading/internal/bootstrap"
	"st_trading/internal/config"
)

func main() {
	// A missing .env is fine; credentials may already be in the
	// environment.
	_ = godotenv.Load()

	cfg, err := bootstrap.LoadConfig(config.DefaultConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	app, err := bootstrap.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start engine: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Engine stopped with error: %v\n", err)
		os.Exit(1)
	}
}
