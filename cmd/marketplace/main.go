// Package main runs the marketplace server: the job, application, escrow
// and reputation lifecycle behind an authenticated HTTP API.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/R3E-Network/marketplace_layer/internal/app/runtime"
	"github.com/R3E-Network/marketplace_layer/internal/config"
	"github.com/R3E-Network/marketplace_layer/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	dsn := flag.String("dsn", "", "Postgres DSN (overrides config)")
	migrate := flag.Bool("migrate", false, "Apply database migrations on startup")
	flag.Parse()

	if *configPath == "" {
		*configPath = os.Getenv("MARKETPLACE_CONFIG")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}
	if *migrate {
		cfg.Database.Migrate = true
	}

	lg, err := logger.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}

	application, err := runtime.NewApplication(cfg, lg)
	if err != nil {
		lg.WithError(err).Fatal("failed to build application")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := application.Run(ctx)
	if runErr != nil {
		lg.WithError(runErr).Error("server stopped")
	}

	lg.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		lg.WithError(err).Error("shutdown")
	}
	if runErr != nil {
		os.Exit(1)
	}
}
