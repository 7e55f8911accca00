package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/infrastructure/monitoring"
	"github.com/turtacn/paygate/pkg/logger"
)

func main() {
	// Load config. PAYGATE_CONFIG names the file; otherwise config.yaml is searched for.
	cfg, err := config.LoadConfig(os.Getenv("PAYGATE_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLogger, err := monitoring.NewZapLogger(&cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize paygate", err)
	}

	if err := app.run(ctx); err != nil {
		appLogger.Error(context.Background(), "paygate stopped with error", err)
		os.Exit(1)
	}
	appLogger.Info(context.Background(), "paygate stopped", logger.String("instance_id", app.instanceID))
}
