package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/unclebandit/rallymail-backend/internal/app"
	"github.com/unclebandit/rallymail-backend/internal/config"
	"github.com/unclebandit/rallymail-backend/internal/logger"
)

// The standalone worker consumes campaign jobs from RabbitMQ. With the memory
// queue the API server dispatches in-process instead.
func main() {
	cfg, err := config.LoadFromEnv(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fallback := logger.Init("info", false)
		fallback.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logger.Init(cfg.Log.Level, cfg.Log.Pretty)

	if cfg.Queue.Driver != "amqp" {
		log.Fatal().Str("driver", cfg.Queue.Driver).Msg("the worker needs queue.driver=amqp")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	worker := a.Worker()
	if err := worker.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("startup recovery failed")
	}

	// several worker processes may run side by side; each sweeps for jobs
	// whose owner stopped renewing its lease
	go func() { _ = worker.Sweep(ctx) }()

	if err := worker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker stopped with error")
		return
	}
	log.Info().Msg("👋 worker stopped")
}
