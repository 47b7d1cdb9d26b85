// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/rallymail-backend/internal/app"
	"github.com/unclebandit/rallymail-backend/internal/config"
	"github.com/unclebandit/rallymail-backend/internal/controller"
	"github.com/unclebandit/rallymail-backend/internal/handler"
	"github.com/unclebandit/rallymail-backend/internal/logger"
)

func main() {
	cfg, err := config.LoadFromEnv(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fallback := logger.Init("info", false)
		fallback.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logger.Init(cfg.Log.Level, cfg.Log.Pretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	health := &handler.HealthHandler{
		Required: map[string]handler.Pinger{},
		Optional: map[string]handler.Pinger{},
	}
	if a.DB != nil {
		health.Required["database"] = a.DB
	}
	if a.Progress != nil {
		health.Optional["progress_cache"] = handler.PingFunc(a.Progress.Ping)
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: handler.NewRouter(handler.Deps{
			Campaigns:      controller.NewCampaignController(a.Campaigns, log),
			Subscribers:    controller.NewSubscriberController(a.Subscribers, log),
			Health:         health,
			Tokens:         cfg.Auth.Tokens,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Log:            log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Msg("🚀 Server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		log.Info().Msg("shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	})

	// the memory queue only exists in this process, so dispatch happens here
	if cfg.Queue.Driver == "memory" {
		worker := a.Worker()
		g.Go(func() error {
			if err := worker.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			if err := worker.Recover(gctx); err != nil {
				log.Error().Err(err).Msg("startup recovery failed")
			}
			return worker.Sweep(gctx)
		})
	} else if a.Progress == nil {
		log.Warn().Msg("⚠️ no progress cache configured, status reads hit the database")
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		return
	}
	log.Info().Msg("server stopped")
}
