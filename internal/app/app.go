// Package app wires the stores, queue and services shared by the server and
// worker binaries.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/unclebandit/rallymail-backend/internal/cache"
	"github.com/unclebandit/rallymail-backend/internal/config"
	"github.com/unclebandit/rallymail-backend/internal/db"
	"github.com/unclebandit/rallymail-backend/internal/mailer"
	"github.com/unclebandit/rallymail-backend/internal/queue"
	"github.com/unclebandit/rallymail-backend/internal/repository"
	"github.com/unclebandit/rallymail-backend/internal/repository/memstore"
	"github.com/unclebandit/rallymail-backend/internal/service"
	"github.com/unclebandit/rallymail-backend/internal/storage"
)

type App struct {
	Config      *config.Config
	DB          *sql.DB
	Redis       *redis.Client
	Progress    *cache.ProgressCache
	Queue       queue.Queue
	Stager      *storage.Stager
	Campaigns   *service.CampaignService
	Subscribers *service.SubscriberService
	Dispatcher  *service.Dispatcher

	jobs repository.JobRepositoryInterface
	log  zerolog.Logger
}

// New connects every dependency named in cfg. Redis is optional: when it is
// not configured or not reachable, status reads go to the database.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, log: log}

	var (
		jobs          repository.JobRepositoryInterface
		subs          repository.SubscriberRepositoryInterface
		verifications repository.VerificationSource
	)
	if cfg.Database.Driver == "memory" {
		log.Warn().Msg("⚠️ in-memory records: campaigns and subscribers are lost on restart")
		jobs, subs, verifications = memstore.NewJobStore(), memstore.NewSubscriberStore(), memstore.VerificationList(nil)
	} else {
		conn, err := db.Open(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns)
		if err != nil {
			return nil, err
		}
		a.DB = conn
		jobs = &repository.CampaignRepository{DB: conn}
		subs = &repository.SubscriberRepository{DB: conn}
		verifications = &repository.VerificationRepository{DB: conn}
	}
	a.jobs = jobs

	var progress service.ProgressCache
	if cfg.Redis.URL != "" {
		client, err := cache.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ progress cache disabled")
		} else {
			a.Redis = client
			a.Progress = cache.NewProgressCache(client, cfg.Redis.TTL())
			progress = a.Progress
		}
	}

	blobs, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.Stager = storage.NewStager(blobs, cfg.Storage.Prefix, cfg.Storage.MaxAttachmentBytes, log)

	sender, err := mailer.New(ctx, cfg.Mailer)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("mailer: %w", err)
	}

	a.Queue, err = queue.New(cfg.Queue, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("queue: %w", err)
	}

	a.Campaigns = service.NewCampaignService(jobs, subs, a.Stager, a.Queue, progress, log)
	a.Subscribers = service.NewSubscriberService(subs, verifications, log)
	a.Dispatcher = service.NewDispatcher(jobs, subs, sender, a.Stager, progress, service.DispatcherConfig{
		FromAddress:   cfg.Mailer.FromAddress,
		FromName:      cfg.Mailer.FromName,
		SendTimeout:   cfg.Mailer.SendTimeout(),
		RatePerSecond: cfg.Mailer.RatePerSecond,
		LeaseTTL:      cfg.Queue.LeaseTTL(),
	}, log)

	log.Info().Str("database", cfg.Database.Driver).Str("queue", cfg.Queue.Driver).Str("storage", cfg.Storage.Driver).Str("mailer", cfg.Mailer.Driver).
		Bool("progress_cache", a.Progress != nil).Msg("✅ dependencies ready")
	return a, nil
}

// Worker returns a dispatcher worker bound to the app's queue.
func (a *App) Worker() *service.Worker {
	return service.NewWorker(a.Queue, a.Dispatcher, a.jobs, a.Config.Queue.Workers, a.log)
}

func (a *App) Close() {
	if a.Queue != nil {
		a.Queue.Close()
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
