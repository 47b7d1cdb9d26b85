package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/rallymail-backend/internal/queue"
	"github.com/unclebandit/rallymail-backend/internal/repository"
)

const interruptedMessage = "interrupted by restart"

// Worker consumes job IDs from the queue and hands each to the dispatcher,
// up to Concurrency jobs at a time.
type Worker struct {
	ID          string
	Queue       queue.Queue
	Dispatcher  *Dispatcher
	Jobs        repository.JobRepositoryInterface
	Concurrency int

	log zerolog.Logger
}

// NewWorker returns a worker that shares the dispatcher's identity, so the
// leases it holds and the jobs it reaps are told apart from its siblings'.
func NewWorker(q queue.Queue, d *Dispatcher, jobs repository.JobRepositoryInterface, concurrency int, log zerolog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		ID:          d.ID,
		Queue:       q,
		Dispatcher:  d,
		Jobs:        jobs,
		Concurrency: concurrency,
		log:         log.With().Str("worker", d.ID[:8]).Logger(),
	}
}

// Recover runs once at startup. Every PENDING job is queued again, since the
// queue may have lost it with the previous process. PROCESSING jobs are only
// failed once their lease has expired: a sibling worker may still own them.
func (w *Worker) Recover(ctx context.Context) error {
	return w.reap(ctx, 0)
}

// Sweep repeats the recovery pass every LeaseTTL/2 until ctx is done. It picks
// up jobs whose owner died after startup and PENDING jobs the queue never
// accepted.
func (w *Worker) Sweep(ctx context.Context) error {
	lease := w.Dispatcher.cfg.LeaseTTL
	ticker := time.NewTicker(lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := w.reap(ctx, lease); err != nil && ctx.Err() == nil {
			w.log.Warn().Err(err).Msg("job sweep failed")
		}
	}
}

// reap fails expired PROCESSING jobs and republishes PENDING jobs that were
// not queued within requeueAfter.
func (w *Worker) reap(ctx context.Context, requeueAfter time.Duration) error {
	failed, err := w.Jobs.FailExpired(ctx, w.Dispatcher.cfg.LeaseTTL, interruptedMessage)
	if err != nil {
		return fmt.Errorf("fail expired jobs: %w", err)
	}
	for _, id := range failed {
		w.log.Warn().Int("job_id", id).Msg("⚠️ marked interrupted job as failed")
		if w.Dispatcher.Cache != nil {
			w.Dispatcher.settle(ctx, id, w.log.With().Int("job_id", id).Logger())
		}
	}

	pending, err := w.Jobs.ListUnqueued(ctx, requeueAfter)
	if err != nil {
		return fmt.Errorf("list unqueued jobs: %w", err)
	}
	requeued := 0
	for _, id := range pending {
		if err := w.Queue.Publish(ctx, id); err != nil {
			if errors.Is(err, queue.ErrQueueFull) {
				w.log.Warn().Int("left", len(pending)-requeued).Msg("queue full; remaining jobs wait for the next sweep")
				break
			}
			return fmt.Errorf("requeue job %d: %w", id, err)
		}
		if err := w.Jobs.MarkQueued(ctx, id); err != nil {
			w.log.Warn().Err(err).Int("job_id", id).Msg("failed to mark job queued")
		}
		requeued++
	}
	if len(failed)+requeued > 0 {
		w.log.Info().Int("failed", len(failed)).Int("requeued", requeued).Msg("job recovery pass done")
	}
	return nil
}

// Start blocks, processing jobs until ctx is done.
func (w *Worker) Start(ctx context.Context) error {
	w.log.Info().Int("concurrency", w.Concurrency).Msg("🚀 dispatcher worker running, waiting for jobs...")
	err := w.Queue.Consume(ctx, w.Concurrency, w.Dispatcher.Run)
	w.log.Info().Msg("dispatcher worker stopped")
	return err
}
