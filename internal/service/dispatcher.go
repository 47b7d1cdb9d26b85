package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/unclebandit/rallymail-backend/internal/logger"
	"github.com/unclebandit/rallymail-backend/internal/mailer"
	"github.com/unclebandit/rallymail-backend/internal/model"
	"github.com/unclebandit/rallymail-backend/internal/repository"
)

const (
	// DefaultSendTimeout bounds a single recipient's send.
	DefaultSendTimeout = 30 * time.Second
	// DefaultLeaseTTL is how long a claimed job survives without a heartbeat
	// before another worker may fail it.
	DefaultLeaseTTL = 2 * time.Minute
)

// ProgressCache holds the latest snapshot of a job for status polls.
type ProgressCache interface {
	Put(ctx context.Context, p model.JobProgress) error
	Get(ctx context.Context, jobID int) (*model.JobProgress, error)
	Delete(ctx context.Context, jobID int) error
}

// AttachmentOpener reopens a staged attachment.
type AttachmentOpener interface {
	Open(ctx context.Context, ref model.AttachmentRef) (io.ReadCloser, error)
}

// DispatcherConfig tunes sending. Zero values fall back to the defaults above;
// a zero RatePerSecond disables rate limiting.
type DispatcherConfig struct {
	FromAddress   string
	FromName      string
	SendTimeout   time.Duration
	RatePerSecond float64
	LeaseTTL      time.Duration
}

// Dispatcher runs the recipient loop of campaign jobs. Many dispatchers may
// share the same stores; the claim in Run guarantees a job is processed by
// only one of them, and the claim is held as a lease renewed while it runs.
type Dispatcher struct {
	// ID owns the leases of the jobs this dispatcher claims.
	ID          string
	Jobs        repository.JobRepositoryInterface
	Subscribers repository.SubscriberRepositoryInterface
	Sender      mailer.Sender
	Attachments AttachmentOpener
	Cache       ProgressCache

	cfg DispatcherConfig
	log zerolog.Logger
}

func NewDispatcher(jobs repository.JobRepositoryInterface, subs repository.SubscriberRepositoryInterface,
	sender mailer.Sender, attachments AttachmentOpener, cache ProgressCache, cfg DispatcherConfig, log zerolog.Logger) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	return &Dispatcher{
		ID:          uuid.NewString(),
		Jobs:        jobs,
		Subscribers: subs,
		Sender:      sender,
		Attachments: attachments,
		Cache:       cache,
		cfg:         cfg,
		log:         log,
	}
}

// jobFault is a system-level error that ends the job as FAILED.
type jobFault struct {
	msg string
	err error
}

func (f *jobFault) Error() string { return f.msg + ": " + f.err.Error() }
func (f *jobFault) Unwrap() error { return f.err }

func fault(msg string, err error) *jobFault { return &jobFault{msg: msg, err: err} }

// Run claims jobID and processes it to a terminal state. A job that is
// already owned or finished is skipped without error.
func (d *Dispatcher) Run(ctx context.Context, jobID int) (err error) {
	job, ok, err := d.Jobs.Claim(ctx, jobID, d.ID)
	if err != nil {
		return fmt.Errorf("claim job %d: %w", jobID, err)
	}
	l := d.log.With().Int("job_id", jobID).Logger()
	if !ok {
		l.Debug().Msg("job already claimed or finished; skipping")
		return nil
	}

	start := time.Now()
	l.Info().Str("subject", job.Subject).Int("total", job.TotalRecipients).Msg("📨 campaign job started")
	d.cachePut(ctx, job.Snapshot(), l)

	runCtx, stop := context.WithCancel(ctx)
	beat := make(chan struct{})
	go func() {
		defer close(beat)
		d.heartbeat(runCtx, stop, job.ID, l)
	}()
	// the lease must stop renewing before the terminal status is written
	stopBeat := func() {
		stop()
		<-beat
	}
	defer stopBeat()

	defer func() {
		if r := recover(); r != nil {
			l.Error().Interface("panic", r).Msg("dispatcher panicked")
			stopBeat()
			d.finish(ctx, job.ID, model.JobFailed, fmt.Sprintf("internal error: %v", r), start, l)
			err = fmt.Errorf("job %d panicked: %v", jobID, r)
		}
	}()

	status, errMsg := model.JobCompleted, ""
	if f := d.process(runCtx, job, l); f != nil {
		status, errMsg = f.status, f.message
	}
	stopBeat()
	d.finish(ctx, job.ID, status, errMsg, start, l)
	return nil
}

// heartbeat renews the job's lease until ctx ends. Losing the lease means
// another worker has failed the job, so the run is stopped through lost.
func (d *Dispatcher) heartbeat(ctx context.Context, lost context.CancelFunc, jobID int, l zerolog.Logger) {
	ticker := time.NewTicker(d.cfg.LeaseTTL / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ok, err := d.Jobs.Heartbeat(ctx, jobID, d.ID)
		if err != nil {
			if ctx.Err() == nil {
				l.Warn().Err(err).Msg("failed to renew job lease")
			}
			continue
		}
		if !ok {
			l.Warn().Msg("⚠️ job lease lost; stopping")
			lost()
			return
		}
	}
}

type loopEnd struct {
	status  model.JobStatus
	message string
}

func (d *Dispatcher) process(ctx context.Context, job *model.CampaignJob, l zerolog.Logger) *loopEnd {
	failed := func(err error) *loopEnd {
		l.Error().Err(err).Msg("❌ campaign job aborted")
		return &loopEnd{status: model.JobFailed, message: err.Error()}
	}

	recipients, err := d.Jobs.GetRecipients(ctx, job.ID)
	if err != nil {
		return failed(fault("load recipients", err))
	}

	var limiter *rate.Limiter
	if d.cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(d.cfg.RatePerSecond), 1)
	}

	for _, rcpt := range recipients {
		cancelled, err := d.Jobs.IsCancellationRequested(ctx, job.ID)
		if err != nil {
			return failed(fault("check cancellation", err))
		}
		if cancelled {
			l.Info().Int("position", rcpt.Position).Msg("🛑 cancellation observed; stopping")
			return &loopEnd{status: model.JobCancelled}
		}
		if ctx.Err() != nil {
			return failed(fault("dispatcher stopped", ctx.Err()))
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return failed(fault("dispatcher stopped", err))
			}
		}

		outcome, err := d.deliver(ctx, job, rcpt)
		if err != nil {
			return failed(err)
		}

		progress, err := d.Jobs.RecordOutcome(ctx, outcome)
		if err != nil {
			return failed(fault("record progress", err))
		}
		if outcome.Success {
			if err := d.Subscribers.IncrementMailCount(ctx, rcpt.SubscriberID); err != nil {
				l.Warn().Err(err).Int("subscriber_id", rcpt.SubscriberID).Msg("failed to bump mail count")
			}
		} else {
			l.Warn().Str("to", logger.RedactEmail(rcpt.Email)).Str("error", outcome.Error).Msg("delivery failed")
		}
		d.cachePut(ctx, progress, l)
	}
	return nil
}

// deliver sends to one recipient. A returned error is system-level; a
// recipient failure is reported in the outcome.
func (d *Dispatcher) deliver(ctx context.Context, job *model.CampaignJob, rcpt model.Recipient) (model.RecipientOutcome, error) {
	outcome := model.RecipientOutcome{
		JobID:        job.ID,
		Position:     rcpt.Position,
		SubscriberID: rcpt.SubscriberID,
		Email:        rcpt.Email,
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	// attachments are reopened for every recipient
	var mu sync.Mutex
	var attErr error
	attachments := make([]mailer.Attachment, 0, len(job.Attachments))
	for _, ref := range job.Attachments {
		ref := ref
		attachments = append(attachments, mailer.Attachment{
			Filename:    ref.Filename,
			ContentType: ref.ContentType,
			Open: func() (io.ReadCloser, error) {
				rc, err := d.Attachments.Open(sendCtx, ref)
				if err != nil {
					mu.Lock()
					attErr = err
					mu.Unlock()
				}
				return rc, err
			},
		})
	}

	msg := buildMessage(job, rcpt, d.cfg.FromAddress, d.cfg.FromName, attachments)
	err := d.Sender.Send(sendCtx, msg)
	outcome.AttemptedAt = time.Now()

	mu.Lock()
	openErr := attErr
	mu.Unlock()

	switch {
	case err == nil:
		outcome.Success = true
	case openErr != nil:
		return outcome, fault("open attachment", openErr)
	case errors.Is(err, mailer.ErrUnavailable):
		return outcome, fault("mail service unavailable", err)
	case ctx.Err() != nil:
		return outcome, fault("dispatcher stopped", ctx.Err())
	case errors.Is(err, context.DeadlineExceeded):
		outcome.Error = fmt.Sprintf("send timed out after %s", d.cfg.SendTimeout)
	default:
		outcome.Error = err.Error()
	}
	return outcome, nil
}

// finish writes the terminal status even when ctx is already cancelled.
func (d *Dispatcher) finish(ctx context.Context, jobID int, status model.JobStatus, errMsg string, start time.Time, l zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)
	stored, err := d.Jobs.Finish(ctx, jobID, status, errMsg)
	if err != nil {
		l.Error().Err(err).Str("status", string(status)).Msg("failed to write terminal status")
		d.cacheDrop(ctx, jobID, l)
		return
	}

	job := d.settle(ctx, jobID, l)
	if job == nil {
		return
	}
	ev := l.Info()
	if job.FailedCount > 0 || stored == model.JobFailed {
		ev = l.Warn()
	}
	ev.Str("status", string(stored)).
		Int("total", job.TotalRecipients).
		Int("sent", job.SentCount).
		Int("failed", job.FailedCount).
		Dur("dur", time.Since(start)).
		Msg("✅ campaign job finished")
}

// settle replaces the cached snapshot of a finished job with the stored
// record. When either step fails the snapshot is dropped so status reads fall
// back to the store instead of serving a running state forever.
func (d *Dispatcher) settle(ctx context.Context, jobID int, l zerolog.Logger) *model.CampaignJob {
	job, err := d.Jobs.GetByID(ctx, jobID)
	if err != nil {
		l.Error().Err(err).Msg("failed to reload finished job")
		d.cacheDrop(ctx, jobID, l)
		return nil
	}
	if d.Cache != nil {
		if err := d.Cache.Put(ctx, job.Snapshot()); err != nil {
			l.Warn().Err(err).Msg("failed to cache final progress")
			d.cacheDrop(ctx, jobID, l)
		}
	}
	return job
}

func (d *Dispatcher) cacheDrop(ctx context.Context, jobID int, l zerolog.Logger) {
	if d.Cache == nil {
		return
	}
	if err := d.Cache.Delete(ctx, jobID); err != nil {
		l.Error().Err(err).Msg("failed to drop cached progress")
	}
}

func (d *Dispatcher) cachePut(ctx context.Context, p model.JobProgress, l zerolog.Logger) {
	if d.Cache == nil {
		return
	}
	if err := d.Cache.Put(ctx, p); err != nil {
		l.Warn().Err(err).Msg("failed to cache progress")
	}
}
