package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/unclebandit/rallymail-backend/internal/db"
	appErrors "github.com/unclebandit/rallymail-backend/internal/errors"
	"github.com/unclebandit/rallymail-backend/internal/model"
)

// JobRepositoryInterface is the durable record store for campaign jobs.
type JobRepositoryInterface interface {
	// Create persists job with its recipient snapshot and attachments in PENDING.
	Create(ctx context.Context, job *model.CampaignJob) error
	GetByID(ctx context.Context, id int) (*model.CampaignJob, error)
	GetRecipients(ctx context.Context, id int) ([]model.Recipient, error)
	List(ctx context.Context, offset, limit int) ([]model.CampaignJob, int, error)

	// ListUnqueued returns PENDING jobs never handed to the queue, or handed
	// over more than olderThan ago.
	ListUnqueued(ctx context.Context, olderThan time.Duration) ([]int, error)
	// MarkQueued records that a PENDING job was handed to the queue.
	MarkQueued(ctx context.Context, id int) error

	// Claim moves a PENDING job to PROCESSING under owner's lease. ok is false
	// when another worker already owns it or it is no longer pending.
	Claim(ctx context.Context, id int, owner string) (job *model.CampaignJob, ok bool, err error)
	// Heartbeat renews owner's lease. ok is false once the job is no longer
	// PROCESSING under owner.
	Heartbeat(ctx context.Context, id int, owner string) (ok bool, err error)
	// FailExpired moves PROCESSING jobs whose lease was not renewed within
	// lease to FAILED and returns their IDs.
	FailExpired(ctx context.Context, lease time.Duration, errMsg string) ([]int, error)
	// RecordOutcome stores one outcome and bumps the counters in one transaction.
	RecordOutcome(ctx context.Context, outcome model.RecipientOutcome) (model.JobProgress, error)
	// Finish writes a terminal status and returns the status actually stored:
	// COMPLETED is downgraded to CANCELLED when cancellation was requested.
	Finish(ctx context.Context, id int, status model.JobStatus, errMsg string) (model.JobStatus, error)

	// RequestCancellation flags a non-terminal job; accepted is false when the job is already terminal.
	RequestCancellation(ctx context.Context, id int) (accepted bool, err error)
	IsCancellationRequested(ctx context.Context, id int) (bool, error)

	ListOutcomes(ctx context.Context, jobID int) ([]model.RecipientOutcome, error)
	ListOutcomesForJobs(ctx context.Context, jobIDs []int) (map[int][]model.RecipientOutcome, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const jobColumns = `id, subject, html_body, text_body, status, total_recipients, processed_count, sent_count,
        failed_count, error_message, cancellation_requested, created_by, created_at, started_at, completed_at`

func scanJob(row interface{ Scan(...any) error }) (*model.CampaignJob, error) {
	var j model.CampaignJob
	var status string
	var createdBy sql.NullInt64
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&j.ID, &j.Subject, &j.HTMLBody, &j.TextBody, &status, &j.TotalRecipients,
		&j.ProcessedCount, &j.SentCount, &j.FailedCount, &j.ErrorMessage, &j.CancellationRequested,
		&createdBy, &j.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if j.Status, err = model.ParseJobStatus(status); err != nil {
		return nil, fmt.Errorf("job %d: %w", j.ID, err)
	}
	if createdBy.Valid {
		id := int(createdBy.Int64)
		j.CreatedBy = &id
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	return &j, nil
}

// ====================== Job records ======================

func (r *CampaignRepository) Create(ctx context.Context, job *model.CampaignJob) error {
	job.Status = model.JobPending
	job.TotalRecipients = len(job.Recipients)
	job.ProcessedCount, job.SentCount, job.FailedCount = 0, 0, 0

	return db.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
            INSERT INTO campaign_jobs (subject, html_body, text_body, status, total_recipients, created_by)
            VALUES ($1, $2, $3, $4, $5, $6)
            RETURNING id, created_at
        `, job.Subject, job.HTMLBody, job.TextBody, string(job.Status), job.TotalRecipients, job.CreatedBy).
			Scan(&job.ID, &job.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, pq.CopyIn("job_recipients", "job_id", "position", "subscriber_id", "email"))
		if err != nil {
			return fmt.Errorf("prepare recipient copy: %w", err)
		}
		for _, rcpt := range job.Recipients {
			if _, err := stmt.ExecContext(ctx, job.ID, rcpt.Position, rcpt.SubscriberID, rcpt.Email); err != nil {
				stmt.Close()
				return fmt.Errorf("copy recipient %d: %w", rcpt.Position, err)
			}
		}
		if _, err := stmt.ExecContext(ctx); err != nil {
			stmt.Close()
			return fmt.Errorf("flush recipient copy: %w", err)
		}
		if err := stmt.Close(); err != nil {
			return err
		}

		for _, a := range job.Attachments {
			_, err := tx.ExecContext(ctx, `
                INSERT INTO job_attachments (job_id, filename, original_name, content_type, size, storage_key)
                VALUES ($1, $2, $3, $4, $5, $6)
            `, job.ID, a.Filename, a.OriginalName, a.ContentType, a.Size, a.StorageKey)
			if err != nil {
				return fmt.Errorf("insert attachment %s: %w", a.Filename, err)
			}
		}
		return nil
	})
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int) (*model.CampaignJob, error) {
	job, err := scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM campaign_jobs WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewJobNotFound(id)
		}
		return nil, err
	}
	if job.Attachments, err = r.attachments(ctx, id); err != nil {
		return nil, err
	}
	return job, nil
}

func (r *CampaignRepository) attachments(ctx context.Context, jobID int) ([]model.AttachmentRef, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT filename, original_name, content_type, size, storage_key
        FROM job_attachments WHERE job_id=$1 ORDER BY filename
    `, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refs := []model.AttachmentRef{}
	for rows.Next() {
		var a model.AttachmentRef
		if err := rows.Scan(&a.Filename, &a.OriginalName, &a.ContentType, &a.Size, &a.StorageKey); err != nil {
			return nil, err
		}
		refs = append(refs, a)
	}
	return refs, rows.Err()
}

func (r *CampaignRepository) GetRecipients(ctx context.Context, id int) ([]model.Recipient, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT position, subscriber_id, email FROM job_recipients WHERE job_id=$1 ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []model.Recipient{}
	for rows.Next() {
		var rc model.Recipient
		if err := rows.Scan(&rc.Position, &rc.SubscriberID, &rc.Email); err != nil {
			return nil, err
		}
		recipients = append(recipients, rc)
	}
	return recipients, rows.Err()
}

func (r *CampaignRepository) List(ctx context.Context, offset, limit int) ([]model.CampaignJob, int, error) {
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaign_jobs`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM campaign_jobs ORDER BY id DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	jobs := []model.CampaignJob{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, total, rows.Err()
}

func (r *CampaignRepository) ListUnqueued(ctx context.Context, olderThan time.Duration) ([]int, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT id FROM campaign_jobs
        WHERE status='PENDING' AND (queued_at IS NULL OR queued_at <= NOW() - make_interval(secs => $1))
        ORDER BY id
    `, olderThan.Seconds())
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (r *CampaignRepository) MarkQueued(ctx context.Context, id int) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE campaign_jobs SET queued_at=NOW() WHERE id=$1 AND status='PENDING'`, id)
	return err
}

func scanIDs(rows *sql.Rows) ([]int, error) {
	defer rows.Close()
	ids := []int{}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ====================== Dispatch ======================

func (r *CampaignRepository) Claim(ctx context.Context, id int, owner string) (*model.CampaignJob, bool, error) {
	row := r.DB.QueryRowContext(ctx, `
        UPDATE campaign_jobs
        SET status='PROCESSING', started_at=NOW(), claimed_by=$2, heartbeat_at=NOW()
        WHERE id=$1 AND status='PENDING'
        RETURNING `+jobColumns, id, owner)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		// either unknown or already claimed
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, false, getErr
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if job.Attachments, err = r.attachments(ctx, id); err != nil {
		return nil, false, err
	}
	return job, true, nil
}

func (r *CampaignRepository) Heartbeat(ctx context.Context, id int, owner string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE campaign_jobs SET heartbeat_at=NOW()
        WHERE id=$1 AND status='PROCESSING' AND claimed_by=$2
    `, id, owner)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *CampaignRepository) FailExpired(ctx context.Context, lease time.Duration, errMsg string) ([]int, error) {
	rows, err := r.DB.QueryContext(ctx, `
        UPDATE campaign_jobs
        SET status='FAILED', error_message=$2, completed_at=NOW()
        WHERE status='PROCESSING'
          AND (heartbeat_at IS NULL OR heartbeat_at < NOW() - make_interval(secs => $1))
        RETURNING id
    `, lease.Seconds(), errMsg)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (r *CampaignRepository) RecordOutcome(ctx context.Context, o model.RecipientOutcome) (model.JobProgress, error) {
	sent, failed := 0, 1
	if o.Success {
		sent, failed = 1, 0
	}
	if o.AttemptedAt.IsZero() {
		o.AttemptedAt = time.Now()
	}

	var p model.JobProgress
	err := db.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO job_outcomes (job_id, position, subscriber_id, email, success, error, attempted_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7)
        `, o.JobID, o.Position, o.SubscriberID, o.Email, o.Success, o.Error, o.AttemptedAt)
		if err != nil {
			return fmt.Errorf("insert outcome: %w", err)
		}

		var status string
		err = tx.QueryRowContext(ctx, `
            UPDATE campaign_jobs
            SET processed_count = processed_count + 1,
                sent_count = sent_count + $2,
                failed_count = failed_count + $3
            WHERE id=$1 AND status='PROCESSING'
            RETURNING status, subject, total_recipients, processed_count, sent_count, failed_count, cancellation_requested
        `, o.JobID, sent, failed).Scan(&status, &p.Subject, &p.TotalRecipients, &p.ProcessedCount,
			&p.SentCount, &p.FailedCount, &p.CancellationRequested)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("job %d is not processing", o.JobID)
		}
		if err != nil {
			return fmt.Errorf("update counters: %w", err)
		}
		p.Status = model.JobStatus(status)
		return nil
	})
	if err != nil {
		return model.JobProgress{}, err
	}
	p.JobID = o.JobID
	p.Progress = model.ProgressPercent(p.ProcessedCount, p.TotalRecipients)
	return p, nil
}

func (r *CampaignRepository) Finish(ctx context.Context, id int, status model.JobStatus, errMsg string) (model.JobStatus, error) {
	if !status.Terminal() {
		return "", fmt.Errorf("finish with non-terminal status %s", status)
	}
	var stored string
	err := r.DB.QueryRowContext(ctx, `
        UPDATE campaign_jobs
        SET status = CASE WHEN $2 = 'COMPLETED' AND cancellation_requested THEN 'CANCELLED' ELSE $2 END,
            error_message=$3,
            completed_at=NOW()
        WHERE id=$1 AND status='PROCESSING'
        RETURNING status
    `, id, string(status), errMsg).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		job, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return "", getErr
		}
		if !job.Status.Terminal() {
			return "", fmt.Errorf("job %d is %s and cannot move to %s", id, job.Status, status)
		}
		return job.Status, nil
	}
	if err != nil {
		return "", err
	}
	return model.JobStatus(stored), nil
}

// ====================== Cancellation ======================

func (r *CampaignRepository) RequestCancellation(ctx context.Context, id int) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE campaign_jobs SET cancellation_requested=TRUE
        WHERE id=$1 AND status IN ('PENDING', 'PROCESSING')
    `, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *CampaignRepository) IsCancellationRequested(ctx context.Context, id int) (bool, error) {
	var requested bool
	err := r.DB.QueryRowContext(ctx, `SELECT cancellation_requested FROM campaign_jobs WHERE id=$1`, id).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, appErrors.NewJobNotFound(id)
	}
	return requested, err
}

// ====================== Outcomes ======================

const outcomeColumns = `job_id, position, subscriber_id, email, success, error, attempted_at`

func (r *CampaignRepository) ListOutcomes(ctx context.Context, jobID int) ([]model.RecipientOutcome, error) {
	byJob, err := r.ListOutcomesForJobs(ctx, []int{jobID})
	if err != nil {
		return nil, err
	}
	if outcomes, ok := byJob[jobID]; ok {
		return outcomes, nil
	}
	return []model.RecipientOutcome{}, nil
}

func (r *CampaignRepository) ListOutcomesForJobs(ctx context.Context, jobIDs []int) (map[int][]model.RecipientOutcome, error) {
	out := map[int][]model.RecipientOutcome{}
	if len(jobIDs) == 0 {
		return out, nil
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+outcomeColumns+` FROM job_outcomes WHERE job_id = ANY($1) ORDER BY job_id, position`,
		pq.Array(jobIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var o model.RecipientOutcome
		if err := rows.Scan(&o.JobID, &o.Position, &o.SubscriberID, &o.Email, &o.Success, &o.Error, &o.AttemptedAt); err != nil {
			return nil, err
		}
		out[o.JobID] = append(out[o.JobID], o)
	}
	return out, rows.Err()
}

var _ JobRepositoryInterface = (*CampaignRepository)(nil)
