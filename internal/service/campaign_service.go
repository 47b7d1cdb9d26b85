// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/rallymail-backend/internal/errors"
	"github.com/unclebandit/rallymail-backend/internal/model"
	"github.com/unclebandit/rallymail-backend/internal/queue"
	"github.com/unclebandit/rallymail-backend/internal/repository"
	"github.com/unclebandit/rallymail-backend/internal/storage"
)

// AttachmentStager is the part of storage.Stager the service needs.
type AttachmentStager interface {
	Stage(ctx context.Context, uploads []storage.Upload) (*storage.StagedBatch, error)
	Open(ctx context.Context, ref model.AttachmentRef) (io.ReadCloser, error)
	Discard(ctx context.Context, refs []model.AttachmentRef)
}

type CampaignService struct {
	JobRepo        repository.JobRepositoryInterface
	SubscriberRepo repository.SubscriberRepositoryInterface
	Stager         AttachmentStager
	Queue          queue.Queue
	Cache          ProgressCache

	log zerolog.Logger
}

func NewCampaignService(jobs repository.JobRepositoryInterface, subs repository.SubscriberRepositoryInterface,
	stager AttachmentStager, q queue.Queue, cache ProgressCache, log zerolog.Logger) *CampaignService {
	return &CampaignService{
		JobRepo:        jobs,
		SubscriberRepo: subs,
		Stager:         stager,
		Queue:          q,
		Cache:          cache,
		log:            log,
	}
}

type SubmitRequest struct {
	Subject      string
	HTMLBody     string
	TextBody     string
	RecipientIDs []int
	// AllActive addresses every active subscriber instead of RecipientIDs.
	AllActive   bool
	CreatedBy   *int
	Attachments []storage.Upload
}

type SubmitResult struct {
	JobID               int                   `json:"job_id"`
	TotalRecipients     int                   `json:"total_recipients"`
	Attachments         []model.AttachmentRef `json:"attachments"`
	RejectedAttachments []storage.Rejection   `json:"rejected_attachments,omitempty"`
}

type HistoryPage struct {
	Items      []model.CampaignSummary `json:"items"`
	Total      int                     `json:"total"`
	Page       int                     `json:"page"`
	PageSize   int                     `json:"page_size"`
	TotalPages int                     `json:"total_pages"`
}

// Submit validates the request, freezes the recipient list, stages the
// attachments and queues a new PENDING job. It never waits for delivery.
func (s *CampaignService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		return nil, appErrors.NewValidation("subject", "subject is required")
	}
	if strings.TrimSpace(req.HTMLBody) == "" {
		return nil, appErrors.NewValidation("body", "body is required")
	}

	recipients, err := s.resolveRecipients(ctx, req.RecipientIDs, req.AllActive)
	if err != nil {
		return nil, err
	}

	batch := &storage.StagedBatch{}
	if len(req.Attachments) > 0 {
		batch, err = s.Stager.Stage(ctx, req.Attachments)
		if err != nil {
			return nil, fmt.Errorf("attachment staging failed: %w", err)
		}
	}

	job := &model.CampaignJob{
		Subject:     subject,
		HTMLBody:    req.HTMLBody,
		TextBody:    req.TextBody,
		Attachments: batch.Accepted,
		Recipients:  recipients,
		CreatedBy:   req.CreatedBy,
	}
	if err := s.enqueue(ctx, job, batch.Accepted); err != nil {
		return nil, err
	}

	return &SubmitResult{
		JobID:               job.ID,
		TotalRecipients:     job.TotalRecipients,
		Attachments:         nonNil(batch.Accepted),
		RejectedAttachments: batch.Rejected,
	}, nil
}

// enqueue persists job and publishes it. staged files are discarded when the
// job could not be created. A job the queue refuses stays PENDING: the store
// is the durable record and the worker sweep queues it later.
func (s *CampaignService) enqueue(ctx context.Context, job *model.CampaignJob, staged []model.AttachmentRef) error {
	if strings.TrimSpace(job.TextBody) == "" {
		job.TextBody = PlainText(job.HTMLBody)
	}

	if err := s.JobRepo.Create(ctx, job); err != nil {
		s.Stager.Discard(context.WithoutCancel(ctx), staged)
		return fmt.Errorf("create campaign job: %w", err)
	}

	if err := s.Queue.Publish(ctx, job.ID); err != nil {
		s.log.Warn().Err(err).Int("job_id", job.ID).Msg("⚠️ campaign job not queued; left pending for the sweep")
		return nil
	}
	if err := s.JobRepo.MarkQueued(context.WithoutCancel(ctx), job.ID); err != nil {
		s.log.Warn().Err(err).Int("job_id", job.ID).Msg("failed to mark job queued")
	}

	s.log.Info().Int("job_id", job.ID).Int("total", job.TotalRecipients).Int("attachments", len(job.Attachments)).
		Msg("📩 campaign job queued")
	return nil
}

// resolveRecipients builds the frozen snapshot. Duplicate IDs keep their
// first position; any unknown or inactive ID rejects the request.
func (s *CampaignService) resolveRecipients(ctx context.Context, ids []int, allActive bool) ([]model.Recipient, error) {
	if allActive {
		subs, err := s.SubscriberRepo.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		if len(subs) == 0 {
			return nil, appErrors.NewValidation("recipient_ids", "there are no active subscribers")
		}
		out := make([]model.Recipient, len(subs))
		for i, sub := range subs {
			out[i] = model.Recipient{Position: i + 1, SubscriberID: sub.ID, Email: sub.Email}
		}
		return out, nil
	}

	unique := dedupe(ids)
	if len(unique) == 0 {
		return nil, appErrors.NewValidation("recipient_ids", "at least one recipient is required")
	}

	subs, err := s.SubscriberRepo.GetActiveByIDs(ctx, unique)
	if err != nil {
		return nil, err
	}
	byID := make(map[int]model.Subscriber, len(subs))
	for _, sub := range subs {
		byID[sub.ID] = sub
	}

	out := make([]model.Recipient, 0, len(unique))
	var missing []string
	for _, id := range unique {
		sub, ok := byID[id]
		if !ok {
			missing = append(missing, strconv.Itoa(id))
			continue
		}
		out = append(out, model.Recipient{Position: len(out) + 1, SubscriberID: id, Email: sub.Email})
	}
	if len(missing) > 0 {
		return nil, appErrors.NewValidation("recipient_ids",
			"unknown or inactive subscribers: "+strings.Join(missing, ", "))
	}
	return out, nil
}

func dedupe(ids []int) []int {
	seen := make(map[int]bool, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// GetStatus serves the cached snapshot when there is one and falls back to
// the job record.
func (s *CampaignService) GetStatus(ctx context.Context, jobID int) (*model.JobProgress, error) {
	if s.Cache != nil {
		p, err := s.Cache.Get(ctx, jobID)
		if err != nil {
			s.log.Warn().Err(err).Int("job_id", jobID).Msg("progress cache read failed")
		} else if p != nil {
			return p, nil
		}
	}

	job, err := s.JobRepo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	snap := job.Snapshot()
	return &snap, nil
}

// Cancel flags the job. accepted is false when the job had already finished.
func (s *CampaignService) Cancel(ctx context.Context, jobID int) (bool, error) {
	accepted, err := s.JobRepo.RequestCancellation(ctx, jobID)
	if err != nil {
		return false, err
	}
	if accepted {
		s.log.Info().Int("job_id", jobID).Msg("🛑 cancellation requested")
		if s.Cache != nil {
			if err := s.Cache.Delete(ctx, jobID); err != nil {
				s.log.Warn().Err(err).Int("job_id", jobID).Msg("failed to drop cached progress")
			}
		}
	}
	return accepted, nil
}

// History lists past jobs newest first. Jobs sent to more than one recipient
// carry their outcome list.
func (s *CampaignService) History(ctx context.Context, page, pageSize int) (*HistoryPage, error) {
	page, pageSize = clampPage(page, pageSize)
	offset := (page - 1) * pageSize

	jobs, total, err := s.JobRepo.List(ctx, offset, pageSize)
	if err != nil {
		return nil, err
	}

	var multi []int
	for _, j := range jobs {
		if j.TotalRecipients > 1 {
			multi = append(multi, j.ID)
		}
	}
	outcomes, err := s.JobRepo.ListOutcomesForJobs(ctx, multi)
	if err != nil {
		return nil, err
	}

	items := make([]model.CampaignSummary, len(jobs))
	for i, j := range jobs {
		items[i] = model.CampaignSummary{CampaignJob: j, Progress: j.Progress(), Outcomes: outcomes[j.ID]}
	}

	return &HistoryPage{
		Items:      items,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages(total, pageSize),
	}, nil
}

// Detail returns one job with its attachments and every recorded outcome.
func (s *CampaignService) Detail(ctx context.Context, jobID int) (*model.CampaignSummary, error) {
	job, err := s.JobRepo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	outcomes, err := s.JobRepo.ListOutcomes(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &model.CampaignSummary{CampaignJob: *job, Progress: job.Progress(), Outcomes: outcomes}, nil
}

// ResubmitFailed queues a new job with the same content and attachments,
// addressed to the recipients that failed in a finished job and are still
// active.
func (s *CampaignService) ResubmitFailed(ctx context.Context, jobID int, createdBy *int) (*SubmitResult, error) {
	job, err := s.JobRepo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.Terminal() {
		return nil, appErrors.NewValidation("status", "campaign is still "+strings.ToLower(string(job.Status)))
	}

	outcomes, err := s.JobRepo.ListOutcomes(ctx, jobID)
	if err != nil {
		return nil, err
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Position < outcomes[j].Position })
	var ids []int
	for _, o := range outcomes {
		if !o.Success {
			ids = append(ids, o.SubscriberID)
		}
	}
	if len(ids) == 0 {
		return nil, appErrors.NewValidation("recipient_ids", "campaign has no failed recipients")
	}

	subs, err := s.SubscriberRepo.GetActiveByIDs(ctx, dedupe(ids))
	if err != nil {
		return nil, err
	}
	active := make(map[int]model.Subscriber, len(subs))
	for _, sub := range subs {
		active[sub.ID] = sub
	}
	var recipients []model.Recipient
	for _, id := range dedupe(ids) {
		if sub, ok := active[id]; ok {
			recipients = append(recipients, model.Recipient{Position: len(recipients) + 1, SubscriberID: id, Email: sub.Email})
		}
	}
	if len(recipients) == 0 {
		return nil, appErrors.NewValidation("recipient_ids", "none of the failed recipients is still active")
	}

	retry := &model.CampaignJob{
		Subject:     job.Subject,
		HTMLBody:    job.HTMLBody,
		TextBody:    job.TextBody,
		Attachments: job.Attachments,
		Recipients:  recipients,
		CreatedBy:   createdBy,
	}
	// attachments belong to the original job too, never discard them here
	if err := s.enqueue(ctx, retry, nil); err != nil {
		return nil, err
	}
	return &SubmitResult{JobID: retry.ID, TotalRecipients: retry.TotalRecipients, Attachments: nonNil(retry.Attachments)}, nil
}

// OpenAttachment streams a stored attachment of a job.
func (s *CampaignService) OpenAttachment(ctx context.Context, jobID int, filename string) (*model.AttachmentRef, io.ReadCloser, error) {
	job, err := s.JobRepo.GetByID(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	for _, ref := range job.Attachments {
		if ref.Filename != filename {
			continue
		}
		rc, err := s.Stager.Open(ctx, ref)
		if errors.Is(err, storage.ErrBlobNotFound) {
			return nil, nil, appErrors.NewAttachmentNotFound(jobID, filename)
		}
		if err != nil {
			return nil, nil, err
		}
		ref := ref
		return &ref, rc, nil
	}
	return nil, nil, appErrors.NewAttachmentNotFound(jobID, filename)
}

func clampPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}

func totalPages(total, pageSize int) int {
	return (total + pageSize - 1) / pageSize
}

func nonNil(refs []model.AttachmentRef) []model.AttachmentRef {
	if refs == nil {
		return []model.AttachmentRef{}
	}
	return refs
}
