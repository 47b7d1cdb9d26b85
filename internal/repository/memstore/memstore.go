// Package memstore holds in-process implementations of the repository
// interfaces, used for local runs without Postgres and in tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	appErrors "github.com/unclebandit/rallymail-backend/internal/errors"
	"github.com/unclebandit/rallymail-backend/internal/model"
	"github.com/unclebandit/rallymail-backend/internal/repository"
)

type subscriberRow struct {
	model.Subscriber
	deleted bool
}

type SubscriberStore struct {
	mu     sync.RWMutex
	nextID int
	rows   map[int]*subscriberRow
}

func NewSubscriberStore() *SubscriberStore {
	return &SubscriberStore{nextID: 1, rows: map[int]*subscriberRow{}}
}

func (s *SubscriberStore) emailTaken(email string) bool {
	norm := model.NormalizeEmail(email)
	for _, r := range s.rows {
		if !r.deleted && model.NormalizeEmail(r.Email) == norm {
			return true
		}
	}
	return false
}

func (s *SubscriberStore) insert(sub *model.Subscriber) {
	sub.ID = s.nextID
	s.nextID++
	sub.MailCount = 0
	sub.CreatedAt = time.Now()
	cp := *sub
	s.rows[sub.ID] = &subscriberRow{Subscriber: cp}
}

func (s *SubscriberStore) List(_ context.Context, filter model.SubscriberFilter, offset, limit int) ([]model.Subscriber, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	matched := []model.Subscriber{}
	for _, r := range s.rows {
		if r.deleted {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(r.Email), search) &&
			!strings.Contains(strings.ToLower(r.FirstName), search) &&
			!strings.Contains(strings.ToLower(r.LastName), search) {
			continue
		}
		if filter.Source != "" && r.Source != filter.Source {
			continue
		}
		if filter.Active != nil && r.Active != *filter.Active {
			continue
		}
		matched = append(matched, r.Subscriber)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	return page(matched, offset, limit), len(matched), nil
}

func (s *SubscriberStore) GetByID(_ context.Context, id int) (*model.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[id]
	if !ok || r.deleted {
		return nil, appErrors.NewSubscriberNotFound(id)
	}
	cp := r.Subscriber
	return &cp, nil
}

func (s *SubscriberStore) Create(_ context.Context, sub *model.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emailTaken(sub.Email) {
		return appErrors.NewDuplicateSubscriber(sub.Email)
	}
	s.insert(sub)
	return nil
}

func (s *SubscriberStore) InsertIfAbsent(_ context.Context, sub *model.Subscriber) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emailTaken(sub.Email) {
		return false, nil
	}
	s.insert(sub)
	return true, nil
}

func (s *SubscriberStore) SetActive(_ context.Context, id int, active bool) (*model.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok || r.deleted {
		return nil, appErrors.NewSubscriberNotFound(id)
	}
	r.Active = active
	cp := r.Subscriber
	return &cp, nil
}

func (s *SubscriberStore) Delete(_ context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok || r.deleted {
		return appErrors.NewSubscriberNotFound(id)
	}
	r.deleted = true
	r.Active = false
	return nil
}

func (s *SubscriberStore) Stats(_ context.Context) (*model.SubscriberStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &model.SubscriberStats{BySource: map[model.SubscriberSource]int{}}
	for _, r := range s.rows {
		if r.deleted {
			continue
		}
		stats.Total++
		stats.BySource[r.Source]++
		if r.Active {
			stats.Active++
		}
	}
	return stats, nil
}

func (s *SubscriberStore) GetActiveByIDs(_ context.Context, ids []int) ([]model.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.Subscriber{}
	for _, id := range ids {
		if r, ok := s.rows[id]; ok && !r.deleted && r.Active {
			out = append(out, r.Subscriber)
		}
	}
	return out, nil
}

func (s *SubscriberStore) ListActive(_ context.Context) ([]model.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.Subscriber{}
	for _, r := range s.rows {
		if !r.deleted && r.Active {
			out = append(out, r.Subscriber)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *SubscriberStore) IncrementMailCount(_ context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[id]; ok {
		r.MailCount++
	}
	return nil
}

// MailCount reads the counter of a subscriber, deleted or not.
func (s *SubscriberStore) MailCount(id int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.rows[id]; ok {
		return r.MailCount
	}
	return 0
}

// VerificationList is a fixed VerificationSource.
type VerificationList []model.VerifiedContact

func (v VerificationList) ListVerified(context.Context) ([]model.VerifiedContact, error) {
	return append([]model.VerifiedContact(nil), v...), nil
}

type jobRow struct {
	job        model.CampaignJob
	recipients []model.Recipient
	outcomes   []model.RecipientOutcome

	queuedAt  time.Time
	owner     string
	heartbeat time.Time
}

// JobStore serializes every access to a job record behind one mutex, so a
// reader never sees counters from the middle of an update.
type JobStore struct {
	mu     sync.RWMutex
	nextID int
	jobs   map[int]*jobRow

	failRecord error
}

func NewJobStore() *JobStore {
	return &JobStore{nextID: 1, jobs: map[int]*jobRow{}}
}

// FailRecords makes every later RecordOutcome return err. Nil restores normal behaviour.
func (s *JobStore) FailRecords(err error) {
	s.mu.Lock()
	s.failRecord = err
	s.mu.Unlock()
}

func cloneJob(j model.CampaignJob) *model.CampaignJob {
	cp := j
	cp.Attachments = append([]model.AttachmentRef(nil), j.Attachments...)
	cp.Recipients = nil
	return &cp
}

func (s *JobStore) Create(_ context.Context, job *model.CampaignJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.ID = s.nextID
	s.nextID++
	job.Status = model.JobPending
	job.TotalRecipients = len(job.Recipients)
	job.ProcessedCount, job.SentCount, job.FailedCount = 0, 0, 0
	job.CreatedAt = time.Now()

	row := &jobRow{
		job:        *cloneJob(*job),
		recipients: append([]model.Recipient(nil), job.Recipients...),
	}
	s.jobs[job.ID] = row
	return nil
}

func (s *JobStore) GetByID(_ context.Context, id int) (*model.CampaignJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.jobs[id]
	if !ok {
		return nil, appErrors.NewJobNotFound(id)
	}
	return cloneJob(row.job), nil
}

func (s *JobStore) GetRecipients(_ context.Context, id int) ([]model.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.jobs[id]
	if !ok {
		return nil, appErrors.NewJobNotFound(id)
	}
	return append([]model.Recipient(nil), row.recipients...), nil
}

func (s *JobStore) List(_ context.Context, offset, limit int) ([]model.CampaignJob, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]model.CampaignJob, 0, len(s.jobs))
	for _, row := range s.jobs {
		all = append(all, *cloneJob(row.job))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	return page(all, offset, limit), len(all), nil
}

func (s *JobStore) ListUnqueued(_ context.Context, olderThan time.Duration) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().Add(-olderThan)
	ids := []int{}
	for id, row := range s.jobs {
		if row.job.Status == model.JobPending && (row.queuedAt.IsZero() || !row.queuedAt.After(cutoff)) {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

func (s *JobStore) MarkQueued(_ context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.jobs[id]; ok && row.job.Status == model.JobPending {
		row.queuedAt = time.Now()
	}
	return nil
}

func (s *JobStore) Claim(_ context.Context, id int, owner string) (*model.CampaignJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.jobs[id]
	if !ok {
		return nil, false, appErrors.NewJobNotFound(id)
	}
	if !row.job.Status.CanTransition(model.JobProcessing) {
		return nil, false, nil
	}
	now := time.Now()
	row.job.Status = model.JobProcessing
	row.job.StartedAt = &now
	row.owner, row.heartbeat = owner, now
	return cloneJob(row.job), true, nil
}

func (s *JobStore) Heartbeat(_ context.Context, id int, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.jobs[id]
	if !ok || row.job.Status != model.JobProcessing || row.owner != owner {
		return false, nil
	}
	row.heartbeat = time.Now()
	return true, nil
}

func (s *JobStore) FailExpired(_ context.Context, lease time.Duration, errMsg string) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	ids := []int{}
	for id, row := range s.jobs {
		if row.job.Status != model.JobProcessing || now.Sub(row.heartbeat) <= lease {
			continue
		}
		row.job.Status = model.JobFailed
		row.job.ErrorMessage = errMsg
		row.job.CompletedAt = &now
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func (s *JobStore) RecordOutcome(_ context.Context, o model.RecipientOutcome) (model.JobProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRecord != nil {
		return model.JobProgress{}, s.failRecord
	}
	row, ok := s.jobs[o.JobID]
	if !ok {
		return model.JobProgress{}, appErrors.NewJobNotFound(o.JobID)
	}
	if row.job.Status != model.JobProcessing {
		return model.JobProgress{}, fmt.Errorf("job %d is not processing", o.JobID)
	}
	if o.AttemptedAt.IsZero() {
		o.AttemptedAt = time.Now()
	}
	row.outcomes = append(row.outcomes, o)
	row.job.ProcessedCount++
	if o.Success {
		row.job.SentCount++
	} else {
		row.job.FailedCount++
	}
	return row.job.Snapshot(), nil
}

func (s *JobStore) Finish(_ context.Context, id int, status model.JobStatus, errMsg string) (model.JobStatus, error) {
	if !status.Terminal() {
		return "", fmt.Errorf("finish with non-terminal status %s", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.jobs[id]
	if !ok {
		return "", appErrors.NewJobNotFound(id)
	}
	if row.job.Status.Terminal() {
		return row.job.Status, nil
	}
	if !row.job.Status.CanTransition(status) {
		return "", fmt.Errorf("job %d is %s and cannot move to %s", id, row.job.Status, status)
	}
	if status == model.JobCompleted && row.job.CancellationRequested {
		status = model.JobCancelled
	}
	now := time.Now()
	row.job.Status = status
	row.job.ErrorMessage = errMsg
	row.job.CompletedAt = &now
	return status, nil
}

func (s *JobStore) RequestCancellation(_ context.Context, id int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.jobs[id]
	if !ok {
		return false, appErrors.NewJobNotFound(id)
	}
	if row.job.Status.Terminal() {
		return false, nil
	}
	row.job.CancellationRequested = true
	return true, nil
}

func (s *JobStore) IsCancellationRequested(_ context.Context, id int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.jobs[id]
	if !ok {
		return false, appErrors.NewJobNotFound(id)
	}
	return row.job.CancellationRequested, nil
}

func (s *JobStore) ListOutcomes(_ context.Context, jobID int) ([]model.RecipientOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.jobs[jobID]
	if !ok {
		return nil, appErrors.NewJobNotFound(jobID)
	}
	return append([]model.RecipientOutcome{}, row.outcomes...), nil
}

func (s *JobStore) ListOutcomesForJobs(_ context.Context, jobIDs []int) (map[int][]model.RecipientOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[int][]model.RecipientOutcome{}
	for _, id := range jobIDs {
		if row, ok := s.jobs[id]; ok && len(row.outcomes) > 0 {
			out[id] = append([]model.RecipientOutcome(nil), row.outcomes...)
		}
	}
	return out, nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if limit <= 0 || end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

var (
	_ repository.SubscriberRepositoryInterface = (*SubscriberStore)(nil)
	_ repository.JobRepositoryInterface        = (*JobStore)(nil)
	_ repository.VerificationSource            = VerificationList(nil)
)
