package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/rallymail-backend/internal/errors"
	"github.com/unclebandit/rallymail-backend/internal/model"
)

func newJob(t *testing.T, s *JobStore, n int) *model.CampaignJob {
	t.Helper()
	job := &model.CampaignJob{Subject: "Race Update", HTMLBody: "<p>go</p>"}
	for i := 1; i <= n; i++ {
		job.Recipients = append(job.Recipients, model.Recipient{Position: i, SubscriberID: i, Email: "r@example.com"})
	}
	require.NoError(t, s.Create(context.Background(), job))
	return job
}

func TestJobStoreClaimOnlyOnce(t *testing.T) {
	s := NewJobStore()
	job := newJob(t, s, 3)

	var wg sync.WaitGroup
	var mu sync.Mutex
	claims := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Claim(context.Background(), job.ID, "w1")
			if err == nil && ok {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claims)
}

func TestJobStoreCountersAndFinish(t *testing.T) {
	ctx := context.Background()
	s := NewJobStore()
	job := newJob(t, s, 2)

	_, err := s.RecordOutcome(ctx, model.RecipientOutcome{JobID: job.ID, Position: 1, Success: true})
	require.Error(t, err, "outcomes are refused before the job is claimed")

	_, _, err = s.Claim(ctx, job.ID, "w1")
	require.NoError(t, err)

	p, err := s.RecordOutcome(ctx, model.RecipientOutcome{JobID: job.ID, Position: 1, Success: true})
	require.NoError(t, err)
	assert.Equal(t, 50, p.Progress)

	p, err = s.RecordOutcome(ctx, model.RecipientOutcome{JobID: job.ID, Position: 2, Error: "rejected"})
	require.NoError(t, err)
	assert.Equal(t, 2, p.ProcessedCount)
	assert.Equal(t, 1, p.FailedCount)

	stored, err := s.Finish(ctx, job.ID, model.JobCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, stored)

	// terminal jobs ignore later writes
	stored, err = s.Finish(ctx, job.ID, model.JobFailed, "late")
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, stored)

	accepted, err := s.RequestCancellation(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, accepted)

	got, err := s.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
	assert.False(t, got.CancellationRequested)
	assert.Empty(t, got.ErrorMessage)
}

func TestJobStoreFinishDowngradesToCancelled(t *testing.T) {
	ctx := context.Background()
	s := NewJobStore()
	job := newJob(t, s, 1)
	_, _, _ = s.Claim(ctx, job.ID, "w1")

	accepted, err := s.RequestCancellation(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, accepted)

	stored, err := s.Finish(ctx, job.ID, model.JobCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, stored)
}

func TestJobStoreFailRecords(t *testing.T) {
	ctx := context.Background()
	s := NewJobStore()
	job := newJob(t, s, 1)
	_, _, _ = s.Claim(ctx, job.ID, "w1")

	s.FailRecords(errors.New("disk full"))
	_, err := s.RecordOutcome(ctx, model.RecipientOutcome{JobID: job.ID, Position: 1, Success: true})
	assert.EqualError(t, err, "disk full")
}

func TestJobStoreFinishRequiresProcessing(t *testing.T) {
	ctx := context.Background()
	s := NewJobStore()
	job := newJob(t, s, 1)

	_, err := s.Finish(ctx, job.ID, model.JobFailed, "never claimed")
	require.Error(t, err)

	got, err := s.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, got.Status)
}

func TestJobStoreLeases(t *testing.T) {
	ctx := context.Background()
	s := NewJobStore()
	live := newJob(t, s, 1)
	dead := newJob(t, s, 1)
	_, _, _ = s.Claim(ctx, live.ID, "w1")
	_, _, _ = s.Claim(ctx, dead.ID, "w2")

	ok, err := s.Heartbeat(ctx, live.ID, "w2")
	require.NoError(t, err)
	assert.False(t, ok, "only the owner renews a lease")

	time.Sleep(30 * time.Millisecond)
	ok, err = s.Heartbeat(ctx, live.ID, "w1")
	require.NoError(t, err)
	assert.True(t, ok)

	ids, err := s.FailExpired(ctx, 20*time.Millisecond, "interrupted by restart")
	require.NoError(t, err)
	assert.Equal(t, []int{dead.ID}, ids)

	got, _ := s.GetByID(ctx, live.ID)
	assert.Equal(t, model.JobProcessing, got.Status)
	got, _ = s.GetByID(ctx, dead.ID)
	assert.Equal(t, model.JobFailed, got.Status)

	ok, err = s.Heartbeat(ctx, dead.ID, "w2")
	require.NoError(t, err)
	assert.False(t, ok, "a reaped job cannot be renewed")
}

func TestJobStoreUnqueued(t *testing.T) {
	ctx := context.Background()
	s := NewJobStore()
	fresh := newJob(t, s, 1)
	queued := newJob(t, s, 1)
	require.NoError(t, s.MarkQueued(ctx, queued.ID))

	ids, err := s.ListUnqueued(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []int{fresh.ID}, ids)

	ids, err = s.ListUnqueued(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{fresh.ID, queued.ID}, ids)
}

func TestJobStoreUnknownJob(t *testing.T) {
	s := NewJobStore()
	_, err := s.GetByID(context.Background(), 42)
	assert.True(t, appErrors.IsNotFound(err))
	_, err = s.RequestCancellation(context.Background(), 42)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestSubscriberStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewSubscriberStore()

	a := &model.Subscriber{Email: "Ana@Example.com", Source: model.SourceManual, Active: true}
	require.NoError(t, s.Create(ctx, a))

	err := s.Create(ctx, &model.Subscriber{Email: "ana@example.com", Source: model.SourceManual})
	assert.True(t, appErrors.IsConflict(err))

	inserted, err := s.InsertIfAbsent(ctx, &model.Subscriber{Email: "ANA@example.com", Source: model.SourceVerification})
	require.NoError(t, err)
	assert.False(t, inserted)

	active, err := s.GetActiveByIDs(ctx, []int{a.ID})
	require.NoError(t, err)
	assert.Len(t, active, 1)

	_, err = s.SetActive(ctx, a.ID, false)
	require.NoError(t, err)
	active, _ = s.GetActiveByIDs(ctx, []int{a.ID})
	assert.Empty(t, active)

	require.NoError(t, s.Delete(ctx, a.ID))
	assert.True(t, appErrors.IsNotFound(s.Delete(ctx, a.ID)))

	// the address is free again once the old row is deleted
	require.NoError(t, s.Create(ctx, &model.Subscriber{Email: "ana@example.com", Source: model.SourceManual}))
}

func TestSubscriberStoreConcurrentMailCount(t *testing.T) {
	ctx := context.Background()
	s := NewSubscriberStore()
	sub := &model.Subscriber{Email: "c@example.com", Source: model.SourceManual, Active: true}
	require.NoError(t, s.Create(ctx, sub))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.IncrementMailCount(ctx, sub.ID)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, s.MailCount(sub.ID))
}

func TestSubscriberStoreListFilters(t *testing.T) {
	ctx := context.Background()
	s := NewSubscriberStore()
	for _, sub := range []*model.Subscriber{
		{Email: "dune@example.com", FirstName: "Dune", Source: model.SourceRegistration, Active: true},
		{Email: "mud@example.com", Source: model.SourceRegistration, Active: false},
		{Email: "news@example.com", Source: model.SourceNewsletter, Active: true},
	} {
		require.NoError(t, s.Create(ctx, sub))
	}

	active := true
	subs, total, err := s.List(ctx, model.SubscriberFilter{Source: model.SourceRegistration, Active: &active}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "dune@example.com", subs[0].Email)

	subs, total, err = s.List(ctx, model.SubscriberFilter{Search: "NEWS"}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, model.SourceNewsletter, subs[0].Source)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 2, stats.BySource[model.SourceRegistration])
}
