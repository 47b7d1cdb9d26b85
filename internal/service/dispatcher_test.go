package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/rallymail-backend/internal/mailer"
	"github.com/unclebandit/rallymail-backend/internal/model"
	"github.com/unclebandit/rallymail-backend/internal/storage"
)

func TestRunAllDelivered(t *testing.T) {
	h := newHarness(t)
	ids := h.addSubscribers(t, 3)
	res := h.submit(t, ids)
	assert.Equal(t, 3, res.TotalRecipients)

	require.NoError(t, h.disp.Run(context.Background(), res.JobID))

	job := h.job(t, res.JobID)
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Equal(t, 3, job.SentCount)
	assert.Equal(t, 0, job.FailedCount)
	assert.Equal(t, 100, job.Progress())
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)

	delivered := h.sender.Delivered()
	require.Len(t, delivered, 3)
	for i, d := range delivered {
		assert.Equal(t, fmt.Sprintf("racer%d@example.com", i+1), d.To, "recipients are processed in snapshot order")
		assert.Equal(t, "Race Update", d.Subject)
	}
	for _, id := range ids {
		assert.Equal(t, 1, h.subs.MailCount(id))
	}
}

func TestRunRecipientFailuresDoNotAbortJob(t *testing.T) {
	h := newHarness(t)
	ids := h.addSubscribers(t, 5)
	h.sender.Fail = func(m *mailer.Message) error {
		if m.To == "racer2@example.com" || m.To == "racer4@example.com" {
			return errors.New("550 mailbox unavailable")
		}
		return nil
	}
	res := h.submit(t, ids)

	require.NoError(t, h.disp.Run(context.Background(), res.JobID))

	job := h.job(t, res.JobID)
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Equal(t, 5, job.ProcessedCount)
	assert.Equal(t, 3, job.SentCount)
	assert.Equal(t, 2, job.FailedCount)

	outcomes, err := h.jobs.ListOutcomes(context.Background(), res.JobID)
	require.NoError(t, err)
	require.Len(t, outcomes, 5)
	for _, o := range outcomes {
		if o.Position == 2 || o.Position == 4 {
			assert.False(t, o.Success)
			assert.Equal(t, "550 mailbox unavailable", o.Error)
		} else {
			assert.True(t, o.Success, "position %d", o.Position)
			assert.Empty(t, o.Error)
		}
	}
	assert.Equal(t, 0, h.subs.MailCount(ids[1]))
	assert.Equal(t, 1, h.subs.MailCount(ids[2]))
}

func TestRunCancelledMidway(t *testing.T) {
	h := newHarness(t)
	ids := h.addSubscribers(t, 100)
	res := h.submit(t, ids)

	var sends int32
	h.sender.Fail = func(*mailer.Message) error {
		// the 11th send starts after 10 recipients were recorded
		if atomic.AddInt32(&sends, 1) == 11 {
			accepted, err := h.svc.Cancel(context.Background(), res.JobID)
			require.NoError(t, err)
			require.True(t, accepted)
		}
		return nil
	}

	require.NoError(t, h.disp.Run(context.Background(), res.JobID))

	job := h.job(t, res.JobID)
	assert.Equal(t, model.JobCancelled, job.Status)
	assert.GreaterOrEqual(t, job.ProcessedCount, 10)
	assert.Less(t, job.ProcessedCount, 100)
	assert.Equal(t, job.ProcessedCount, job.SentCount+job.FailedCount)
	assert.Equal(t, 100, job.TotalRecipients)

	outcomes, err := h.jobs.ListOutcomes(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Len(t, outcomes, job.ProcessedCount)
	for _, o := range outcomes {
		assert.LessOrEqual(t, o.Position, job.ProcessedCount)
	}

	// later requests are no-ops
	accepted, err := h.svc.Cancel(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, job.ProcessedCount, h.job(t, res.JobID).ProcessedCount)
}

func TestRunCancelledWhilePending(t *testing.T) {
	h := newHarness(t)
	res := h.submit(t, h.addSubscribers(t, 4))

	accepted, err := h.svc.Cancel(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.True(t, accepted)

	require.NoError(t, h.disp.Run(context.Background(), res.JobID))
	job := h.job(t, res.JobID)
	assert.Equal(t, model.JobCancelled, job.Status)
	assert.Zero(t, job.ProcessedCount)
	assert.Empty(t, h.sender.Delivered())
}

func TestRunOnlyOnce(t *testing.T) {
	h := newHarness(t)
	res := h.submit(t, h.addSubscribers(t, 6))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.disp.Run(context.Background(), res.JobID))
		}()
	}
	wg.Wait()
	require.NoError(t, h.disp.Run(context.Background(), res.JobID))

	assert.Len(t, h.sender.Delivered(), 6)
	assert.Equal(t, 6, h.job(t, res.JobID).ProcessedCount)
}

func TestRunMailServiceUnavailableFailsJob(t *testing.T) {
	h := newHarness(t)
	res := h.submit(t, h.addSubscribers(t, 5))

	var sends int32
	h.sender.Fail = func(*mailer.Message) error {
		if atomic.AddInt32(&sends, 1) >= 3 {
			return fmt.Errorf("%w: dial tcp: connection refused", mailer.ErrUnavailable)
		}
		return nil
	}

	require.NoError(t, h.disp.Run(context.Background(), res.JobID))
	job := h.job(t, res.JobID)
	assert.Equal(t, model.JobFailed, job.Status)
	assert.Equal(t, 2, job.ProcessedCount)
	assert.Equal(t, 2, job.SentCount)
	assert.Contains(t, job.ErrorMessage, "mail service unavailable")
}

func TestRunStorageFaultFailsJob(t *testing.T) {
	h := newHarness(t)
	res := h.submit(t, h.addSubscribers(t, 3))
	h.jobs.FailRecords(errors.New("connection reset"))

	require.NoError(t, h.disp.Run(context.Background(), res.JobID))
	job := h.job(t, res.JobID)
	assert.Equal(t, model.JobFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "record progress")
	assert.Zero(t, job.ProcessedCount)
}

func TestRunSendTimeoutIsRecipientFailure(t *testing.T) {
	h := newHarness(t)
	h.disp.cfg.SendTimeout = 20 * time.Millisecond
	h.sender.Delay = 500 * time.Millisecond
	res := h.submit(t, h.addSubscribers(t, 2))

	require.NoError(t, h.disp.Run(context.Background(), res.JobID))
	job := h.job(t, res.JobID)
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Equal(t, 2, job.FailedCount)

	outcomes, _ := h.jobs.ListOutcomes(context.Background(), res.JobID)
	require.Len(t, outcomes, 2)
	assert.Contains(t, outcomes[0].Error, "timed out")
}

func TestRunPanicFailsJobOnly(t *testing.T) {
	h := newHarness(t)
	res := h.submit(t, h.addSubscribers(t, 2))
	h.sender.Fail = func(*mailer.Message) error { panic("sender bug") }

	err := h.disp.Run(context.Background(), res.JobID)
	require.Error(t, err)
	job := h.job(t, res.JobID)
	assert.Equal(t, model.JobFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "sender bug")
}

func TestRunReopensAttachmentsPerRecipient(t *testing.T) {
	h := newHarness(t)
	ids := h.addSubscribers(t, 3)
	res, err := h.svc.Submit(context.Background(), SubmitRequest{
		Subject:      "Roadbook",
		HTMLBody:     "<p>attached</p>",
		RecipientIDs: ids,
		Attachments:  []storage.Upload{fileUpload("roadbook.pdf", 1024)},
	})
	require.NoError(t, err)

	require.NoError(t, h.disp.Run(context.Background(), res.JobID))
	for _, d := range h.sender.Delivered() {
		assert.Equal(t, []string{"roadbook.pdf"}, d.Attachments)
		assert.Contains(t, string(d.Raw), `filename="roadbook.pdf"`)
	}
	assert.Len(t, h.sender.Delivered(), 3)
}

func TestRunMissingAttachmentFailsJob(t *testing.T) {
	h := newHarness(t)
	res, err := h.svc.Submit(context.Background(), SubmitRequest{
		Subject:      "Roadbook",
		HTMLBody:     "<p>attached</p>",
		RecipientIDs: h.addSubscribers(t, 2),
		Attachments:  []storage.Upload{fileUpload("roadbook.pdf", 64)},
	})
	require.NoError(t, err)
	require.NoError(t, h.blobs.Delete(context.Background(), h.job(t, res.JobID).Attachments[0].StorageKey))

	require.NoError(t, h.disp.Run(context.Background(), res.JobID))
	job := h.job(t, res.JobID)
	assert.Equal(t, model.JobFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "open attachment")
	assert.Zero(t, job.ProcessedCount)
}

func TestStatusReadsAreConsistentDuringRun(t *testing.T) {
	h := newHarness(t)
	h.sender.Delay = time.Millisecond
	h.sender.Fail = func(m *mailer.Message) error {
		if m.To[len("racer")]%2 == 0 {
			return errors.New("rejected")
		}
		return nil
	}
	res := h.submit(t, h.addSubscribers(t, 40))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.disp.Run(context.Background(), res.JobID)
	}()

	last := 0
	for {
		st, err := h.svc.GetStatus(context.Background(), res.JobID)
		require.NoError(t, err)
		assert.Equal(t, st.ProcessedCount, st.SentCount+st.FailedCount)
		assert.LessOrEqual(t, st.ProcessedCount, st.TotalRecipients)
		assert.GreaterOrEqual(t, st.ProcessedCount, last, "progress never moves backwards")
		last = st.ProcessedCount
		if st.Status.Terminal() {
			assert.Equal(t, 40, st.ProcessedCount)
			break
		}
		select {
		case <-done:
		case <-time.After(time.Millisecond):
		}
	}
	<-done
}

func TestRunRespectsRateLimit(t *testing.T) {
	h := newHarness(t)
	h.disp.cfg.RatePerSecond = 50
	res := h.submit(t, h.addSubscribers(t, 5))

	start := time.Now()
	require.NoError(t, h.disp.Run(context.Background(), res.JobID))
	// first token is immediate, the other four wait 20ms each
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.Equal(t, model.JobCompleted, h.job(t, res.JobID).Status)
}

func TestRunUnknownJob(t *testing.T) {
	h := newHarness(t)
	assert.Error(t, h.disp.Run(context.Background(), 404))
}
