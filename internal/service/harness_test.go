package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/rallymail-backend/internal/mailer"
	"github.com/unclebandit/rallymail-backend/internal/model"
	"github.com/unclebandit/rallymail-backend/internal/queue"
	"github.com/unclebandit/rallymail-backend/internal/repository/memstore"
	"github.com/unclebandit/rallymail-backend/internal/storage"
)

type harness struct {
	subs   *memstore.SubscriberStore
	jobs   *memstore.JobStore
	sender *mailer.MockSender
	blobs  *storage.LocalStore
	stager *storage.Stager
	queue  *queue.InMemoryQueue
	svc    *CampaignService
	disp   *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	blobs, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		subs:   memstore.NewSubscriberStore(),
		jobs:   memstore.NewJobStore(),
		sender: mailer.NewMockSender(0),
		blobs:  blobs,
		queue:  queue.NewInMemoryQueue(256, zerolog.Nop()),
	}
	h.stager = storage.NewStager(blobs, "campaigns", storage.DefaultMaxAttachmentBytes, zerolog.Nop())
	h.svc = NewCampaignService(h.jobs, h.subs, h.stager, h.queue, nil, zerolog.Nop())
	h.disp = NewDispatcher(h.jobs, h.subs, h.sender, h.stager, nil, DispatcherConfig{
		FromAddress: "office@rally.test",
		FromName:    "Rally Office",
		SendTimeout: time.Second,
	}, zerolog.Nop())
	return h
}

// addSubscribers creates n active subscribers named racer1..racerN.
func (h *harness) addSubscribers(t *testing.T, n int) []int {
	t.Helper()
	ids := make([]int, n)
	for i := 0; i < n; i++ {
		sub := &model.Subscriber{
			Email:  fmt.Sprintf("racer%d@example.com", i+1),
			Source: model.SourceRegistration,
			Active: true,
		}
		require.NoError(t, h.subs.Create(context.Background(), sub))
		ids[i] = sub.ID
	}
	return ids
}

func (h *harness) submit(t *testing.T, ids []int) *SubmitResult {
	t.Helper()
	res, err := h.svc.Submit(context.Background(), SubmitRequest{
		Subject:      "Race Update",
		HTMLBody:     "<p>Stage 3 starts at 08:00</p>",
		RecipientIDs: ids,
	})
	require.NoError(t, err)
	return res
}

func (h *harness) job(t *testing.T, id int) *model.CampaignJob {
	t.Helper()
	job, err := h.jobs.GetByID(context.Background(), id)
	require.NoError(t, err)
	return job
}

func fileUpload(name string, size int) storage.Upload {
	data := bytes.Repeat([]byte("a"), size)
	return storage.Upload{
		Filename: name,
		Size:     int64(size),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}
