package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		ok       bool
	}{
		{JobPending, JobProcessing, true},
		{JobPending, JobCancelled, false},
		{JobPending, JobFailed, false},
		{JobPending, JobCompleted, false},
		{JobProcessing, JobCompleted, true},
		{JobProcessing, JobFailed, true},
		{JobProcessing, JobCancelled, true},
		{JobProcessing, JobPending, false},
		{JobCompleted, JobCancelled, false},
		{JobCancelled, JobProcessing, false},
		{JobFailed, JobCompleted, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTerminal(t *testing.T) {
	assert.False(t, JobPending.Terminal())
	assert.False(t, JobProcessing.Terminal())
	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.True(t, JobCancelled.Terminal())
}

func TestParseJobStatus(t *testing.T) {
	st, err := ParseJobStatus("CANCELLED")
	assert.NoError(t, err)
	assert.Equal(t, JobCancelled, st)

	_, err = ParseJobStatus("cancelled")
	assert.Error(t, err)
}

func TestProgressPercent(t *testing.T) {
	assert.Equal(t, 0, ProgressPercent(0, 0))
	assert.Equal(t, 0, ProgressPercent(5, 0))
	assert.Equal(t, 33, ProgressPercent(1, 3))
	assert.Equal(t, 100, ProgressPercent(3, 3))
	assert.Equal(t, 100, ProgressPercent(7, 3))
}

func TestSnapshot(t *testing.T) {
	job := CampaignJob{ID: 4, Subject: "Race Update", Status: JobProcessing, TotalRecipients: 5,
		ProcessedCount: 2, SentCount: 1, FailedCount: 1}
	snap := job.Snapshot()
	assert.Equal(t, 4, snap.JobID)
	assert.Equal(t, 40, snap.Progress)
	assert.Equal(t, snap.ProcessedCount, snap.SentCount+snap.FailedCount)
}

func TestParseSubscriberSource(t *testing.T) {
	src, err := ParseSubscriberSource(" newsletter ")
	assert.NoError(t, err)
	assert.Equal(t, SourceNewsletter, src)

	_, err = ParseSubscriberSource("flyer")
	assert.Error(t, err)
}
