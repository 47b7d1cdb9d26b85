// internal/model/campaign.go
package model

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a campaign job.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobCancelled  JobStatus = "CANCELLED"
)

// allowed forward transitions; terminal states have no entry. A job always
// passes through PROCESSING, even when it is cancelled before its first send.
var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:    {JobProcessing},
	JobProcessing: {JobCompleted, JobFailed, JobCancelled},
}

// ParseJobStatus validates a status read from storage.
func ParseJobStatus(s string) (JobStatus, error) {
	st := JobStatus(s)
	switch st {
	case JobPending, JobProcessing, JobCompleted, JobFailed, JobCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// CanTransition reports whether s may move to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AttachmentRef points at a staged attachment. Filename is unique within a job
// and is what operators use to download it again.
type AttachmentRef struct {
	Filename     string `db:"filename" json:"filename"`
	OriginalName string `db:"original_name" json:"original_name"`
	ContentType  string `db:"content_type" json:"content_type"`
	Size         int64  `db:"size" json:"size"`
	StorageKey   string `db:"storage_key" json:"-"`
}

// Recipient is one entry of the frozen recipient snapshot.
type Recipient struct {
	Position     int    `db:"position" json:"position"`
	SubscriberID int    `db:"subscriber_id" json:"subscriber_id"`
	Email        string `db:"email" json:"email"`
}

// CampaignJob is one bulk-send request and its progress record.
type CampaignJob struct {
	ID                    int             `db:"id" json:"id"`
	Subject               string          `db:"subject" json:"subject"`
	HTMLBody              string          `db:"html_body" json:"html_body"`
	TextBody              string          `db:"text_body" json:"text_body"`
	Attachments           []AttachmentRef `json:"attachments"`
	Recipients            []Recipient     `json:"-"`
	Status                JobStatus       `db:"status" json:"status"`
	TotalRecipients       int             `db:"total_recipients" json:"total_recipients"`
	ProcessedCount        int             `db:"processed_count" json:"processed_count"`
	SentCount             int             `db:"sent_count" json:"sent_count"`
	FailedCount           int             `db:"failed_count" json:"failed_count"`
	ErrorMessage          string          `db:"error_message" json:"error_message,omitempty"`
	CancellationRequested bool            `db:"cancellation_requested" json:"cancellation_requested"`
	CreatedBy             *int            `db:"created_by" json:"created_by,omitempty"`
	CreatedAt             time.Time       `db:"created_at" json:"created_at"`
	StartedAt             *time.Time      `db:"started_at" json:"started_at,omitempty"`
	CompletedAt           *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// Progress returns processed/total as a percentage, saturating at 100.
func (j *CampaignJob) Progress() int {
	return ProgressPercent(j.ProcessedCount, j.TotalRecipients)
}

// Snapshot projects the job onto its status view.
func (j *CampaignJob) Snapshot() JobProgress {
	return JobProgress{
		JobID:                 j.ID,
		Status:                j.Status,
		Subject:               j.Subject,
		TotalRecipients:       j.TotalRecipients,
		ProcessedCount:        j.ProcessedCount,
		SentCount:             j.SentCount,
		FailedCount:           j.FailedCount,
		Progress:              j.Progress(),
		ErrorMessage:          j.ErrorMessage,
		CancellationRequested: j.CancellationRequested,
	}
}

// JobProgress is the read-only projection served to a polling console.
type JobProgress struct {
	JobID                 int       `json:"job_id"`
	Status                JobStatus `json:"status"`
	Subject               string    `json:"subject"`
	TotalRecipients       int       `json:"total_recipients"`
	ProcessedCount        int       `json:"processed_count"`
	SentCount             int       `json:"sent_count"`
	FailedCount           int       `json:"failed_count"`
	Progress              int       `json:"progress"`
	ErrorMessage          string    `json:"error_message,omitempty"`
	CancellationRequested bool      `json:"cancellation_requested"`
}

func ProgressPercent(processed, total int) int {
	if total <= 0 {
		return 0
	}
	p := processed * 100 / total
	if p > 100 {
		return 100
	}
	return p
}
