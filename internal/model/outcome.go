// internal/model/outcome.go
package model

import "time"

// RecipientOutcome records one delivery attempt within a job.
type RecipientOutcome struct {
	JobID        int       `db:"job_id" json:"-"`
	Position     int       `db:"position" json:"position"`
	SubscriberID int       `db:"subscriber_id" json:"subscriber_id"`
	Email        string    `db:"email" json:"email"`
	Success      bool      `db:"success" json:"success"`
	Error        string    `db:"error" json:"error,omitempty"`
	AttemptedAt  time.Time `db:"attempted_at" json:"attempted_at"`
}

// CampaignSummary is a history row. Outcomes is only filled for campaigns
// addressed to more than one recipient.
type CampaignSummary struct {
	CampaignJob
	Progress int                `json:"progress"`
	Outcomes []RecipientOutcome `json:"outcomes,omitempty"`
}
