// internal/model/subscriber.go
package model

import (
	"fmt"
	"strings"
	"time"
)

type SubscriberSource string

const (
	SourceVerification SubscriberSource = "VERIFICATION"
	SourceRegistration SubscriberSource = "REGISTRATION"
	SourceNewsletter   SubscriberSource = "NEWSLETTER"
	SourceManual       SubscriberSource = "MANUAL"
)

func ParseSubscriberSource(s string) (SubscriberSource, error) {
	src := SubscriberSource(strings.ToUpper(strings.TrimSpace(s)))
	switch src {
	case SourceVerification, SourceRegistration, SourceNewsletter, SourceManual:
		return src, nil
	}
	return "", fmt.Errorf("unknown subscriber source %q", s)
}

type Subscriber struct {
	ID        int              `db:"id" json:"id"`
	Email     string           `db:"email" json:"email"`
	FirstName string           `db:"first_name" json:"first_name,omitempty"`
	LastName  string           `db:"last_name" json:"last_name,omitempty"`
	Phone     string           `db:"phone" json:"phone,omitempty"`
	Source    SubscriberSource `db:"source" json:"source"`
	Active    bool             `db:"active" json:"active"`
	MailCount int              `db:"mail_count" json:"mail_count"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
}

// SubscriberFilter narrows a subscriber listing. A nil Active matches both.
type SubscriberFilter struct {
	Search string
	Source SubscriberSource
	Active *bool
}

type SubscriberStats struct {
	Total    int                      `json:"total"`
	Active   int                      `json:"active"`
	BySource map[SubscriberSource]int `json:"by_source"`
}

// VerifiedContact is an address that completed the registration
// verification-code step.
type VerifiedContact struct {
	Email     string
	FirstName string
	LastName  string
	Phone     string
}

// NormalizeEmail is the canonical form used for uniqueness checks.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
