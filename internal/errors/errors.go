// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// ErrJobNotFound is returned for status/cancel/detail lookups on an unknown job.
type ErrJobNotFound struct {
	JobID int
}

func (e *ErrJobNotFound) Error() string {
	return fmt.Sprintf("campaign job with ID %d not found", e.JobID)
}

func NewJobNotFound(id int) error {
	return &ErrJobNotFound{JobID: id}
}

type ErrSubscriberNotFound struct {
	SubscriberID int
}

func (e *ErrSubscriberNotFound) Error() string {
	return fmt.Sprintf("subscriber with ID %d not found", e.SubscriberID)
}

func NewSubscriberNotFound(id int) error {
	return &ErrSubscriberNotFound{SubscriberID: id}
}

type ErrAttachmentNotFound struct {
	JobID    int
	Filename string
}

func (e *ErrAttachmentNotFound) Error() string {
	return fmt.Sprintf("attachment %q not found on campaign job %d", e.Filename, e.JobID)
}

func NewAttachmentNotFound(jobID int, filename string) error {
	return &ErrAttachmentNotFound{JobID: jobID, Filename: filename}
}

type ErrDuplicateSubscriber struct {
	Email string
}

func (e *ErrDuplicateSubscriber) Error() string {
	return fmt.Sprintf("subscriber %s already exists", e.Email)
}

func NewDuplicateSubscriber(email string) error {
	return &ErrDuplicateSubscriber{Email: email}
}

// ValidationError is a caller mistake surfaced verbatim.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type ErrAttachmentTooLarge struct {
	Filename string
	Size     int64
	Limit    int64
}

func (e *ErrAttachmentTooLarge) Error() string {
	return fmt.Sprintf("attachment %s is %d bytes, limit is %d", e.Filename, e.Size, e.Limit)
}

func IsNotFound(err error) bool {
	var job *ErrJobNotFound
	var sub *ErrSubscriberNotFound
	var att *ErrAttachmentNotFound
	return errors.As(err, &job) || errors.As(err, &sub) || errors.As(err, &att)
}

func IsValidation(err error) bool {
	var v *ValidationError
	var big *ErrAttachmentTooLarge
	return errors.As(err, &v) || errors.As(err, &big)
}

func IsConflict(err error) bool {
	var dup *ErrDuplicateSubscriber
	return errors.As(err, &dup)
}
