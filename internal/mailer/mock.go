package mailer

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

var ErrMockRejected = errors.New("mock: recipient rejected")

// Delivery is a message accepted by MockSender.
type Delivery struct {
	To          string
	Subject     string
	Attachments []string
	Raw         []byte
}

// MockSender renders every message and records it instead of sending. Used
// by the mock driver in development and by tests.
type MockSender struct {
	// FailureRate is the share of messages rejected at random.
	FailureRate float64
	// Fail, when set, decides per message and overrides FailureRate.
	Fail  func(msg *Message) error
	Delay time.Duration

	mu        sync.Mutex
	rnd       *rand.Rand
	delivered []Delivery
}

func NewMockSender(failureRate float64) *MockSender {
	return &MockSender{
		FailureRate: failureRate,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *MockSender) Send(ctx context.Context, msg *Message) error {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.Fail != nil {
		if err := s.Fail(msg); err != nil {
			return err
		}
	} else if s.FailureRate > 0 && s.roll() < s.FailureRate {
		return ErrMockRejected
	}

	var raw bytes.Buffer
	if _, err := msg.WriteTo(&raw); err != nil {
		return err
	}
	d := Delivery{To: msg.To, Subject: msg.Subject, Raw: raw.Bytes()}
	for _, a := range msg.Attachments {
		d.Attachments = append(d.Attachments, a.Filename)
	}

	s.mu.Lock()
	s.delivered = append(s.delivered, d)
	s.mu.Unlock()
	return nil
}

func (s *MockSender) roll() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rnd == nil {
		s.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return s.rnd.Float64()
}

// Delivered returns a copy of everything accepted so far.
func (s *MockSender) Delivered() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Delivery, len(s.delivered))
	copy(out, s.delivered)
	return out
}

var _ Sender = (*MockSender)(nil)
