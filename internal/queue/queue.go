package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("queue closed")
	// ErrQueueFull is returned by the in-memory Publish when no buffer slot is free.
	ErrQueueFull = errors.New("queue full")
)

// Handler processes one campaign job. Jobs are delivered at most once per
// publish; a handler error is logged and the message is dropped.
type Handler func(ctx context.Context, jobID int) error

// Queue carries campaign job IDs from the API to dispatcher workers.
type Queue interface {
	Publish(ctx context.Context, jobID int) error
	// Consume runs workers goroutines feeding handler until ctx is done.
	Consume(ctx context.Context, workers int, handler Handler) error
	Close() error
}

// JobMessage is the wire payload shared by every queue driver.
type JobMessage struct {
	JobID int `json:"job_id"`
}

func encodeJob(jobID int) ([]byte, error) {
	return json.Marshal(JobMessage{JobID: jobID})
}

func decodeJob(body []byte) (int, error) {
	var m JobMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return 0, fmt.Errorf("invalid job message: %w", err)
	}
	if m.JobID <= 0 {
		return 0, fmt.Errorf("invalid job message: job_id %d", m.JobID)
	}
	return m.JobID, nil
}

// InMemoryQueue is a bounded channel shared by the API and the in-process
// dispatcher pool.
type InMemoryQueue struct {
	ch     chan int
	mu     sync.RWMutex
	closed bool
	log    zerolog.Logger
}

// NewInMemoryQueue creates a queue holding up to buffer unclaimed job IDs.
func NewInMemoryQueue(buffer int, log zerolog.Logger) *InMemoryQueue {
	if buffer <= 0 {
		buffer = 64
	}
	return &InMemoryQueue{ch: make(chan int, buffer), log: log}
}

// Publish never waits: with the buffer full it returns ErrQueueFull.
func (q *InMemoryQueue) Publish(ctx context.Context, jobID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- jobID:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *InMemoryQueue) Consume(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case jobID, ok := <-q.ch:
					if !ok {
						return
					}
					if err := handler(ctx, jobID); err != nil {
						q.log.Error().Err(err).Int("job_id", jobID).Int("worker", worker).Msg("⚠️ job handler failed")
						continue
					}
					q.log.Debug().Int("job_id", jobID).Int("worker", worker).Msg("job processed")
				}
			}
		}(i)
	}
	wg.Wait()
	return nil
}

// Close stops accepting jobs; consumers drain what is buffered and exit.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}

var _ Queue = (*InMemoryQueue)(nil)
