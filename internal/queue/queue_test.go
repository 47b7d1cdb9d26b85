package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/rallymail-backend/internal/config"
)

func TestInMemoryQueueDeliversEachJobOnce(t *testing.T) {
	q := NewInMemoryQueue(16, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	go func() {
		_ = q.Consume(ctx, 3, func(_ context.Context, jobID int) error {
			mu.Lock()
			got = append(got, jobID)
			n := len(got)
			mu.Unlock()
			if n == 5 {
				close(done)
			}
			if jobID == 2 {
				return errors.New("boom")
			}
			return nil
		})
	}()

	for i := 1; i <= 5; i++ {
		require.NoError(t, q.Publish(ctx, i))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("jobs were not consumed")
	}

	mu.Lock()
	defer mu.Unlock()
	sort.Ints(got)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)
}

func TestInMemoryQueuePublishAfterClose(t *testing.T) {
	q := NewInMemoryQueue(1, zerolog.Nop())
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Publish(context.Background(), 1), ErrClosed)
}

func TestInMemoryQueuePublishDoesNotWaitWhenFull(t *testing.T) {
	q := NewInMemoryQueue(1, zerolog.Nop())
	require.NoError(t, q.Publish(context.Background(), 1))

	start := time.Now()
	assert.ErrorIs(t, q.Publish(context.Background(), 2), ErrQueueFull)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, q.Publish(ctx, 3), context.Canceled)
}

func TestConsumeStopsOnContextCancel(t *testing.T) {
	q := NewInMemoryQueue(1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		_ = q.Consume(ctx, 2, func(context.Context, int) error { return nil })
		close(stopped)
	}()
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestJobMessageRoundTrip(t *testing.T) {
	body, err := encodeJob(42)
	require.NoError(t, err)
	assert.JSONEq(t, `{"job_id":42}`, string(body))

	id, err := decodeJob(body)
	require.NoError(t, err)
	assert.Equal(t, 42, id)

	_, err = decodeJob([]byte(`{"job_id":0}`))
	assert.Error(t, err)
	_, err = decodeJob([]byte(`not json`))
	assert.Error(t, err)
}

func TestNewUnknownDriver(t *testing.T) {
	_, err := New(config.QueueConfig{Driver: "kafka"}, zerolog.Nop())
	assert.Error(t, err)

	q, err := New(config.QueueConfig{Driver: "memory", Buffer: 4}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &InMemoryQueue{}, q)
}
