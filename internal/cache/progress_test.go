package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/rallymail-backend/internal/model"
)

func setupCache(t *testing.T) (*ProgressCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return NewProgressCache(client, time.Hour), mr
}

func TestPutGet(t *testing.T) {
	c, _ := setupCache(t)
	ctx := context.Background()

	p := model.JobProgress{JobID: 3, Status: model.JobProcessing, Subject: "Race Update",
		TotalRecipients: 4, ProcessedCount: 1, SentCount: 1, Progress: 25}
	require.NoError(t, c.Put(ctx, p))

	got, err := c.Get(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p, *got)
}

func TestGetMiss(t *testing.T) {
	c, _ := setupCache(t)
	got, err := c.Get(context.Background(), 99)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEntriesExpire(t *testing.T) {
	c, mr := setupCache(t)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, model.JobProgress{JobID: 1, Status: model.JobCompleted}))

	mr.FastForward(2 * time.Hour)
	got, err := c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDelete(t *testing.T) {
	c, _ := setupCache(t)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, model.JobProgress{JobID: 2}))
	require.NoError(t, c.Delete(ctx, 2))

	got, err := c.Get(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestConnect(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client, err := Connect(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	client.Close()

	_, err = Connect(context.Background(), "not a url")
	assert.Error(t, err)
}
