// Package cache keeps the latest progress snapshot of running campaign jobs
// in Redis so status polls do not hit Postgres.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unclebandit/rallymail-backend/internal/model"
)

const keyProgress = "rallymail:job:%d:progress"

type ProgressCache struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewProgressCache(client *redis.Client, ttl time.Duration) *ProgressCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ProgressCache{redis: client, ttl: ttl}
}

// Connect parses url and checks the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// Put replaces the snapshot as a single value so readers never see a mix of
// two updates.
func (c *ProgressCache) Put(ctx context.Context, p model.JobProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, fmt.Sprintf(keyProgress, p.JobID), data, c.ttl).Err()
}

// Get returns nil without error on a miss.
func (c *ProgressCache) Get(ctx context.Context, jobID int) (*model.JobProgress, error) {
	data, err := c.redis.Get(ctx, fmt.Sprintf(keyProgress, jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p model.JobProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode cached progress for job %d: %w", jobID, err)
	}
	return &p, nil
}

func (c *ProgressCache) Delete(ctx context.Context, jobID int) error {
	return c.redis.Del(ctx, fmt.Sprintf(keyProgress, jobID)).Err()
}

func (c *ProgressCache) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}
