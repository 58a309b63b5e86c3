// Package cache is a read-through Redis cache in front of the job
// store for the status polling endpoint. The store stays the single
// source of truth; a Redis outage degrades to direct store reads.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tailorcv/pipeline/internal/job"
)

// StatusCache caches job status snapshots with a TTL. Implementations
// must be safe for concurrent use.
type StatusCache interface {
	GetJob(ctx context.Context, jobID string) (*job.Job, bool, error)
	SetJob(ctx context.Context, j *job.Job) error
	InvalidateJob(ctx context.Context, jobID string) error
	Ping(ctx context.Context) error
}

// RedisCache implements StatusCache on go-redis/v9.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a RedisCache from a Redis URL.
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts), ttl: ttl}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) GetJob(ctx context.Context, jobID string) (*job.Job, bool, error) {
	data, err := c.client.Get(ctx, jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, false, err
	}
	return &j, true, nil
}

func (c *RedisCache) SetJob(ctx context.Context, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, jobKey(j.JobID), data, c.ttl).Err()
}

func (c *RedisCache) InvalidateJob(ctx context.Context, jobID string) error {
	return c.client.Del(ctx, jobKey(jobID)).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func jobKey(jobID string) string {
	return "job:status:" + jobID
}

var _ StatusCache = (*RedisCache)(nil)
