// Package redis provides a Redis-backed job queue for asynchronous bulk
// review operations. Jobs are pushed by request handlers and drained by
// a background worker with blocking dequeue and processing tracking.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"atlas.crawlops.org/common"
	"atlas.crawlops.org/config"
)

// Job is one queued bulk operation.
type Job struct {
	JobID      string    `json:"job_id"`
	Operation  string    `json:"operation"` // approve, reject, filter_approve
	ReviewIDs  []string  `json:"review_ids,omitempty"`
	ReviewerID string    `json:"reviewer_id"`
	Comment    string    `json:"comment,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	RetryCount int       `json:"retry_count"`
}

// Config configures the queue. Unset fields fall back to the
// ATLAS_REDIS_URL / ATLAS_QUEUE_PREFIX environment variables, so a
// standalone worker process needs no config file.
type Config struct {
	RedisURL  string // defaults to ATLAS_REDIS_URL, then redis://localhost:6379/0
	KeyPrefix string // defaults to ATLAS_QUEUE_PREFIX, then "bulkjobs:"
}

// Queue handles job queue operations over Redis.
type Queue struct {
	client *redis.Client
	prefix string
}

// NewQueue connects to Redis and verifies the connection.
func NewQueue(ctx context.Context, cfg Config) (*Queue, error) {
	url := cfg.RedisURL
	if url == "" {
		url = config.DefaultEnv.String("REDIS_URL", "redis://localhost:6379/0")
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = config.DefaultEnv.String("QUEUE_PREFIX", "bulkjobs:")
	}

	return &Queue{client: client, prefix: prefix}, nil
}

// Close closes the Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) pendingKey() string    { return q.prefix + "pending" }
func (q *Queue) processingKey() string { return q.prefix + "processing" }

// Enqueue pushes a job onto the pending list.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.pendingKey(), payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	common.Logger.WithField("job_id", job.JobID).
		WithField("operation", job.Operation).
		Info("bulk job enqueued")
	return nil
}

// Dequeue blocks up to timeout for the next job, moving it onto the
// processing list for crash recovery. A nil job means timeout.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	payload, err := q.client.BRPopLPush(ctx, q.pendingKey(), q.processingKey(), timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		// Drop the malformed entry from processing so it cannot wedge the
		// worker.
		q.client.LRem(ctx, q.processingKey(), 1, payload)
		return nil, fmt.Errorf("malformed job payload: %w", err)
	}
	return &job, nil
}

// Ack removes a completed job from the processing list.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.LRem(ctx, q.processingKey(), 1, payload).Err()
}

// Requeue moves a failed job back onto the pending list with an
// incremented retry counter.
func (q *Queue) Requeue(ctx context.Context, job *Job) error {
	if err := q.Ack(ctx, job); err != nil {
		return err
	}
	job.RetryCount++
	return q.Enqueue(ctx, *job)
}

// PendingCount reports queue depth.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.pendingKey()).Result()
}

// ProcessingCount reports in-flight jobs.
func (q *Queue) ProcessingCount(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.processingKey()).Result()
}
