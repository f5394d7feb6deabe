package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueuePersistence is the Redis list key for recording persistence jobs.
	QueuePersistence = "worker:persistence"
	// QueueUsage is the Redis list key for product usage events consumed by analytics.
	QueueUsage = "worker:usage"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypePersistRecording JobType = "persist_recording"
	JobTypeUsageEvent       JobType = "usage_event"
)

// PersistRecordingPayload is the payload for long-term persistence jobs.
type PersistRecordingPayload struct {
	TeamID    uuid.UUID `json:"team_id"`
	SessionID string    `json:"session_id"`
}

// UsageEventPayload is the payload for usage events.
type UsageEventPayload struct {
	DistinctID string         `json:"distinct_id"`
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// EnqueuePersistRecording enqueues a long-term persistence job.
func (q *Queue) EnqueuePersistRecording(ctx context.Context, payload PersistRecordingPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:        uuid.New().String(),
		Type:      JobTypePersistRecording,
		Payload:   body,
		Attempt:   0,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, QueuePersistence, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued persistence job", zap.String("job_id", job.ID), zap.String("session_id", payload.SessionID))
	return nil
}

// Report enqueues a usage event for downstream analytics. It is fire-and-forget:
// enqueue failures are logged and never surfaced to the request that emitted them.
func (q *Queue) Report(ctx context.Context, distinctID, event string, properties map[string]any) {
	body, err := json.Marshal(UsageEventPayload{
		DistinctID: distinctID,
		Event:      event,
		Properties: properties,
		Timestamp:  time.Now(),
	})
	if err != nil {
		q.logger.Warn("marshal usage event failed", zap.String("event", event), zap.Error(err))
		return
	}
	job := Job{
		ID:        uuid.New().String(),
		Type:      JobTypeUsageEvent,
		Payload:   body,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		q.logger.Warn("marshal usage job failed", zap.Error(err))
		return
	}
	if err := q.client.RPush(ctx, QueueUsage, raw).Err(); err != nil {
		q.logger.Warn("usage event dropped", zap.String("event", event), zap.Error(err))
	}
}

// Dequeue blocks until a persistence job is available or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	result, err := q.client.BLPop(ctx, 0, QueuePersistence).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.client.RPush(ctx, QueuePersistence, raw).Err(); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}
