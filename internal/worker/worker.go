// Package worker runs background jobs: copying recording blobs into
// long-term storage and draining usage events.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/sessionscope/backend/internal/models"
	"github.com/sessionscope/backend/internal/recordings"
	"github.com/sessionscope/backend/pkg/queue"
	"github.com/sessionscope/backend/pkg/storage"
)

// PersistenceProcessor executes recording persistence jobs: it copies every
// ingestion blob for a session under the long-term prefix, then records the
// new storage path so reads switch over.
type PersistenceProcessor struct {
	repo            *recordings.Repository
	store           *storage.S3
	queue           *queue.Queue
	ingestionPrefix string
	persistedPrefix string
	logger          *zap.Logger
}

// NewPersistenceProcessor creates a persistence job processor.
func NewPersistenceProcessor(repo *recordings.Repository, store *storage.S3, q *queue.Queue, ingestionPrefix, persistedPrefix string, logger *zap.Logger) *PersistenceProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PersistenceProcessor{
		repo:            repo,
		store:           store,
		queue:           q,
		ingestionPrefix: ingestionPrefix,
		persistedPrefix: persistedPrefix,
		logger:          logger,
	}
}

// Process executes one persistence job.
func (p *PersistenceProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypePersistRecording {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.PersistRecordingPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	rec, err := p.repo.GetBySession(ctx, payload.TeamID, payload.SessionID)
	if err != nil {
		return fmt.Errorf("load recording: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("recording not found: %s", payload.SessionID)
	}
	if rec.Persisted() {
		p.logger.Info("recording already persisted", zap.String("session_id", rec.SessionID))
		return nil
	}

	srcPrefix := rec.BlobIngestionPath(p.ingestionPrefix)
	keys, err := p.store.ListKeys(ctx, srcPrefix)
	if err != nil {
		return fmt.Errorf("list ingestion blobs: %w", err)
	}
	if len(keys) == 0 {
		// Ingestion may still be flushing; retry picks this up later.
		return fmt.Errorf("no blobs yet for session %s", rec.SessionID)
	}

	dstPrefix := rec.BlobIngestionPath(p.persistedPrefix)
	for _, key := range keys {
		dst := dstPrefix + "/" + path.Base(key)
		if err := p.store.CopyObject(ctx, key, dst); err != nil {
			return fmt.Errorf("copy blob %s: %w", key, err)
		}
	}

	if err := p.repo.FinalizeStorage(ctx, payload.TeamID, payload.SessionID, dstPrefix, models.StorageVersion20230801); err != nil {
		return fmt.Errorf("finalize storage: %w", err)
	}

	p.logger.Info("recording persisted",
		zap.String("session_id", rec.SessionID),
		zap.String("storage_path", dstPrefix),
		zap.Int("blob_count", len(keys)))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *PersistenceProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("persistence worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
