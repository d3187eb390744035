package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/livesession/internal/livesessions"
	"github.com/aura-webinar/livesession/pkg/queue"
	"github.com/aura-webinar/livesession/pkg/storage"
)

const dequeueTimeout = 5 * time.Second

// HistorySource loads the full readout of a live session.
type HistorySource interface {
	History(ctx context.Context, sessionID uuid.UUID) (*livesessions.History, error)
}

// ObjectStore uploads archive objects.
type ObjectStore interface {
	Upload(ctx context.Context, bucket, key, contentType string, body io.Reader, contentLength int64) (string, error)
}

// Jobs is the job queue the processor consumes.
type Jobs interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// ArchiveProcessor processes session archive jobs: load history, upload it as JSON.
type ArchiveProcessor struct {
	history HistorySource
	store   ObjectStore
	bucket  string
	queue   Jobs
	backoff time.Duration
	logger  *zap.Logger
}

// NewArchiveProcessor creates a session archive processor.
func NewArchiveProcessor(history HistorySource, store ObjectStore, bucket string, q Jobs, logger *zap.Logger) *ArchiveProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveProcessor{history: history, store: store, bucket: bucket, queue: q, backoff: queue.RetryBackoff, logger: logger}
}

// Process executes one archive job.
func (p *ArchiveProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeSessionArchive {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.SessionArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	hist, err := p.history.History(ctx, payload.SessionID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	body, err := json.Marshal(hist)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	key := storage.ArchiveKey(payload.SessionID.String(), payload.LiveSessionID.String())
	url, err := p.store.Upload(ctx, p.bucket, key, storage.ArchiveContentType, bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}

	p.logger.Info("session archive uploaded",
		zap.String("session_id", payload.SessionID.String()),
		zap.String("s3_key", key),
		zap.String("url", url),
		zap.Int("chat_messages", len(hist.Chat)),
	)
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ArchiveProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("archive worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("archive job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *ArchiveProcessor) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.backoff):
	}
}
