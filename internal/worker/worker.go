package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/conference/internal/models"
	"github.com/aura-webinar/conference/internal/qa"
	"github.com/aura-webinar/conference/internal/store"
	"github.com/aura-webinar/conference/pkg/queue"
	"github.com/aura-webinar/conference/pkg/storage"
)

// Uploader writes an export object.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error)
}

// JobSource is the queue the processor consumes.
type JobSource interface {
	Dequeue(ctx context.Context) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Transcript is the exported Q&A record of an ended session.
type Transcript struct {
	SessionID     uuid.UUID         `json:"sessionId"`
	Title         string            `json:"title"`
	Slug          string            `json:"slug"`
	StartedAt     *time.Time        `json:"startedAt,omitempty"`
	EndedAt       *time.Time        `json:"endedAt,omitempty"`
	AttendeeCount int               `json:"attendeeCount"`
	Questions     []models.Question `json:"questions"`
	GeneratedAt   time.Time         `json:"generatedAt"`
}

// ExportProcessor processes session export jobs: snapshot the session, rank its
// questions and upload the transcript.
type ExportProcessor struct {
	store    store.Store
	uploader Uploader
	queue    JobSource
	logger   *zap.Logger
	backoff  time.Duration
}

// NewExportProcessor creates a session export processor.
func NewExportProcessor(st store.Store, uploader Uploader, q JobSource, logger *zap.Logger) *ExportProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportProcessor{store: st, uploader: uploader, queue: q, logger: logger, backoff: queue.RetryBackoff}
}

// Process executes one export job.
func (p *ExportProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeSessionExport {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.SessionExportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	snap, err := p.store.Snapshot(ctx, payload.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("export for missing session skipped", zap.String("session_id", payload.SessionID.String()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if snap.Session.Status != models.SessionEnded {
		return fmt.Errorf("session %s is %s, not ended", payload.SessionID, snap.Session.Status)
	}

	qa.Sort(snap.Questions)
	t := Transcript{
		SessionID:     snap.Session.ID,
		Title:         snap.Session.Title,
		Slug:          snap.Session.Slug,
		StartedAt:     snap.Session.StartedAt,
		EndedAt:       snap.Session.EndedAt,
		AttendeeCount: len(snap.Attendees),
		Questions:     snap.Questions,
		GeneratedAt:   time.Now().UTC(),
	}
	body, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}

	key := storage.ExportKey(payload.SessionID.String())
	url, err := p.uploader.Upload(ctx, key, "application/json", bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	p.logger.Info("session export completed", zap.String("session_id", payload.SessionID.String()),
		zap.String("s3_key", key), zap.String("url", url), zap.Int("questions", len(t.Questions)))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ExportProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("export worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
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
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *ExportProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
