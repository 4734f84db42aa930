// Package analytics appends engagement events for sessions. Recording is best
// effort: a full buffer or a failed write drops the event and never blocks the caller.
package analytics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/conference/internal/metrics"
	"github.com/aura-webinar/conference/internal/models"
	"github.com/aura-webinar/conference/internal/store"
)

const writeTimeout = 5 * time.Second

// RoomSizer reports the live size of a session room.
type RoomSizer interface {
	SizeOf(sessionID uuid.UUID) int
}

type pending struct {
	sessionID         uuid.UUID
	eventType         string
	data              json.RawMessage
	activeConnections int
}

// Recorder buffers events and writes them from a single goroutine started by Run.
type Recorder struct {
	store   store.Store
	rooms   RoomSizer
	events  chan pending
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRecorder creates a recorder with room for buffer pending events.
func NewRecorder(st store.Store, rooms RoomSizer, buffer int, logger *zap.Logger, m *metrics.Metrics) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &Recorder{store: st, rooms: rooms, events: make(chan pending, buffer), logger: logger, metrics: m}
}

// Track enqueues an event. The room size is captured now so the record reflects
// the moment of the event rather than the moment of the write.
func (r *Recorder) Track(sessionID uuid.UUID, eventType string, data interface{}) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			r.logger.Warn("analytics event data", zap.String("event_type", eventType), zap.Error(err))
			r.metrics.AnalyticsDropped()
			return
		}
		raw = b
	}
	p := pending{sessionID: sessionID, eventType: eventType, data: raw, activeConnections: r.rooms.SizeOf(sessionID)}
	select {
	case r.events <- p:
	default:
		r.metrics.AnalyticsDropped()
		r.logger.Warn("analytics buffer full, event dropped", zap.String("session_id", sessionID.String()), zap.String("event_type", eventType))
	}
}

// Run writes buffered events until ctx is done.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("analytics recorder stopping", zap.Int("pending", len(r.events)))
			return
		case p := <-r.events:
			if err := r.write(ctx, p); err != nil {
				r.metrics.AnalyticsDropped()
				r.logger.Warn("analytics write failed", zap.String("session_id", p.sessionID.String()),
					zap.String("event_type", p.eventType), zap.Error(err))
			}
		}
	}
}

func (r *Recorder) write(ctx context.Context, p pending) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	joined, err := r.store.CountAttendees(ctx, p.sessionID, models.AttendeeJoined)
	if err != nil {
		return err
	}
	questions, err := r.store.ListQuestions(ctx, p.sessionID, store.QuestionFilter{})
	if err != nil {
		return err
	}
	return r.store.AppendAnalyticsEvent(ctx, &models.AnalyticsEvent{
		SessionID:         p.sessionID,
		EventType:         p.eventType,
		EventData:         p.data,
		AttendeeCount:     joined,
		ActiveConnections: p.activeConnections,
		QuestionsCount:    len(questions),
	})
}
