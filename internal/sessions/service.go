// Package sessions implements the session lifecycle and the attendee registration
// endpoints around the live coordinator.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/conference/internal/apperr"
	"github.com/aura-webinar/conference/internal/coordinator"
	"github.com/aura-webinar/conference/internal/models"
	"github.com/aura-webinar/conference/internal/store"
	"github.com/aura-webinar/conference/pkg/queue"
	"github.com/aura-webinar/conference/pkg/storage"
)

const (
	defaultPageSize    = 10
	maxPageSize        = 50
	defaultMaxAttendee = 100
	maxSlugLength      = 50
	maxSlugAttempts    = 1000
)

var (
	// ErrExportsDisabled is returned when no export storage is configured.
	ErrExportsDisabled = errors.New("session exports are not configured")
	// ErrExportNotReady is returned when the transcript has not been written yet.
	ErrExportNotReady = errors.New("session export is not ready")

	slugStrip = regexp.MustCompile(`[^a-z0-9\s-]`)
	slugSpace = regexp.MustCompile(`\s+`)
)

// Broadcaster delivers an event to every connection in a session room.
type Broadcaster interface {
	Broadcast(sessionID uuid.UUID, event string, payload interface{}, except string)
}

// RoomSizer reports the live size of a session room.
type RoomSizer interface {
	SizeOf(sessionID uuid.UUID) int
}

// ExportQueue schedules transcript exports.
type ExportQueue interface {
	EnqueueSessionExport(ctx context.Context, payload queue.SessionExportPayload) error
}

// ExportLinker issues download links for written transcripts.
type ExportLinker interface {
	ExportURL(ctx context.Context, sessionID string) (string, error)
}

// Service owns session lifecycle transitions.
type Service struct {
	store  store.Store
	bc     Broadcaster
	rooms  RoomSizer
	queue  ExportQueue
	links  ExportLinker
	logger *zap.Logger
}

// NewService creates a session service. Exports stay disabled until WithExports is called.
func NewService(st store.Store, bc Broadcaster, rooms RoomSizer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: st, bc: bc, rooms: rooms, logger: logger}
}

// WithExports enables transcript export on session end.
func (s *Service) WithExports(q ExportQueue, links ExportLinker) *Service {
	s.queue = q
	s.links = links
	return s
}

// Slugify derives the URL slug base from a title.
func Slugify(title string) string {
	slug := strings.ToLower(title)
	slug = slugStrip.ReplaceAllString(slug, "")
	slug = slugSpace.ReplaceAllString(strings.TrimSpace(slug), "-")
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "-")
	}
	if slug == "" {
		slug = "session"
	}
	return slug
}

func (s *Service) uniqueSlug(ctx context.Context, title string) (string, error) {
	base := Slugify(title)
	slug := base
	for i := 1; i <= maxSlugAttempts; i++ {
		exists, err := s.store.SlugExists(ctx, slug)
		if err != nil {
			return "", fmt.Errorf("check slug: %w", err)
		}
		if !exists {
			return slug, nil
		}
		slug = fmt.Sprintf("%s-%d", base, i)
	}
	return "", apperr.Validation("could not allocate a unique slug")
}

// CreateInput holds the presenter-supplied fields of a new session.
type CreateInput struct {
	Title                   string
	Description             string
	ScheduledAt             *time.Time
	MaxAttendees            int
	AllowQuestions          *bool
	AllowAnonymousQuestions *bool
	ModerateQuestions       bool
	RequireRegistration     bool
	EnableRecording         bool
	Branding                *models.Branding
	Settings                *models.SessionSettings
}

// Create stores a new scheduled session owned by owner.
func (s *Service) Create(ctx context.Context, owner uuid.UUID, in CreateInput) (*models.Session, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" || utf8.RuneCountInString(title) > 255 {
		return nil, apperr.Validation("title must be between 1 and 255 characters")
	}
	if in.MaxAttendees == 0 {
		in.MaxAttendees = defaultMaxAttendee
	}
	if in.MaxAttendees < 1 || in.MaxAttendees > 1000 {
		return nil, apperr.Validation("maxAttendees must be between 1 and 1000")
	}
	sess := &models.Session{
		UserID:                  owner,
		Title:                   title,
		Description:             in.Description,
		Status:                  models.SessionScheduled,
		ScheduledAt:             in.ScheduledAt,
		MaxAttendees:            in.MaxAttendees,
		AllowQuestions:          boolOr(in.AllowQuestions, true),
		AllowAnonymousQuestions: boolOr(in.AllowAnonymousQuestions, true),
		ModerateQuestions:       in.ModerateQuestions,
		RequireRegistration:     in.RequireRegistration,
		EnableRecording:         in.EnableRecording,
		Branding:                in.Branding,
		Settings:                models.DefaultSessionSettings(),
	}
	if in.Settings != nil {
		sess.Settings = *in.Settings
	}

	// A concurrent create can take the slug between the check and the insert.
	for attempt := 0; attempt < 3; attempt++ {
		slug, err := s.uniqueSlug(ctx, title)
		if err != nil {
			return nil, err
		}
		sess.Slug = slug
		err = s.store.CreateSession(ctx, sess)
		if err == nil {
			s.logger.Info("session created", zap.String("session_id", sess.ID.String()), zap.String("slug", sess.Slug))
			return sess, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("create session: %w", err)
		}
	}
	return nil, apperr.Validation("could not allocate a unique slug")
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// Page is one page of sessions with their joined-attendee counts.
type Page struct {
	Sessions []models.SessionWithCount
	Page     int
	Limit    int
}

// HasNext reports whether another page may follow.
func (p Page) HasNext() bool { return len(p.Sessions) == p.Limit }

// List returns sessions newest first. page starts at 1; limit is capped at 50.
func (s *Service) List(ctx context.Context, page, limit int, status *models.SessionStatus) (Page, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if status != nil && !status.Valid() {
		return Page{}, apperr.Validation("invalid status filter")
	}
	list, err := s.store.ListSessions(ctx, store.SessionFilter{Status: status, Limit: limit, Offset: (page - 1) * limit})
	if err != nil {
		return Page{}, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]models.SessionWithCount, 0, len(list))
	for _, sess := range list {
		n, err := s.store.CountAttendees(ctx, sess.ID, models.AttendeeJoined)
		if err != nil {
			return Page{}, fmt.Errorf("count attendees: %w", err)
		}
		out = append(out, models.SessionWithCount{Session: sess, CurrentAttendees: n})
	}
	return Page{Sessions: out, Page: page, Limit: limit}, nil
}

// Get returns a session by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	sess, err := s.store.GetSessionByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// GetBySlug returns a session by slug.
func (s *Service) GetBySlug(ctx context.Context, slug string) (*models.Session, error) {
	sess, err := s.store.GetSessionBySlug(ctx, slug)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session by slug: %w", err)
	}
	return sess, nil
}

func (s *Service) owned(ctx context.Context, id, caller uuid.UUID) (*models.Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != caller {
		return nil, apperr.ErrForbidden
	}
	return sess, nil
}

// Start moves a scheduled session to live.
func (s *Service) Start(ctx context.Context, id, caller uuid.UUID) (*models.Session, error) {
	return s.transition(ctx, id, caller, models.SessionLive, models.SessionScheduled)
}

// End moves a scheduled or live session to ended and schedules its transcript export.
func (s *Service) End(ctx context.Context, id, caller uuid.UUID) (*models.Session, error) {
	sess, err := s.transition(ctx, id, caller, models.SessionEnded, models.SessionScheduled, models.SessionLive)
	if err != nil {
		return nil, err
	}
	if s.queue != nil {
		endedAt := time.Now()
		if sess.EndedAt != nil {
			endedAt = *sess.EndedAt
		}
		if err := s.queue.EnqueueSessionExport(ctx, queue.SessionExportPayload{SessionID: sess.ID, EndedAt: endedAt}); err != nil {
			s.logger.Warn("enqueue session export", zap.String("session_id", sess.ID.String()), zap.Error(err))
		}
	}
	return sess, nil
}

func (s *Service) transition(ctx context.Context, id, caller uuid.UUID, to models.SessionStatus, from ...models.SessionStatus) (*models.Session, error) {
	current, err := s.owned(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	sess, err := s.store.UpdateSessionStatus(ctx, id, to, from...)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, apperr.ErrSessionNotFound
	case errors.Is(err, store.ErrConflict):
		// The status may have moved since it was read; report the one that blocked us.
		latest, gerr := s.store.GetSessionByID(ctx, id)
		if gerr != nil {
			return nil, fmt.Errorf("reload session after conflict: %w", gerr)
		}
		if latest.Status == models.SessionEnded {
			return nil, apperr.ErrSessionEnded
		}
		return nil, apperr.Validation(fmt.Sprintf("session is already %s", latest.Status))
	case err != nil:
		return nil, fmt.Errorf("update session status: %w", err)
	}
	s.logger.Info("session status changed", zap.String("session_id", id.String()),
		zap.String("from", string(current.Status)), zap.String("to", string(sess.Status)))
	s.bc.Broadcast(id, coordinator.EventStatusChanged, coordinator.StatusChangedPayload{SessionID: id, Status: sess.Status}, "")
	return sess, nil
}

// JoinInput is an HTTP registration for a session.
type JoinInput struct {
	Name      *string
	Email     *string
	IPAddress string
	UserAgent string
}

// Join registers a waiting attendee. The live room is joined later over the websocket.
func (s *Service) Join(ctx context.Context, id uuid.UUID, in JoinInput) (*models.Attendee, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == models.SessionEnded {
		return nil, apperr.ErrSessionEnded
	}
	joined, err := s.store.CountAttendees(ctx, id, models.AttendeeJoined)
	if err != nil {
		return nil, fmt.Errorf("count attendees: %w", err)
	}
	if sess.MaxAttendees > 0 && joined >= sess.MaxAttendees {
		return nil, apperr.ErrSessionFull
	}
	a := &models.Attendee{
		SessionID:   id,
		Name:        in.Name,
		Email:       in.Email,
		IsAnonymous: in.Name == nil && in.Email == nil,
		Status:      models.AttendeeWaiting,
		IPAddress:   in.IPAddress,
		UserAgent:   in.UserAgent,
	}
	if err := s.store.InsertAttendee(ctx, a); err != nil {
		return nil, fmt.Errorf("insert attendee: %w", err)
	}
	return a, nil
}

// Attendees lists a session's attendees, most recent first.
func (s *Service) Attendees(ctx context.Context, id uuid.UUID) ([]models.Attendee, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	list, err := s.store.ListAttendees(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list attendees: %w", err)
	}
	return list, nil
}

// Audience returns the number of live connections in the session room.
func (s *Service) Audience(ctx context.Context, id uuid.UUID) (int, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return 0, err
	}
	return s.rooms.SizeOf(id), nil
}

// ExportURL returns a download link for the session's Q&A transcript.
func (s *Service) ExportURL(ctx context.Context, id, caller uuid.UUID) (string, error) {
	if _, err := s.owned(ctx, id, caller); err != nil {
		return "", err
	}
	if s.links == nil {
		return "", ErrExportsDisabled
	}
	url, err := s.links.ExportURL(ctx, id.String())
	if errors.Is(err, storage.ErrObjectNotFound) {
		return "", ErrExportNotReady
	}
	if err != nil {
		return "", fmt.Errorf("export url: %w", err)
	}
	return url, nil
}
