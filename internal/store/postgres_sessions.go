package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/aura-webinar/conference/internal/models"
)

const sessionColumns = `id, user_id, title, description, slug, status, scheduled_at, started_at, ended_at, max_attendees,
	allow_questions, allow_anonymous_questions, moderate_questions, require_registration, enable_recording,
	branding, settings, created_at, updated_at`

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.UserID, &s.Title, &s.Description, &s.Slug, &s.Status, &s.ScheduledAt, &s.StartedAt, &s.EndedAt,
		&s.MaxAttendees, &s.AllowQuestions, &s.AllowAnonymousQuestions, &s.ModerateQuestions, &s.RequireRegistration,
		&s.EnableRecording, &s.Branding, &s.Settings, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &s, nil
}

// CreateSession implements Store.
func (p *Postgres) CreateSession(ctx context.Context, s *models.Session) error {
	if s.Status == "" {
		s.Status = models.SessionScheduled
	}
	const q = `INSERT INTO sessions (id, user_id, title, description, slug, status, scheduled_at, max_attendees,
		allow_questions, allow_anonymous_questions, moderate_questions, require_registration, enable_recording, branding, settings)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at`
	err := p.db.QueryRow(ctx, q, s.UserID, s.Title, s.Description, s.Slug, string(s.Status), s.ScheduledAt, s.MaxAttendees,
		s.AllowQuestions, s.AllowAnonymousQuestions, s.ModerateQuestions, s.RequireRegistration, s.EnableRecording,
		s.Branding, s.Settings).
		Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	return mapErr(err)
}

// ListSessions implements Store.
func (p *Postgres) ListSessions(ctx context.Context, f SessionFilter) ([]models.Session, error) {
	var status *string
	if f.Status != nil {
		v := string(*f.Status)
		status = &v
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := p.db.Query(ctx, q, status, limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := make([]models.Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

// GetSessionByID implements Store.
func (p *Postgres) GetSessionByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return scanSession(p.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

// GetSessionBySlug implements Store.
func (p *Postgres) GetSessionBySlug(ctx context.Context, slug string) (*models.Session, error) {
	return scanSession(p.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE slug = $1`, slug))
}

// SlugExists implements Store.
func (p *Postgres) SlugExists(ctx context.Context, slug string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM sessions WHERE slug = $1)`
	var exists bool
	err := p.db.QueryRow(ctx, q, slug).Scan(&exists)
	return exists, err
}

// UpdateSessionStatus implements Store.
func (p *Postgres) UpdateSessionStatus(ctx context.Context, id uuid.UUID, to models.SessionStatus, from ...models.SessionStatus) (*models.Session, error) {
	allowed := make([]string, 0, 3)
	for _, f := range from {
		allowed = append(allowed, string(f))
	}
	if len(from) == 0 {
		allowed = append(allowed, string(models.SessionScheduled), string(models.SessionLive), string(models.SessionEnded))
	}
	q := `UPDATE sessions SET status = $2::text,
		started_at = CASE WHEN $2::text = 'live' THEN NOW() ELSE started_at END,
		ended_at = CASE WHEN $2::text = 'ended' THEN NOW() ELSE ended_at END,
		updated_at = NOW()
		WHERE id = $1 AND status = ANY($3::text[])
		RETURNING ` + sessionColumns
	s, err := scanSession(p.db.QueryRow(ctx, q, id, string(to), allowed))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := p.GetSessionByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrConflict
	}
	return s, err
}
