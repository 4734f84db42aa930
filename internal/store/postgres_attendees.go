package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aura-webinar/conference/internal/models"
)

const attendeeColumns = `id, session_id, name, email, is_anonymous, connection_id, status, joined_at, left_at, ip_address, user_agent`

func scanAttendee(row rowScanner) (*models.Attendee, error) {
	var a models.Attendee
	err := row.Scan(&a.ID, &a.SessionID, &a.Name, &a.Email, &a.IsAnonymous, &a.ConnectionID, &a.Status, &a.JoinedAt,
		&a.LeftAt, &a.IPAddress, &a.UserAgent)
	if err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

// GetAttendee implements Store.
func (p *Postgres) GetAttendee(ctx context.Context, id uuid.UUID) (*models.Attendee, error) {
	return scanAttendee(p.db.QueryRow(ctx, `SELECT `+attendeeColumns+` FROM attendees WHERE id = $1`, id))
}

// InsertAttendee implements Store.
func (p *Postgres) InsertAttendee(ctx context.Context, a *models.Attendee) error {
	if a.Status == "" {
		a.Status = models.AttendeeWaiting
	}
	const q = `INSERT INTO attendees (id, session_id, name, email, is_anonymous, connection_id, status, ip_address, user_agent)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, joined_at`
	err := p.db.QueryRow(ctx, q, a.SessionID, a.Name, a.Email, a.IsAnonymous, a.ConnectionID, string(a.Status),
		a.IPAddress, a.UserAgent).
		Scan(&a.ID, &a.JoinedAt)
	return mapErr(err)
}

// UpdateAttendeeStatus implements Store.
func (p *Postgres) UpdateAttendeeStatus(ctx context.Context, id uuid.UUID, connID *string, status models.AttendeeStatus, leftAt *time.Time) error {
	const q = `UPDATE attendees SET connection_id = $2, status = $3, left_at = $4 WHERE id = $1`
	tag, err := p.db.Exec(ctx, q, id, connID, string(status), leftAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAttendees implements Store.
func (p *Postgres) ListAttendees(ctx context.Context, sessionID uuid.UUID) ([]models.Attendee, error) {
	q := `SELECT ` + attendeeColumns + ` FROM attendees WHERE session_id = $1 ORDER BY joined_at DESC`
	rows, err := p.db.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := make([]models.Attendee, 0)
	for rows.Next() {
		a, err := scanAttendee(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *a)
	}
	return list, rows.Err()
}

// CountAttendees implements Store.
func (p *Postgres) CountAttendees(ctx context.Context, sessionID uuid.UUID, status models.AttendeeStatus) (int, error) {
	const q = `SELECT COUNT(*) FROM attendees WHERE session_id = $1 AND status = $2`
	var n int
	err := p.db.QueryRow(ctx, q, sessionID, string(status)).Scan(&n)
	return n, err
}

// AppendAnalyticsEvent implements Store.
func (p *Postgres) AppendAnalyticsEvent(ctx context.Context, e *models.AnalyticsEvent) error {
	var data []byte
	if len(e.EventData) > 0 {
		data = e.EventData
	}
	const q = `INSERT INTO session_analytics (id, session_id, event_type, event_data, attendee_count, active_connections, questions_count)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6)
		RETURNING id, timestamp`
	err := p.db.QueryRow(ctx, q, e.SessionID, e.EventType, data, e.AttendeeCount, e.ActiveConnections, e.QuestionsCount).
		Scan(&e.ID, &e.Timestamp)
	return mapErr(err)
}
