package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/aura-webinar/conference/internal/models"
)

const questionColumns = `id, session_id, attendee_id, content, author_name, is_anonymous, status, priority, upvotes, downvotes,
	answer, answered_at, answered_by, created_at, updated_at`

func scanQuestion(row rowScanner) (*models.Question, error) {
	var q models.Question
	err := row.Scan(&q.ID, &q.SessionID, &q.AttendeeID, &q.Content, &q.AuthorName, &q.IsAnonymous, &q.Status, &q.Priority,
		&q.Upvotes, &q.Downvotes, &q.Answer, &q.AnsweredAt, &q.AnsweredBy, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &q, nil
}

// ListQuestions implements Store.
func (p *Postgres) ListQuestions(ctx context.Context, sessionID uuid.UUID, f QuestionFilter) ([]models.Question, error) {
	var status *string
	if f.Status != nil {
		v := string(*f.Status)
		status = &v
	}
	q := `SELECT ` + questionColumns + ` FROM questions
		WHERE session_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at, id`
	rows, err := p.db.Query(ctx, q, sessionID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := make([]models.Question, 0)
	for rows.Next() {
		qu, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *qu)
	}
	return list, rows.Err()
}

// GetQuestion implements Store.
func (p *Postgres) GetQuestion(ctx context.Context, sessionID, questionID uuid.UUID) (*models.Question, error) {
	q := `SELECT ` + questionColumns + ` FROM questions WHERE id = $1 AND session_id = $2`
	return scanQuestion(p.db.QueryRow(ctx, q, questionID, sessionID))
}

// InsertQuestion implements Store.
func (p *Postgres) InsertQuestion(ctx context.Context, qu *models.Question) error {
	const q = `INSERT INTO questions (id, session_id, attendee_id, content, author_name, is_anonymous, status, priority)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7)
		RETURNING id, upvotes, downvotes, created_at, updated_at`
	err := p.db.QueryRow(ctx, q, qu.SessionID, qu.AttendeeID, qu.Content, qu.AuthorName, qu.IsAnonymous, string(qu.Status), qu.Priority).
		Scan(&qu.ID, &qu.Upvotes, &qu.Downvotes, &qu.CreatedAt, &qu.UpdatedAt)
	return mapErr(err)
}

// UpdateQuestion implements Store.
func (p *Postgres) UpdateQuestion(ctx context.Context, sessionID, questionID uuid.UUID, u QuestionUpdate) (*models.Question, error) {
	var status *string
	if u.Status != nil {
		v := string(*u.Status)
		status = &v
	}
	q := `UPDATE questions SET
		status = COALESCE($3, status),
		priority = COALESCE($4, priority),
		answer = COALESCE($5, answer),
		answered_at = COALESCE($6, answered_at),
		answered_by = COALESCE($7, answered_by),
		updated_at = NOW()
		WHERE id = $1 AND session_id = $2
		RETURNING ` + questionColumns
	return scanQuestion(p.db.QueryRow(ctx, q, questionID, sessionID, status, u.Priority, u.Answer, u.AnsweredAt, u.AnsweredBy))
}

// DeleteQuestion implements Store. Votes are removed by the foreign key cascade.
func (p *Postgres) DeleteQuestion(ctx context.Context, sessionID, questionID uuid.UUID) error {
	const q = `DELETE FROM questions WHERE id = $1 AND session_id = $2`
	tag, err := p.db.Exec(ctx, q, questionID, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindVote implements Store.
func (p *Postgres) FindVote(ctx context.Context, questionID uuid.UUID, voterKey string) (*models.Vote, error) {
	const q = `SELECT id, question_id, attendee_id, ip_address, voter_key, vote_type, created_at
		FROM question_votes WHERE question_id = $1 AND voter_key = $2`
	var v models.Vote
	err := p.db.QueryRow(ctx, q, questionID, voterKey).
		Scan(&v.ID, &v.QuestionID, &v.AttendeeID, &v.IPAddress, &v.VoterKey, &v.VoteType, &v.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &v, nil
}

// InsertVote implements Store. A second vote with the same voter key fails with ErrDuplicate.
func (p *Postgres) InsertVote(ctx context.Context, v *models.Vote) error {
	const q = `INSERT INTO question_votes (id, question_id, attendee_id, ip_address, voter_key, vote_type)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5)
		RETURNING id, created_at`
	err := p.db.QueryRow(ctx, q, v.QuestionID, v.AttendeeID, v.IPAddress, v.VoterKey, string(v.VoteType)).
		Scan(&v.ID, &v.CreatedAt)
	return mapErr(err)
}

// IncrementQuestionCounter implements Store.
func (p *Postgres) IncrementQuestionCounter(ctx context.Context, questionID uuid.UUID, field CounterField, delta int) (*models.Question, error) {
	var column string
	switch field {
	case CounterUpvotes:
		column = "upvotes"
	case CounterDownvotes:
		column = "downvotes"
	default:
		return nil, fmt.Errorf("unknown counter %q", field)
	}
	q := `UPDATE questions SET ` + column + ` = ` + column + ` + $2, updated_at = NOW()
		WHERE id = $1 RETURNING ` + questionColumns
	return scanQuestion(p.db.QueryRow(ctx, q, questionID, delta))
}
