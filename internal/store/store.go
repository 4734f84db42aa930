// Package store is the persisted record store behind the coordinator: sessions,
// attendees, questions, votes, analytics events and presenter accounts.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/aura-webinar/conference/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("duplicate record")
	// ErrConflict is returned by UpdateSessionStatus when the transition is not
	// allowed from the session's current status.
	ErrConflict = errors.New("status transition not allowed")
)

// CounterField names a question vote counter.
type CounterField string

const (
	CounterUpvotes   CounterField = "upvotes"
	CounterDownvotes CounterField = "downvotes"
)

// CounterFor returns the counter a vote of type v increments.
func CounterFor(v models.VoteType) CounterField {
	if v == models.VoteDown {
		return CounterDownvotes
	}
	return CounterUpvotes
}

// SessionFilter narrows ListSessions. Zero values mean no filter.
type SessionFilter struct {
	Status *models.SessionStatus
	Limit  int
	Offset int
}

// QuestionFilter narrows ListQuestions.
type QuestionFilter struct {
	Status *models.QuestionStatus
}

// QuestionUpdate is a partial update; nil fields are left unchanged.
type QuestionUpdate struct {
	Status     *models.QuestionStatus
	Priority   *int
	Answer     *string
	AnsweredAt *time.Time
	AnsweredBy *uuid.UUID
}

// Snapshot is a consistent read of a room's persisted state.
type Snapshot struct {
	Session   *models.Session   `json:"session"`
	Attendees []models.Attendee `json:"attendees"`
	Questions []models.Question `json:"questions"`
}

// Store is the persisted-store collaborator. Implementations must make
// IncrementQuestionCounter a relative update evaluated by the store and must reject
// a second vote with the same (question, voter key) with ErrDuplicate.
type Store interface {
	// Tx runs fn against a transactional view of the store. Nested calls reuse the
	// outer transaction.
	Tx(ctx context.Context, fn func(Store) error) error
	// Snapshot reads the session, its attendees and its questions as of one instant.
	Snapshot(ctx context.Context, sessionID uuid.UUID) (*Snapshot, error)
	Ping(ctx context.Context) error

	CreateSession(ctx context.Context, s *models.Session) error
	ListSessions(ctx context.Context, f SessionFilter) ([]models.Session, error)
	GetSessionByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	GetSessionBySlug(ctx context.Context, slug string) (*models.Session, error)
	SlugExists(ctx context.Context, slug string) (bool, error)
	// UpdateSessionStatus moves a session to status `to` only if its current status is
	// one of `from`. It returns ErrNotFound if the session does not exist and
	// ErrConflict if the current status is not allowed.
	UpdateSessionStatus(ctx context.Context, id uuid.UUID, to models.SessionStatus, from ...models.SessionStatus) (*models.Session, error)

	GetAttendee(ctx context.Context, id uuid.UUID) (*models.Attendee, error)
	InsertAttendee(ctx context.Context, a *models.Attendee) error
	UpdateAttendeeStatus(ctx context.Context, id uuid.UUID, connID *string, status models.AttendeeStatus, leftAt *time.Time) error
	ListAttendees(ctx context.Context, sessionID uuid.UUID) ([]models.Attendee, error)
	CountAttendees(ctx context.Context, sessionID uuid.UUID, status models.AttendeeStatus) (int, error)

	ListQuestions(ctx context.Context, sessionID uuid.UUID, f QuestionFilter) ([]models.Question, error)
	GetQuestion(ctx context.Context, sessionID, questionID uuid.UUID) (*models.Question, error)
	InsertQuestion(ctx context.Context, q *models.Question) error
	UpdateQuestion(ctx context.Context, sessionID, questionID uuid.UUID, u QuestionUpdate) (*models.Question, error)
	// DeleteQuestion removes the question and its votes.
	DeleteQuestion(ctx context.Context, sessionID, questionID uuid.UUID) error

	FindVote(ctx context.Context, questionID uuid.UUID, voterKey string) (*models.Vote, error)
	InsertVote(ctx context.Context, v *models.Vote) error
	IncrementQuestionCounter(ctx context.Context, questionID uuid.UUID, field CounterField, delta int) (*models.Question, error)

	AppendAnalyticsEvent(ctx context.Context, e *models.AnalyticsEvent) error

	CreateUser(ctx context.Context, u *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

