// Package qa is the Q&A ledger: question submission, moderation, voting and
// ranking against the persisted store.
package qa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/conference/internal/apperr"
	"github.com/aura-webinar/conference/internal/metrics"
	"github.com/aura-webinar/conference/internal/models"
	"github.com/aura-webinar/conference/internal/store"
)

// Outbound room events.
const (
	EventQuestionNew           = "question:new"
	EventQuestionVoted         = "question:voted"
	EventQuestionAnswered      = "question:answered"
	EventQuestionStatusChanged = "question:status-changed"
	EventQuestionUpdated       = "question:updated"
	EventQuestionDeleted       = "question:deleted"
)

const (
	maxContentLen = 1000
	maxAnswerLen  = 2000
	maxPriority   = 100
)

// Broadcaster delivers an event to every connection of a session room except `except`.
type Broadcaster interface {
	Broadcast(sessionID uuid.UUID, event string, payload interface{}, except string)
}

// Tracker records best-effort analytics events.
type Tracker interface {
	Track(sessionID uuid.UUID, eventType string, data interface{})
}

// Ledger owns question lifecycle and vote bookkeeping.
type Ledger struct {
	store   store.Store
	bc      Broadcaster
	tracker Tracker
	votes   *keyedMutex
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewLedger creates a ledger. tracker may be nil.
func NewLedger(st store.Store, bc Broadcaster, tracker Tracker, logger *zap.Logger, m *metrics.Metrics) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:   st,
		bc:      bc,
		tracker: tracker,
		votes:   newKeyedMutex(),
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// SubmitInput is a question submission.
type SubmitInput struct {
	Content     string     `json:"content"`
	IsAnonymous bool       `json:"isAnonymous"`
	AttendeeID  *uuid.UUID `json:"attendeeId,omitempty"`
}

// QuestionPayload is the data of question:new, question:answered and question:updated.
type QuestionPayload struct {
	Question *models.Question `json:"question"`
}

// VotedPayload is the data of question:voted.
type VotedPayload struct {
	QuestionID uuid.UUID `json:"questionId"`
	Upvotes    int       `json:"upvotes"`
	Downvotes  int       `json:"downvotes"`
}

// StatusChangedPayload is the data of question:status-changed.
type StatusChangedPayload struct {
	QuestionID uuid.UUID             `json:"questionId"`
	Status     models.QuestionStatus `json:"status"`
	Question   *models.Question      `json:"question"`
}

// DeletedPayload is the data of question:deleted.
type DeletedPayload struct {
	QuestionID uuid.UUID `json:"questionId"`
}

func (l *Ledger) session(ctx context.Context, sessionID uuid.UUID) (*models.Session, error) {
	s, err := l.store.GetSessionByID(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// owned returns the session if moderator owns it.
func (l *Ledger) owned(ctx context.Context, sessionID, moderator uuid.UUID) (*models.Session, error) {
	s, err := l.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.UserID != moderator {
		return nil, apperr.ErrForbidden
	}
	return s, nil
}

// Submit creates a question. It is approved immediately unless the session
// moderates questions.
func (l *Ledger) Submit(ctx context.Context, sessionID uuid.UUID, in SubmitInput) (*models.Question, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, apperr.Validation("question content is required")
	}
	if utf8.RuneCountInString(content) > maxContentLen {
		return nil, apperr.Validation(fmt.Sprintf("question content must be at most %d characters", maxContentLen))
	}

	s, err := l.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status == models.SessionEnded {
		return nil, apperr.ErrSessionEnded
	}
	if !s.AllowQuestions {
		return nil, apperr.ErrQuestionsDisabled
	}
	if in.IsAnonymous && !s.AllowAnonymousQuestions {
		return nil, apperr.ErrAnonymousDisabled
	}

	var authorName *string
	if in.AttendeeID != nil {
		a, err := l.store.GetAttendee(ctx, *in.AttendeeID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && a.SessionID != sessionID) {
			return nil, apperr.ErrAttendeeNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("get attendee: %w", err)
		}
		if !in.IsAnonymous && a.Name != nil {
			name := *a.Name
			authorName = &name
		}
	}

	status := models.QuestionApproved
	if s.ModerateQuestions {
		status = models.QuestionPending
	}
	q := &models.Question{
		SessionID:   sessionID,
		AttendeeID:  in.AttendeeID,
		Content:     content,
		AuthorName:  authorName,
		IsAnonymous: in.IsAnonymous,
		Status:      status,
	}
	if err := l.store.InsertQuestion(ctx, q); err != nil {
		return nil, fmt.Errorf("insert question: %w", err)
	}

	l.bc.Broadcast(sessionID, EventQuestionNew, QuestionPayload{Question: q}, "")
	l.track(sessionID, models.EventQuestionSubmitted, map[string]interface{}{
		"questionId":  q.ID,
		"isAnonymous": q.IsAnonymous,
	})
	return q, nil
}

// Voter identifies who votes: the attendee when known, else the network address.
type Voter struct {
	AttendeeID *uuid.UUID
	Address    string
}

// Key returns the deduplication key of the voter. Address-based keys are weak
// behind shared NAT or proxies.
func (v Voter) Key() string {
	if v.AttendeeID != nil {
		return "attendee:" + v.AttendeeID.String()
	}
	if v.Address != "" {
		return "addr:" + v.Address
	}
	return ""
}

// Vote records one vote per voter and question, and increments the matching
// counter. An attendee voter must be registered to the question's session. The check, insert and increment run in one transaction under a
// per-question lock; the store's uniqueness constraint backs the check across
// processes.
func (l *Ledger) Vote(ctx context.Context, sessionID, questionID uuid.UUID, voteType models.VoteType, voter Voter) (*models.Question, error) {
	if !voteType.Valid() {
		return nil, apperr.Validation("voteType must be up or down")
	}
	key := voter.Key()
	if key == "" {
		return nil, apperr.Validation("voter identity is required")
	}

	unlock := l.votes.Lock(questionID)
	defer unlock()

	var updated *models.Question
	err := l.store.Tx(ctx, func(tx store.Store) error {
		if _, err := tx.GetQuestion(ctx, sessionID, questionID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.ErrQuestionNotFound
			}
			return fmt.Errorf("get question: %w", err)
		}
		if voter.AttendeeID != nil {
			a, err := tx.GetAttendee(ctx, *voter.AttendeeID)
			if errors.Is(err, store.ErrNotFound) || (err == nil && a.SessionID != sessionID) {
				return apperr.ErrAttendeeNotFound
			}
			if err != nil {
				return fmt.Errorf("get attendee: %w", err)
			}
		}
		if _, err := tx.FindVote(ctx, questionID, key); err == nil {
			return apperr.ErrDuplicateVote
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("find vote: %w", err)
		}
		v := &models.Vote{
			QuestionID: questionID,
			AttendeeID: voter.AttendeeID,
			IPAddress:  voter.Address,
			VoterKey:   key,
			VoteType:   voteType,
		}
		if err := tx.InsertVote(ctx, v); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return apperr.ErrDuplicateVote
			}
			return fmt.Errorf("insert vote: %w", err)
		}
		q, err := tx.IncrementQuestionCounter(ctx, questionID, store.CounterFor(voteType), 1)
		if err != nil {
			return fmt.Errorf("increment %s: %w", store.CounterFor(voteType), err)
		}
		updated = q
		return nil
	})
	if err != nil {
		if errors.Is(err, apperr.ErrDuplicateVote) {
			l.metrics.Vote("duplicate")
		} else {
			l.metrics.Vote("rejected")
		}
		return nil, err
	}
	l.metrics.Vote("accepted")

	l.bc.Broadcast(sessionID, EventQuestionVoted, VotedPayload{
		QuestionID: updated.ID,
		Upvotes:    updated.Upvotes,
		Downvotes:  updated.Downvotes,
	}, "")
	l.track(sessionID, models.EventQuestionVoted, map[string]interface{}{
		"questionId": questionID,
		"voteType":   voteType,
	})
	return updated, nil
}

// Moderation is a partial moderation update. Nil fields are left unchanged.
type Moderation struct {
	Status   *models.QuestionStatus `json:"status,omitempty"`
	Priority *int                   `json:"priority,omitempty"`
	Answer   *string                `json:"answer,omitempty"`
}

func (m Moderation) validate() error {
	if m.Status == nil && m.Priority == nil && m.Answer == nil {
		return apperr.Validation("nothing to update")
	}
	if m.Status != nil && !m.Status.Valid() {
		return apperr.Validation("status must be one of pending, approved, answered, rejected")
	}
	if m.Priority != nil && (*m.Priority < 0 || *m.Priority > maxPriority) {
		return apperr.Validation(fmt.Sprintf("priority must be between 0 and %d", maxPriority))
	}
	if m.Answer != nil && utf8.RuneCountInString(*m.Answer) > maxAnswerLen {
		return apperr.Validation(fmt.Sprintf("answer must be at most %d characters", maxAnswerLen))
	}
	return nil
}

// Moderate updates status, priority or answer of a question. A non-empty answer
// marks the question answered and stamps the moderator and time. Only the owner
// of the session may moderate.
func (l *Ledger) Moderate(ctx context.Context, sessionID, questionID uuid.UUID, m Moderation, moderator uuid.UUID) (*models.Question, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	if _, err := l.owned(ctx, sessionID, moderator); err != nil {
		return nil, err
	}
	before, err := l.store.GetQuestion(ctx, sessionID, questionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrQuestionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get question: %w", err)
	}

	u := store.QuestionUpdate{Status: m.Status, Priority: m.Priority}
	answered := false
	if m.Answer != nil {
		if answer := strings.TrimSpace(*m.Answer); answer != "" {
			now := l.now()
			status := models.QuestionAnswered
			u.Answer = &answer
			u.AnsweredAt = &now
			u.AnsweredBy = &moderator
			u.Status = &status
			answered = true
		}
	}

	q, err := l.store.UpdateQuestion(ctx, sessionID, questionID, u)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrQuestionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update question: %w", err)
	}

	switch {
	case answered:
		l.bc.Broadcast(sessionID, EventQuestionAnswered, QuestionPayload{Question: q}, "")
	case q.Status != before.Status:
		l.bc.Broadcast(sessionID, EventQuestionStatusChanged, StatusChangedPayload{QuestionID: q.ID, Status: q.Status, Question: q}, "")
	default:
		l.bc.Broadcast(sessionID, EventQuestionUpdated, QuestionPayload{Question: q}, "")
	}
	return q, nil
}

// Answer sets the answer of a question.
func (l *Ledger) Answer(ctx context.Context, sessionID, questionID uuid.UUID, answer string, moderator uuid.UUID) (*models.Question, error) {
	if strings.TrimSpace(answer) == "" {
		return nil, apperr.Validation("answer is required")
	}
	return l.Moderate(ctx, sessionID, questionID, Moderation{Answer: &answer}, moderator)
}

// Rank returns the session's questions in display order, optionally filtered by
// status. It is computed on every call.
func (l *Ledger) Rank(ctx context.Context, sessionID uuid.UUID, status *models.QuestionStatus) ([]models.Question, error) {
	if status != nil && !status.Valid() {
		return nil, apperr.Validation("status must be one of pending, approved, answered, rejected")
	}
	if _, err := l.session(ctx, sessionID); err != nil {
		return nil, err
	}
	qs, err := l.store.ListQuestions(ctx, sessionID, store.QuestionFilter{Status: status})
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	Sort(qs)
	return qs, nil
}

// Remove deletes a question and its votes. Only the owner of the session may remove.
func (l *Ledger) Remove(ctx context.Context, sessionID, questionID uuid.UUID, moderator uuid.UUID) error {
	if _, err := l.owned(ctx, sessionID, moderator); err != nil {
		return err
	}
	err := l.store.DeleteQuestion(ctx, sessionID, questionID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.ErrQuestionNotFound
	}
	if err != nil {
		return fmt.Errorf("delete question: %w", err)
	}
	l.bc.Broadcast(sessionID, EventQuestionDeleted, DeletedPayload{QuestionID: questionID}, "")
	return nil
}

func (l *Ledger) track(sessionID uuid.UUID, eventType string, data interface{}) {
	if l.tracker != nil {
		l.tracker.Track(sessionID, eventType, data)
	}
}
