package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-webinar/conference/internal/models"
)

type voteKey struct {
	questionID uuid.UUID
	voter      string
}

// Memory is an in-process Store. Records are copied in and out so callers never
// share memory with the store. Transactions are serialized against each other.
type Memory struct {
	mu        sync.RWMutex
	txMu      sync.Mutex
	sessions  map[uuid.UUID]models.Session
	attendees map[uuid.UUID]models.Attendee
	questions map[uuid.UUID]models.Question
	votes     map[voteKey]models.Vote
	events    []models.AnalyticsEvent
	users     map[uuid.UUID]models.User
	now       func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:  make(map[uuid.UUID]models.Session),
		attendees: make(map[uuid.UUID]models.Attendee),
		questions: make(map[uuid.UUID]models.Question),
		votes:     make(map[voteKey]models.Vote),
		users:     make(map[uuid.UUID]models.User),
		now:       time.Now,
	}
}

// memoryTx journals the prior value of every record it writes so a failed
// transaction can be undone. Analytics events and users are not journaled.
type memoryTx struct {
	*Memory
	undo []func()
}

func (t *memoryTx) Tx(_ context.Context, fn func(Store) error) error {
	return fn(t)
}

// Tx implements Store. Writes made through the transaction are reverted when
// fn returns an error.
func (m *Memory) Tx(_ context.Context, fn func(Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	tx := &memoryTx{Memory: m}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (t *memoryTx) rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// remember returns a func that puts table[k] back the way it is now. The
// returned func must run with mu held for writing.
func remember[K comparable, V any](mu *sync.RWMutex, table map[K]V, k K) func() {
	mu.RLock()
	prev, ok := table[k]
	mu.RUnlock()
	return func() {
		if ok {
			table[k] = prev
		} else {
			delete(table, k)
		}
	}
}

func (t *memoryTx) CreateSession(ctx context.Context, s *models.Session) error {
	if err := t.Memory.CreateSession(ctx, s); err != nil {
		return err
	}
	id := s.ID
	t.undo = append(t.undo, func() { delete(t.sessions, id) })
	return nil
}

func (t *memoryTx) UpdateSessionStatus(ctx context.Context, id uuid.UUID, to models.SessionStatus, from ...models.SessionStatus) (*models.Session, error) {
	restore := remember(&t.mu, t.sessions, id)
	s, err := t.Memory.UpdateSessionStatus(ctx, id, to, from...)
	if err == nil {
		t.undo = append(t.undo, restore)
	}
	return s, err
}

func (t *memoryTx) InsertAttendee(ctx context.Context, a *models.Attendee) error {
	if err := t.Memory.InsertAttendee(ctx, a); err != nil {
		return err
	}
	id := a.ID
	t.undo = append(t.undo, func() { delete(t.attendees, id) })
	return nil
}

func (t *memoryTx) UpdateAttendeeStatus(ctx context.Context, id uuid.UUID, connID *string, status models.AttendeeStatus, leftAt *time.Time) error {
	restore := remember(&t.mu, t.attendees, id)
	if err := t.Memory.UpdateAttendeeStatus(ctx, id, connID, status, leftAt); err != nil {
		return err
	}
	t.undo = append(t.undo, restore)
	return nil
}

func (t *memoryTx) InsertQuestion(ctx context.Context, q *models.Question) error {
	if err := t.Memory.InsertQuestion(ctx, q); err != nil {
		return err
	}
	id := q.ID
	t.undo = append(t.undo, func() { delete(t.questions, id) })
	return nil
}

func (t *memoryTx) UpdateQuestion(ctx context.Context, sessionID, questionID uuid.UUID, u QuestionUpdate) (*models.Question, error) {
	restore := remember(&t.mu, t.questions, questionID)
	q, err := t.Memory.UpdateQuestion(ctx, sessionID, questionID, u)
	if err == nil {
		t.undo = append(t.undo, restore)
	}
	return q, err
}

func (t *memoryTx) IncrementQuestionCounter(ctx context.Context, questionID uuid.UUID, field CounterField, delta int) (*models.Question, error) {
	restore := remember(&t.mu, t.questions, questionID)
	q, err := t.Memory.IncrementQuestionCounter(ctx, questionID, field, delta)
	if err == nil {
		t.undo = append(t.undo, restore)
	}
	return q, err
}

func (t *memoryTx) DeleteQuestion(ctx context.Context, sessionID, questionID uuid.UUID) error {
	restore := remember(&t.mu, t.questions, questionID)
	t.mu.RLock()
	var votes []models.Vote
	for k, v := range t.votes {
		if k.questionID == questionID {
			votes = append(votes, v)
		}
	}
	t.mu.RUnlock()
	if err := t.Memory.DeleteQuestion(ctx, sessionID, questionID); err != nil {
		return err
	}
	t.undo = append(t.undo, func() {
		restore()
		for _, v := range votes {
			t.votes[voteKey{v.QuestionID, v.VoterKey}] = v
		}
	})
	return nil
}

func (t *memoryTx) InsertVote(ctx context.Context, v *models.Vote) error {
	if err := t.Memory.InsertVote(ctx, v); err != nil {
		return err
	}
	k := voteKey{v.QuestionID, v.VoterKey}
	t.undo = append(t.undo, func() { delete(t.votes, k) })
	return nil
}

// Ping implements Store.
func (m *Memory) Ping(context.Context) error { return nil }

// Snapshot implements Store.
func (m *Memory) Snapshot(_ context.Context, sessionID uuid.UUID) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &Snapshot{
		Session:   &s,
		Attendees: m.attendeesOf(sessionID),
		Questions: m.questionsOf(sessionID, QuestionFilter{}),
	}, nil
}

// CreateSession implements Store.
func (m *Memory) CreateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.Slug == s.Slug {
			return ErrDuplicate
		}
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = models.SessionScheduled
	}
	now := m.now()
	s.CreatedAt, s.UpdatedAt = now, now
	m.sessions[s.ID] = *s
	return nil
}

// ListSessions implements Store.
func (m *Memory) ListSessions(_ context.Context, f SessionFilter) ([]models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if f.Status != nil && s.Status != *f.Status {
			continue
		}
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(list) {
			return []models.Session{}, nil
		}
		list = list[f.Offset:]
	}
	if f.Limit > 0 && len(list) > f.Limit {
		list = list[:f.Limit]
	}
	return list, nil
}

// GetSessionByID implements Store.
func (m *Memory) GetSessionByID(_ context.Context, id uuid.UUID) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

// GetSessionBySlug implements Store.
func (m *Memory) GetSessionBySlug(_ context.Context, slug string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.Slug == slug {
			return &s, nil
		}
	}
	return nil, ErrNotFound
}

// SlugExists implements Store.
func (m *Memory) SlugExists(ctx context.Context, slug string) (bool, error) {
	_, err := m.GetSessionBySlug(ctx, slug)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

// UpdateSessionStatus implements Store.
func (m *Memory) UpdateSessionStatus(_ context.Context, id uuid.UUID, to models.SessionStatus, from ...models.SessionStatus) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	allowed := len(from) == 0
	for _, f := range from {
		if s.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, ErrConflict
	}
	now := m.now()
	s.Status = to
	s.UpdatedAt = now
	switch to {
	case models.SessionLive:
		s.StartedAt = &now
	case models.SessionEnded:
		s.EndedAt = &now
	}
	m.sessions[id] = s
	return &s, nil
}

// GetAttendee implements Store.
func (m *Memory) GetAttendee(_ context.Context, id uuid.UUID) (*models.Attendee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attendees[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

// InsertAttendee implements Store.
func (m *Memory) InsertAttendee(_ context.Context, a *models.Attendee) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[a.SessionID]; !ok {
		return ErrNotFound
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = models.AttendeeWaiting
	}
	if a.JoinedAt.IsZero() {
		a.JoinedAt = m.now()
	}
	m.attendees[a.ID] = *a
	return nil
}

// UpdateAttendeeStatus implements Store.
func (m *Memory) UpdateAttendeeStatus(_ context.Context, id uuid.UUID, connID *string, status models.AttendeeStatus, leftAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attendees[id]
	if !ok {
		return ErrNotFound
	}
	a.ConnectionID = connID
	a.Status = status
	a.LeftAt = leftAt
	m.attendees[id] = a
	return nil
}

// ListAttendees implements Store.
func (m *Memory) ListAttendees(_ context.Context, sessionID uuid.UUID) ([]models.Attendee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attendeesOf(sessionID), nil
}

// CountAttendees implements Store.
func (m *Memory) CountAttendees(_ context.Context, sessionID uuid.UUID, status models.AttendeeStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.attendees {
		if a.SessionID == sessionID && a.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *Memory) attendeesOf(sessionID uuid.UUID) []models.Attendee {
	list := make([]models.Attendee, 0)
	for _, a := range m.attendees {
		if a.SessionID == sessionID {
			list = append(list, a)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].JoinedAt.After(list[j].JoinedAt) })
	return list
}

// ListQuestions implements Store.
func (m *Memory) ListQuestions(_ context.Context, sessionID uuid.UUID, f QuestionFilter) ([]models.Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.questionsOf(sessionID, f), nil
}

func (m *Memory) questionsOf(sessionID uuid.UUID, f QuestionFilter) []models.Question {
	list := make([]models.Question, 0)
	for _, q := range m.questions {
		if q.SessionID != sessionID {
			continue
		}
		if f.Status != nil && q.Status != *f.Status {
			continue
		}
		list = append(list, q)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return strings.Compare(list[i].ID.String(), list[j].ID.String()) < 0
	})
	return list
}

// GetQuestion implements Store.
func (m *Memory) GetQuestion(_ context.Context, sessionID, questionID uuid.UUID) (*models.Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.questions[questionID]
	if !ok || q.SessionID != sessionID {
		return nil, ErrNotFound
	}
	return &q, nil
}

// InsertQuestion implements Store.
func (m *Memory) InsertQuestion(_ context.Context, q *models.Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[q.SessionID]; !ok {
		return ErrNotFound
	}
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = m.now()
	}
	q.UpdatedAt = q.CreatedAt
	m.questions[q.ID] = *q
	return nil
}

// UpdateQuestion implements Store.
func (m *Memory) UpdateQuestion(_ context.Context, sessionID, questionID uuid.UUID, u QuestionUpdate) (*models.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[questionID]
	if !ok || q.SessionID != sessionID {
		return nil, ErrNotFound
	}
	if u.Status != nil {
		q.Status = *u.Status
	}
	if u.Priority != nil {
		q.Priority = *u.Priority
	}
	if u.Answer != nil {
		q.Answer = u.Answer
	}
	if u.AnsweredAt != nil {
		q.AnsweredAt = u.AnsweredAt
	}
	if u.AnsweredBy != nil {
		q.AnsweredBy = u.AnsweredBy
	}
	q.UpdatedAt = m.now()
	m.questions[questionID] = q
	return &q, nil
}

// DeleteQuestion implements Store.
func (m *Memory) DeleteQuestion(_ context.Context, sessionID, questionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[questionID]
	if !ok || q.SessionID != sessionID {
		return ErrNotFound
	}
	delete(m.questions, questionID)
	for k := range m.votes {
		if k.questionID == questionID {
			delete(m.votes, k)
		}
	}
	return nil
}

// FindVote implements Store.
func (m *Memory) FindVote(_ context.Context, questionID uuid.UUID, voterKey string) (*models.Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.votes[voteKey{questionID, voterKey}]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

// InsertVote implements Store.
func (m *Memory) InsertVote(_ context.Context, v *models.Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.questions[v.QuestionID]; !ok {
		return ErrNotFound
	}
	k := voteKey{v.QuestionID, v.VoterKey}
	if _, ok := m.votes[k]; ok {
		return ErrDuplicate
	}
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	v.CreatedAt = m.now()
	m.votes[k] = *v
	return nil
}

// IncrementQuestionCounter implements Store.
func (m *Memory) IncrementQuestionCounter(_ context.Context, questionID uuid.UUID, field CounterField, delta int) (*models.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[questionID]
	if !ok {
		return nil, ErrNotFound
	}
	switch field {
	case CounterUpvotes:
		q.Upvotes += delta
	case CounterDownvotes:
		q.Downvotes += delta
	}
	q.UpdatedAt = m.now()
	m.questions[questionID] = q
	return &q, nil
}

// VoteCount returns the number of stored votes on a question.
func (m *Memory) VoteCount(questionID uuid.UUID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for k := range m.votes {
		if k.questionID == questionID {
			n++
		}
	}
	return n
}

// AppendAnalyticsEvent implements Store.
func (m *Memory) AppendAnalyticsEvent(_ context.Context, e *models.AnalyticsEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now()
	}
	m.events = append(m.events, *e)
	return nil
}

// Events returns the analytics events recorded for a session, oldest first.
func (m *Memory) Events(sessionID uuid.UUID) []models.AnalyticsEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AnalyticsEvent
	for _, e := range m.events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

// CreateUser implements Store.
func (m *Memory) CreateUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return ErrDuplicate
		}
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	now := m.now()
	u.CreatedAt, u.UpdatedAt = now, now
	m.users[u.ID] = *u
	return nil
}

// GetUserByEmail implements Store.
func (m *Memory) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

// GetUserByID implements Store.
func (m *Memory) GetUserByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}
