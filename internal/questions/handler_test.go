package questions

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/conference/internal/apperr"
	"github.com/aura-webinar/conference/internal/auth"
	"github.com/aura-webinar/conference/internal/middleware"
	"github.com/aura-webinar/conference/internal/models"
	"github.com/aura-webinar/conference/internal/qa"
	"github.com/aura-webinar/conference/internal/store"
)

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(uuid.UUID, string, interface{}, string) {}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Kind    apperr.Kind     `json:"kind"`
}

type fixture struct {
	store   *store.Memory
	router  *gin.Engine
	token   string
	session *models.Session
}

func newFixture(t *testing.T, mutate func(*models.Session)) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := store.NewMemory()
	owner := uuid.New()
	sess := &models.Session{UserID: owner, Title: "Ask me anything", Slug: "ama", MaxAttendees: 50, AllowQuestions: true, AllowAnonymousQuestions: true}
	if mutate != nil {
		mutate(sess)
	}
	require.NoError(t, st.CreateSession(context.Background(), sess))

	jwtSvc := auth.NewJWTService("test-secret", 1)
	token, err := jwtSvc.Generate(owner, "host@example.com", models.RolePresenter)
	require.NoError(t, err)

	h := NewHandler(qa.NewLedger(st, nopBroadcaster{}, nil, nil, nil), nil)
	r := gin.New()
	g := r.Group("/api/sessions/:id/questions")
	g.GET("", h.List)
	g.POST("", h.Create)
	g.POST("/:questionId/vote", h.Vote)
	owned := g.Group("", middleware.JWT(jwtSvc))
	owned.PATCH("/:questionId", h.Moderate)
	owned.POST("/:questionId/answer", h.Answer)
	owned.DELETE("/:questionId", h.Delete)
	return &fixture{store: st, router: r, token: token, session: sess}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, authed bool) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, "/api/sessions/"+f.session.ID.String()+"/questions"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return w.Code, env
}

func (f *fixture) submit(t *testing.T, content string) models.Question {
	t.Helper()
	code, env := f.do(t, http.MethodPost, "", map[string]interface{}{"content": content}, false)
	require.Equal(t, http.StatusCreated, code, env.Error)
	var q models.Question
	require.NoError(t, json.Unmarshal(env.Data, &q))
	return q
}

func TestSubmitAndList(t *testing.T) {
	f := newFixture(t, nil)
	first := f.submit(t, "First?")
	second := f.submit(t, "Second?")

	code, _ := f.do(t, http.MethodPost, "/"+first.ID.String()+"/vote", map[string]string{"voteType": "up"}, false)
	require.Equal(t, http.StatusOK, code)

	code, env := f.do(t, http.MethodGet, "", nil, false)
	require.Equal(t, http.StatusOK, code)
	var list []models.Question
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
	assert.Equal(t, 1, list[0].Upvotes)
}

func TestVote_DuplicateFromSameAddress(t *testing.T) {
	f := newFixture(t, nil)
	q := f.submit(t, "Is this recorded?")

	code, _ := f.do(t, http.MethodPost, "/"+q.ID.String()+"/vote", map[string]string{"voteType": "down"}, false)
	require.Equal(t, http.StatusOK, code)
	code, env := f.do(t, http.MethodPost, "/"+q.ID.String()+"/vote", map[string]string{"voteType": "down"}, false)

	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, apperr.KindDuplicateVote, env.Kind)
	assert.Equal(t, 1, f.store.VoteCount(q.ID))

	code, env = f.do(t, http.MethodPost, "/"+q.ID.String()+"/vote", map[string]string{"voteType": "sideways"}, false)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, apperr.KindValidation, env.Kind)
}

func TestVote_FabricatedAttendeeIDs(t *testing.T) {
	f := newFixture(t, nil)
	q := f.submit(t, "Can ballots be stuffed?")

	for i := 0; i < 3; i++ {
		code, env := f.do(t, http.MethodPost, "/"+q.ID.String()+"/vote",
			map[string]string{"voteType": "up", "attendeeId": uuid.NewString()}, false)
		assert.Equal(t, http.StatusNotFound, code)
		assert.Equal(t, apperr.KindAttendeeNotFound, env.Kind)
	}
	stored, err := f.store.GetQuestion(context.Background(), f.session.ID, q.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.Upvotes)
	assert.Zero(t, f.store.VoteCount(q.ID))
}

func TestSubmit_FlagsMapTo403(t *testing.T) {
	f := newFixture(t, func(s *models.Session) { s.AllowAnonymousQuestions = false })

	code, env := f.do(t, http.MethodPost, "", map[string]interface{}{"content": "hi", "isAnonymous": true}, false)

	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, apperr.KindAnonymousDisabled, env.Kind)
}

func TestModerationRequiresOwner(t *testing.T) {
	f := newFixture(t, func(s *models.Session) { s.ModerateQuestions = true })
	q := f.submit(t, "Pending one")
	assert.Equal(t, models.QuestionPending, q.Status)

	code, _ := f.do(t, http.MethodPatch, "/"+q.ID.String(), map[string]string{"status": "approved"}, false)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, env := f.do(t, http.MethodPatch, "/"+q.ID.String(), map[string]interface{}{"status": "approved", "priority": 7}, true)
	require.Equal(t, http.StatusOK, code)
	var moderated models.Question
	require.NoError(t, json.Unmarshal(env.Data, &moderated))
	assert.Equal(t, models.QuestionApproved, moderated.Status)
	assert.Equal(t, 7, moderated.Priority)

	code, env = f.do(t, http.MethodPost, "/"+q.ID.String()+"/answer", map[string]string{"answer": "Yes."}, true)
	require.Equal(t, http.StatusOK, code)
	var answered models.Question
	require.NoError(t, json.Unmarshal(env.Data, &answered))
	assert.Equal(t, models.QuestionAnswered, answered.Status)
	assert.NotNil(t, answered.AnsweredAt)

	code, _ = f.do(t, http.MethodDelete, "/"+q.ID.String(), nil, true)
	require.Equal(t, http.StatusOK, code)
	code, env = f.do(t, http.MethodDelete, "/"+q.ID.String(), nil, true)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, apperr.KindQuestionNotFound, env.Kind)
}
