package sessions

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/conference/internal/apperr"
	"github.com/aura-webinar/conference/internal/auth"
	"github.com/aura-webinar/conference/internal/middleware"
	"github.com/aura-webinar/conference/internal/models"
	"github.com/aura-webinar/conference/pkg/response"
)

type envelope struct {
	Success    bool                 `json:"success"`
	Data       json.RawMessage      `json:"data"`
	Pagination *response.Pagination `json:"pagination"`
	Error      string               `json:"error"`
	Kind       apperr.Kind          `json:"kind"`
}

func newRouter(f *fixture) (*gin.Engine, string) {
	gin.SetMode(gin.TestMode)
	jwtSvc := auth.NewJWTService("test-secret", 1)
	token, _ := jwtSvc.Generate(f.owner, "host@example.com", models.RolePresenter)

	h := NewHandler(f.svc, nil)
	r := gin.New()
	api := r.Group("/api/sessions")
	api.GET("", h.List)
	api.GET("/:id", h.GetByID)
	api.GET("/slug/:slug", h.GetBySlug)
	api.POST("/:id/join", h.Join)
	owner := api.Group("", middleware.JWT(jwtSvc))
	owner.POST("", h.Create)
	owner.POST("/:id/start", h.Start)
	owner.POST("/:id/end", h.End)
	return r, token
}

func do(t *testing.T, r *gin.Engine, method, path, token string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func TestHandler_CreateRequiresToken(t *testing.T) {
	f := newFixture()
	r, _ := newRouter(f)

	w, env := do(t, r, http.MethodPost, "/api/sessions", "", map[string]string{"title": "Nope"})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, env.Success)
}

func TestHandler_CreateGetAndJoin(t *testing.T) {
	f := newFixture()
	r, token := newRouter(f)

	w, env := do(t, r, http.MethodPost, "/api/sessions", token, map[string]interface{}{
		"title":             "Office Hours",
		"moderateQuestions": true,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created models.Session
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "office-hours", created.Slug)
	assert.True(t, created.ModerateQuestions)

	w, env = do(t, r, http.MethodGet, "/api/sessions/slug/office-hours", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var bySlug models.Session
	require.NoError(t, json.Unmarshal(env.Data, &bySlug))
	assert.Equal(t, created.ID, bySlug.ID)

	w, _ = do(t, r, http.MethodPost, "/api/sessions/"+created.ID.String()+"/join", "", map[string]string{"name": "Grace"})
	assert.Equal(t, http.StatusCreated, w.Code)

	w, env = do(t, r, http.MethodGet, "/api/sessions?limit=1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, env.Pagination)
	assert.Equal(t, 1, env.Pagination.Limit)
	assert.False(t, env.Pagination.HasPrev)
}

func TestHandler_ErrorKinds(t *testing.T) {
	f := newFixture()
	r, token := newRouter(f)
	sess := f.create(t, "Kinds", nil)

	w, env := do(t, r, http.MethodGet, "/api/sessions/not-a-uuid", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apperr.KindValidation, env.Kind)

	w, env = do(t, r, http.MethodPost, "/api/sessions/"+sess.ID.String()+"/end", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, env = do(t, r, http.MethodPost, "/api/sessions/"+sess.ID.String()+"/join", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, apperr.KindSessionEnded, env.Kind)

	w, env = do(t, r, http.MethodGet, "/api/sessions/slug/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apperr.KindSessionNotFound, env.Kind)
}
