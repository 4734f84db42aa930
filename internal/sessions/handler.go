package sessions

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/conference/internal/apperr"
	"github.com/aura-webinar/conference/internal/middleware"
	"github.com/aura-webinar/conference/internal/models"
	"github.com/aura-webinar/conference/pkg/response"
)

// CreateRequest is the body for POST /sessions.
type CreateRequest struct {
	Title                   string                  `json:"title" binding:"required,max=255"`
	Description             string                  `json:"description"`
	ScheduledAt             *time.Time              `json:"scheduledAt"`
	MaxAttendees            int                     `json:"maxAttendees" binding:"omitempty,min=1,max=1000"`
	AllowQuestions          *bool                   `json:"allowQuestions"`
	AllowAnonymousQuestions *bool                   `json:"allowAnonymousQuestions"`
	ModerateQuestions       bool                    `json:"moderateQuestions"`
	RequireRegistration     bool                    `json:"requireRegistration"`
	EnableRecording         bool                    `json:"enableRecording"`
	Branding                *models.Branding        `json:"branding"`
	Settings                *models.SessionSettings `json:"settings"`
}

// JoinRequest is the body for POST /sessions/:id/join.
type JoinRequest struct {
	Name  *string `json:"name" binding:"omitempty,max=255"`
	Email *string `json:"email" binding:"omitempty,email"`
}

// Handler handles session HTTP endpoints.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a session handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	if apperr.KindOf(err) == apperr.KindServerError {
		h.logger.Error(op, zap.String("path", c.FullPath()), zap.Error(err))
	}
	response.Error(c, err)
}

func sessionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperr.Validation("invalid session id"))
		return uuid.Nil, false
	}
	return id, true
}

func caller(c *gin.Context) (uuid.UUID, bool) {
	id, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
	}
	return id, ok
}

// Create handles POST /sessions.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	owner, ok := caller(c)
	if !ok {
		return
	}
	sess, err := h.svc.Create(c.Request.Context(), owner, CreateInput{
		Title:                   req.Title,
		Description:             req.Description,
		ScheduledAt:             req.ScheduledAt,
		MaxAttendees:            req.MaxAttendees,
		AllowQuestions:          req.AllowQuestions,
		AllowAnonymousQuestions: req.AllowAnonymousQuestions,
		ModerateQuestions:       req.ModerateQuestions,
		RequireRegistration:     req.RequireRegistration,
		EnableRecording:         req.EnableRecording,
		Branding:                req.Branding,
		Settings:                req.Settings,
	})
	if err != nil {
		h.fail(c, "create session", err)
		return
	}
	response.Created(c, sess)
}

// List handles GET /sessions?page=&limit=&status=.
func (h *Handler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	var status *models.SessionStatus
	if s := c.Query("status"); s != "" {
		st := models.SessionStatus(s)
		status = &st
	}
	p, err := h.svc.List(c.Request.Context(), page, limit, status)
	if err != nil {
		h.fail(c, "list sessions", err)
		return
	}
	response.Page(c, p.Sessions, response.Pagination{
		Page:    p.Page,
		Limit:   p.Limit,
		Count:   len(p.Sessions),
		HasNext: p.HasNext(),
		HasPrev: p.Page > 1,
	})
}

// GetByID handles GET /sessions/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	sess, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "get session", err)
		return
	}
	response.OK(c, sess)
}

// GetBySlug handles GET /sessions/slug/:slug.
func (h *Handler) GetBySlug(c *gin.Context) {
	sess, err := h.svc.GetBySlug(c.Request.Context(), c.Param("slug"))
	if err != nil {
		h.fail(c, "get session by slug", err)
		return
	}
	response.OK(c, sess)
}

// Start handles POST /sessions/:id/start (owner only).
func (h *Handler) Start(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	user, ok := caller(c)
	if !ok {
		return
	}
	sess, err := h.svc.Start(c.Request.Context(), id, user)
	if err != nil {
		h.fail(c, "start session", err)
		return
	}
	response.OK(c, sess)
}

// End handles POST /sessions/:id/end (owner only).
func (h *Handler) End(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	user, ok := caller(c)
	if !ok {
		return
	}
	sess, err := h.svc.End(c.Request.Context(), id, user)
	if err != nil {
		h.fail(c, "end session", err)
		return
	}
	response.OK(c, sess)
}

// Join handles POST /sessions/:id/join.
func (h *Handler) Join(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	var req JoinRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	a, err := h.svc.Join(c.Request.Context(), id, JoinInput{
		Name:      req.Name,
		Email:     req.Email,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		h.fail(c, "join session", err)
		return
	}
	response.Created(c, gin.H{"attendee": a, "session": gin.H{"id": id}})
}

// Attendees handles GET /sessions/:id/attendees.
func (h *Handler) Attendees(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	list, err := h.svc.Attendees(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "list attendees", err)
		return
	}
	response.OK(c, list)
}

// Audience handles GET /sessions/:id/audience.
func (h *Handler) Audience(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	n, err := h.svc.Audience(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "session audience", err)
		return
	}
	response.OK(c, gin.H{"sessionId": id, "count": n})
}

// ExportURL handles GET /sessions/:id/export-url (owner only).
func (h *Handler) ExportURL(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	user, ok := caller(c)
	if !ok {
		return
	}
	url, err := h.svc.ExportURL(c.Request.Context(), id, user)
	switch {
	case errors.Is(err, ErrExportsDisabled):
		response.ServiceUnavailable(c, err.Error())
	case errors.Is(err, ErrExportNotReady):
		response.NotFound(c, err.Error())
	case err != nil:
		h.fail(c, "session export url", err)
	default:
		response.OK(c, gin.H{"url": url})
	}
}
