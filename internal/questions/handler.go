package questions

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/conference/internal/apperr"
	"github.com/aura-webinar/conference/internal/middleware"
	"github.com/aura-webinar/conference/internal/models"
	"github.com/aura-webinar/conference/internal/qa"
	"github.com/aura-webinar/conference/pkg/response"
)

// CreateRequest is the body for POST /sessions/:id/questions.
type CreateRequest struct {
	Content     string     `json:"content" binding:"required"`
	IsAnonymous bool       `json:"isAnonymous"`
	AttendeeID  *uuid.UUID `json:"attendeeId"`
}

// VoteRequest is the body for POST /sessions/:id/questions/:questionId/vote.
type VoteRequest struct {
	VoteType   models.VoteType `json:"voteType" binding:"required,oneof=up down"`
	AttendeeID *uuid.UUID      `json:"attendeeId"`
}

// AnswerRequest is the body for POST /sessions/:id/questions/:questionId/answer.
type AnswerRequest struct {
	Answer string `json:"answer" binding:"required"`
}

// Handler exposes the Q&A ledger over HTTP.
type Handler struct {
	ledger *qa.Ledger
	logger *zap.Logger
}

// NewHandler creates a questions handler.
func NewHandler(ledger *qa.Ledger, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{ledger: ledger, logger: logger}
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	if apperr.KindOf(err) == apperr.KindServerError {
		h.logger.Error(op, zap.String("path", c.FullPath()), zap.Error(err))
	}
	response.Error(c, err)
}

func parseIDs(c *gin.Context, withQuestion bool) (sessionID, questionID uuid.UUID, ok bool) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperr.Validation("invalid session id"))
		return uuid.Nil, uuid.Nil, false
	}
	if withQuestion {
		questionID, err = uuid.Parse(c.Param("questionId"))
		if err != nil {
			response.Error(c, apperr.Validation("invalid question id"))
			return uuid.Nil, uuid.Nil, false
		}
	}
	return sessionID, questionID, true
}

func moderator(c *gin.Context) (uuid.UUID, bool) {
	id, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
	}
	return id, ok
}

// List handles GET /sessions/:id/questions?status=.
func (h *Handler) List(c *gin.Context) {
	sessionID, _, ok := parseIDs(c, false)
	if !ok {
		return
	}
	var status *models.QuestionStatus
	if s := c.Query("status"); s != "" {
		st := models.QuestionStatus(s)
		status = &st
	}
	list, err := h.ledger.Rank(c.Request.Context(), sessionID, status)
	if err != nil {
		h.fail(c, "list questions", err)
		return
	}
	response.OK(c, list)
}

// Create handles POST /sessions/:id/questions.
func (h *Handler) Create(c *gin.Context) {
	sessionID, _, ok := parseIDs(c, false)
	if !ok {
		return
	}
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperr.Validation("invalid request: "+err.Error()))
		return
	}
	q, err := h.ledger.Submit(c.Request.Context(), sessionID, qa.SubmitInput{
		Content:     req.Content,
		IsAnonymous: req.IsAnonymous,
		AttendeeID:  req.AttendeeID,
	})
	if err != nil {
		h.fail(c, "submit question", err)
		return
	}
	response.Created(c, q)
}

// Vote handles POST /sessions/:id/questions/:questionId/vote. Without an
// attendee id the client address identifies the voter.
func (h *Handler) Vote(c *gin.Context) {
	sessionID, questionID, ok := parseIDs(c, true)
	if !ok {
		return
	}
	var req VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperr.Validation("voteType must be up or down"))
		return
	}
	q, err := h.ledger.Vote(c.Request.Context(), sessionID, questionID, req.VoteType, qa.Voter{
		AttendeeID: req.AttendeeID,
		Address:    c.ClientIP(),
	})
	if err != nil {
		h.fail(c, "vote question", err)
		return
	}
	response.OK(c, q)
}

// Moderate handles PATCH /sessions/:id/questions/:questionId (owner only).
func (h *Handler) Moderate(c *gin.Context) {
	sessionID, questionID, ok := parseIDs(c, true)
	if !ok {
		return
	}
	user, ok := moderator(c)
	if !ok {
		return
	}
	var req qa.Moderation
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperr.Validation("invalid request: "+err.Error()))
		return
	}
	q, err := h.ledger.Moderate(c.Request.Context(), sessionID, questionID, req, user)
	if err != nil {
		h.fail(c, "moderate question", err)
		return
	}
	response.OK(c, q)
}

// Answer handles POST /sessions/:id/questions/:questionId/answer (owner only).
func (h *Handler) Answer(c *gin.Context) {
	sessionID, questionID, ok := parseIDs(c, true)
	if !ok {
		return
	}
	user, ok := moderator(c)
	if !ok {
		return
	}
	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperr.Validation("answer is required"))
		return
	}
	q, err := h.ledger.Answer(c.Request.Context(), sessionID, questionID, req.Answer, user)
	if err != nil {
		h.fail(c, "answer question", err)
		return
	}
	response.OK(c, q)
}

// Delete handles DELETE /sessions/:id/questions/:questionId (owner only).
func (h *Handler) Delete(c *gin.Context) {
	sessionID, questionID, ok := parseIDs(c, true)
	if !ok {
		return
	}
	user, ok := moderator(c)
	if !ok {
		return
	}
	if err := h.ledger.Remove(c.Request.Context(), sessionID, questionID, user); err != nil {
		h.fail(c, "delete question", err)
		return
	}
	response.OK(c, gin.H{"questionId": questionID})
}
