package models

import (
	"time"

	"github.com/google/uuid"
)

// QuestionStatus is the moderation state of a question.
type QuestionStatus string

const (
	QuestionPending  QuestionStatus = "pending"
	QuestionApproved QuestionStatus = "approved"
	QuestionAnswered QuestionStatus = "answered"
	QuestionRejected QuestionStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s QuestionStatus) Valid() bool {
	switch s {
	case QuestionPending, QuestionApproved, QuestionAnswered, QuestionRejected:
		return true
	}
	return false
}

// Question is an audience question in a session.
type Question struct {
	ID          uuid.UUID      `json:"id"`
	SessionID   uuid.UUID      `json:"sessionId"`
	AttendeeID  *uuid.UUID     `json:"attendeeId,omitempty"`
	Content     string         `json:"content"`
	AuthorName  *string        `json:"authorName,omitempty"`
	IsAnonymous bool           `json:"isAnonymous"`
	Status      QuestionStatus `json:"status"`
	Priority    int            `json:"priority"`
	Upvotes     int            `json:"upvotes"`
	Downvotes   int            `json:"downvotes"`
	Answer      *string        `json:"answer,omitempty"`
	AnsweredAt  *time.Time     `json:"answeredAt,omitempty"`
	AnsweredBy  *uuid.UUID     `json:"answeredBy,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}
