package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Analytics event types emitted by the coordinator.
const (
	EventAttendeeJoined       = "attendee_joined"
	EventAttendeeLeft         = "attendee_left"
	EventAttendeeDisconnected = "attendee_disconnected"
	EventQuestionSubmitted    = "question_submitted"
	EventQuestionVoted        = "question_voted"
)

// AnalyticsEvent is an append-only engagement record with a snapshot of room size.
type AnalyticsEvent struct {
	ID                uuid.UUID       `json:"id"`
	SessionID         uuid.UUID       `json:"sessionId"`
	Timestamp         time.Time       `json:"timestamp"`
	EventType         string          `json:"eventType"`
	EventData         json.RawMessage `json:"eventData,omitempty"`
	AttendeeCount     int             `json:"attendeeCount"`
	ActiveConnections int             `json:"activeConnections"`
	QuestionsCount    int             `json:"questionsCount"`
}
