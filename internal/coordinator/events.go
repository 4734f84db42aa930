package coordinator

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/aura-webinar/conference/internal/models"
	"github.com/aura-webinar/conference/internal/qa"
)

// Inbound events.
const (
	EventSessionJoin    = "session:join"
	EventSessionLeave   = "session:leave"
	EventQuestionSubmit = "question:submit"
	EventQuestionVote   = "question:vote"
	EventAnalyticsTrack = "analytics:track"
)

// Outbound events.
const (
	EventSessionState     = "session:state"
	EventAttendeeJoined   = "session:attendee-joined"
	EventAttendeeLeft     = "session:attendee-left"
	EventStatusChanged    = "session:status-changed"
	EventPeerConnected    = "webrtc:peer-connected"
	EventPeerDisconnected = "webrtc:peer-disconnected"
)

// AttendeeInfo identifies the joining attendee. Only ID is used; the rest is
// accepted for compatibility with clients that send the whole record.
type AttendeeInfo struct {
	ID    *uuid.UUID `json:"id,omitempty"`
	Name  *string    `json:"name,omitempty"`
	Email *string    `json:"email,omitempty"`
}

type joinRequest struct {
	SessionID    string        `json:"sessionId"`
	AttendeeInfo *AttendeeInfo `json:"attendeeInfo"`
}

type leaveRequest struct {
	SessionID  string     `json:"sessionId"`
	AttendeeID *uuid.UUID `json:"attendeeId,omitempty"`
}

type submitRequest struct {
	Question *qa.SubmitInput `json:"question"`
}

type voteRequest struct {
	QuestionID string          `json:"questionId"`
	VoteType   models.VoteType `json:"voteType"`
}

type trackRequest struct {
	EventType string          `json:"eventType"`
	EventData json.RawMessage `json:"eventData"`
}

// StatePayload is the data of session:state, the snapshot sent to a joining connection.
type StatePayload struct {
	Session   *models.Session   `json:"session"`
	Attendees []models.Attendee `json:"attendees"`
	Questions []models.Question `json:"questions"`
	PeerID    string            `json:"peerId"`
}

// AttendeeJoinedPayload is the data of session:attendee-joined.
type AttendeeJoinedPayload struct {
	Attendee *models.Attendee `json:"attendee"`
	PeerID   string           `json:"peerId"`
}

// AttendeeLeftPayload is the data of session:attendee-left.
type AttendeeLeftPayload struct {
	AttendeeID *uuid.UUID `json:"attendeeId"`
	PeerID     string     `json:"peerId"`
}

// PeerConnectedPayload is the data of webrtc:peer-connected.
type PeerConnectedPayload struct {
	PeerID      string `json:"peerId"`
	IsPresenter bool   `json:"isPresenter"`
}

// PeerDisconnectedPayload is the data of webrtc:peer-disconnected.
type PeerDisconnectedPayload struct {
	PeerID string `json:"peerId"`
}

// StatusChangedPayload is the data of session:status-changed.
type StatusChangedPayload struct {
	SessionID uuid.UUID            `json:"sessionId"`
	Status    models.SessionStatus `json:"status"`
}
