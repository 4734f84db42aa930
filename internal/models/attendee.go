package models

import (
	"time"

	"github.com/google/uuid"
)

// AttendeeStatus is the connection status of an attendee record.
type AttendeeStatus string

const (
	AttendeeWaiting AttendeeStatus = "waiting"
	AttendeeJoined  AttendeeStatus = "joined"
	AttendeeLeft    AttendeeStatus = "left"
)

// Attendee is a participant of exactly one session. ConnectionID is set only while
// the attendee has a live transport connection.
type Attendee struct {
	ID           uuid.UUID      `json:"id"`
	SessionID    uuid.UUID      `json:"sessionId"`
	Name         *string        `json:"name,omitempty"`
	Email        *string        `json:"email,omitempty"`
	IsAnonymous  bool           `json:"isAnonymous"`
	ConnectionID *string        `json:"connectionId,omitempty"`
	Status       AttendeeStatus `json:"status"`
	JoinedAt     time.Time      `json:"joinedAt"`
	LeftAt       *time.Time     `json:"leftAt,omitempty"`
	IPAddress    string         `json:"-"`
	UserAgent    string         `json:"-"`
}

// DisplayName returns the attendee name, or "" for anonymous attendees.
func (a *Attendee) DisplayName() string {
	if a == nil || a.Name == nil {
		return ""
	}
	return *a.Name
}
