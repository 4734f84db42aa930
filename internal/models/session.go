package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a session. Transitions only move forward:
// scheduled -> live -> ended.
type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionLive      SessionStatus = "live"
	SessionEnded     SessionStatus = "ended"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionScheduled, SessionLive, SessionEnded:
		return true
	}
	return false
}

// SessionSettings holds the realtime feature toggles of a session.
type SessionSettings struct {
	WebRTCEnabled      bool `json:"webrtcEnabled"`
	ScreenShareEnabled bool `json:"screenShareEnabled"`
	ChatEnabled        bool `json:"chatEnabled"`
	WaitingRoomEnabled bool `json:"waitingRoomEnabled"`
}

// DefaultSessionSettings returns the settings a new session starts with.
func DefaultSessionSettings() SessionSettings {
	return SessionSettings{WebRTCEnabled: true, ScreenShareEnabled: true, ChatEnabled: true}
}

// Branding is presentation-only styling stored with the session.
type Branding struct {
	BackgroundColor string `json:"backgroundColor,omitempty"`
	TextColor       string `json:"textColor,omitempty"`
	LogoURL         string `json:"logoUrl,omitempty"`
	CustomCSS       string `json:"customCss,omitempty"`
}

// Session is a presenter-owned conferencing room.
type Session struct {
	ID                      uuid.UUID       `json:"id"`
	UserID                  uuid.UUID       `json:"userId"`
	Title                   string          `json:"title"`
	Description             string          `json:"description,omitempty"`
	Slug                    string          `json:"slug"`
	Status                  SessionStatus   `json:"status"`
	ScheduledAt             *time.Time      `json:"scheduledAt,omitempty"`
	StartedAt               *time.Time      `json:"startedAt,omitempty"`
	EndedAt                 *time.Time      `json:"endedAt,omitempty"`
	MaxAttendees            int             `json:"maxAttendees"`
	AllowQuestions          bool            `json:"allowQuestions"`
	AllowAnonymousQuestions bool            `json:"allowAnonymousQuestions"`
	ModerateQuestions       bool            `json:"moderateQuestions"`
	RequireRegistration     bool            `json:"requireRegistration"`
	EnableRecording         bool            `json:"enableRecording"`
	Branding                *Branding       `json:"branding,omitempty"`
	Settings                SessionSettings `json:"settings"`
	CreatedAt               time.Time       `json:"createdAt"`
	UpdatedAt               time.Time       `json:"updatedAt"`
}

// SessionWithCount is a session row enriched with the number of joined attendees.
type SessionWithCount struct {
	Session
	CurrentAttendees int `json:"currentAttendees"`
}
