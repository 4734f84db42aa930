package models

import (
	"time"

	"github.com/google/uuid"
)

// VoteType is the direction of a vote.
type VoteType string

const (
	VoteUp   VoteType = "up"
	VoteDown VoteType = "down"
)

// Valid reports whether v is up or down.
func (v VoteType) Valid() bool {
	return v == VoteUp || v == VoteDown
}

// Vote is an immutable vote on a question. VoterKey is unique per question and is
// derived from the attendee id, or from the network address for anonymous voters.
type Vote struct {
	ID         uuid.UUID  `json:"id"`
	QuestionID uuid.UUID  `json:"questionId"`
	AttendeeID *uuid.UUID `json:"attendeeId,omitempty"`
	IPAddress  string     `json:"-"`
	VoterKey   string     `json:"-"`
	VoteType   VoteType   `json:"voteType"`
	CreatedAt  time.Time  `json:"createdAt"`
}
