// Package apperr defines the domain error taxonomy shared by the coordinator, the
// Q&A ledger and the HTTP layer.
package apperr

import (
	"errors"
	"net/http"
)

// Kind is the stable machine-readable name of an error, sent to clients as-is.
type Kind string

const (
	KindSessionNotFound      Kind = "SessionNotFound"
	KindQuestionNotFound     Kind = "QuestionNotFound"
	KindAttendeeNotFound     Kind = "AttendeeNotFound"
	KindQuestionsDisabled    Kind = "QuestionsDisabled"
	KindAnonymousDisabled    Kind = "AnonymousDisabled"
	KindSessionFull          Kind = "SessionFull"
	KindSessionEnded         Kind = "SessionEnded"
	KindRegistrationRequired Kind = "RegistrationRequired"
	KindDuplicateVote        Kind = "DuplicateVote"
	KindValidation           Kind = "ValidationError"
	KindForbidden            Kind = "Forbidden"
	KindRateLimited          Kind = "RateLimited"
	KindServerError          Kind = "ServerError"
)

// Error is a domain error. Two errors match under errors.Is when their kinds match,
// so a validation error with a custom message still matches ErrValidation.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrSessionNotFound      = &Error{KindSessionNotFound, "session not found"}
	ErrQuestionNotFound     = &Error{KindQuestionNotFound, "question not found"}
	ErrAttendeeNotFound     = &Error{KindAttendeeNotFound, "attendee not found"}
	ErrQuestionsDisabled    = &Error{KindQuestionsDisabled, "questions are not allowed for this session"}
	ErrAnonymousDisabled    = &Error{KindAnonymousDisabled, "anonymous questions are not allowed for this session"}
	ErrSessionFull          = &Error{KindSessionFull, "session is full"}
	ErrSessionEnded         = &Error{KindSessionEnded, "session has ended"}
	ErrRegistrationRequired = &Error{KindRegistrationRequired, "registration is required to join this session"}
	ErrDuplicateVote        = &Error{KindDuplicateVote, "you have already voted on this question"}
	ErrValidation           = &Error{KindValidation, "invalid data"}
	ErrForbidden            = &Error{KindForbidden, "forbidden"}
	ErrRateLimited          = &Error{KindRateLimited, "too many messages"}
	ErrServer               = &Error{KindServerError, "internal server error"}
)

// Validation returns a ValidationError with a specific message.
func Validation(msg string) error {
	return &Error{Kind: KindValidation, Message: msg}
}

// KindOf returns the kind of err, or KindServerError when err is not a domain error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindServerError
}

// Message returns the client-facing message for err. Unexpected errors never leak
// their text.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return ErrServer.Message
}

// HTTPStatus maps a kind to the status code used by the HTTP layer.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindDuplicateVote:
		return http.StatusBadRequest
	case KindQuestionsDisabled, KindAnonymousDisabled, KindSessionFull, KindSessionEnded,
		KindRegistrationRequired, KindForbidden:
		return http.StatusForbidden
	case KindSessionNotFound, KindQuestionNotFound, KindAttendeeNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
