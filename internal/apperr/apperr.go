// Package apperr defines the typed errors surfaced by the gateway. Each
// carries a stable code, the HTTP status it maps to and a message that is
// safe to show to a student's browser.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a typed, HTTP-aware error.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches errors by code so callers can use errors.Is against the
// sentinel values even after Clone or Wrap.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches a cause to a typed error.
func Wrap(err error, base *Error, message string) *Error {
	if message == "" {
		message = base.Message
	}
	return &Error{Code: base.Code, Status: base.Status, Message: message, Err: err}
}

// Clone returns a copy of base with an optional message override.
func Clone(base *Error, message string) *Error {
	if base == nil {
		return nil
	}
	clone := *base
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// FromError normalises any error into an *Error. Unknown errors become
// ErrInternal with the cause kept for logging only.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal, "")
}

var (
	ErrInvalidToken       = New("INVALID_TOKEN", http.StatusNotFound, "invalid or expired link")
	ErrForbidden          = New("FORBIDDEN", http.StatusForbidden, "not enrolled in this course")
	ErrNotStarted         = New("NOT_STARTED", http.StatusForbidden, "exam has not started yet")
	ErrEnded              = New("ENDED", http.StatusGone, "exam has ended")
	ErrAlreadySubmitted   = New("ALREADY_SUBMITTED", http.StatusConflict, "exam already submitted")
	ErrRuntimeUnavailable = New("RUNTIME_UNAVAILABLE", http.StatusServiceUnavailable, "failed to start your session, try again")
	ErrNotFound           = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrUnauthorized       = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrOperatorForbidden  = New("OPERATOR_FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "invalid request")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
)
