package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced through the caller boundary.
type ErrorKind string

const (
	KindPortExhausted       ErrorKind = "PortExhausted"
	KindStartFailed         ErrorKind = "StartFailed"
	KindSessionNotRunning   ErrorKind = "SessionNotRunning"
	KindSessionFailed       ErrorKind = "SessionFailed"
	KindProviderUnavailable ErrorKind = "ProviderUnavailable"
	KindNavigationFailed    ErrorKind = "NavigationFailed"
	KindTimeout             ErrorKind = "Timeout"
	KindInvalidRequest      ErrorKind = "InvalidRequest"
)

// Error is a typed orchestration failure. Err carries the underlying cause,
// which is logged but never rendered to API callers.
type Error struct {
	Kind      ErrorKind
	SessionID string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.SessionID != "" {
		msg = fmt.Sprintf("%s (session %s)", msg, e.SessionID)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.SessionID == "" || t.SessionID == e.SessionID)
}

// NewError creates a typed error
func NewError(kind ErrorKind, sessionID, message string, cause error) *Error {
	return &Error{Kind: kind, SessionID: sessionID, Message: message, Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

func ErrPortExhausted(sessionID string) *Error {
	return NewError(KindPortExhausted, sessionID, "no port available", nil)
}

func ErrStartFailed(sessionID string, cause error) *Error {
	return NewError(KindStartFailed, sessionID, "daemon failed to start", cause)
}

func ErrSessionNotRunning(sessionID string) *Error {
	return NewError(KindSessionNotRunning, sessionID, "session has no running daemon", nil)
}

func ErrSessionFailed(sessionID, reason string) *Error {
	return NewError(KindSessionFailed, sessionID, "session failed: "+reason, nil)
}

func ErrProviderUnavailable(cause error) *Error {
	return NewError(KindProviderUnavailable, "", "sandbox provider unavailable", cause)
}
