package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrNotFound      = errors.New("domain: not found")
	ErrUnauthorized  = errors.New("domain: unauthorized")
	ErrDeletedObject = errors.New("domain: deleted object")
)

// RemoteCodeDeletedObject is the extension code remote services attach to
// lookups of objects that were deleted.
const RemoteCodeDeletedObject = "DELETED_OBJECT"

// RemoteError is a failure reported by a remote service that carries an
// extension code in addition to its message.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// Is lets errors.Is(err, ErrDeletedObject) match remote deletion signals.
func (e *RemoteError) Is(target error) bool {
	return target == ErrDeletedObject && e.Code == RemoteCodeDeletedObject
}

// ErrorKind separates user-recoverable errors from fatal ones.
type ErrorKind string

const (
	ErrorKindExpected   ErrorKind = "expected"
	ErrorKindUnexpected ErrorKind = "unexpected"
)

// ErrorAction names the remediation control the UI offers for an error.
type ErrorAction string

const (
	ActionSignIn        ErrorAction = "sign-in"
	ActionRequestAccess ErrorAction = "request-access"
	ActionLibrary       ErrorAction = "library"
	ActionTeamBilling   ErrorAction = "team-billing"
	ActionRefresh       ErrorAction = "refresh"
)

// SessionError is the user-facing outcome of a failed or ended session.
type SessionError struct {
	Kind    ErrorKind   `json:"kind"`
	Message string      `json:"message"`
	Content string      `json:"content"`
	Action  ErrorAction `json:"action"`
	Cause   error       `json:"-"`
}

// NewExpectedError builds a user-recoverable error.
func NewExpectedError(message, content string, action ErrorAction) *SessionError {
	return &SessionError{Kind: ErrorKindExpected, Message: message, Content: content, Action: action}
}

// NewUnexpectedError builds an error that is fatal for the current session.
func NewUnexpectedError(message, content string, action ErrorAction) *SessionError {
	return &SessionError{Kind: ErrorKindUnexpected, Message: message, Content: content, Action: action}
}

func (e *SessionError) Error() string {
	return e.Message + ": " + e.Content
}

func (e *SessionError) Unwrap() error {
	return e.Cause
}

// Expected reports whether the error is user-recoverable.
func (e *SessionError) Expected() bool {
	return e.Kind == ErrorKindExpected
}

// WithCause returns a copy of e that wraps cause.
func (e *SessionError) WithCause(cause error) *SessionError {
	cp := *e
	cp.Cause = cause
	return &cp
}
