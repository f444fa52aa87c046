// Package errclass decides whether a session failure is something the viewer
// can act on (expected) or fatal for the session (unexpected), and holds the
// per-session error slot that enforces which error stays visible.
package errclass

import (
	"context"
	"errors"

	"github.com/gosuda/rewind/internal/domain"
)

// Telemetry event names emitted during access classification.
const (
	EventUnauthorizedViewer    = "error.unauthorized_viewer"
	EventUnauthenticatedViewer = "error.unauthenticated_viewer"
)

const defaultUnexpectedContent = "The session has closed due to an error."

// Tracker receives named telemetry events.
type Tracker interface {
	Track(ctx context.Context, event string, props map[string]any)
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithAccessCheckBypass treats every recording as authorized. Used by test
// harnesses that run against fixture backends without real ACLs.
func WithAccessCheckBypass() Option {
	return func(c *Classifier) {
		c.bypassAccessCheck = true
	}
}

// Classifier maps recording state and raised errors to SessionErrors.
type Classifier struct {
	tracker           Tracker
	bypassAccessCheck bool
}

// New creates a Classifier. tracker may be nil.
func New(tracker Tracker, opts ...Option) *Classifier {
	c := &Classifier{tracker: tracker}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClassifyAccessFailure returns nil when the viewer may open the recording.
// An absent recording means the viewer either needs to sign in or to be
// granted access, depending on whether they are authenticated.
func (c *Classifier) ClassifyAccessFailure(ctx context.Context, rec *domain.RecordingRef, authenticated bool) *domain.SessionError {
	if c.bypassAccessCheck || rec != nil {
		return nil
	}

	if authenticated {
		c.track(ctx, EventUnauthorizedViewer)
		return domain.NewExpectedError(
			"Sorry, you don't have permission!",
			"Maybe you haven't been invited to this replay yet?",
			domain.ActionRequestAccess,
		)
	}

	c.track(ctx, EventUnauthenticatedViewer)
	return domain.NewExpectedError(
		"Almost there!",
		"This is a private replay. Please sign in.",
		domain.ActionSignIn,
	)
}

// ClassifyException maps an error raised anywhere during orchestration. The
// deleted-object signal is checked first and always wins. A SessionError
// raised by a collaborator is returned unchanged; everything else becomes a
// generic unexpected error.
func (c *Classifier) ClassifyException(err error) *domain.SessionError {
	if IsRecordingDeleted(err) {
		return DeletedRecordingError().WithCause(err)
	}

	var sessionErr *domain.SessionError
	if errors.As(err, &sessionErr) {
		return sessionErr
	}

	content := defaultUnexpectedContent
	if err != nil && err.Error() != "" {
		content = err.Error()
	}
	return domain.NewUnexpectedError("Unexpected session error", content, domain.ActionRefresh).WithCause(err)
}

func (c *Classifier) track(ctx context.Context, event string) {
	if c.tracker != nil {
		c.tracker.Track(ctx, event, nil)
	}
}

// IsRecordingDeleted reports whether err carries the remote deleted-object
// signal.
func IsRecordingDeleted(err error) bool {
	return errors.Is(err, domain.ErrDeletedObject)
}

// DeletedRecordingError is shown when the recording no longer exists.
func DeletedRecordingError() *domain.SessionError {
	return domain.NewExpectedError("Recording Deleted", "This recording has been deleted.", domain.ActionLibrary)
}

// TrialExpiredError is shown for recordings made after the workspace trial
// ended. Team admins are sent to billing, everyone else to their library.
func TrialExpiredError(role domain.UserRole) *domain.SessionError {
	action := domain.ActionLibrary
	if role == domain.RoleTeamAdmin {
		action = domain.ActionTeamBilling
	}
	return domain.NewExpectedError(
		"Free Trial Expired",
		"This replay is unavailable because it was recorded after your team's free trial expired.",
		action,
	)
}
