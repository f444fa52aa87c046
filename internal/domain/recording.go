package domain

import (
	"context"
	"time"
)

// UserRole is the viewer's relationship to a recording.
type UserRole string

const (
	RoleNone         UserRole = "none"
	RoleOwner        UserRole = "owner"
	RoleCollaborator UserRole = "collaborator"
	RoleTeamMember   UserRole = "team-member"
	RoleTeamAdmin    UserRole = "team-admin"
)

// RecordingRef is an immutable snapshot of a recording's metadata. It is
// fetched once per orchestration attempt and never mutated in place.
type RecordingRef struct {
	ID            string     `json:"id"`
	Title         string     `json:"title,omitempty"`
	IsProcessed   bool       `json:"is_processed"`
	IsInitialized bool       `json:"is_initialized"`
	Workspace     *Workspace `json:"workspace,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UserRole      UserRole   `json:"user_role"`
}

// UserInfo describes the current viewer.
type UserInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Internal bool   `json:"internal"`
}

// Viewer identifies who is asking for a session. Authenticated is true when
// the request carried a valid access token.
type Viewer struct {
	UserID        string
	Authenticated bool
}

// ViewKey scopes one recording view. Authenticated viewers hold one view per
// recording; anonymous viewers name each view with a client-chosen id.
type ViewKey struct {
	Owner       string
	RecordingID string
}

// ViewKeyFor returns the key of viewer's view of recordingID. viewID is only
// used for anonymous viewers.
func ViewKeyFor(viewer Viewer, viewID, recordingID string) ViewKey {
	if viewer.Authenticated {
		return ViewKey{Owner: "user:" + viewer.UserID, RecordingID: recordingID}
	}
	return ViewKey{Owner: "anon:" + viewID, RecordingID: recordingID}
}

func (k ViewKey) String() string { return k.Owner + "/" + k.RecordingID }

// RecordingRepository resolves recording metadata for a viewer. GetByID
// returns ErrNotFound when the recording does not exist or is not visible to
// the viewer, and ErrDeletedObject when it was deleted.
type RecordingRepository interface {
	GetByID(ctx context.Context, viewer Viewer, id string) (*RecordingRef, error)
}

// UserRepository resolves the current viewer's profile. GetInfo returns
// ErrNotFound for anonymous viewers.
type UserRepository interface {
	GetInfo(ctx context.Context, viewer Viewer) (*UserInfo, error)
}
