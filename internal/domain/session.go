package domain

import "context"

// TimeStampedPoint is an execution point together with its time in
// milliseconds since the recording started.
type TimeStampedPoint struct {
	Point string  `json:"point"`
	Time  float64 `json:"time"`
}

// FocusWindow is the time range of a recording a session is scoped to.
type FocusWindow struct {
	Begin TimeStampedPoint `json:"begin"`
	End   TimeStampedPoint `json:"end"`
}

// SameBounds compares two windows by their begin and end times.
func (w FocusWindow) SameBounds(other FocusWindow) bool {
	return w.Begin.Time == other.Begin.Time && w.End.Time == other.End.Time
}

// ClientServerPointPair correlates the client and server sides of a single
// network round trip between two linked recordings.
type ClientServerPointPair struct {
	ClientFirst       bool             `json:"clientFirst" toml:"client_first"`
	ClientRecordingID string           `json:"clientRecordingId" toml:"client_recording_id"`
	ClientPoint       TimeStampedPoint `json:"clientPoint" toml:"client_point"`
	ServerPoint       TimeStampedPoint `json:"serverPoint" toml:"server_point"`
}

// SupplementalLink declares a recording linked to a primary one.
type SupplementalLink struct {
	ServerRecordingID string                  `json:"serverRecordingId" toml:"server_recording_id"`
	Connections       []ClientServerPointPair `json:"connections" toml:"connections"`
}

// SupplementalSession is a link paired with the session created for it.
type SupplementalSession struct {
	SupplementalLink
	SessionID string `json:"sessionId"`
}

// SessionHandle identifies one live protocol session.
type SessionHandle struct {
	SessionID   string `json:"session_id"`
	RecordingID string `json:"recording_id"`
}

// RecordingTarget is the runtime a recording was captured from.
type RecordingTarget string

const (
	TargetChromium RecordingTarget = "chromium"
	TargetGecko    RecordingTarget = "gecko"
	TargetNode     RecordingTarget = "node"
	TargetUnknown  RecordingTarget = "unknown"
)

// RecordingCapabilities describes what the backend can do with a recording.
type RecordingCapabilities struct {
	SupportsRepaintingGraphics bool `json:"supports_repainting_graphics"`
	SupportsNetworkRequests    bool `json:"supports_network_requests"`
}

// SupplementalLinkRepository looks up the recordings linked to a primary one.
type SupplementalLinkRepository interface {
	Links(ctx context.Context, recordingID string) ([]SupplementalLink, error)
}
