package protocol

import (
	"encoding/json"
	"fmt"
)

// Method names used by the session pipeline.
const (
	MethodCreateSession           = "Recording.createSession"
	MethodProcessRecording        = "Recording.processRecording"
	EventProcessRecordingProgress = "Recording.processRecordingProgress"
	EventSessionError             = "Recording.sessionError"
	EventMayDestroy               = "Session.mayDestroy"
	MethodGetEndpoint             = "Session.getEndpoint"
	MethodGetBuildID              = "Session.getBuildId"
	MethodGetFocusWindow          = "Session.getFocusWindow"
)

// Message is one frame on the protocol socket. Commands carry ID and Method,
// responses carry ID and either Result or Error, events carry Method only.
type Message struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// IsResponse reports whether m answers a command.
func (m Message) IsResponse() bool {
	return m.ID != 0 && m.Method == ""
}

// Error is a command failure reported by the backend.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// Hooks observe traffic and socket state. Any field may be nil.
type Hooks struct {
	OnEvent         func(Message)
	OnRequest       func(Message)
	OnResponse      func(Message)
	OnResponseError func(Message)
	// OnSocketError reports a transport failure. initial is true when no
	// session had been created on the socket yet.
	OnSocketError func(err error, initial bool)
	// OnSocketClose reports the socket closing. willClose is true when the
	// close was requested locally.
	OnSocketClose func(willClose bool)
}

type createSessionParams struct {
	RecordingID          string          `json:"recordingId"`
	ExperimentalSettings json.RawMessage `json:"experimentalSettings"`
	FocusRequest         json.RawMessage `json:"focusRequest,omitempty"`
}

type createSessionResult struct {
	SessionID string `json:"sessionId"`
}

type processRecordingParams struct {
	RecordingID          string          `json:"recordingId"`
	ExperimentalSettings json.RawMessage `json:"experimentalSettings"`
}

type processRecordingProgress struct {
	RecordingID     string  `json:"recordingId"`
	ProgressPercent float64 `json:"progressPercent"`
}
