package v1

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/rewind/internal/domain"
	"github.com/gosuda/rewind/internal/errclass"
	"github.com/gosuda/rewind/internal/server/middleware"
	"github.com/gosuda/rewind/internal/session"
)

// SessionErrorModel is the response body for a failed session. It carries
// the remediation action the viewer should be offered.
type SessionErrorModel struct {
	Status int                `json:"status" doc:"HTTP status code"`
	Title  string             `json:"title" doc:"Short, user-facing message"`
	Detail string             `json:"detail" doc:"Longer explanation"`
	Kind   domain.ErrorKind   `json:"kind" enum:"expected,unexpected" doc:"Whether the viewer can recover"`
	Action domain.ErrorAction `json:"action" doc:"Remediation control to offer"`
}

func (e *SessionErrorModel) Error() string  { return e.Title }
func (e *SessionErrorModel) GetStatus() int { return e.Status }

// SessionSummary describes an established session.
type SessionSummary struct {
	RecordingID  string                       `json:"recording_id"`
	ViewID       string                       `json:"view_id,omitempty" doc:"View id of an anonymous viewer"`
	SessionID    string                       `json:"session_id"`
	FocusWindow  domain.FocusWindow           `json:"focus_window"`
	Target       domain.RecordingTarget       `json:"target"`
	Capabilities domain.RecordingCapabilities `json:"capabilities"`
	Handles      []domain.SessionHandle       `json:"handles"`
	Supplemental []domain.SupplementalSession `json:"supplemental,omitempty"`
}

type CreateSessionInput struct {
	Body struct {
		RecordingID string              `json:"recording_id" minLength:"1" doc:"Recording to open"`
		ViewID      string              `json:"view_id,omitempty" format:"uuid" doc:"Names the view of an anonymous viewer; picked by the server when empty"`
		FocusWindow *domain.FocusWindow `json:"focus_window,omitempty" doc:"Requested focus window"`
	}
}

type CreateSessionOutput struct {
	Body *SessionSummary
}

type GetSessionInput struct {
	RecordingID string `path:"recordingID" doc:"Recording ID"`
	ViewID      string `query:"view_id" format:"uuid" doc:"View id of an anonymous viewer"`
}

type GetSessionOutput struct {
	Body *SessionSummary
}

type RestartSessionInput struct {
	RecordingID string `path:"recordingID" doc:"Recording ID"`
}

// RegisterSessionRoutes registers session establishment and lookup.
func RegisterSessionRoutes(api huma.API, orchestrator SessionOrchestrator) {
	inflight := newInflight()

	huma.Register(api, huma.Operation{
		OperationID: "create-session",
		Method:      http.MethodPost,
		Path:        "/sessions",
		Summary:     "Establish the replay sessions for a recording",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *CreateSessionInput) (*CreateSessionOutput, error) {
		req := session.Request{
			RecordingID: input.Body.RecordingID,
			Viewer:      middleware.ViewerFromContext(ctx),
			ViewID:      input.Body.ViewID,
			FocusWindow: input.Body.FocusWindow,
		}

		// An anonymous request without a view id opens a view of its own.
		if req.Viewer.Authenticated || req.ViewID != "" {
			view := req.View().String()
			if !inflight.acquire(view) {
				return nil, huma.Error409Conflict("session is already being established")
			}
			defer inflight.release(view)
		}

		s, err := orchestrator.Establish(ctx, req)
		if err != nil {
			return nil, sessionError(err)
		}

		return &CreateSessionOutput{Body: summarize(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{recordingID}",
		Summary:     "Get the caller's open session of a recording",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *GetSessionInput) (*GetSessionOutput, error) {
		viewer := middleware.ViewerFromContext(ctx)
		if !viewer.Authenticated && input.ViewID == "" {
			return nil, huma.Error404NotFound("no open session")
		}

		view := domain.ViewKeyFor(viewer, input.ViewID, input.RecordingID)
		s, ok := orchestrator.Active(view)
		if !ok {
			if sessErr := orchestrator.CurrentError(view); sessErr != nil {
				return nil, sessionError(sessErr)
			}
			return nil, huma.Error404NotFound("no open session")
		}
		return &GetSessionOutput{Body: summarize(s)}, nil
	})
}

// RegisterRestartRoutes registers the restart request. It must be mounted
// behind middleware.RequireViewer.
func RegisterRestartRoutes(api huma.API, orchestrator SessionOrchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "restart-session",
		Method:        http.MethodPost,
		Path:          "/sessions/{recordingID}/restart",
		Summary:       "Use a fresh controller for the caller's next session of a recording",
		Tags:          []string{"Sessions"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *RestartSessionInput) (*struct{}, error) {
		viewer := middleware.ViewerFromContext(ctx)
		orchestrator.RequestRestart(domain.ViewKeyFor(viewer, "", input.RecordingID))
		log.Info().
			Str("recording_id", input.RecordingID).
			Str("user_id", viewer.UserID).
			Msg("v1: restart requested")
		return nil, nil
	})
}

func summarize(s *session.Session) *SessionSummary {
	return &SessionSummary{
		RecordingID:  s.RecordingID,
		ViewID:       s.ViewID,
		SessionID:    s.SessionID,
		FocusWindow:  s.FocusWindow,
		Target:       s.Target,
		Capabilities: s.Capabilities,
		Handles:      s.Handles(),
		Supplemental: s.Supplemental,
	}
}

// sessionError maps the error of a failed establishment to its response.
func sessionError(err error) error {
	var sessErr *domain.SessionError
	if !errors.As(err, &sessErr) {
		return huma.Error500InternalServerError("failed to establish session", err)
	}
	return &SessionErrorModel{
		Status: statusFor(sessErr),
		Title:  sessErr.Message,
		Detail: sessErr.Content,
		Kind:   sessErr.Kind,
		Action: sessErr.Action,
	}
}

func statusFor(err *domain.SessionError) int {
	if !err.Expected() {
		return http.StatusBadGateway
	}
	if errclass.IsRecordingDeleted(err) {
		return http.StatusGone
	}
	switch err.Action {
	case domain.ActionSignIn:
		return http.StatusUnauthorized
	case domain.ActionRequestAccess:
		return http.StatusForbidden
	case domain.ActionTeamBilling, domain.ActionLibrary:
		return http.StatusPaymentRequired
	default:
		return http.StatusBadRequest
	}
}

// inflight allows one establishment per view at a time.
type inflight struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newInflight() *inflight {
	return &inflight{ids: make(map[string]struct{})}
}

func (f *inflight) acquire(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.ids[id]; busy {
		return false
	}
	f.ids[id] = struct{}{}
	return true
}

func (f *inflight) release(id string) {
	f.mu.Lock()
	delete(f.ids, id)
	f.mu.Unlock()
}
