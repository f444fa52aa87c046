package session

import (
	"fmt"
	"sync"

	"github.com/gosuda/rewind/internal/dataclient"
	"github.com/gosuda/rewind/internal/domain"
	"github.com/gosuda/rewind/internal/errclass"
	"github.com/gosuda/rewind/internal/lifecycle"
	"github.com/gosuda/rewind/internal/protocol"
	"github.com/gosuda/rewind/internal/protoqueue"
)

// Session is a ready primary session and its supplemental sessions. It owns
// the transport, the protocol message queue and the lifecycle monitor of the
// run that created it.
type Session struct {
	View domain.ViewKey
	// ViewID is the view id of an anonymous viewer, empty otherwise.
	ViewID       string
	RecordingID  string
	SessionID    string
	FocusWindow  domain.FocusWindow
	Target       domain.RecordingTarget
	Capabilities domain.RecordingCapabilities
	Supplemental []domain.SupplementalSession
	Recording    *domain.RecordingRef
	User         *domain.UserInfo
	Settings     domain.ExperimentalSettings

	transport Transport
	queue     *protoqueue.Queue
	monitor   *lifecycle.Monitor
	data      *dataclient.Client
	errs      *errclass.Slot

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// Handles lists the primary handle followed by the supplemental ones.
func (s *Session) Handles() []domain.SessionHandle {
	handles := make([]domain.SessionHandle, 0, len(s.Supplemental)+1)
	handles = append(handles, domain.SessionHandle{SessionID: s.SessionID, RecordingID: s.RecordingID})
	for _, sup := range s.Supplemental {
		handles = append(handles, domain.SessionHandle{SessionID: sup.SessionID, RecordingID: sup.ServerRecordingID})
	}
	return handles
}

// Data returns the configured replay data client.
func (s *Session) Data() *dataclient.Client { return s.data }

// State returns the lifecycle state of the session.
func (s *Session) State() lifecycle.State { return s.monitor.State() }

// TornDown is closed when the backend or the socket ended the session.
func (s *Session) TornDown() <-chan struct{} { return s.monitor.TornDown() }

// CurrentError returns the error currently shown for the session, or nil.
func (s *Session) CurrentError() *domain.SessionError { return s.errs.Current() }

// Close stops monitoring, delivers queued protocol messages and closes the
// transport. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.monitor.Close()
		s.queue.Flush()
		if err := s.transport.Close(); err != nil {
			s.closeErr = fmt.Errorf("session.Session.Close(%s): %w", s.RecordingID, err)
		}
		close(s.closed)
	})
	return s.closeErr
}

// mergeHooks combines transport hooks so every non-nil callback runs.
func mergeHooks(all ...protocol.Hooks) protocol.Hooks {
	var merged protocol.Hooks
	for _, h := range all {
		merged.OnEvent = chainMessage(merged.OnEvent, h.OnEvent)
		merged.OnRequest = chainMessage(merged.OnRequest, h.OnRequest)
		merged.OnResponse = chainMessage(merged.OnResponse, h.OnResponse)
		merged.OnResponseError = chainMessage(merged.OnResponseError, h.OnResponseError)
		merged.OnSocketError = chainSocketError(merged.OnSocketError, h.OnSocketError)
		merged.OnSocketClose = chainSocketClose(merged.OnSocketClose, h.OnSocketClose)
	}
	return merged
}

func chainMessage(a, b func(protocol.Message)) func(protocol.Message) {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return func(m protocol.Message) {
		a(m)
		b(m)
	}
}

func chainSocketError(a, b func(error, bool)) func(error, bool) {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return func(err error, initial bool) {
		a(err, initial)
		b(err, initial)
	}
}

func chainSocketClose(a, b func(bool)) func(bool) {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return func(willClose bool) {
		a(willClose)
		b(willClose)
	}
}
