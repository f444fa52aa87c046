package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gosuda/rewind/internal/domain"
	"github.com/gosuda/rewind/internal/prefs"
	"github.com/gosuda/rewind/internal/protocol"
	"github.com/gosuda/rewind/internal/protoqueue"
	"github.com/gosuda/rewind/internal/session"
	"github.com/gosuda/rewind/internal/supplemental"
)

// --- transport ---

type createCall struct {
	recordingID string
	settings    domain.ExperimentalSettings
	focus       *domain.FocusWindow
}

type fakeTransport struct {
	mu         sync.Mutex
	hooks      protocol.Hooks
	subs       map[string][]chan json.RawMessage
	progressCh chan float64
	created    []createCall
	commands   []string
	closed     bool
	nextID     atomic.Int64

	buildID    string
	endpoint   float64
	window     *domain.FocusWindow
	progress   []float64
	processErr error
	commandErr map[string]error

	CreateSessionFunc func(ctx context.Context, recordingID string, hooks protocol.Hooks) (string, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		subs:     make(map[string][]chan json.RawMessage),
		buildID:  "linux-chromium-20240101-abcdef",
		endpoint: 2000,
	}
}

func (f *fakeTransport) CreateSession(ctx context.Context, recordingID string, settings domain.ExperimentalSettings, focus *domain.FocusWindow, hooks protocol.Hooks) (string, error) {
	f.mu.Lock()
	f.hooks = hooks
	f.created = append(f.created, createCall{recordingID: recordingID, settings: settings, focus: focus})
	f.mu.Unlock()

	if f.CreateSessionFunc != nil {
		return f.CreateSessionFunc(ctx, recordingID, hooks)
	}
	raw, err := f.SendCommand(ctx, protocol.MethodCreateSession, map[string]string{"recordingId": recordingID}, "")
	if err != nil {
		return "", err
	}
	var res struct {
		SessionID string `json:"sessionId"`
	}
	if err = json.Unmarshal(raw, &res); err != nil {
		return "", err
	}
	return res.SessionID, nil
}

func (f *fakeTransport) ProcessRecording(_ context.Context, _ string, _ domain.ExperimentalSettings) error {
	f.mu.Lock()
	ch := f.progressCh
	f.mu.Unlock()
	for _, p := range f.progress {
		ch <- p
	}
	return f.processErr
}

func (f *fakeTransport) SubscribeProgress() (<-chan float64, func()) {
	ch := make(chan float64, 32)
	f.mu.Lock()
	f.progressCh = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

func (f *fakeTransport) Subscribe(method string) (<-chan json.RawMessage, func()) {
	ch := make(chan json.RawMessage, 8)
	f.mu.Lock()
	f.subs[method] = append(f.subs[method], ch)
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			subs := f.subs[method]
			for i, c := range subs {
				if c == ch {
					f.subs[method] = append(subs[:i], subs[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
}

// emit delivers a backend event to every subscriber of method.
func (f *fakeTransport) emit(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[method] {
		ch <- json.RawMessage(`{}`)
	}
}

func (f *fakeTransport) currentHooks() protocol.Hooks {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hooks
}

func (f *fakeTransport) SendCommand(_ context.Context, method string, _ any, sessionID string) (json.RawMessage, error) {
	f.mu.Lock()
	f.commands = append(f.commands, method+"@"+sessionID)
	hooks := f.hooks
	cmdErr := f.commandErr[method]
	f.mu.Unlock()

	id := f.nextID.Add(1)
	if hooks.OnRequest != nil {
		hooks.OnRequest(protocol.Message{ID: id, Method: method, SessionID: sessionID})
	}

	if cmdErr != nil {
		if hooks.OnResponseError != nil {
			hooks.OnResponseError(protocol.Message{ID: id, Error: &protocol.Error{Code: 1, Message: cmdErr.Error()}})
		}
		return nil, cmdErr
	}

	var result any
	switch method {
	case protocol.MethodCreateSession:
		result = map[string]string{"sessionId": "session-" + strconv.FormatInt(id, 10)}
	case protocol.MethodGetEndpoint:
		result = map[string]any{"endpoint": domain.TimeStampedPoint{Point: "end", Time: f.endpoint}}
	case protocol.MethodGetBuildID:
		result = map[string]string{"buildId": f.buildID}
	case protocol.MethodGetFocusWindow:
		result = map[string]any{"window": f.window}
	default:
		return nil, errors.New("fake transport: unexpected method " + method)
	}

	raw, _ := json.Marshal(result)
	if hooks.OnResponse != nil {
		hooks.OnResponse(protocol.Message{ID: id, Result: raw})
	}
	return raw, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	hooks := f.hooks
	f.mu.Unlock()
	if hooks.OnSocketClose != nil {
		hooks.OnSocketClose(true)
	}
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) createCalls() []createCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]createCall(nil), f.created...)
}

// --- sinks ---

type note struct {
	typ  string
	data any
}

type recordingSinks struct {
	mu        sync.Mutex
	notes     []note
	presented []*domain.SessionError
	tracked   []string
	ended     []string
	batches   [][]protoqueue.Event
}

func (s *recordingSinks) Notify(_ context.Context, eventType string, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, note{typ: eventType, data: data})
}

func (s *recordingSinks) PresentError(_ context.Context, err *domain.SessionError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presented = append(s.presented, err)
}

func (s *recordingSinks) Track(_ context.Context, event string, _ map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked = append(s.tracked, event)
}

func (s *recordingSinks) EndSession(_ context.Context, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = append(s.ended, reason)
}

func (s *recordingSinks) ProtocolMessagesReceived(events []protoqueue.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, events)
}

func (s *recordingSinks) notesOf(typ string) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []any
	for _, n := range s.notes {
		if n.typ == typ {
			out = append(out, n.data)
		}
	}
	return out
}

func (s *recordingSinks) endedReasons() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ended...)
}

func (s *recordingSinks) trackedEvents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tracked...)
}

func (s *recordingSinks) protocolBatches() [][]protoqueue.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]protoqueue.Event(nil), s.batches...)
}

// --- repositories ---

type mockRecordings struct {
	GetByIDFunc func(ctx context.Context, viewer domain.Viewer, id string) (*domain.RecordingRef, error)
}

func (m *mockRecordings) GetByID(ctx context.Context, viewer domain.Viewer, id string) (*domain.RecordingRef, error) {
	return m.GetByIDFunc(ctx, viewer, id)
}

type mockUsers struct {
	GetInfoFunc func(ctx context.Context, viewer domain.Viewer) (*domain.UserInfo, error)
}

func (m *mockUsers) GetInfo(ctx context.Context, viewer domain.Viewer) (*domain.UserInfo, error) {
	if m.GetInfoFunc == nil {
		return &domain.UserInfo{ID: viewer.UserID, Name: "Viewer"}, nil
	}
	return m.GetInfoFunc(ctx, viewer)
}

func recordingsOf(recs ...*domain.RecordingRef) *mockRecordings {
	return &mockRecordings{GetByIDFunc: func(_ context.Context, _ domain.Viewer, id string) (*domain.RecordingRef, error) {
		for _, r := range recs {
			if r.ID == id {
				return r, nil
			}
		}
		return nil, domain.ErrNotFound
	}}
}

// --- harness ---

var fixedNow = time.UnixMilli(1_700_000_000_000) //nolint:gochecknoglobals // test clock

type manualScheduler struct {
	mu      sync.Mutex
	pending []func()
}

func (m *manualScheduler) schedule(_ time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, fn)
}

func (m *manualScheduler) fire() {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

type harness struct {
	transport  *fakeTransport
	sinks      *recordingSinks
	prefs      *prefs.Memory
	scheduler  *manualScheduler
	links      supplemental.Table
	recordings *mockRecordings
	users      *mockUsers
	dialed     atomic.Int32

	// transportPerRun gives every run its own transport instead of sharing
	// transport.
	transportPerRun bool

	mu        sync.Mutex
	runs      []*fakeTransport
	sinkViews []domain.ViewKey
}

func newHarness(recs ...*domain.RecordingRef) *harness {
	return &harness{
		transport:  newFakeTransport(),
		sinks:      &recordingSinks{},
		prefs:      prefs.NewMemory(nil),
		scheduler:  &manualScheduler{},
		links:      supplemental.Table{},
		recordings: recordingsOf(recs...),
		users:      &mockUsers{},
	}
}

func (h *harness) orchestrator(opts ...session.Option) *session.Orchestrator {
	opts = append([]session.Option{
		session.WithScheduler(h.scheduler.schedule),
		session.WithClock(func() time.Time { return fixedNow }),
	}, opts...)
	return session.NewOrchestrator(
		h.users,
		h.recordings,
		h.links,
		h.prefs,
		prefs.NewRestartLatch(),
		func(string) session.Transport {
			h.dialed.Add(1)
			if !h.transportPerRun {
				return h.transport
			}
			t := newFakeTransport()
			h.mu.Lock()
			h.runs = append(h.runs, t)
			h.mu.Unlock()
			return t
		},
		func(_ context.Context, view domain.ViewKey) session.Sinks {
			h.mu.Lock()
			h.sinkViews = append(h.sinkViews, view)
			h.mu.Unlock()
			return h.sinks
		},
		opts...,
	)
}

func (h *harness) runTransports() []*fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*fakeTransport(nil), h.runs...)
}

func (h *harness) viewsSeen() []domain.ViewKey {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.ViewKey(nil), h.sinkViews...)
}

func readyRecording(id string) *domain.RecordingRef {
	return &domain.RecordingRef{
		ID:            id,
		Title:         "checkout flow",
		IsInitialized: true,
		IsProcessed:   true,
		CreatedAt:     fixedNow.Add(-time.Hour),
		UserRole:      domain.RoleOwner,
	}
}

func authenticated() domain.Viewer {
	return domain.Viewer{UserID: "user-1", Authenticated: true}
}

func userView(recordingID string) domain.ViewKey {
	return domain.ViewKeyFor(authenticated(), "", recordingID)
}

func window(begin, end float64) *domain.FocusWindow {
	return &domain.FocusWindow{
		Begin: domain.TimeStampedPoint{Point: "0", Time: begin},
		End:   domain.TimeStampedPoint{Point: "end", Time: end},
	}
}
