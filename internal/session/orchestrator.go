// Package session turns a recording id into live protocol sessions for a
// viewer and keeps track of the sessions that are currently open.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/gosuda/rewind/internal/dataclient"
	"github.com/gosuda/rewind/internal/domain"
	"github.com/gosuda/rewind/internal/errclass"
	"github.com/gosuda/rewind/internal/lifecycle"
	"github.com/gosuda/rewind/internal/notify"
	"github.com/gosuda/rewind/internal/prefs"
	"github.com/gosuda/rewind/internal/protocol"
	"github.com/gosuda/rewind/internal/protoqueue"
	"github.com/gosuda/rewind/internal/supplemental"
)

// Telemetry event emitted once the recording metadata is loaded.
const EventRecordingRegistered = "session.recording_registered"

// ErrRecordingUnavailable is raised when access checks are bypassed but the
// recording still could not be loaded.
var ErrRecordingUnavailable = errors.New("session: failed to load recording") //nolint:gochecknoglobals // sentinel error

// Transport is one connection to the replay backend. *protocol.Client
// satisfies it.
type Transport interface {
	CreateSession(ctx context.Context, recordingID string, settings domain.ExperimentalSettings, focus *domain.FocusWindow, hooks protocol.Hooks) (string, error)
	ProcessRecording(ctx context.Context, recordingID string, settings domain.ExperimentalSettings) error
	SubscribeProgress() (<-chan float64, func())
	Subscribe(method string) (<-chan json.RawMessage, func())
	SendCommand(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error)
	Close() error
}

// Dialer opens a transport for one establish run.
type Dialer func(recordingID string) Transport

// Sinks receive everything a run reports: state updates, telemetry, the
// visible error and batched protocol traffic. *notify.View satisfies it.
type Sinks interface {
	Notify(ctx context.Context, eventType string, data any)
	PresentError(ctx context.Context, err *domain.SessionError)
	Track(ctx context.Context, event string, props map[string]any)
	EndSession(ctx context.Context, reason string)
	ProtocolMessagesReceived(events []protoqueue.Event)
}

// SinkFactory builds the sinks for one run of a view.
type SinkFactory func(ctx context.Context, view domain.ViewKey) Sinks

// Request asks for a session on a recording.
type Request struct {
	RecordingID string
	Viewer      domain.Viewer
	// ViewID names the view of an anonymous viewer. Establish picks a fresh
	// one when it is empty.
	ViewID string
	// FocusWindow is the externally requested window, if any.
	FocusWindow *domain.FocusWindow
}

// View returns the key of the view the request is for.
func (r Request) View() domain.ViewKey {
	return domain.ViewKeyFor(r.Viewer, r.ViewID, r.RecordingID)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFlushDelay sets the protocol message batching delay.
func WithFlushDelay(d time.Duration) Option {
	return func(o *Orchestrator) { o.flushDelay = d }
}

// WithScheduler replaces the timer used for protocol message flushes.
func WithScheduler(s protoqueue.Scheduler) Option {
	return func(o *Orchestrator) { o.scheduler = s }
}

// WithHandshakeTimeout bounds every session handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.handshakeTimeout = d }
}

// WithClock replaces the clock used for controller keys.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithAccessCheckBypass disables access classification, for local testing.
func WithAccessCheckBypass() Option {
	return func(o *Orchestrator) { o.bypassAccess = true }
}

// Orchestrator runs session establishment and tracks the open session of
// every recording view. Views of the same recording never share a session or
// an error.
type Orchestrator struct {
	users      domain.UserRepository
	recordings domain.RecordingRepository
	links      supplemental.Lookup
	prefs      prefs.Store
	restart    *prefs.RestartLatch
	dial       Dialer
	sinks      SinkFactory

	flushDelay       time.Duration
	scheduler        protoqueue.Scheduler
	handshakeTimeout time.Duration
	now              func() time.Time
	bypassAccess     bool

	mu     sync.RWMutex
	active map[domain.ViewKey]*Session
	// errs keeps the error slot of a view across runs until an unexpected
	// error forces a fresh one.
	errs map[domain.ViewKey]*errclass.Slot
}

func NewOrchestrator(
	users domain.UserRepository,
	recordings domain.RecordingRepository,
	links supplemental.Lookup,
	store prefs.Store,
	restart *prefs.RestartLatch,
	dial Dialer,
	sinks SinkFactory,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		users:      users,
		recordings: recordings,
		links:      links,
		prefs:      store,
		restart:    restart,
		dial:       dial,
		sinks:      sinks,
		flushDelay: protoqueue.DefaultDelay,
		now:        time.Now,
		active:     make(map[domain.ViewKey]*Session),
		errs:       make(map[domain.ViewKey]*errclass.Slot),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.restart == nil {
		o.restart = prefs.NewRestartLatch()
	}
	return o
}

// RequestRestart makes the next Establish of view use a fresh backend
// controller.
func (o *Orchestrator) RequestRestart(view domain.ViewKey) {
	o.restart.Request(view.String())
}

// Active returns the open session of view.
func (o *Orchestrator) Active(view domain.ViewKey) (*Session, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.active[view]
	return s, ok
}

// CurrentError returns the error visible in view, or nil.
func (o *Orchestrator) CurrentError(view domain.ViewKey) *domain.SessionError {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if slot, ok := o.errs[view]; ok {
		return slot.Current()
	}
	return nil
}

// Shutdown closes every open session.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	sessions := make([]*Session, 0, len(o.active))
	for view, s := range o.active {
		sessions = append(sessions, s)
		delete(o.active, view)
	}
	o.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Str("view", s.View.String()).Msg("session.Orchestrator.Shutdown: close")
		}
	}
}

// Establish creates the primary and supplemental sessions for a recording.
// On failure the returned error is always a *domain.SessionError, and it is
// the error the viewer is shown.
func (o *Orchestrator) Establish(ctx context.Context, req Request) (*Session, error) {
	// A view nobody named cannot be looked up later, so its error slot is
	// not kept.
	keep := req.Viewer.Authenticated || req.ViewID != ""
	switch {
	case req.Viewer.Authenticated:
		req.ViewID = ""
	case req.ViewID == "":
		req.ViewID = uuid.NewString()
	}
	view := req.View()

	// The run outlives the request that started it.
	runCtx := context.WithoutCancel(ctx)
	sinks := &onceSinks{Sinks: o.sinks(runCtx, view)}

	r := &run{
		o:          o,
		req:        req,
		view:       view,
		ctx:        runCtx,
		sinks:      sinks,
		slot:       o.slotFor(view, sinks, keep),
		classifier: o.classifier(sinks),
	}

	s, err := r.establish(ctx)
	if err != nil {
		return nil, r.fail(err)
	}

	o.track(s)
	return s, nil
}

func (o *Orchestrator) classifier(tracker errclass.Tracker) *errclass.Classifier {
	if o.bypassAccess {
		return errclass.New(tracker, errclass.WithAccessCheckBypass())
	}
	return errclass.New(tracker)
}

func (o *Orchestrator) slotFor(view domain.ViewKey, presenter errclass.Presenter, keep bool) *errclass.Slot {
	if !keep {
		return errclass.NewSlot(presenter)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if slot, ok := o.errs[view]; ok && slot.Unexpected() == nil {
		return slot
	}
	slot := errclass.NewSlot(presenter)
	o.errs[view] = slot
	return slot
}

// track registers s as the open session of its view, closing the one it
// replaces, and forgets it once it is torn down.
func (o *Orchestrator) track(s *Session) {
	o.mu.Lock()
	prev := o.active[s.View]
	o.active[s.View] = s
	o.mu.Unlock()

	if prev != nil {
		if err := prev.Close(); err != nil {
			log.Warn().Err(err).Str("view", prev.View.String()).Msg("session.Orchestrator: close replaced session")
		}
	}

	go func() {
		select {
		case <-s.monitor.TornDown():
			log.Info().Str("view", s.View.String()).Str("session_id", s.SessionID).Msg("session torn down")
		case <-s.closed:
		}
		o.mu.Lock()
		if o.active[s.View] == s {
			delete(o.active, s.View)
		}
		o.mu.Unlock()
	}()
}

// run holds the state of one Establish call.
type run struct {
	o          *Orchestrator
	req        Request
	view       domain.ViewKey
	ctx        context.Context //nolint:containedctx // session lifetime context
	sinks      *onceSinks
	slot       *errclass.Slot
	classifier *errclass.Classifier

	transport Transport
	queue     *protoqueue.Queue
	monitor   *lifecycle.Monitor
}

func (r *run) establish(ctx context.Context) (*Session, error) {
	recordingID := r.req.RecordingID
	if recordingID == "" {
		return nil, errors.New("session.Orchestrator.Establish: no recording id")
	}

	// 1. Load the viewer and the recording together.
	user, rec, err := r.load(ctx)
	if err != nil {
		return nil, err
	}

	// 2. Classify access.
	if accessErr := r.classifier.ClassifyAccessFailure(r.ctx, rec, r.req.Viewer.Authenticated); accessErr != nil {
		return nil, accessErr
	}
	if rec == nil {
		return nil, fmt.Errorf("session.Orchestrator.Establish(%s): %w", recordingID, ErrRecordingUnavailable)
	}
	if r.slot.ClearAccessError() {
		r.sinks.Notify(r.ctx, notify.TypeErrorCleared, nil)
	}

	r.sinks.Notify(r.ctx, notify.TypeRecordingLoaded, recordingLoaded{Recording: rec, Workspace: rec.Workspace, User: user})
	r.sinks.Track(r.ctx, EventRecordingRegistered, map[string]any{"recording_id": recordingID})

	// 3. Trial check against the recording date.
	if rec.Workspace.SubscriptionExpired(rec.CreatedAt) {
		return nil, errclass.TrialExpiredError(rec.UserRole)
	}

	// 4. Backend settings.
	settings := prefs.ExperimentalSettings(r.o.prefs, r.o.restart.Take(r.view.String()), r.o.now())

	r.transport = r.o.dial(recordingID)

	// 5. Processing.
	if !rec.IsProcessed {
		if err = r.process(ctx, settings); err != nil {
			return nil, err
		}
	}
	r.sinks.Notify(r.ctx, notify.TypeProcessing, false)

	// 6. Teardown listeners go in before the handshake.
	r.queue = protoqueue.New(r.sinks, r.protocolPanelEnabled, r.queueOptions()...)
	r.monitor = lifecycle.New(r.slot, r.sinks)
	r.monitor.Arm(r.ctx, r.transport)
	hooks := mergeHooks(r.queue.Hooks(), r.monitor.Hooks())

	// 7. Primary handshake.
	sessionID, err := r.handshake(ctx, recordingID, settings, r.req.FocusWindow, hooks)
	if err != nil {
		return nil, err
	}
	r.monitor.HandshakeCompleted()
	log.Info().Str("recording_id", recordingID).Str("session_id", sessionID).Msg("main session created")
	r.sinks.Notify(r.ctx, notify.TypeSessionCreated, domain.SessionHandle{SessionID: sessionID, RecordingID: recordingID})

	// 8. Supplemental sessions.
	manager := supplemental.NewManager(r.o.links, supplemental.HandshakeFunc(
		func(ctx context.Context, id string, settings domain.ExperimentalSettings, focus *domain.FocusWindow) (string, error) {
			return r.handshake(ctx, id, settings, focus, hooks)
		}))
	linked, err := manager.LinkedSessions(ctx, recordingID, settings)
	if err != nil {
		return nil, err
	}

	// 9. Configure the data client in one call.
	data := dataclient.New(r.transport)
	if err = data.Configure(ctx, recordingID, sessionID, linked); err != nil {
		return nil, err
	}

	// 10. Reconcile focus window and recording target.
	focus := data.CurrentFocusWindow()
	if focus == nil {
		return nil, fmt.Errorf("session.Orchestrator.Establish(%s): data client has no focus window", recordingID)
	}
	if r.req.FocusWindow == nil || !r.req.FocusWindow.SameBounds(*focus) {
		r.sinks.Notify(r.ctx, notify.TypeFocusWindowChanged, focus)
	}

	target := data.RecordingTarget()
	capabilities := data.Capabilities()
	r.sinks.Notify(r.ctx, notify.TypeRecordingTarget, target)
	if target == domain.TargetNode {
		r.sinks.Notify(r.ctx, notify.TypeViewMode, "dev")
	}
	if !capabilities.SupportsRepaintingGraphics {
		r.sinks.Notify(r.ctx, notify.TypeToolboxLayout, "left")
	}

	// 11. Done.
	r.sinks.Notify(r.ctx, notify.TypeLoadingFinished, true)

	return &Session{
		View:         r.view,
		ViewID:       r.req.ViewID,
		RecordingID:  recordingID,
		SessionID:    sessionID,
		FocusWindow:  *focus,
		Target:       target,
		Capabilities: capabilities,
		Supplemental: linked,
		Recording:    rec,
		User:         user,
		Settings:     settings,
		transport:    r.transport,
		queue:        r.queue,
		monitor:      r.monitor,
		data:         data,
		errs:         r.slot,
		closed:       make(chan struct{}),
	}, nil
}

type recordingLoaded struct {
	Recording *domain.RecordingRef `json:"recording"`
	Workspace *domain.Workspace    `json:"workspace,omitempty"`
	User      *domain.UserInfo     `json:"user,omitempty"`
}

// load fetches the viewer and the recording concurrently. A missing or
// uninitialized recording yields nil without error.
func (r *run) load(ctx context.Context) (*domain.UserInfo, *domain.RecordingRef, error) {
	var (
		user *domain.UserInfo
		rec  *domain.RecordingRef
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if !r.req.Viewer.Authenticated {
			return nil
		}
		info, err := r.o.users.GetInfo(gctx, r.req.Viewer)
		switch {
		case err == nil:
			user = info
		case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnauthorized):
		default:
			return fmt.Errorf("get user info: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		got, err := r.o.recordings.GetByID(gctx, r.req.Viewer, r.req.RecordingID)
		switch {
		case err == nil:
			if got.IsInitialized {
				rec = got
			}
		case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnauthorized):
		default:
			return fmt.Errorf("get recording: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("session.Orchestrator.Establish(%s): %w", r.req.RecordingID, err)
	}
	return user, rec, nil
}

// process runs backend processing and forwards progress as reported,
// without clamping.
func (r *run) process(ctx context.Context, settings domain.ExperimentalSettings) error {
	r.sinks.Notify(r.ctx, notify.TypeProcessing, true)

	progress, stop := r.transport.SubscribeProgress()
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for p := range progress {
			r.sinks.Notify(r.ctx, notify.TypeProcessingProgress, p)
		}
	}()

	err := r.transport.ProcessRecording(ctx, r.req.RecordingID, settings)
	stop()
	<-forwarded
	if err != nil {
		return fmt.Errorf("session.Orchestrator.Establish(%s): process: %w", r.req.RecordingID, err)
	}
	return nil
}

func (r *run) handshake(ctx context.Context, recordingID string, settings domain.ExperimentalSettings, focus *domain.FocusWindow, hooks protocol.Hooks) (string, error) {
	if r.o.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.o.handshakeTimeout)
		defer cancel()
	}
	return r.transport.CreateSession(ctx, recordingID, settings, focus, hooks)
}

func (r *run) protocolPanelEnabled() bool {
	return r.o.prefs.Bool(prefs.KeyProtocolPanel)
}

func (r *run) queueOptions() []protoqueue.Option {
	opts := []protoqueue.Option{protoqueue.WithDelay(r.o.flushDelay)}
	if r.o.scheduler != nil {
		opts = append(opts, protoqueue.WithScheduler(r.o.scheduler))
	}
	return opts
}

// fail classifies err, records it and releases everything the run opened.
// A deleted recording wins over any other failure. When the monitor already
// tore the session down, its error stands.
func (r *run) fail(err error) *domain.SessionError {
	var final *domain.SessionError
	if r.monitor != nil && r.monitor.State() == lifecycle.StateTornDown && !errclass.IsRecordingDeleted(err) {
		final = r.slot.Current()
	}
	if final == nil {
		final = r.slot.Set(r.ctx, r.classifier.ClassifyException(err))
	}
	if !final.Expected() {
		r.sinks.EndSession(r.ctx, lifecycle.ReasonDisconnected)
	}

	log.Warn().Err(err).
		Str("view", r.view.String()).
		Str("kind", string(final.Kind)).
		Str("action", string(final.Action)).
		Msg("session establish failed")

	if r.monitor != nil {
		r.monitor.Close()
	}
	if r.queue != nil {
		r.queue.Flush()
	}
	if r.transport != nil {
		if closeErr := r.transport.Close(); closeErr != nil {
			log.Debug().Err(closeErr).Str("recording_id", r.req.RecordingID).Msg("close transport")
		}
	}
	return final
}

// onceSinks ends the telemetry session at most once per run, however many
// teardown paths report it.
type onceSinks struct {
	Sinks
	endOnce sync.Once
}

func (s *onceSinks) EndSession(ctx context.Context, reason string) {
	s.endOnce.Do(func() {
		s.Sinks.EndSession(ctx, reason)
	})
}
