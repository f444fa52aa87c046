// Package lifecycle watches a live session for teardown signals and turns
// them into the error the viewer sees.
package lifecycle

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/rewind/internal/domain"
	"github.com/gosuda/rewind/internal/protocol"
)

// ReasonDisconnected is the telemetry end reason for every teardown.
const ReasonDisconnected = "disconnected"

// State is the monitor's position in Idle -> Armed -> MayDestroyNoted -> TornDown.
type State int32

const (
	StateIdle State = iota
	StateArmed
	StateMayDestroyNoted
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateMayDestroyNoted:
		return "may_destroy_noted"
	case StateTornDown:
		return "torn_down"
	default:
		return "unknown"
	}
}

// ErrorSink records the error caused by a teardown. *errclass.Slot
// satisfies it.
type ErrorSink interface {
	Set(ctx context.Context, err *domain.SessionError) *domain.SessionError
}

// Telemetry is told when the session ends.
type Telemetry interface {
	EndSession(ctx context.Context, reason string)
}

// NoticeSource delivers server notices by method name. *protocol.Client
// satisfies it.
type NoticeSource interface {
	Subscribe(method string) (<-chan json.RawMessage, func())
}

type signalKind int

const (
	signalMayDestroy signalKind = iota
	signalDestroyed
	signalSocketError
	signalSocketClose
	signalHandshakeCompleted
)

type signal struct {
	kind      signalKind
	err       error
	initial   bool
	willClose bool
	done      chan struct{}
}

// Monitor maps session teardown signals to errors. All signals are handled
// by one goroutine, so the may-destroy latch needs no locking.
type Monitor struct {
	errs      ErrorSink
	telemetry Telemetry

	state     atomic.Int32
	armed     atomic.Bool
	signals   chan signal
	quit      chan struct{}
	stopped   chan struct{}
	tornDown  chan struct{}
	closeOnce sync.Once

	// owned by the dispatch goroutine
	handshook   bool
	mayDestroy  <-chan json.RawMessage
	destroyed   <-chan json.RawMessage
	unsubscribe []func()
}

// New creates an idle monitor. telemetry may be nil.
func New(errs ErrorSink, telemetry Telemetry) *Monitor {
	return &Monitor{
		errs:      errs,
		telemetry: telemetry,
		signals:   make(chan signal, 16),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		tornDown:  make(chan struct{}),
	}
}

// Arm subscribes to the server's may-destroy and session-error notices and
// starts the dispatch goroutine. It must be called before the handshake is
// sent. src may be nil when notices are fed through MayDestroy/Destroyed.
func (m *Monitor) Arm(ctx context.Context, src NoticeSource) {
	if !m.armed.CompareAndSwap(false, true) {
		return
	}

	if src != nil {
		var unsub func()
		m.mayDestroy, unsub = src.Subscribe(protocol.EventMayDestroy)
		m.unsubscribe = append(m.unsubscribe, unsub)
		m.destroyed, unsub = src.Subscribe(protocol.EventSessionError)
		m.unsubscribe = append(m.unsubscribe, unsub)
	}

	m.state.Store(int32(StateArmed))
	go m.run(ctx)
}

// MayDestroy records that the server announced it may tear the session down.
func (m *Monitor) MayDestroy() {
	m.send(signal{kind: signalMayDestroy})
}

// Destroyed reports that the server destroyed the session.
func (m *Monitor) Destroyed() {
	m.send(signal{kind: signalDestroyed})
}

// SocketError reports a transport failure. initial is true when the failure
// happened while establishing the socket.
func (m *Monitor) SocketError(err error, initial bool) {
	m.send(signal{kind: signalSocketError, err: err, initial: initial})
}

// SocketClose reports the socket closing. Intentional closes are ignored.
func (m *Monitor) SocketClose(willClose bool) {
	m.send(signal{kind: signalSocketClose, willClose: willClose})
}

// HandshakeCompleted marks the primary handshake as done. Socket errors
// before this point are always unexpected.
func (m *Monitor) HandshakeCompleted() {
	m.send(signal{kind: signalHandshakeCompleted})
}

// Hooks returns transport hooks that feed socket errors and closes into the
// monitor.
func (m *Monitor) Hooks() protocol.Hooks {
	return protocol.Hooks{
		OnSocketError: m.SocketError,
		OnSocketClose: m.SocketClose,
	}
}

// State returns the current state.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// TornDown is closed once the session has been torn down.
func (m *Monitor) TornDown() <-chan struct{} {
	return m.tornDown
}

// Close stops the dispatch goroutine after handling already queued signals.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		close(m.quit)
	})
	if m.armed.Load() {
		<-m.stopped
	}
}

// send hands sig to the dispatch goroutine and waits until it was handled,
// so callers observe its effect once send returns.
func (m *Monitor) send(sig signal) {
	if !m.armed.Load() {
		return
	}

	sig.done = make(chan struct{})
	select {
	case m.signals <- sig:
	case <-m.stopped:
		return
	}
	select {
	case <-sig.done:
	case <-m.stopped:
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer func() {
		for _, unsub := range m.unsubscribe {
			unsub()
		}
		close(m.stopped)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.quit:
			m.drainSignals(ctx)
			return
		case _, ok := <-m.mayDestroy:
			if !ok {
				m.mayDestroy = nil
				continue
			}
			m.noteMayDestroy()
		case _, ok := <-m.destroyed:
			if !ok {
				m.destroyed = nil
				continue
			}
			m.drainNotices()
			m.teardown(ctx, destroyedError(), true)
		case sig := <-m.signals:
			m.drainNotices()
			m.handle(ctx, sig)
			close(sig.done)
		}
	}
}

func (m *Monitor) drainSignals(ctx context.Context) {
	for {
		select {
		case sig := <-m.signals:
			m.drainNotices()
			m.handle(ctx, sig)
			close(sig.done)
		default:
			return
		}
	}
}

// drainNotices applies may-destroy notices that arrived on the subscription
// but have not been read yet, so a teardown never overtakes the notice that
// preceded it on the wire.
func (m *Monitor) drainNotices() {
	for m.mayDestroy != nil {
		select {
		case _, ok := <-m.mayDestroy:
			if !ok {
				m.mayDestroy = nil
				return
			}
			m.noteMayDestroy()
		default:
			return
		}
	}
}

func (m *Monitor) handle(ctx context.Context, sig signal) {
	switch sig.kind {
	case signalMayDestroy:
		m.noteMayDestroy()
	case signalDestroyed:
		m.teardown(ctx, destroyedError(), true)
	case signalHandshakeCompleted:
		m.handshook = true
	case signalSocketClose:
		if sig.willClose {
			return
		}
		m.teardown(ctx, disconnectError(), true)
	case signalSocketError:
		if sig.initial || !m.handshook {
			m.teardown(ctx, connectError().WithCause(sig.err), false)
			return
		}
		m.teardown(ctx, socketError().WithCause(sig.err), true)
	}
}

func (m *Monitor) noteMayDestroy() {
	m.state.CompareAndSwap(int32(StateArmed), int32(StateMayDestroyNoted))
}

// teardown reports err, or the timeout error when the server announced the
// teardown and honorNotice is set, then ends telemetry.
func (m *Monitor) teardown(ctx context.Context, err *domain.SessionError, honorNotice bool) {
	state := m.State()
	if state == StateTornDown {
		return
	}

	if honorNotice && state == StateMayDestroyNoted {
		err = timeoutError()
	}

	log.Warn().Str("state", state.String()).Str("error", err.Message).Msg("lifecycle.Monitor: session torn down")

	if m.errs != nil {
		m.errs.Set(ctx, err)
	}
	if m.telemetry != nil {
		m.telemetry.EndSession(ctx, ReasonDisconnected)
	}

	m.state.Store(int32(StateTornDown))
	close(m.tornDown)
}

func timeoutError() *domain.SessionError {
	return domain.NewExpectedError("Ready when you are!", "This replay timed out to reduce server load.", domain.ActionRefresh)
}

func destroyedError() *domain.SessionError {
	return domain.NewUnexpectedError("Unexpected end of session",
		"The session was destroyed unexpectedly. Please refresh the page.", domain.ActionRefresh)
}

func disconnectError() *domain.SessionError {
	return domain.NewUnexpectedError("Unexpected disconnect",
		"The connection to our server was closed unexpectedly. Please refresh the page.", domain.ActionRefresh)
}

func socketError() *domain.SessionError {
	return domain.NewUnexpectedError("Unexpected socket error",
		"The connection to our server was closed due to an error. Please refresh the page.", domain.ActionRefresh)
}

func connectError() *domain.SessionError {
	return domain.NewUnexpectedError("Unable to establish socket connection",
		"A connection to our server could not be established. Please check your connection.", domain.ActionRefresh)
}
