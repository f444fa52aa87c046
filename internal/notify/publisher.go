// Package notify publishes the session state, telemetry, error presentation
// and protocol traffic of one recording view to pub/sub channels only that
// view's viewer can subscribe to.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/rewind/internal/domain"
	"github.com/gosuda/rewind/internal/protoqueue"
	redisstore "github.com/gosuda/rewind/internal/store/redis"
)

// Event types on the session channel.
const (
	TypeRecordingLoaded    = "recording_loaded"
	TypeProcessing         = "processing"
	TypeProcessingProgress = "processing_progress"
	TypeSessionCreated     = "session_created"
	TypeRecordingTarget    = "recording_target"
	TypeViewMode           = "view_mode"
	TypeToolboxLayout      = "toolbox_layout"
	TypeFocusWindowChanged = "focus_window_changed"
	TypeLoadingFinished    = "loading_finished"
	TypeError              = "error"
	TypeErrorCleared       = "error_cleared"
	TypeProtocolMessages   = "protocol_messages"
	TypeTelemetry          = "telemetry"
)

// PubSubPublisher publishes raw payloads to a channel.
type PubSubPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Event is the envelope written to every channel.
type Event struct {
	ID          uuid.UUID `json:"id"`
	Type        string    `json:"type"`
	RecordingID string    `json:"recording_id"`
	Data        any       `json:"data,omitempty"`
	At          time.Time `json:"at"`
}

type telemetryData struct {
	SessionID uuid.UUID      `json:"session_id"`
	Event     string         `json:"event"`
	Props     map[string]any `json:"props,omitempty"`
}

type protocolBatch struct {
	BatchID  uuid.UUID          `json:"batch_id"`
	Messages []protoqueue.Event `json:"messages"`
}

// Publisher creates per-view sinks over one pub/sub connection.
type Publisher struct {
	pubsub PubSubPublisher
	now    func() time.Time
}

func New(pubsub PubSubPublisher) *Publisher {
	return &Publisher{pubsub: pubsub, now: time.Now}
}

// ForView returns the sinks for one session run of view. ctx bounds
// publishes that arrive without a context of their own, such as protocol
// batches.
func (p *Publisher) ForView(ctx context.Context, view domain.ViewKey) *View {
	return &View{
		publisher:   p,
		ctx:         ctx,
		key:         view,
		telemetryID: uuid.New(),
	}
}

// View publishes everything observed for a single recording view. It
// satisfies the store-update, telemetry, error-presentation and
// protocol-batch sinks.
type View struct {
	publisher   *Publisher
	ctx         context.Context //nolint:containedctx // protocol batches are delivered from timers
	key         domain.ViewKey
	telemetryID uuid.UUID

	endOnce sync.Once
}

func (r *View) Key() domain.ViewKey { return r.key }

// Notify publishes a session state update.
func (r *View) Notify(ctx context.Context, eventType string, data any) {
	r.publish(ctx, redisstore.SessionChannel(r.key.String()), eventType, data)
}

// PresentError publishes the error a viewer should see.
func (r *View) PresentError(ctx context.Context, err *domain.SessionError) {
	r.publish(ctx, redisstore.SessionChannel(r.key.String()), TypeError, err)
}

// Track publishes a named telemetry event.
func (r *View) Track(ctx context.Context, event string, props map[string]any) {
	r.publish(ctx, redisstore.TelemetryChannel, TypeTelemetry, telemetryData{
		SessionID: r.telemetryID,
		Event:     event,
		Props:     props,
	})
}

// EndSession closes the telemetry session. Only the first call publishes.
func (r *View) EndSession(ctx context.Context, reason string) {
	r.endOnce.Do(func() {
		r.Track(ctx, "session.end", map[string]any{"reason": reason})
	})
}

// ProtocolMessagesReceived publishes one flushed batch of protocol traffic.
func (r *View) ProtocolMessagesReceived(events []protoqueue.Event) {
	r.publish(r.ctx, redisstore.ProtocolChannel(r.key.String()), TypeProtocolMessages, protocolBatch{
		BatchID:  uuid.New(),
		Messages: events,
	})
}

func (r *View) publish(ctx context.Context, channel, eventType string, data any) {
	if err := r.publisher.publish(ctx, channel, Event{
		ID:          uuid.New(),
		Type:        eventType,
		RecordingID: r.key.RecordingID,
		Data:        data,
		At:          r.publisher.now(),
	}); err != nil {
		log.Warn().Err(err).
			Str("view", r.key.String()).
			Str("type", eventType).
			Msg("notify: publish failed")
	}
}

func (p *Publisher) publish(ctx context.Context, channel string, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify.Publisher.publish: marshal %s: %w", evt.Type, err)
	}
	if err = p.pubsub.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("notify.Publisher.publish: %s: %w", channel, err)
	}
	return nil
}
