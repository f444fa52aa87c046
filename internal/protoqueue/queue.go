// Package protoqueue buffers observed protocol traffic and hands it to a sink
// in time-debounced batches for diagnostic viewers.
package protoqueue

import (
	"encoding/json"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gosuda/rewind/internal/protocol"
)

const (
	// DefaultDelay is how long observed traffic waits before being flushed.
	DefaultDelay = 250 * time.Millisecond

	// SourceContentsLimit caps the source text kept from a source-contents
	// response, in characters.
	SourceContentsLimit = 1000
)

// Kind tags a queued event.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindError    Kind = "error"
)

// Event is one observed protocol message. RecordedAt is a monotonic offset
// from the queue's creation.
type Event struct {
	Kind       Kind             `json:"type"`
	Message    protocol.Message `json:"value"`
	RecordedAt time.Duration    `json:"recorded_at"`
}

// Sink receives flushed batches.
type Sink interface {
	ProtocolMessagesReceived(batch []Event)
}

// Scheduler runs fn once after d.
type Scheduler func(d time.Duration, fn func())

// Option configures a Queue.
type Option func(*Queue)

// WithDelay overrides DefaultDelay.
func WithDelay(d time.Duration) Option {
	return func(q *Queue) {
		q.delay = d
	}
}

// WithScheduler replaces the time.AfterFunc based scheduler.
func WithScheduler(s Scheduler) Option {
	return func(q *Queue) {
		q.schedule = s
	}
}

// Queue accumulates events and flushes them as one batch DefaultDelay after
// the first event of the batch. There is no maximum batch size.
type Queue struct {
	sink     Sink
	enabled  func() bool
	delay    time.Duration
	schedule Scheduler
	start    time.Time

	mu        sync.Mutex
	events    []Event
	scheduled bool
}

// New creates a queue delivering to sink. enabled is consulted on every
// observation; when it returns false the queue does nothing.
func New(sink Sink, enabled func() bool, opts ...Option) *Queue {
	q := &Queue{
		sink:    sink,
		enabled: enabled,
		delay:   DefaultDelay,
		schedule: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
		start: time.Now(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enabled reports whether observations are currently recorded.
func (q *Queue) Enabled() bool {
	return q.enabled != nil && q.enabled()
}

// Observe appends evt and arms a flush if none is pending. Source-contents
// responses are shrunk before they are stored.
func (q *Queue) Observe(evt Event) {
	if !q.Enabled() {
		return
	}

	if evt.Kind == KindResponse {
		evt.Message = Shrink(evt.Message)
	}

	q.mu.Lock()
	q.events = append(q.events, evt)
	arm := !q.scheduled
	q.scheduled = true
	q.mu.Unlock()

	if arm {
		q.schedule(q.delay, q.Flush)
	}
}

// Flush drains every queued event and delivers them as one batch. Events
// observed while the sink runs go into a fresh batch with its own flush.
func (q *Queue) Flush() {
	q.mu.Lock()
	batch := q.events
	q.events = nil
	q.scheduled = false
	q.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	q.sink.ProtocolMessagesReceived(batch)
}

// Pending returns the number of queued events.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Hooks returns transport hooks that feed the queue. Events are not queued.
func (q *Queue) Hooks() protocol.Hooks {
	observe := func(kind Kind) func(protocol.Message) {
		return func(msg protocol.Message) {
			if !q.Enabled() {
				return
			}
			q.Observe(Event{Kind: kind, Message: msg, RecordedAt: time.Since(q.start)})
		}
	}

	return protocol.Hooks{
		OnEvent:         func(protocol.Message) {},
		OnRequest:       observe(KindRequest),
		OnResponse:      observe(KindResponse),
		OnResponseError: observe(KindError),
	}
}

// Shrink truncates the source text of a source-contents response to
// SourceContentsLimit characters. Other messages are returned unchanged.
func Shrink(msg protocol.Message) protocol.Message {
	if len(msg.Result) == 0 || msg.Result[0] != '{' {
		return msg
	}

	var result map[string]json.RawMessage
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return msg
	}
	if _, ok := result["contentType"]; !ok {
		return msg
	}
	rawContents, ok := result["contents"]
	if !ok {
		return msg
	}

	var contents string
	if err := json.Unmarshal(rawContents, &contents); err != nil {
		return msg
	}
	if utf8.RuneCountInString(contents) <= SourceContentsLimit {
		return msg
	}

	truncated, err := json.Marshal(string([]rune(contents)[:SourceContentsLimit]))
	if err != nil {
		return msg
	}
	result["contents"] = truncated

	shrunk, err := json.Marshal(result)
	if err != nil {
		return msg
	}
	msg.Result = shrunk
	return msg
}
