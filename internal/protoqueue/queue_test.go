package protoqueue_test

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/rewind/internal/protocol"
	"github.com/gosuda/rewind/internal/protoqueue"
)

type batchSink struct {
	mu      sync.Mutex
	batches [][]protoqueue.Event
	onBatch func()
}

func (s *batchSink) ProtocolMessagesReceived(batch []protoqueue.Event) {
	s.mu.Lock()
	s.batches = append(s.batches, batch)
	hook := s.onBatch
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (s *batchSink) all() [][]protoqueue.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}

// manualScheduler records scheduled flushes so tests can fire them.
type manualScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (m *manualScheduler) schedule(d time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays = append(m.delays, d)
	m.fns = append(m.fns, fn)
}

func (m *manualScheduler) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fns)
}

func (m *manualScheduler) fire(i int) {
	m.mu.Lock()
	fn := m.fns[i]
	m.mu.Unlock()
	fn()
}

func always() bool { return true }

func request(id int64) protoqueue.Event {
	return protoqueue.Event{Kind: protoqueue.KindRequest, Message: protocol.Message{ID: id, Method: "Session.getEndpoint"}}
}

func TestQueue_DebouncesIntoOneBatch(t *testing.T) {
	t.Parallel()

	sink := &batchSink{}
	sched := &manualScheduler{}
	q := protoqueue.New(sink, always, protoqueue.WithScheduler(sched.schedule))

	for i := range 5 {
		q.Observe(request(int64(i + 1)))
	}

	require.Equal(t, 1, sched.count(), "only the first observation arms a flush")
	assert.Equal(t, protoqueue.DefaultDelay, sched.delays[0])
	assert.Empty(t, sink.all())

	sched.fire(0)

	batches := sink.all()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 5)
	for i, evt := range batches[0] {
		assert.Equal(t, int64(i+1), evt.Message.ID, "events keep their order")
	}
	assert.Zero(t, q.Pending())

	q.Observe(request(6))
	assert.Equal(t, 2, sched.count(), "a new flush is armed after the previous one ran")

	sched.fire(1)
	batches = sink.all()
	require.Len(t, batches, 2)
	assert.Len(t, batches[1], 1)
}

func TestQueue_ObserveDuringFlushGoesToNextBatch(t *testing.T) {
	t.Parallel()

	sched := &manualScheduler{}
	sink := &batchSink{}
	q := protoqueue.New(sink, always, protoqueue.WithScheduler(sched.schedule))

	var reentered atomic.Bool
	sink.onBatch = func() {
		if reentered.CompareAndSwap(false, true) {
			q.Observe(request(99))
		}
	}

	q.Observe(request(1))
	q.Observe(request(2))
	sched.fire(0)

	batches := sink.all()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 2)
	assert.Equal(t, 1, q.Pending())
	require.Equal(t, 2, sched.count())

	sched.fire(1)
	batches = sink.all()
	require.Len(t, batches, 2)
	require.Len(t, batches[1], 1)
	assert.Equal(t, int64(99), batches[1][0].Message.ID)
}

func TestQueue_Disabled(t *testing.T) {
	t.Parallel()

	sink := &batchSink{}
	sched := &manualScheduler{}
	q := protoqueue.New(sink, func() bool { return false }, protoqueue.WithScheduler(sched.schedule))

	q.Observe(request(1))
	hooks := q.Hooks()
	hooks.OnRequest(protocol.Message{ID: 2})
	hooks.OnResponse(protocol.Message{ID: 2})

	assert.Zero(t, q.Pending())
	assert.Zero(t, sched.count())
	q.Flush()
	assert.Empty(t, sink.all())
}

func TestQueue_ToggleIsReadPerObservation(t *testing.T) {
	t.Parallel()

	var on atomic.Bool
	sched := &manualScheduler{}
	q := protoqueue.New(&batchSink{}, on.Load, protoqueue.WithScheduler(sched.schedule))

	q.Observe(request(1))
	on.Store(true)
	q.Observe(request(2))

	assert.Equal(t, 1, q.Pending())
}

func TestQueue_RealTimerFlush(t *testing.T) {
	t.Parallel()

	sink := &batchSink{}
	q := protoqueue.New(sink, always, protoqueue.WithDelay(10*time.Millisecond))

	q.Observe(request(1))
	q.Observe(request(2))

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, sink.all()[0], 2)
}

func TestQueue_Hooks(t *testing.T) {
	t.Parallel()

	sink := &batchSink{}
	sched := &manualScheduler{}
	q := protoqueue.New(sink, always, protoqueue.WithScheduler(sched.schedule))

	hooks := q.Hooks()
	hooks.OnEvent(protocol.Message{Method: "Session.mayDestroy"})
	hooks.OnRequest(protocol.Message{ID: 1, Method: "Session.getEndpoint"})
	hooks.OnResponse(protocol.Message{ID: 1, Result: json.RawMessage(`{}`)})
	hooks.OnResponseError(protocol.Message{ID: 2, Error: &protocol.Error{Code: 1, Message: "x"}})

	sched.fire(0)
	batches := sink.all()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 3, "protocol events are not queued")

	kinds := []protoqueue.Kind{batches[0][0].Kind, batches[0][1].Kind, batches[0][2].Kind}
	assert.Equal(t, []protoqueue.Kind{protoqueue.KindRequest, protoqueue.KindResponse, protoqueue.KindError}, kinds)
	assert.LessOrEqual(t, batches[0][0].RecordedAt, batches[0][2].RecordedAt)
}

func sourceContents(t *testing.T, n int) protocol.Message {
	t.Helper()
	raw, err := json.Marshal(map[string]string{"contentType": "text/javascript", "contents": strings.Repeat("a", n)})
	require.NoError(t, err)
	return protocol.Message{ID: 3, Result: raw}
}

func contentsOf(t *testing.T, msg protocol.Message) string {
	t.Helper()
	var result struct {
		ContentType string `json:"contentType"`
		Contents    string `json:"contents"`
	}
	require.NoError(t, json.Unmarshal(msg.Result, &result))
	assert.Equal(t, "text/javascript", result.ContentType)
	return result.Contents
}

func TestQueue_ShrinksSourceContents(t *testing.T) {
	t.Parallel()

	sink := &batchSink{}
	sched := &manualScheduler{}
	q := protoqueue.New(sink, always, protoqueue.WithScheduler(sched.schedule))

	q.Observe(protoqueue.Event{Kind: protoqueue.KindResponse, Message: sourceContents(t, 5000)})
	q.Observe(protoqueue.Event{Kind: protoqueue.KindResponse, Message: sourceContents(t, 500)})
	sched.fire(0)

	batch := sink.all()[0]
	require.Len(t, batch, 2)
	assert.Len(t, contentsOf(t, batch[0].Message), protoqueue.SourceContentsLimit)
	assert.Len(t, contentsOf(t, batch[1].Message), 500)
}

func TestShrink(t *testing.T) {
	t.Parallel()

	t.Run("idempotent", func(t *testing.T) {
		t.Parallel()

		once := protoqueue.Shrink(sourceContents(t, 4000))
		twice := protoqueue.Shrink(once)
		assert.JSONEq(t, string(once.Result), string(twice.Result))
	})

	t.Run("counts characters not bytes", func(t *testing.T) {
		t.Parallel()

		raw, err := json.Marshal(map[string]string{"contentType": "text/plain", "contents": strings.Repeat("é", 1500)})
		require.NoError(t, err)

		shrunk := protoqueue.Shrink(protocol.Message{Result: raw})
		var result map[string]string
		require.NoError(t, json.Unmarshal(shrunk.Result, &result))
		assert.Equal(t, strings.Repeat("é", 1000), result["contents"])
	})

	t.Run("other results untouched", func(t *testing.T) {
		t.Parallel()

		msgs := []protocol.Message{
			{Result: json.RawMessage(`{"contents":"` + strings.Repeat("b", 2000) + `"}`)},
			{Result: json.RawMessage(`[1,2,3]`)},
			{Result: json.RawMessage(`{"contentType":"x","contents":42}`)},
			{},
		}
		for _, msg := range msgs {
			assert.Equal(t, msg, protoqueue.Shrink(msg))
		}
	})
}
