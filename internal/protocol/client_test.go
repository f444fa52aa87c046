package protocol_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/rewind/internal/domain"
	"github.com/gosuda/rewind/internal/protocol"
)

// responder returns the frames the fake backend sends for one command.
type responder func(cmd protocol.Message) []protocol.Message

func newBackend(t *testing.T, respond responder) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		for {
			_, data, readErr := conn.Read(ctx)
			if readErr != nil {
				return
			}
			var cmd protocol.Message
			if json.Unmarshal(data, &cmd) != nil {
				continue
			}
			for _, out := range respond(cmd) {
				if out.Method == "close" {
					_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
					return
				}
				frame, _ := json.Marshal(out)
				if conn.Write(ctx, websocket.MessageText, frame) != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func result(t *testing.T, id int64, v any) protocol.Message {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return protocol.Message{ID: id, Result: raw}
}

func TestClient_CreateSession(t *testing.T) {
	t.Parallel()

	var gotParams map[string]any
	var mu sync.Mutex
	srv := newBackend(t, func(cmd protocol.Message) []protocol.Message {
		mu.Lock()
		_ = json.Unmarshal(cmd.Params, &gotParams)
		mu.Unlock()
		return []protocol.Message{result(t, cmd.ID, map[string]string{"sessionId": "s-1"})}
	})

	client := protocol.NewClient(wsURL(srv), nil)
	t.Cleanup(func() { _ = client.Close() })

	var requests, responses []protocol.Message
	var hookMu sync.Mutex
	hooks := protocol.Hooks{
		OnRequest: func(m protocol.Message) {
			hookMu.Lock()
			defer hookMu.Unlock()
			requests = append(requests, m)
		},
		OnResponse: func(m protocol.Message) {
			hookMu.Lock()
			defer hookMu.Unlock()
			responses = append(responses, m)
		},
	}

	focus := &domain.FocusWindow{End: domain.TimeStampedPoint{Point: "100", Time: 1000}}
	sessionID, err := client.CreateSession(context.Background(), "r1",
		domain.ExperimentalSettings{DisableCache: true, ControllerKey: "k"}, focus, hooks)

	require.NoError(t, err)
	assert.Equal(t, "s-1", sessionID)

	mu.Lock()
	assert.Equal(t, "r1", gotParams["recordingId"])
	assert.Equal(t, map[string]any{"disableCache": true, "controllerKey": "k"}, gotParams["experimentalSettings"])
	assert.NotNil(t, gotParams["focusRequest"])
	mu.Unlock()

	hookMu.Lock()
	defer hookMu.Unlock()
	require.Len(t, requests, 1)
	assert.Equal(t, protocol.MethodCreateSession, requests[0].Method)
	require.Len(t, responses, 1)
	assert.Equal(t, requests[0].ID, responses[0].ID)
}

func TestClient_ResponseError(t *testing.T) {
	t.Parallel()

	srv := newBackend(t, func(cmd protocol.Message) []protocol.Message {
		return []protocol.Message{{ID: cmd.ID, Error: &protocol.Error{Code: 7, Message: "no such recording"}}}
	})

	client := protocol.NewClient(wsURL(srv), nil)
	t.Cleanup(func() { _ = client.Close() })

	var errorsSeen int
	var mu sync.Mutex
	_, err := client.CreateSession(context.Background(), "r1", domain.ExperimentalSettings{}, nil, protocol.Hooks{
		OnResponseError: func(protocol.Message) {
			mu.Lock()
			errorsSeen++
			mu.Unlock()
		},
	})

	require.Error(t, err)
	var protoErr *protocol.Error
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, 7, protoErr.Code)

	mu.Lock()
	assert.Equal(t, 1, errorsSeen)
	mu.Unlock()
}

func TestClient_EventsAndProgress(t *testing.T) {
	t.Parallel()

	srv := newBackend(t, func(cmd protocol.Message) []protocol.Message {
		if cmd.Method != protocol.MethodProcessRecording {
			return []protocol.Message{result(t, cmd.ID, map[string]string{"sessionId": "s-1"})}
		}
		progress := func(pct float64) protocol.Message {
			raw, _ := json.Marshal(map[string]any{"recordingId": "r1", "progressPercent": pct})
			return protocol.Message{Method: protocol.EventProcessRecordingProgress, Params: raw}
		}
		return []protocol.Message{
			progress(10),
			progress(60),
			progress(40),
			{Method: protocol.EventMayDestroy, Params: json.RawMessage(`{}`)},
			result(t, cmd.ID, map[string]any{}),
		}
	})

	client := protocol.NewClient(wsURL(srv), nil)
	t.Cleanup(func() { _ = client.Close() })

	mayDestroy, unsubscribe := client.Subscribe(protocol.EventMayDestroy)
	defer unsubscribe()
	progress, stop := client.SubscribeProgress()

	err := client.ProcessRecording(context.Background(), "r1", domain.ExperimentalSettings{})
	require.NoError(t, err)

	var got []float64
	for len(got) < 3 {
		select {
		case pct := <-progress:
			got = append(got, pct)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for progress, got %v", got)
		}
	}
	stop()
	assert.Equal(t, []float64{10, 60, 40}, got, "progress is passed through without clamping")

	select {
	case <-mayDestroy:
	case <-time.After(2 * time.Second):
		t.Fatal("mayDestroy event not delivered")
	}
}

func TestClient_InitialSocketError(t *testing.T) {
	t.Parallel()

	client := protocol.NewClient("ws://127.0.0.1:1/unreachable", nil)

	var initialSeen []bool
	_, err := client.CreateSession(context.Background(), "r1", domain.ExperimentalSettings{}, nil, protocol.Hooks{
		OnSocketError: func(_ error, initial bool) {
			initialSeen = append(initialSeen, initial)
		},
	})

	require.Error(t, err)
	assert.Equal(t, []bool{true}, initialSeen)
}

func TestClient_SocketClose(t *testing.T) {
	t.Parallel()

	t.Run("remote close is not intentional", func(t *testing.T) {
		t.Parallel()

		srv := newBackend(t, func(cmd protocol.Message) []protocol.Message {
			if cmd.Method == "Test.disconnect" {
				return []protocol.Message{{Method: "close"}}
			}
			return []protocol.Message{result(t, cmd.ID, map[string]string{"sessionId": "s-1"})}
		})

		client := protocol.NewClient(wsURL(srv), nil)
		t.Cleanup(func() { _ = client.Close() })

		closed := make(chan bool, 1)
		_, err := client.CreateSession(context.Background(), "r1", domain.ExperimentalSettings{}, nil, protocol.Hooks{
			OnSocketClose: func(willClose bool) { closed <- willClose },
		})
		require.NoError(t, err)

		_, err = client.SendCommand(context.Background(), "Test.disconnect", map[string]any{}, "s-1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, protocol.ErrClosed))

		select {
		case willClose := <-closed:
			assert.False(t, willClose)
		case <-time.After(2 * time.Second):
			t.Fatal("close not reported")
		}
	})

	t.Run("close is reported before pending commands fail", func(t *testing.T) {
		t.Parallel()

		srv := newBackend(t, func(cmd protocol.Message) []protocol.Message {
			if cmd.Method == "Test.disconnect" {
				return []protocol.Message{{Method: "close"}}
			}
			return []protocol.Message{result(t, cmd.ID, map[string]string{"sessionId": "s-1"})}
		})

		client := protocol.NewClient(wsURL(srv), nil)
		t.Cleanup(func() { _ = client.Close() })

		var reported atomic.Bool
		_, err := client.CreateSession(context.Background(), "r1", domain.ExperimentalSettings{}, nil, protocol.Hooks{
			OnSocketClose: func(bool) { reported.Store(true) },
		})
		require.NoError(t, err)

		_, err = client.SendCommand(context.Background(), "Test.disconnect", map[string]any{}, "s-1")
		require.ErrorIs(t, err, protocol.ErrClosed)
		assert.True(t, reported.Load(), "OnSocketClose ran before the pending command was failed")
	})

	t.Run("local close is intentional", func(t *testing.T) {
		t.Parallel()

		srv := newBackend(t, func(cmd protocol.Message) []protocol.Message {
			return []protocol.Message{result(t, cmd.ID, map[string]string{"sessionId": "s-1"})}
		})

		client := protocol.NewClient(wsURL(srv), nil)

		closed := make(chan bool, 1)
		_, err := client.CreateSession(context.Background(), "r1", domain.ExperimentalSettings{}, nil, protocol.Hooks{
			OnSocketClose: func(willClose bool) { closed <- willClose },
		})
		require.NoError(t, err)

		_ = client.Close()

		select {
		case willClose := <-closed:
			assert.True(t, willClose)
		case <-time.After(2 * time.Second):
			t.Fatal("close not reported")
		}
	})
}
