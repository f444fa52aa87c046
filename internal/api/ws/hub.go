package ws

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/rewind/internal/domain"
	"github.com/gosuda/rewind/internal/server/middleware"
	redisstore "github.com/gosuda/rewind/internal/store/redis"
)

// Subscriber opens a subscription to a pub/sub channel.
// *redisstore.PubSub satisfies this interface.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// Hub manages WebSocket connections backed by Redis pub/sub.
type Hub struct {
	pubsub Subscriber
}

// NewHub creates a new WebSocket hub.
func NewHub(pubsub Subscriber) *Hub {
	return &Hub{pubsub: pubsub}
}

// ServeSession streams the session state updates of the caller's view of a
// recording: loading progress, the created session ids, focus window changes
// and errors. Subscribes to Redis channel "session:<view>".
func (h *Hub) ServeSession(w http.ResponseWriter, r *http.Request) {
	view, ok := viewOf(w, r)
	if !ok {
		return
	}
	h.stream(w, r, redisstore.SessionChannel(view.String()))
}

// ServeProtocol streams the batches of protocol messages observed on the
// sessions of the caller's view. Subscribes to Redis channel "protocol:<view>".
func (h *Hub) ServeProtocol(w http.ResponseWriter, r *http.Request) {
	view, ok := viewOf(w, r)
	if !ok {
		return
	}
	h.stream(w, r, redisstore.ProtocolChannel(view.String()))
}

// viewOf resolves the view a stream request is for. Anonymous viewers must
// name their view with the view_id they opened it with.
func viewOf(w http.ResponseWriter, r *http.Request) (domain.ViewKey, bool) {
	recordingID := chi.URLParam(r, "recordingID")
	if recordingID == "" {
		http.Error(w, "missing recording id", http.StatusBadRequest)
		return domain.ViewKey{}, false
	}

	viewer := middleware.ViewerFromContext(r.Context())
	viewID := r.URL.Query().Get("view_id")
	if !viewer.Authenticated {
		if _, err := uuid.Parse(viewID); err != nil {
			http.Error(w, "anonymous viewers need a view_id", http.StatusBadRequest)
			return domain.ViewKey{}, false
		}
	}
	return domain.ViewKeyFor(viewer, viewID, recordingID), true
}

func (h *Hub) stream(w http.ResponseWriter, r *http.Request, channel string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	// Viewers never send; reading keeps control frames flowing and cancels
	// ctx once the client goes away.
	ctx := conn.CloseRead(r.Context())

	messages, cleanup, err := h.pubsub.Subscribe(ctx, channel)
	if err != nil {
		log.Error().Err(err).Str("channel", channel).Msg("websocket subscribe")
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case msg, msgOK := <-messages:
			if !msgOK {
				_ = conn.Close(websocket.StatusNormalClosure, "channel closed")
				return
			}
			if writeErr := conn.Write(ctx, websocket.MessageText, msg); writeErr != nil {
				log.Debug().Err(writeErr).Str("channel", channel).Msg("websocket write")
				return
			}
		}
	}
}
