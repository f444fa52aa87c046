// Package protocol is the websocket client for the remote replay protocol.
// It frames commands, responses and events as JSON, tracks pending commands,
// fans events out to per-method subscriptions and reports socket failures.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/rewind/internal/domain"
)

// ErrClosed is returned for commands that were pending when the socket closed.
var ErrClosed = errors.New("protocol: socket closed") //nolint:gochecknoglobals // sentinel error

const (
	readLimit        = 64 << 20
	subscriptionSize = 32
)

// Client is a lazily-connected protocol socket shared by every session a
// run creates (primary and supplemental).
type Client struct {
	url    string
	header http.Header

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	conn        *websocket.Conn
	hooks       Hooks
	pending     map[int64]chan Message
	subs        map[string]map[int64]chan json.RawMessage
	established bool

	nextID  atomic.Int64
	nextSub atomic.Int64
	closing atomic.Bool
}

// NewClient creates a client for the backend at url. header is sent with the
// websocket upgrade request and may be nil.
func NewClient(url string, header http.Header) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:     url,
		header:  header,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[int64]chan Message),
		subs:    make(map[string]map[int64]chan json.RawMessage),
	}
}

// CreateSession performs the handshake for recordingID and returns the new
// session id. hooks replace any hooks installed by an earlier call.
func (c *Client) CreateSession(
	ctx context.Context,
	recordingID string,
	settings domain.ExperimentalSettings,
	focus *domain.FocusWindow,
	hooks Hooks,
) (string, error) {
	c.mu.Lock()
	c.hooks = hooks
	c.mu.Unlock()

	rawSettings, err := json.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("protocol.Client.CreateSession: marshal settings: %w", err)
	}

	params := createSessionParams{RecordingID: recordingID, ExperimentalSettings: rawSettings}
	if focus != nil {
		params.FocusRequest, err = json.Marshal(focus)
		if err != nil {
			return "", fmt.Errorf("protocol.Client.CreateSession: marshal focus window: %w", err)
		}
	}

	raw, err := c.SendCommand(ctx, MethodCreateSession, params, "")
	if err != nil {
		return "", fmt.Errorf("protocol.Client.CreateSession: %w", err)
	}

	var result createSessionResult
	if err = json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("protocol.Client.CreateSession: decode result: %w", err)
	}
	if result.SessionID == "" {
		return "", errors.New("protocol.Client.CreateSession: empty session id")
	}

	c.mu.Lock()
	c.established = true
	c.mu.Unlock()

	return result.SessionID, nil
}

// ProcessRecording asks the backend to process recordingID and blocks until
// it is done. Progress is reported through EventProcessRecordingProgress.
func (c *Client) ProcessRecording(ctx context.Context, recordingID string, settings domain.ExperimentalSettings) error {
	rawSettings, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("protocol.Client.ProcessRecording: marshal settings: %w", err)
	}

	_, err = c.SendCommand(ctx, MethodProcessRecording, processRecordingParams{
		RecordingID:          recordingID,
		ExperimentalSettings: rawSettings,
	}, "")
	if err != nil {
		return fmt.Errorf("protocol.Client.ProcessRecording: %w", err)
	}
	return nil
}

// SubscribeProgress streams processing progress percentages in arrival
// order. The returned func stops the stream; progress already received is
// still delivered before the channel closes, so callers must read until it
// does.
func (c *Client) SubscribeProgress() (<-chan float64, func()) {
	events, unsubscribe := c.Subscribe(EventProcessRecordingProgress)

	out := make(chan float64, subscriptionSize)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(out)
		for raw := range events {
			var p processRecordingProgress
			if err := json.Unmarshal(raw, &p); err != nil {
				log.Warn().Err(err).Msg("protocol.Client.SubscribeProgress: bad progress event")
				continue
			}
			out <- p.ProgressPercent
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			unsubscribe()
			<-done
		})
	}
}

// Subscribe returns a channel receiving the params of every event named
// method. The returned func removes the subscription and closes the channel.
func (c *Client) Subscribe(method string) (<-chan json.RawMessage, func()) {
	id := c.nextSub.Add(1)
	ch := make(chan json.RawMessage, subscriptionSize)

	c.mu.Lock()
	if c.subs[method] == nil {
		c.subs[method] = make(map[int64]chan json.RawMessage)
	}
	c.subs[method][id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			if _, ok := c.subs[method][id]; ok {
				delete(c.subs[method], id)
				close(ch)
			}
			c.mu.Unlock()
		})
	}
}

// SendCommand sends method with params and waits for its response.
func (c *Client) SendCommand(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("protocol.Client.SendCommand(%s): marshal params: %w", method, err)
	}

	msg := Message{
		ID:        c.nextID.Add(1),
		Method:    method,
		Params:    rawParams,
		SessionID: sessionID,
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol.Client.SendCommand(%s): marshal frame: %w", method, err)
	}

	reply := make(chan Message, 1)
	c.mu.Lock()
	c.pending[msg.ID] = reply
	hooks := c.hooks
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	if hooks.OnRequest != nil {
		hooks.OnRequest(msg)
	}

	if err = conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return nil, fmt.Errorf("protocol.Client.SendCommand(%s): write: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("protocol.Client.SendCommand(%s): %w", method, ctx.Err())
	case resp, ok := <-reply:
		if !ok {
			return nil, fmt.Errorf("protocol.Client.SendCommand(%s): %w", method, ErrClosed)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("protocol.Client.SendCommand(%s): %w", method, resp.Error)
		}
		return resp.Result, nil
	}
}

// Close closes the socket intentionally.
func (c *Client) Close() error {
	c.closing.Store(true)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	c.cancel()

	if err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("protocol.Client.Close: %w", err)
	}
	return nil
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	if c.closing.Load() {
		c.mu.Unlock()
		return nil, fmt.Errorf("protocol.Client.connect: %w", ErrClosed)
	}

	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: c.header})
	if err != nil {
		hooks := c.hooks
		c.mu.Unlock()
		if hooks.OnSocketError != nil {
			hooks.OnSocketError(err, true)
		}
		return nil, fmt.Errorf("protocol.Client.connect: dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(readLimit)

	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)

	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			c.handleReadError(err)
			return
		}

		var msg Message
		if err = json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("protocol.Client.readLoop: undecodable frame")
			continue
		}

		if msg.IsResponse() {
			c.dispatchResponse(msg)
			continue
		}
		if msg.Method != "" {
			c.dispatchEvent(msg)
		}
	}
}

func (c *Client) dispatchResponse(msg Message) {
	c.mu.Lock()
	reply, ok := c.pending[msg.ID]
	hooks := c.hooks
	c.mu.Unlock()

	if msg.Error != nil {
		if hooks.OnResponseError != nil {
			hooks.OnResponseError(msg)
		}
	} else if hooks.OnResponse != nil {
		hooks.OnResponse(msg)
	}

	if ok {
		reply <- msg
	}
}

func (c *Client) dispatchEvent(msg Message) {
	c.mu.Lock()
	hooks := c.hooks
	for _, ch := range c.subs[msg.Method] {
		select {
		case ch <- msg.Params:
		default:
			log.Warn().Str("method", msg.Method).Msg("protocol.Client.dispatchEvent: subscriber full, dropping event")
		}
	}
	c.mu.Unlock()

	if hooks.OnEvent != nil {
		hooks.OnEvent(msg)
	}
}

func (c *Client) handleReadError(err error) {
	c.mu.Lock()
	hooks := c.hooks
	initial := !c.established
	c.mu.Unlock()

	// Hooks run before pending replies fail, so a caller woken by the close
	// already sees the lifecycle outcome it caused.
	switch {
	case c.closing.Load():
		if hooks.OnSocketClose != nil {
			hooks.OnSocketClose(true)
		}
	case websocket.CloseStatus(err) != -1:
		if hooks.OnSocketClose != nil {
			hooks.OnSocketClose(false)
		}
	default:
		log.Error().Err(err).Msg("protocol.Client: socket error")
		if hooks.OnSocketError != nil {
			hooks.OnSocketError(err, initial)
		}
	}

	c.mu.Lock()
	for id, reply := range c.pending {
		close(reply)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}
