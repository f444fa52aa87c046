// Package dataclient holds the per-session replay data a viewer works
// against once the protocol session exists: endpoint, focus window, and
// what the recorded runtime can do.
package dataclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gosuda/rewind/internal/domain"
	"github.com/gosuda/rewind/internal/protocol"
)

var ErrNotConfigured = errors.New("dataclient: not configured") //nolint:gochecknoglobals // sentinel error

// Commander sends one protocol command scoped to a session.
type Commander interface {
	SendCommand(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error)
}

// Client is configured once per session and then read concurrently.
type Client struct {
	cmd Commander

	mu           sync.RWMutex
	configured   bool
	recordingID  string
	sessionID    string
	supplemental []domain.SupplementalSession
	endpoints    map[string]domain.TimeStampedPoint
	focus        domain.FocusWindow
	target       domain.RecordingTarget
}

func New(cmd Commander) *Client {
	return &Client{cmd: cmd, target: domain.TargetUnknown}
}

type endpointResult struct {
	Endpoint domain.TimeStampedPoint `json:"endpoint"`
}

type buildIDResult struct {
	BuildID string `json:"buildId"`
}

type focusWindowResult struct {
	Window *domain.FocusWindow `json:"window,omitempty"`
}

// Configure binds the client to a primary session and its supplemental
// sessions. All backend lookups must succeed before any state changes.
func (c *Client) Configure(ctx context.Context, recordingID, sessionID string, supplemental []domain.SupplementalSession) error {
	sessionIDs := make([]string, 0, len(supplemental)+1)
	sessionIDs = append(sessionIDs, sessionID)
	for _, s := range supplemental {
		sessionIDs = append(sessionIDs, s.SessionID)
	}

	endpoints := make([]domain.TimeStampedPoint, len(sessionIDs))
	var (
		buildID string
		seeded  *domain.FocusWindow
	)

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range sessionIDs {
		g.Go(func() error {
			var res endpointResult
			if err := c.call(gctx, protocol.MethodGetEndpoint, id, &res); err != nil {
				return err
			}
			endpoints[i] = res.Endpoint
			return nil
		})
	}
	g.Go(func() error {
		var res buildIDResult
		if err := c.call(gctx, protocol.MethodGetBuildID, sessionID, &res); err != nil {
			return err
		}
		buildID = res.BuildID
		return nil
	})
	g.Go(func() error {
		var res focusWindowResult
		if err := c.call(gctx, protocol.MethodGetFocusWindow, sessionID, &res); err != nil {
			return err
		}
		seeded = res.Window
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("dataclient.Client.Configure(%s): %w", recordingID, err)
	}

	focus := domain.FocusWindow{
		Begin: domain.TimeStampedPoint{Point: "0", Time: 0},
		End:   endpoints[0],
	}
	if seeded != nil {
		focus = *seeded
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.configured = true
	c.recordingID = recordingID
	c.sessionID = sessionID
	c.supplemental = supplemental
	c.endpoints = make(map[string]domain.TimeStampedPoint, len(sessionIDs))
	for i, id := range sessionIDs {
		c.endpoints[id] = endpoints[i]
	}
	c.focus = focus
	c.target = TargetFromBuildID(buildID)
	return nil
}

func (c *Client) call(ctx context.Context, method, sessionID string, out any) error {
	raw, err := c.cmd.SendCommand(ctx, method, struct{}{}, sessionID)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err = json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode: %w", method, err)
	}
	return nil
}

// CurrentFocusWindow returns the authoritative focus window, or nil before
// Configure succeeds.
func (c *Client) CurrentFocusWindow() *domain.FocusWindow {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.configured {
		return nil
	}
	w := c.focus
	return &w
}

// Endpoint returns the last point of the given session.
func (c *Client) Endpoint(sessionID string) (domain.TimeStampedPoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.endpoints[sessionID]
	if !ok {
		return domain.TimeStampedPoint{}, fmt.Errorf("dataclient.Client.Endpoint(%s): %w", sessionID, ErrNotConfigured)
	}
	return p, nil
}

func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Client) SupplementalSessions() []domain.SupplementalSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.SupplementalSession, len(c.supplemental))
	copy(out, c.supplemental)
	return out
}

func (c *Client) RecordingTarget() domain.RecordingTarget {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.target
}

func (c *Client) Capabilities() domain.RecordingCapabilities {
	return CapabilitiesFor(c.RecordingTarget())
}

// TargetFromBuildID maps a backend build id such as
// "linux-chromium-20240101-abcdef" to the recorded runtime.
func TargetFromBuildID(buildID string) domain.RecordingTarget {
	parts := strings.Split(buildID, "-")
	if len(parts) < 2 {
		return domain.TargetUnknown
	}
	switch parts[1] {
	case "gecko":
		return domain.TargetGecko
	case "chromium":
		return domain.TargetChromium
	case "node":
		return domain.TargetNode
	default:
		return domain.TargetUnknown
	}
}

// CapabilitiesFor reports what the backend supports for a target.
func CapabilitiesFor(target domain.RecordingTarget) domain.RecordingCapabilities {
	switch target {
	case domain.TargetChromium, domain.TargetGecko:
		return domain.RecordingCapabilities{SupportsRepaintingGraphics: true, SupportsNetworkRequests: true}
	case domain.TargetNode:
		return domain.RecordingCapabilities{SupportsNetworkRequests: true}
	default:
		return domain.RecordingCapabilities{}
	}
}
