// Package supplemental opens one protocol session for every recording linked
// to a primary recording.
package supplemental

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/gosuda/rewind/internal/domain"
)

// Handshaker creates a protocol session for a recording.
type Handshaker interface {
	CreateSession(ctx context.Context, recordingID string, settings domain.ExperimentalSettings, focus *domain.FocusWindow) (string, error)
}

// HandshakeFunc adapts a function to Handshaker.
type HandshakeFunc func(ctx context.Context, recordingID string, settings domain.ExperimentalSettings, focus *domain.FocusWindow) (string, error)

func (f HandshakeFunc) CreateSession(ctx context.Context, recordingID string, settings domain.ExperimentalSettings, focus *domain.FocusWindow) (string, error) {
	return f(ctx, recordingID, settings, focus)
}

// Lookup maps a primary recording id to its linked recordings.
type Lookup interface {
	Links(ctx context.Context, recordingID string) ([]domain.SupplementalLink, error)
}

// Manager resolves linked recordings and handshakes with each of them.
type Manager struct {
	lookup    Lookup
	handshake Handshaker
}

func NewManager(lookup Lookup, handshake Handshaker) *Manager {
	return &Manager{lookup: lookup, handshake: handshake}
}

// LinkedSessions returns the linked recordings of recordingID paired with
// their session ids, in declared order. Handshakes run in parallel, never
// seed a focus window, and any failure fails the whole call.
func (m *Manager) LinkedSessions(ctx context.Context, recordingID string, settings domain.ExperimentalSettings) ([]domain.SupplementalSession, error) {
	links, err := m.lookup.Links(ctx, recordingID)
	if err != nil {
		return nil, fmt.Errorf("supplemental.Manager.LinkedSessions(%s): lookup: %w", recordingID, err)
	}
	if len(links) == 0 {
		return nil, nil
	}

	sessions := make([]domain.SupplementalSession, len(links))
	g, gctx := errgroup.WithContext(ctx)
	for i, link := range links {
		g.Go(func() error {
			sessionID, hsErr := m.handshake.CreateSession(gctx, link.ServerRecordingID, settings, nil)
			if hsErr != nil {
				return fmt.Errorf("handshake %s: %w", link.ServerRecordingID, hsErr)
			}

			log.Info().
				Str("recording_id", recordingID).
				Str("server_recording_id", link.ServerRecordingID).
				Str("session_id", sessionID).
				Msg("supplemental session created")

			sessions[i] = domain.SupplementalSession{SupplementalLink: link, SessionID: sessionID}
			return nil
		})
	}

	if err = g.Wait(); err != nil {
		return nil, fmt.Errorf("supplemental.Manager.LinkedSessions(%s): %w", recordingID, err)
	}
	return sessions, nil
}
