package errclass

import (
	"context"
	"sync"

	"github.com/gosuda/rewind/internal/domain"
)

// Presenter shows an error to the viewer.
type Presenter interface {
	PresentError(ctx context.Context, err *domain.SessionError)
}

// Slot holds the error currently shown for one session.
//
// Overwrite rule: an expected error always replaces whatever is shown. Only
// the first unexpected error is ever recorded; later unexpected errors are
// dropped and SetUnexpected returns the one already recorded.
type Slot struct {
	presenter Presenter

	mu         sync.Mutex
	once       sync.Once
	current    *domain.SessionError
	unexpected *domain.SessionError
}

// NewSlot creates an empty slot. presenter may be nil.
func NewSlot(presenter Presenter) *Slot {
	return &Slot{presenter: presenter}
}

// SetExpected replaces the visible error.
func (s *Slot) SetExpected(ctx context.Context, err *domain.SessionError) {
	s.mu.Lock()
	s.current = err
	s.mu.Unlock()

	s.present(ctx, err)
}

// SetUnexpected records err if no unexpected error was recorded before and
// reports whether it did. The returned error is the authoritative one.
func (s *Slot) SetUnexpected(ctx context.Context, err *domain.SessionError) (*domain.SessionError, bool) {
	stored := false
	s.once.Do(func() {
		s.mu.Lock()
		s.unexpected = err
		s.current = err
		s.mu.Unlock()
		stored = true
	})

	if stored {
		s.present(ctx, err)
		return err, true
	}
	return s.Unexpected(), false
}

// Set routes err to SetExpected or SetUnexpected and returns the error that
// is now authoritative for the session.
func (s *Slot) Set(ctx context.Context, err *domain.SessionError) *domain.SessionError {
	if err.Expected() {
		s.SetExpected(ctx, err)
		return err
	}
	authoritative, _ := s.SetUnexpected(ctx, err)
	return authoritative
}

// ClearAccessError removes a visible sign-in or request-access error and
// reports whether one was removed.
func (s *Slot) ClearAccessError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || !s.current.Expected() {
		return false
	}
	switch s.current.Action {
	case domain.ActionSignIn, domain.ActionRequestAccess:
		s.current = nil
		return true
	default:
		return false
	}
}

// Current returns the visible error, or nil.
func (s *Slot) Current() *domain.SessionError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Unexpected returns the recorded unexpected error, or nil.
func (s *Slot) Unexpected() *domain.SessionError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unexpected
}

func (s *Slot) present(ctx context.Context, err *domain.SessionError) {
	if s.presenter != nil {
		s.presenter.PresentError(ctx, err)
	}
}
