package v1

import (
	"context"

	"github.com/gosuda/rewind/internal/domain"
	"github.com/gosuda/rewind/internal/session"
)

// SessionOrchestrator abstracts session establishment for handler testing.
// *session.Orchestrator satisfies this interface.
type SessionOrchestrator interface {
	Establish(ctx context.Context, req session.Request) (*session.Session, error)
	Active(view domain.ViewKey) (*session.Session, bool)
	CurrentError(view domain.ViewKey) *domain.SessionError
	RequestRestart(view domain.ViewKey)
}
