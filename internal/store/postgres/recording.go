package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/rewind/internal/domain"
)

type RecordingRepo struct {
	pool *pgxpool.Pool
}

func NewRecordingRepo(pool *pgxpool.Pool) *RecordingRepo {
	return &RecordingRepo{pool: pool}
}

// GetByID loads a recording with its workspace and the viewer's role on it.
// Private recordings the viewer has no role on are reported as not found,
// soft-deleted ones as ErrDeletedObject.
func (r *RecordingRepo) GetByID(ctx context.Context, viewer domain.Viewer, id string) (*domain.RecordingRef, error) {
	var (
		rec         domain.RecordingRef
		title       *string
		ownerID     *string
		private     bool
		deletedAt   *time.Time
		wsID        *string
		wsName      *string
		wsStatus    *string
		wsTrialEnds *time.Time
		wsUntil     *time.Time
		memberRole  *string
		collab      bool
	)

	err := r.pool.QueryRow(ctx,
		`SELECT r.id, r.title, r.is_processed, r.is_initialized, r.created_at, r.owner_id, r.is_private, r.deleted_at,
		        w.id, w.name, w.subscription_status, w.trial_ends, w.effective_until,
		        wm.role,
		        EXISTS (SELECT 1 FROM recording_collaborators rc WHERE rc.recording_id = r.id AND rc.user_id = $2)
		 FROM recordings r
		 LEFT JOIN workspaces w ON w.id = r.workspace_id
		 LEFT JOIN workspace_members wm ON wm.workspace_id = r.workspace_id AND wm.user_id = $2
		 WHERE r.id = $1`,
		id, nilIfEmpty(viewer.UserID),
	).Scan(
		&rec.ID, &title, &rec.IsProcessed, &rec.IsInitialized, &rec.CreatedAt, &ownerID, &private, &deletedAt,
		&wsID, &wsName, &wsStatus, &wsTrialEnds, &wsUntil,
		&memberRole,
		&collab,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("recordingRepo.GetByID: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("recordingRepo.GetByID: %w", err)
	}

	if deletedAt != nil {
		return nil, fmt.Errorf("recordingRepo.GetByID: %w", domain.ErrDeletedObject)
	}

	rec.Title = derefStr(title)
	rec.UserRole = resolveRole(viewer, derefStr(ownerID), derefStr(memberRole), collab)
	if private && rec.UserRole == domain.RoleNone {
		return nil, fmt.Errorf("recordingRepo.GetByID: %w", domain.ErrNotFound)
	}

	if wsID != nil {
		rec.Workspace = &domain.Workspace{ID: *wsID, Name: derefStr(wsName)}
		if wsStatus != nil {
			rec.Workspace.Subscription = &domain.Subscription{
				Status:         domain.SubscriptionStatus(*wsStatus),
				TrialEnds:      wsTrialEnds,
				EffectiveUntil: wsUntil,
			}
		}
	}

	return &rec, nil
}

// resolveRole picks the strongest relationship the viewer has with a
// recording.
func resolveRole(viewer domain.Viewer, ownerID, memberRole string, collaborator bool) domain.UserRole {
	if !viewer.Authenticated || viewer.UserID == "" {
		return domain.RoleNone
	}
	switch {
	case ownerID == viewer.UserID:
		return domain.RoleOwner
	case memberRole == "admin":
		return domain.RoleTeamAdmin
	case memberRole != "":
		return domain.RoleTeamMember
	case collaborator:
		return domain.RoleCollaborator
	default:
		return domain.RoleNone
	}
}
