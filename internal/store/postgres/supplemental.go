package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/rewind/internal/domain"
)

type SupplementalLinkRepo struct {
	pool *pgxpool.Pool
}

func NewSupplementalLinkRepo(pool *pgxpool.Pool) *SupplementalLinkRepo {
	return &SupplementalLinkRepo{pool: pool}
}

// Links returns the recordings linked to recordingID in declared order.
// connections is a JSONB array of client/server point pairs.
func (r *SupplementalLinkRepo) Links(ctx context.Context, recordingID string) ([]domain.SupplementalLink, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT server_recording_id, connections
		 FROM supplemental_links
		 WHERE recording_id = $1
		 ORDER BY position`,
		recordingID,
	)
	if err != nil {
		return nil, fmt.Errorf("supplementalLinkRepo.Links: %w", err)
	}

	links, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.SupplementalLink, error) {
		var link domain.SupplementalLink
		scanErr := row.Scan(&link.ServerRecordingID, &link.Connections)
		return link, scanErr
	})
	if err != nil {
		return nil, fmt.Errorf("supplementalLinkRepo.Links: %w", err)
	}

	return links, nil
}
