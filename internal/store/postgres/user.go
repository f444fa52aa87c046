package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/rewind/internal/domain"
)

type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

// GetInfo loads the profile of an authenticated viewer.
func (r *UserRepo) GetInfo(ctx context.Context, viewer domain.Viewer) (*domain.UserInfo, error) {
	if !viewer.Authenticated || viewer.UserID == "" {
		return nil, fmt.Errorf("userRepo.GetInfo: %w", domain.ErrNotFound)
	}

	var u domain.UserInfo
	var email *string

	err := r.pool.QueryRow(ctx,
		`SELECT id, name, email, internal FROM users WHERE id = $1`,
		viewer.UserID,
	).Scan(&u.ID, &u.Name, &email, &u.Internal)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("userRepo.GetInfo: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("userRepo.GetInfo: %w", err)
	}

	u.Email = derefStr(email)

	return &u, nil
}
