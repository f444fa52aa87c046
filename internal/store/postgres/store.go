package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/rewind/internal/domain"
)

type Store struct {
	pool         *pgxpool.Pool
	recordings   *RecordingRepo
	users        *UserRepo
	supplemental *SupplementalLinkRepo
}

func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: parse config: %w", err)
	}

	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: connect: %w", err)
	}

	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres.New: ping: %w", err)
	}

	return &Store{
		pool:         pool,
		recordings:   NewRecordingRepo(pool),
		users:        NewUserRepo(pool),
		supplemental: NewSupplementalLinkRepo(pool),
	}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres.Store.Ping: %w", err)
	}
	return nil
}

func (s *Store) Recordings() domain.RecordingRepository               { return s.recordings }
func (s *Store) Users() domain.UserRepository                         { return s.users }
func (s *Store) SupplementalLinks() domain.SupplementalLinkRepository { return s.supplemental }

// --- Helpers ---

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
