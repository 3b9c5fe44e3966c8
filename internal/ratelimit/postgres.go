package ratelimit

import (
	"context"
	"fmt"
	"time"

	"gozon/checkout-service/internal/storage"
)

type PostgresStore struct {
	db storage.Querier
}

func NewPostgresStore(db storage.Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

// Hit is a single upsert: a stale window restarts at now with count 1, a
// live one is incremented but never past max+1, so a full window stays full
// without growing.
func (s *PostgresStore) Hit(ctx context.Context, identifier, endpoint string, rule Rule, now time.Time) (bool, error) {
	staleBefore := now.Add(-rule.Window)

	var count int
	err := s.db.QueryRow(ctx, `
		INSERT INTO rate_limit_log AS r (identifier, endpoint, window_start, request_count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (identifier, endpoint) DO UPDATE SET
			window_start = CASE WHEN r.window_start <= $4 THEN EXCLUDED.window_start ELSE r.window_start END,
			request_count = CASE WHEN r.window_start <= $4 THEN 1 ELSE LEAST(r.request_count + 1, $5 + 1) END
		RETURNING request_count`,
		identifier, endpoint, now, staleBefore, rule.Max,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("upsert rate limit window: %w", err)
	}
	return count <= rule.Max, nil
}

// Prune deletes windows that started before cutoff.
func (s *PostgresStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM rate_limit_log WHERE window_start < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune rate limit windows: %w", err)
	}
	return tag.RowsAffected(), nil
}
