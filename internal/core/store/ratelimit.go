package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/postqueue/postqueue/internal/core"
)

// LoadRateLimit returns the stored quota window for a platform, or nil if
// none was recorded.
func (s *Store) LoadRateLimit(ctx context.Context, platform core.Platform) (*core.RateLimitState, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	key := strings.TrimSpace(string(platform))
	if key == "" {
		return nil, errors.New("platform is required")
	}

	row := s.DB.QueryRowContext(ctx, `
		SELECT remaining, limit_value, reset_at, last_429_at, updated_at
		FROM rate_limits
		WHERE platform = ?
	`, key)

	state, err := scanRateLimit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch rate limit: %w", err)
	}
	return state, nil
}

// SaveRateLimit persists the quota window for a platform.
func (s *Store) SaveRateLimit(ctx context.Context, platform core.Platform, state *core.RateLimitState) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	key := strings.TrimSpace(string(platform))
	if key == "" {
		return errors.New("platform is required")
	}
	if state == nil {
		return errors.New("rate limit state is required")
	}

	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO rate_limits (platform, remaining, limit_value, reset_at, last_429_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(platform) DO UPDATE SET
			remaining = excluded.remaining,
			limit_value = excluded.limit_value,
			reset_at = excluded.reset_at,
			last_429_at = excluded.last_429_at,
			updated_at = excluded.updated_at
	`, key, state.Remaining, state.Limit, state.ResetAt.UTC().UnixMilli(),
		nullMillis(state.Last429At), updatedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("store rate limit: %w", err)
	}

	return nil
}

func scanRateLimit(row rowScanner) (*core.RateLimitState, error) {
	var (
		remaining int
		limit     int
		resetAt   int64
		last429At sql.NullInt64
		updatedAt int64
	)
	if err := row.Scan(&remaining, &limit, &resetAt, &last429At, &updatedAt); err != nil {
		return nil, err
	}
	return &core.RateLimitState{
		Remaining: remaining,
		Limit:     limit,
		ResetAt:   time.UnixMilli(resetAt).UTC(),
		Last429At: timeFromMillis(last429At),
		UpdatedAt: time.UnixMilli(updatedAt).UTC(),
	}, nil
}
