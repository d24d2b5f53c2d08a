// Package statecache shares governor quota windows between processes.
package statecache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/postqueue/postqueue/internal/config"
	"github.com/postqueue/postqueue/internal/core"
)

// DefaultKeyPrefix namespaces quota hashes.
const DefaultKeyPrefix = "postqueue:ratelimit"

// expiryGrace keeps a window readable for a while after it resets so
// Status can still report the last observed limit.
const expiryGrace = time.Hour

const (
	fieldRemaining = "remaining"
	fieldLimit     = "limit"
	fieldResetAt   = "reset_at"
	fieldLast429At = "last_429_at"
	fieldUpdatedAt = "updated_at"
)

// RedisStore persists one hash per platform at <prefix>:<platform>.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Dial connects to the configured Redis and verifies it answers.
func Dial(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 1,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStore(client, cfg.KeyPrefix), nil
}

// LoadRateLimit returns the stored window or nil when the key is absent.
func (s *RedisStore) LoadRateLimit(ctx context.Context, platform core.Platform) (*core.RateLimitState, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis state store is not initialized")
	}

	values, err := s.client.HGetAll(ctx, s.key(platform)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}

	state := &core.RateLimitState{}
	if state.Remaining, err = parseInt(values, fieldRemaining); err != nil {
		return nil, err
	}
	if state.Limit, err = parseInt(values, fieldLimit); err != nil {
		return nil, err
	}
	if state.ResetAt, err = parseMillis(values, fieldResetAt); err != nil {
		return nil, err
	}
	if state.UpdatedAt, err = parseMillis(values, fieldUpdatedAt); err != nil {
		return nil, err
	}
	if raw := values[fieldLast429At]; raw != "" {
		hit, err := parseMillis(values, fieldLast429At)
		if err != nil {
			return nil, err
		}
		state.Last429At = &hit
	}
	return state, nil
}

// SaveRateLimit overwrites the platform hash and expires it an hour after
// the window resets.
func (s *RedisStore) SaveRateLimit(ctx context.Context, platform core.Platform, state *core.RateLimitState) error {
	if s == nil || s.client == nil {
		return errors.New("redis state store is not initialized")
	}
	if state == nil {
		return errors.New("rate limit state is required")
	}

	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	last429 := ""
	if state.Last429At != nil {
		last429 = strconv.FormatInt(state.Last429At.UTC().UnixMilli(), 10)
	}

	key := s.key(platform)
	ttl := time.Until(state.ResetAt) + expiryGrace
	if ttl < expiryGrace {
		ttl = expiryGrace
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldRemaining, state.Remaining,
			fieldLimit, state.Limit,
			fieldResetAt, state.ResetAt.UTC().UnixMilli(),
			fieldLast429At, last429,
			fieldUpdatedAt, updatedAt.UTC().UnixMilli(),
		)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save rate limit: %w", err)
	}
	return nil
}

// CheckHealth pings Redis.
func (s *RedisStore) CheckHealth(ctx context.Context) error {
	if s == nil || s.client == nil {
		return errors.New("redis state store is not initialized")
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

func (s *RedisStore) key(platform core.Platform) string {
	return fmt.Sprintf("%s:%s", s.prefix, platform)
}

func parseInt(values map[string]string, field string) (int, error) {
	raw, ok := values[field]
	if !ok || raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	return value, nil
}

func parseMillis(values map[string]string, field string) (time.Time, error) {
	raw, ok := values[field]
	if !ok || raw == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}
