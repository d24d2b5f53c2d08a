package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/postqueue/postqueue/internal/core"
	"github.com/postqueue/postqueue/internal/metrics"
)

// DefaultRateLimitedWindow is used when a platform rejects a call without
// telling us when the window resets.
const DefaultRateLimitedWindow = 15 * time.Minute

// StateStore persists rate limit state outside the process so several
// instances can share one view of each platform's quota.
type StateStore interface {
	LoadRateLimit(ctx context.Context, platform core.Platform) (*core.RateLimitState, error)
	SaveRateLimit(ctx context.Context, platform core.Platform, state *core.RateLimitState) error
}

// DepthReporter reports how many operations are waiting for a platform.
type DepthReporter interface {
	Depth(platform core.Platform) int
}

// Governor tracks the quota window of every platform and answers whether a
// call may go out right now. Unknown platforms are always admitted.
type Governor struct {
	Store          StateStore
	Clock          Clock
	Logger         Logger
	FallbackWindow time.Duration

	mu     sync.RWMutex
	states map[core.Platform]core.RateLimitState
	depth  DepthReporter
}

// NewGovernor creates a governor with an optional shared state store.
func NewGovernor(store StateStore, clock Clock, logger Logger) *Governor {
	return &Governor{
		Store:  store,
		Clock:  clock,
		Logger: logger,
		states: make(map[core.Platform]core.RateLimitState),
	}
}

// RecordLimits overwrites the platform's state with freshly observed values.
// Negative counts are clamped to zero and reset times in the past to now.
func (g *Governor) RecordLimits(ctx context.Context, platform core.Platform, remaining, limit int, resetAt time.Time) {
	if g == nil {
		return
	}
	now := g.now()
	if remaining < 0 {
		remaining = 0
	}
	if limit < 0 {
		limit = 0
	}
	if resetAt.IsZero() || resetAt.Before(now) {
		resetAt = now
	}

	state := core.RateLimitState{
		Remaining: remaining,
		Limit:     limit,
		ResetAt:   resetAt.UTC(),
		UpdatedAt: now,
	}

	g.mu.Lock()
	if prev, ok := g.states[platform]; ok {
		state.Last429At = prev.Last429At
	}
	g.ensureStates()
	g.states[platform] = state
	g.mu.Unlock()

	if remaining == 0 && now.Before(resetAt) {
		metrics.RecordGovernorExhausted(string(platform))
		g.logger().Debug("Platform quota exhausted",
			zap.String("platform", string(platform)),
			zap.Int("limit", limit),
			zap.Time("reset_at", resetAt))
	}

	g.persist(ctx, platform, &state)
}

// RecordRateLimited marks the platform exhausted after a 429-style rejection.
// The previously observed limit is preserved for display.
func (g *Governor) RecordRateLimited(ctx context.Context, platform core.Platform, retryAfter time.Duration) {
	if g == nil {
		return
	}
	if retryAfter <= 0 {
		retryAfter = g.fallbackWindow()
	}
	now := g.now()

	g.mu.Lock()
	g.ensureStates()
	state := g.states[platform]
	state.Remaining = 0
	state.ResetAt = now.Add(retryAfter)
	state.Last429At = &now
	state.UpdatedAt = now
	g.states[platform] = state
	g.mu.Unlock()

	metrics.RecordGovernorExhausted(string(platform))
	g.logger().Warn("Platform rate limited",
		zap.String("platform", string(platform)),
		zap.Duration("retry_after", retryAfter))

	g.persist(ctx, platform, &state)
}

// CanAdmit reports whether a request to the platform may proceed now.
func (g *Governor) CanAdmit(ctx context.Context, platform core.Platform) bool {
	state, ok := g.lookup(ctx, platform)
	if !ok {
		return true
	}
	return !state.Exhausted(g.now())
}

// TimeUntilReset returns how long until the platform's window resets, or zero.
func (g *Governor) TimeUntilReset(ctx context.Context, platform core.Platform) time.Duration {
	state, ok := g.lookup(ctx, platform)
	if !ok {
		return 0
	}
	wait := state.ResetAt.Sub(g.now())
	if wait < 0 {
		return 0
	}
	return wait
}

// Status returns a diagnostic snapshot, or nil if the platform was never observed.
func (g *Governor) Status(ctx context.Context, platform core.Platform) *core.RateLimitStatus {
	state, ok := g.lookup(ctx, platform)
	if !ok {
		return nil
	}

	now := g.now()
	status := &core.RateLimitStatus{
		Platform:  platform,
		Remaining: state.Remaining,
		Limit:     state.Limit,
	}
	if now.Before(state.ResetAt) {
		status.ResetIn = state.ResetAt.Sub(now)
	} else if state.Remaining < state.Limit {
		// window elapsed: quota is implicitly full again
		status.Remaining = state.Limit
	}
	status.ResetInMS = status.ResetIn.Milliseconds()

	g.mu.RLock()
	depth := g.depth
	g.mu.RUnlock()
	if depth != nil {
		status.QueueDepth = depth.Depth(platform)
	}
	return status
}

// Platforms lists every platform with recorded state.
func (g *Governor) Platforms() []core.Platform {
	if g == nil {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	platforms := make([]core.Platform, 0, len(g.states))
	for platform := range g.states {
		platforms = append(platforms, platform)
	}
	return platforms
}

// SetDepthReporter wires queue depth into Status snapshots.
func (g *Governor) SetDepthReporter(reporter DepthReporter) {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.depth = reporter
	g.mu.Unlock()
}

func (g *Governor) lookup(ctx context.Context, platform core.Platform) (core.RateLimitState, bool) {
	if g == nil {
		return core.RateLimitState{}, false
	}

	if g.Store != nil {
		if ctx == nil {
			ctx = context.Background()
		}
		stored, err := g.Store.LoadRateLimit(ctx, platform)
		if err != nil {
			g.logger().Warn("Failed to load shared rate limit state, using local view",
				zap.String("platform", string(platform)),
				zap.Error(err))
		} else if stored != nil {
			g.mu.Lock()
			g.ensureStates()
			local, ok := g.states[platform]
			if !ok || !stored.UpdatedAt.Before(local.UpdatedAt) {
				g.states[platform] = *stored
			}
			g.mu.Unlock()
		}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	state, ok := g.states[platform]
	return state, ok
}

func (g *Governor) persist(ctx context.Context, platform core.Platform, state *core.RateLimitState) {
	if g.Store == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := g.Store.SaveRateLimit(ctx, platform, state); err != nil {
		g.logger().Warn("Failed to persist rate limit state",
			zap.String("platform", string(platform)),
			zap.Error(err))
	}
}

func (g *Governor) ensureStates() {
	if g.states == nil {
		g.states = make(map[core.Platform]core.RateLimitState)
	}
}

func (g *Governor) fallbackWindow() time.Duration {
	if g.FallbackWindow > 0 {
		return g.FallbackWindow
	}
	return DefaultRateLimitedWindow
}

func (g *Governor) now() time.Time {
	if g != nil && g.Clock != nil {
		return g.Clock.Now()
	}
	return time.Now().UTC()
}

func (g *Governor) logger() Logger {
	return loggerOrNop(g.Logger)
}
