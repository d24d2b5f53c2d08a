package publisher

import (
	"context"
	"sort"
	"sync"

	"github.com/postqueue/postqueue/internal/core"
)

// Publisher posts content to one platform on behalf of an account.
type Publisher interface {
	Publish(ctx context.Context, target core.Target, content core.Content) (*core.PublishReceipt, error)
}

// Func adapts a function to Publisher.
type Func func(ctx context.Context, target core.Target, content core.Content) (*core.PublishReceipt, error)

func (f Func) Publish(ctx context.Context, target core.Target, content core.Content) (*core.PublishReceipt, error) {
	return f(ctx, target, content)
}

// Registry maps platforms to their publisher. New platforms are supported by
// registering an implementation at startup.
type Registry struct {
	mu         sync.RWMutex
	publishers map[core.Platform]Publisher
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{publishers: make(map[core.Platform]Publisher)}
}

// Register installs p for platform, replacing any previous registration.
func (r *Registry) Register(platform core.Platform, p Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.publishers == nil {
		r.publishers = make(map[core.Platform]Publisher)
	}
	r.publishers[platform] = p
}

// Get returns the publisher for platform.
func (r *Registry) Get(platform core.Platform) (Publisher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.publishers[platform]
	return p, ok
}

// Platforms lists registered platforms in name order.
func (r *Registry) Platforms() []core.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	platforms := make([]core.Platform, 0, len(r.publishers))
	for platform := range r.publishers {
		platforms = append(platforms, platform)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })
	return platforms
}

// Publish dispatches to the target platform's publisher. An unregistered
// platform is a terminal PlatformError.
func (r *Registry) Publish(ctx context.Context, target core.Target, content core.Content) (*core.PublishReceipt, error) {
	p, ok := r.Get(target.Platform)
	if !ok {
		return nil, &core.PlatformError{Platform: target.Platform, Message: "no publisher configured for platform"}
	}
	return p.Publish(ctx, target, content)
}
