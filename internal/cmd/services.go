package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/postqueue/postqueue/internal/config"
	"github.com/postqueue/postqueue/internal/core"
	"github.com/postqueue/postqueue/internal/core/engine"
	"github.com/postqueue/postqueue/internal/core/publisher"
	"github.com/postqueue/postqueue/internal/core/statecache"
	"github.com/postqueue/postqueue/internal/core/store"
)

const defaultPublishTimeout = 15 * time.Second

// services is the publishing pipeline assembled from config. serve and the
// publish commands share it so both paths behave identically.
type services struct {
	cfg       *config.Config
	store     *store.Store
	redis     *statecache.RedisStore
	governor  *engine.Governor
	queue     *engine.Queue
	registry  *publisher.Registry
	driver    *engine.Driver
	scheduler *engine.Scheduler
}

func buildServices(ctx context.Context, cfg *config.Config, logger engine.Logger) (*services, error) {
	db, err := openStoreWith(ctx, cfg)
	if err != nil {
		return nil, err
	}
	svc := &services{cfg: cfg, store: db}

	stateStore, err := svc.stateStore(ctx)
	if err != nil {
		_ = svc.Close()
		return nil, err
	}

	clock := engine.SystemClock()
	svc.governor = engine.NewGovernor(stateStore, clock, logger)
	svc.governor.FallbackWindow = cfg.Governor.FallbackWindow

	svc.queue = engine.NewQueue(svc.governor, engine.QueueOptions{
		Clock:       clock,
		Logger:      logger,
		ReplayRate:  cfg.Queue.ReplayRate,
		ReplayBurst: cfg.Queue.ReplayBurst,
	})

	svc.registry = buildRegistry(cfg.Platforms, svc.governor, userAgent())

	svc.driver = &engine.Driver{
		Store:           db,
		Queue:           svc.queue,
		Publisher:       svc.registry,
		Clock:           clock,
		Logger:          logger,
		DeferredWait:    cfg.Driver.DeferredWait,
		InteractiveWait: cfg.Driver.InteractiveWait,
		MaxRetries:      cfg.Driver.MaxRetries,
		BatchLimit:      cfg.Driver.BatchLimit,
	}

	svc.scheduler = engine.NewScheduler(svc.governor, clock)
	if cfg.Scheduler.RetryBuffer > 0 {
		svc.scheduler.Buffer = cfg.Scheduler.RetryBuffer
	}

	return svc, nil
}

// stateStore selects where governor state is shared. A nil store keeps state
// in process.
func (s *services) stateStore(ctx context.Context) (engine.StateStore, error) {
	switch strings.ToLower(strings.TrimSpace(s.cfg.Governor.Backend)) {
	case "", config.BackendMemory:
		return nil, nil
	case config.BackendStore:
		return s.store, nil
	case config.BackendRedis:
		rs, err := statecache.Dial(ctx, s.cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect governor redis backend: %w", err)
		}
		s.redis = rs
		return rs, nil
	default:
		return nil, fmt.Errorf("unknown governor backend %q", s.cfg.Governor.Backend)
	}
}

// configuredPlatforms returns every enabled platform in name order.
func (s *services) configuredPlatforms() []core.Platform {
	return s.registry.Platforms()
}

// Close releases the queue, the redis client and the store, in that order.
func (s *services) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.queue != nil {
		s.queue.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// buildRegistry registers an HTTP publisher for every enabled platform.
func buildRegistry(platforms map[string]config.PlatformConfig, governor *engine.Governor, agent string) *publisher.Registry {
	registry := publisher.NewRegistry()

	names := make([]string, 0, len(platforms))
	for name := range platforms {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pc := platforms[name]
		if !pc.Enabled {
			continue
		}
		platform := core.NormalizePlatform(name)
		timeout := pc.Timeout
		if timeout <= 0 {
			timeout = defaultPublishTimeout
		}
		registry.Register(platform, &publisher.HTTPPublisher{
			Platform:  platform,
			Client:    &http.Client{Timeout: timeout},
			BaseURL:   pc.BaseURL,
			Path:      pc.Path,
			Token:     pc.Token,
			UserAgent: agent,
			Headers:   headerSpecFor(platform, pc),
			Governor:  governor,
		})
	}
	return registry
}

// headerSpecFor starts from the platform's known header layout and applies
// any configured overrides.
func headerSpecFor(platform core.Platform, pc config.PlatformConfig) publisher.HeaderSpec {
	spec := publisher.DefaultHeaderSpec(platform)
	if v := strings.TrimSpace(pc.RemainingHeader); v != "" {
		spec.Remaining = v
	}
	if v := strings.TrimSpace(pc.LimitHeader); v != "" {
		spec.Limit = v
	}
	if v := strings.TrimSpace(pc.ResetHeader); v != "" {
		spec.Reset = v
	}
	if v := strings.TrimSpace(pc.UsageHeader); v != "" {
		spec.UsageHeader = v
		if spec.UsageWindow <= 0 {
			spec.UsageWindow = publisher.DefaultUsageWindow
		}
	}
	switch publisher.ResetStyle(strings.ToLower(strings.TrimSpace(pc.ResetStyle))) {
	case publisher.ResetEpochSeconds:
		spec.ResetStyle = publisher.ResetEpochSeconds
	case publisher.ResetDeltaSeconds:
		spec.ResetStyle = publisher.ResetDeltaSeconds
	case publisher.ResetAuto:
		spec.ResetStyle = publisher.ResetAuto
	}
	return spec
}

func userAgent() string {
	name := "postqueue"
	if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
		name = identity.BinaryName
	}
	version := versionInfo.Version
	if version == "" {
		version = "dev"
	}
	return name + "/" + version
}

// logStartup records the assembled pipeline once.
func (s *services) logStartup(logger engine.Logger) {
	platforms := make([]string, 0)
	for _, p := range s.configuredPlatforms() {
		platforms = append(platforms, string(p))
	}
	logger.Info("Publishing pipeline ready",
		zap.String("governor_backend", s.cfg.Governor.Backend),
		zap.Strings("platforms", platforms),
		zap.Duration("deferred_wait", s.cfg.Driver.DeferredWait),
		zap.Int("max_retries", s.cfg.Driver.MaxRetries))
}
