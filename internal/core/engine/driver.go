package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/postqueue/postqueue/internal/core"
	"github.com/postqueue/postqueue/internal/metrics"
)

// DefaultMaxRetries bounds how many rate limit responses a single target may
// receive from its platform before the post is marked failed.
const DefaultMaxRetries = 5

// ErrPostInFlight is returned by PublishPost when a run or another caller is
// already publishing the post.
var ErrPostInFlight = errors.New("post is already being published")

// PostStore is the persistence the driver needs.
type PostStore interface {
	FindDuePosts(ctx context.Context, now time.Time, limit int) ([]*core.Post, error)
	UpdatePost(ctx context.Context, id string, update core.PostUpdate) error
}

// Dispatcher publishes content to one target. publisher.Registry satisfies it.
type Dispatcher interface {
	Publish(ctx context.Context, target core.Target, content core.Content) (*core.PublishReceipt, error)
}

// PostOutcome is the per-post line of a run summary.
type PostOutcome struct {
	PostID    string                 `json:"postId"`
	Status    core.PostStatus        `json:"status"`
	Error     string                 `json:"error,omitempty"`
	Platforms []*core.PlatformResult `json:"platforms,omitempty"`
}

// RunSummary is returned by Run and DryRun. A dry run reports "total" where a
// real run reports "processed".
type RunSummary struct {
	DryRun    bool
	Processed int
	Results   []PostOutcome
}

func (s RunSummary) MarshalJSON() ([]byte, error) {
	results := s.Results
	if results == nil {
		results = []PostOutcome{}
	}
	if s.DryRun {
		return json.Marshal(struct {
			Total   int           `json:"total"`
			Results []PostOutcome `json:"results"`
		}{s.Processed, results})
	}
	return json.Marshal(struct {
		Processed int           `json:"processed"`
		Results   []PostOutcome `json:"results"`
	}{s.Processed, results})
}

// Driver publishes due posts through the queue and writes outcomes back to
// the store. It is safe to call Run and PublishPost concurrently.
type Driver struct {
	Store     PostStore
	Queue     *Queue
	Publisher Dispatcher
	Clock     Clock
	Logger    Logger

	// DeferredWait is how long a scheduled run waits on a queued target
	// before withdrawing it and treating the platform as rate limited.
	DeferredWait time.Duration
	// InteractiveWait is the same bound for publish-now callers.
	InteractiveWait time.Duration
	// MaxRetries caps rate limit responses per target. Deferrals withdrawn
	// before reaching the platform do not count.
	MaxRetries int
	BatchLimit int

	inflight sync.Map
}

type attempt struct {
	target core.Target
	result *core.PlatformResult
	kind   core.ErrorKind
	err    error
}

// Run publishes every post that is scheduled and due. Individual post
// failures are reported in the summary; only a failing due-post query is
// returned as an error.
func (d *Driver) Run(ctx context.Context) (*RunSummary, error) {
	start := time.Now()
	posts, err := d.Store.FindDuePosts(ctx, d.now(), d.BatchLimit)
	if err != nil {
		metrics.RecordDriverRun("run", false, time.Since(start))
		return nil, &core.InfrastructureError{Op: "find due posts", Err: err}
	}

	summary := &RunSummary{Results: make([]PostOutcome, 0, len(posts))}
	for _, post := range posts {
		if err := ctx.Err(); err != nil {
			d.logger().Warn("Publish run interrupted",
				zap.Int("processed", summary.Processed),
				zap.Int("due", len(posts)),
				zap.Error(err))
			metrics.RecordDriverRun("run", false, time.Since(start))
			return summary, err
		}
		if !d.claim(post.ID) {
			d.logger().Info("Skipping post already being published", zap.String("post_id", post.ID))
			continue
		}
		outcome := d.processPost(ctx, post, d.DeferredWait)
		d.release(post.ID)
		summary.Results = append(summary.Results, outcome)
		summary.Processed++
	}

	metrics.RecordDriverRun("run", true, time.Since(start))
	d.logger().Info("Publish run complete",
		zap.Int("processed", summary.Processed),
		zap.Duration("duration", time.Since(start)))
	return summary, nil
}

// DryRun lists the posts Run would process without publishing anything.
func (d *Driver) DryRun(ctx context.Context) (*RunSummary, error) {
	start := time.Now()
	posts, err := d.Store.FindDuePosts(ctx, d.now(), d.BatchLimit)
	if err != nil {
		metrics.RecordDriverRun("dry_run", false, time.Since(start))
		return nil, &core.InfrastructureError{Op: "find due posts", Err: err}
	}

	summary := &RunSummary{DryRun: true, Processed: len(posts), Results: make([]PostOutcome, 0, len(posts))}
	for _, post := range posts {
		summary.Results = append(summary.Results, PostOutcome{PostID: post.ID, Status: post.Status})
	}
	metrics.RecordDriverRun("dry_run", true, time.Since(start))
	return summary, nil
}

// PublishPost publishes a single post now, waiting up to InteractiveWait for
// any target deferred by the queue. It returns ErrPostInFlight when the post
// is already being published.
func (d *Driver) PublishPost(ctx context.Context, post *core.Post) (PostOutcome, error) {
	if !d.claim(post.ID) {
		return PostOutcome{PostID: post.ID, Status: post.Status}, ErrPostInFlight
	}
	defer d.release(post.ID)
	return d.processPost(ctx, post, d.InteractiveWait), nil
}

func (d *Driver) claim(id string) bool {
	_, loaded := d.inflight.LoadOrStore(id, struct{}{})
	return !loaded
}

func (d *Driver) release(id string) {
	d.inflight.Delete(id)
}

func (d *Driver) processPost(ctx context.Context, post *core.Post, wait time.Duration) PostOutcome {
	now := d.now()
	outcome := PostOutcome{PostID: post.ID, Status: post.Status}

	results := make(map[string]*core.PlatformResult, len(post.Targets))
	for key, result := range post.Results {
		results[key] = result
	}

	pending := make([]core.Target, 0, len(post.Targets))
	for _, target := range post.Targets {
		if !post.Succeeded(target) {
			pending = append(pending, target)
		}
	}

	attempts := make([]attempt, len(pending))
	var wg sync.WaitGroup
	for i, target := range pending {
		wg.Add(1)
		go func() {
			defer wg.Done()
			attempts[i] = d.publishTarget(ctx, post, target, wait)
		}()
	}
	wg.Wait()

	var platformErrs, rateLimited, infraErrs []string
	var nextRetry time.Time
	rejections := 0
	for _, a := range attempts {
		results[a.target.Key()] = a.result
		switch a.kind {
		case core.ErrorKindPlatform:
			platformErrs = append(platformErrs, a.err.Error())
		case core.ErrorKindRateLimit:
			rateLimited = append(rateLimited, a.err.Error())
			if a.result.RetryAt != nil && a.result.RetryAt.After(nextRetry) {
				nextRetry = *a.result.RetryAt
			}
			rejections = max(rejections, a.result.Rejections)
		case core.ErrorKindInfrastructure:
			infraErrs = append(infraErrs, a.err.Error())
		}
	}

	update := core.PostUpdate{Results: results}
	status := post.Status
	message := ""
	allSucceeded := len(post.Targets) > 0
	for _, target := range post.Targets {
		if r := results[target.Key()]; r == nil || r.Status != core.ResultSuccess {
			allSucceeded = false
		}
	}

	switch {
	case len(platformErrs) > 0:
		status = core.PostStatusFailed
		message = strings.Join(platformErrs, "; ")
	case allSucceeded:
		status = core.PostStatusPublished
		update.PublishedAt = &now
	case len(rateLimited) > 0:
		retries := post.RetryCount + 1
		update.RetryCount = &retries
		update.LastRetryAt = &now
		message = strings.Join(rateLimited, "; ")
		if rejections > d.maxRetries() {
			status = core.PostStatusFailed
			message = fmt.Sprintf("rate limited by platform %d times: %s", rejections, message)
		} else {
			status = core.PostStatusScheduled
			if nextRetry.After(now) {
				update.NextRetryAt = &nextRetry
			}
		}
	case len(post.Targets) == 0:
		status = core.PostStatusFailed
		message = "post has no targets"
	default:
		// inconclusive: leave status for a later run
		message = strings.Join(infraErrs, "; ")
	}

	if status != post.Status {
		update.Status = &status
	}
	if update.NextRetryAt == nil && post.NextRetryAt != nil {
		update.NextRetryAt = &time.Time{}
	}
	update.Error = &message

	if err := d.Store.UpdatePost(ctx, post.ID, update); err != nil {
		d.logger().Error("Failed to record publish outcome",
			zap.String("post_id", post.ID),
			zap.Error(err))
		outcome.Error = fmt.Sprintf("record outcome: %v", err)
		outcome.Platforms = orderedResults(post.Targets, results)
		return outcome
	}

	applyUpdate(post, update)
	outcome.Status = status
	outcome.Error = message
	outcome.Platforms = orderedResults(post.Targets, results)

	d.logger().Info("Processed post",
		zap.String("post_id", post.ID),
		zap.String("status", string(status)),
		zap.Int("targets", len(post.Targets)),
		zap.Int("attempted", len(pending)),
		zap.Int("retry_count", post.RetryCount))
	return outcome
}

func (d *Driver) publishTarget(ctx context.Context, post *core.Post, target core.Target, wait time.Duration) attempt {
	content := post.Content
	handle := d.Queue.Submit(ctx, target.Platform, func(opCtx context.Context) (any, error) {
		return d.Publisher.Publish(opCtx, target, content)
	})

	value, reached, err := d.await(ctx, handle, target.Platform, wait)
	attemptedAt := d.now()
	result := &core.PlatformResult{
		Platform:    target.Platform,
		AccountID:   target.AccountID,
		AttemptedAt: attemptedAt,
	}

	if err == nil {
		result.Status = core.ResultSuccess
		if receipt, ok := value.(*core.PublishReceipt); ok && receipt != nil {
			result.PlatformPostID = receipt.PlatformPostID
		}
		metrics.RecordPublishAttempt(string(target.Platform), string(core.ResultSuccess))
		return attempt{target: target, result: result}
	}

	kind := core.Classify(err)
	var platformErr *core.PlatformError
	if kind == core.ErrorKindPlatform && !errors.As(err, &platformErr) {
		err = &core.PlatformError{Platform: target.Platform, Message: err.Error()}
	}
	result.Error = err.Error()
	switch kind {
	case core.ErrorKindRateLimit:
		result.Status = core.ResultRateLimited
		if previous := post.Results[target.Key()]; previous != nil {
			result.Rejections = previous.Rejections
		}
		if reached {
			result.Rejections++
		}
		retryAfter := core.RetryAfter(err)
		if retryAfter <= 0 {
			retryAfter = d.Queue.governor.TimeUntilReset(ctx, target.Platform)
		}
		retryAt := attemptedAt.Add(retryAfter)
		result.RetryAt = &retryAt
	default:
		result.Status = core.ResultError
	}
	metrics.RecordPublishAttempt(string(target.Platform), string(kind))

	d.logger().Warn("Publish attempt failed",
		zap.String("post_id", post.ID),
		zap.String("platform", string(target.Platform)),
		zap.String("account_id", target.AccountID),
		zap.String("kind", string(kind)),
		zap.Error(err))
	return attempt{target: target, result: result, kind: kind, err: err}
}

// await resolves a handle, withdrawing a deferred entry once wait elapses.
// A withdrawn entry is reported as a rate limit so the post is retried later;
// reached is false for it because the platform was never called.
func (d *Driver) await(ctx context.Context, handle *Handle, platform core.Platform, wait time.Duration) (value any, reached bool, err error) {
	if !handle.Deferred() {
		value, err = handle.Wait(ctx)
		return value, true, err
	}

	if wait > 0 {
		expired := make(chan struct{})
		timer := d.clock().AfterFunc(wait, func() { close(expired) })
		select {
		case <-handle.Done():
			timer.Stop()
			value, err = handle.Wait(ctx)
			return value, true, err
		case <-expired:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	if handle.Cancel() {
		if err := ctx.Err(); err != nil {
			return nil, false, &core.InfrastructureError{Op: "await queued publish", Err: err}
		}
		return nil, false, &core.RateLimitError{
			Platform:   platform,
			RetryAfter: d.Queue.governor.TimeUntilReset(ctx, platform),
			Message:    "deferred until platform window resets",
		}
	}

	value, err = handle.Wait(context.WithoutCancel(ctx))
	if errors.Is(err, ErrQueueClosed) {
		return nil, false, &core.InfrastructureError{Op: "await queued publish", Err: err}
	}
	return value, true, err
}

func (d *Driver) maxRetries() int {
	if d.MaxRetries > 0 {
		return d.MaxRetries
	}
	return DefaultMaxRetries
}

func (d *Driver) clock() Clock {
	if d.Clock != nil {
		return d.Clock
	}
	return SystemClock()
}

func (d *Driver) now() time.Time {
	return d.clock().Now()
}

func (d *Driver) logger() Logger {
	return loggerOrNop(d.Logger)
}

func orderedResults(targets []core.Target, results map[string]*core.PlatformResult) []*core.PlatformResult {
	ordered := make([]*core.PlatformResult, 0, len(targets))
	for _, target := range targets {
		if result, ok := results[target.Key()]; ok && result != nil {
			ordered = append(ordered, result)
		}
	}
	return ordered
}

func applyUpdate(post *core.Post, update core.PostUpdate) {
	if update.Status != nil {
		post.Status = *update.Status
	}
	if update.Results != nil {
		post.Results = update.Results
	}
	if update.RetryCount != nil {
		post.RetryCount = *update.RetryCount
	}
	if update.LastRetryAt != nil {
		post.LastRetryAt = update.LastRetryAt
	}
	if update.NextRetryAt != nil {
		if update.NextRetryAt.IsZero() {
			post.NextRetryAt = nil
		} else {
			post.NextRetryAt = update.NextRetryAt
		}
	}
	if update.Error != nil {
		post.Error = *update.Error
	}
	if update.PublishedAt != nil {
		post.PublishedAt = update.PublishedAt
	}
}
