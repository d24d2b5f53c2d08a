package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/postqueue/postqueue/internal/core"
	"github.com/postqueue/postqueue/internal/metrics"
)

// ErrQueueClosed resolves entries still waiting when the queue shuts down.
var ErrQueueClosed = errors.New("request queue closed")

// ErrCancelled resolves entries cancelled through their handle.
var ErrCancelled = errors.New("queued operation cancelled")

// Operation is one outbound call to a platform.
type Operation func(ctx context.Context) (any, error)

const (
	entryPending int32 = iota
	entryRunning
	entryCancelled
)

type entry struct {
	ctx        context.Context
	op         Operation
	enqueuedAt time.Time

	state atomic.Int32
	done  chan struct{}
	value any
	err   error
}

func newEntry(ctx context.Context, op Operation, now time.Time) *entry {
	return &entry{ctx: ctx, op: op, enqueuedAt: now, done: make(chan struct{})}
}

func (e *entry) resolve(value any, err error) {
	e.value = value
	e.err = err
	close(e.done)
}

// abandon resolves a pending entry without running it. It reports false when
// the entry already started or was resolved.
func (e *entry) abandon(err error) bool {
	if !e.state.CompareAndSwap(entryPending, entryCancelled) {
		return false
	}
	e.resolve(nil, err)
	return true
}

func (e *entry) run(ctx context.Context) {
	if !e.state.CompareAndSwap(entryPending, entryRunning) {
		return
	}
	value, err := safeCall(ctx, e.op)
	e.resolve(value, err)
}

func safeCall(ctx context.Context, op Operation) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return op(ctx)
}

// Handle is the caller's view of a submitted operation.
type Handle struct {
	entry    *entry
	deferred bool
	queue    *Queue
	platform core.Platform
}

// Deferred reports whether the operation was parked in the queue instead of
// running at submit time.
func (h *Handle) Deferred() bool {
	return h != nil && h.deferred
}

// Done is closed once the operation has a result.
func (h *Handle) Done() <-chan struct{} {
	return h.entry.done
}

// Wait blocks until the operation resolves or ctx is done. Giving up on the
// wait does not remove the entry from the queue; use Cancel for that.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-h.entry.done:
		return h.entry.value, h.entry.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel withdraws a queued operation. It returns false if the operation
// already started or finished.
func (h *Handle) Cancel() bool {
	if h == nil || !h.entry.abandon(ErrCancelled) {
		return false
	}
	if h.queue != nil {
		h.queue.remove(h.platform, h.entry)
	}
	return true
}

type lane struct {
	mu       sync.Mutex
	entries  []*entry
	draining bool
	timer    Timer
}

// QueueOptions tunes a Queue. Zero values select the system clock, a no-op
// logger and unpaced replay.
type QueueOptions struct {
	Clock       Clock
	Logger      Logger
	ReplayRate  float64
	ReplayBurst int
}

// Queue defers operations for platforms the governor refuses to admit and
// replays them in arrival order once the platform's window resets. Each
// platform is an independent lane with at most one drain wake armed.
type Queue struct {
	governor *Governor
	clock    Clock
	logger   Logger
	pacer    *rate.Limiter

	mu     sync.Mutex
	lanes  map[core.Platform]*lane
	closed bool
}

// NewQueue creates a queue gated by governor and registers itself as the
// governor's depth reporter.
func NewQueue(governor *Governor, opts QueueOptions) *Queue {
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	q := &Queue{
		governor: governor,
		clock:    clock,
		logger:   loggerOrNop(opts.Logger),
		lanes:    make(map[core.Platform]*lane),
	}
	if opts.ReplayRate > 0 {
		burst := opts.ReplayBurst
		if burst <= 0 {
			burst = 1
		}
		q.pacer = rate.NewLimiter(rate.Limit(opts.ReplayRate), burst)
	}
	governor.SetDepthReporter(q)
	return q
}

// Submit runs op now if the platform admits and nothing is queued ahead of
// it; otherwise op joins the back of the platform's lane and the returned
// handle resolves when it is replayed.
func (q *Queue) Submit(ctx context.Context, platform core.Platform, op Operation) *Handle {
	if ctx == nil {
		ctx = context.Background()
	}
	e := newEntry(ctx, op, q.clock.Now())

	if q.isClosed() {
		e.abandon(ErrQueueClosed)
		return &Handle{entry: e}
	}

	l := q.lane(platform)
	l.mu.Lock()
	if len(l.entries) == 0 && q.governor.CanAdmit(ctx, platform) {
		l.mu.Unlock()
		e.run(ctx)
		return &Handle{entry: e}
	}

	l.entries = append(l.entries, e)
	depth := len(l.entries)
	q.scheduleDrainLocked(platform, l)
	l.mu.Unlock()

	metrics.RecordQueueDeferral(string(platform))
	metrics.SetQueueDepth(string(platform), depth)
	q.logger.Debug("Deferred operation until platform window resets",
		zap.String("platform", string(platform)),
		zap.Int("queue_depth", depth))

	return &Handle{entry: e, deferred: true, queue: q, platform: platform}
}

// Depth returns the number of operations waiting for a platform.
func (q *Queue) Depth(platform core.Platform) int {
	q.mu.Lock()
	l, ok := q.lanes[platform]
	q.mu.Unlock()
	if !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close stops all armed wakes and resolves every waiting entry with
// ErrQueueClosed. Operations already running are not interrupted.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	lanes := make(map[core.Platform]*lane, len(q.lanes))
	for platform, l := range q.lanes {
		lanes[platform] = l
	}
	q.mu.Unlock()

	for platform, l := range lanes {
		l.mu.Lock()
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
		pending := l.entries
		l.entries = nil
		l.draining = false
		l.mu.Unlock()

		for _, e := range pending {
			e.abandon(ErrQueueClosed)
		}
		if len(pending) > 0 {
			q.logger.Info("Dropped queued operations on shutdown",
				zap.String("platform", string(platform)),
				zap.Int("count", len(pending)))
		}
		metrics.SetQueueDepth(string(platform), 0)
	}
}

func (q *Queue) lane(platform core.Platform) *lane {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[platform]
	if !ok {
		l = &lane{}
		q.lanes[platform] = l
	}
	return l
}

func (q *Queue) remove(platform core.Platform, target *entry) {
	l := q.lane(platform)
	l.mu.Lock()
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e != target {
			kept = append(kept, e)
		}
	}
	l.entries = kept
	depth := len(kept)
	l.mu.Unlock()
	metrics.SetQueueDepth(string(platform), depth)
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// scheduleDrainLocked arms a single wake for the lane. Caller holds l.mu.
func (q *Queue) scheduleDrainLocked(platform core.Platform, l *lane) {
	if l.draining {
		return
	}
	l.draining = true
	q.armLocked(platform, l)
}

func (q *Queue) armLocked(platform core.Platform, l *lane) {
	wait := q.governor.TimeUntilReset(context.Background(), platform)
	l.timer = q.clock.AfterFunc(wait, func() { q.drain(platform) })
}

// drain replays queued entries while the platform admits. The draining flag
// stays set across a re-arm and is cleared only when the lane is empty.
func (q *Queue) drain(platform core.Platform) {
	l := q.lane(platform)
	ctx := context.Background()
	replayed := 0

	for {
		if q.isClosed() {
			return
		}

		l.mu.Lock()
		l.timer = nil
		for len(l.entries) > 0 {
			head := l.entries[0]
			if err := head.ctx.Err(); err != nil {
				head.abandon(err)
			}
			if head.state.Load() == entryPending {
				break
			}
			l.entries = l.entries[1:]
		}

		if len(l.entries) == 0 {
			l.draining = false
			l.mu.Unlock()
			metrics.SetQueueDepth(string(platform), 0)
			if replayed > 0 {
				q.logger.Debug("Drained platform queue",
					zap.String("platform", string(platform)),
					zap.Int("replayed", replayed))
			}
			return
		}

		if !q.governor.CanAdmit(ctx, platform) {
			q.armLocked(platform, l)
			depth := len(l.entries)
			l.mu.Unlock()
			metrics.SetQueueDepth(string(platform), depth)
			q.logger.Debug("Platform still exhausted, rescheduled drain",
				zap.String("platform", string(platform)),
				zap.Int("queue_depth", depth),
				zap.Duration("wait", q.governor.TimeUntilReset(ctx, platform)))
			return
		}

		head := l.entries[0]
		l.entries = l.entries[1:]
		depth := len(l.entries)
		l.mu.Unlock()
		metrics.SetQueueDepth(string(platform), depth)

		if q.pacer != nil {
			if err := q.pacer.Wait(head.ctx); err != nil {
				head.abandon(err)
				continue
			}
		}

		head.run(context.WithoutCancel(head.ctx))
		replayed++
	}
}
