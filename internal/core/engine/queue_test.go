package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postqueue/postqueue/internal/core"
)

func newTestQueue(t *testing.T) (*Queue, *Governor, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	governor := NewGovernor(nil, clock, nil)
	queue := NewQueue(governor, QueueOptions{Clock: clock})
	t.Cleanup(queue.Close)
	return queue, governor, clock
}

func recordingOp(order *[]string, name string) Operation {
	return func(ctx context.Context) (any, error) {
		*order = append(*order, name)
		return name, nil
	}
}

func exhaust(governor *Governor, clock *fakeClock, platform core.Platform, wait time.Duration) {
	governor.RecordLimits(context.Background(), platform, 0, 300, clock.Now().Add(wait))
}

func TestQueueRunsImmediatelyWhenAdmitted(t *testing.T) {
	queue, _, clock := newTestQueue(t)
	ctx := context.Background()

	var order []string
	handle := queue.Submit(ctx, core.PlatformTwitter, recordingOp(&order, "a"))

	require.False(t, handle.Deferred())
	value, err := handle.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", value)
	require.Equal(t, []string{"a"}, order)
	require.Zero(t, clock.Armed())
}

func TestQueuePropagatesOperationFailure(t *testing.T) {
	queue, _, _ := newTestQueue(t)
	ctx := context.Background()
	boom := errors.New("boom")

	handle := queue.Submit(ctx, core.PlatformTwitter, func(ctx context.Context) (any, error) {
		return nil, boom
	})

	_, err := handle.Wait(ctx)
	require.ErrorIs(t, err, boom)
}

func TestQueueRecoversPanickingOperation(t *testing.T) {
	queue, _, _ := newTestQueue(t)
	ctx := context.Background()

	handle := queue.Submit(ctx, core.PlatformTwitter, func(ctx context.Context) (any, error) {
		panic("unexpected")
	})

	_, err := handle.Wait(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unexpected")
}

func TestQueueReplaysInArrivalOrder(t *testing.T) {
	queue, governor, clock := newTestQueue(t)
	ctx := context.Background()
	exhaust(governor, clock, core.PlatformTwitter, time.Minute)

	var order []string
	a := queue.Submit(ctx, core.PlatformTwitter, recordingOp(&order, "A"))
	b := queue.Submit(ctx, core.PlatformTwitter, recordingOp(&order, "B"))
	c := queue.Submit(ctx, core.PlatformTwitter, recordingOp(&order, "C"))

	require.True(t, a.Deferred())
	require.True(t, b.Deferred())
	require.True(t, c.Deferred())
	require.Empty(t, order)
	require.Equal(t, 3, queue.Depth(core.PlatformTwitter))

	clock.Advance(time.Minute)

	require.Equal(t, []string{"A", "B", "C"}, order)
	require.Zero(t, queue.Depth(core.PlatformTwitter))
	for _, handle := range []*Handle{a, b, c} {
		_, err := handle.Wait(ctx)
		require.NoError(t, err)
	}
}

func TestQueueArmsSingleDrainPerPlatform(t *testing.T) {
	queue, governor, clock := newTestQueue(t)
	ctx := context.Background()
	exhaust(governor, clock, core.PlatformTwitter, time.Minute)

	var order []string
	queue.Submit(ctx, core.PlatformTwitter, recordingOp(&order, "first"))
	queue.Submit(ctx, core.PlatformTwitter, recordingOp(&order, "second"))

	require.Equal(t, 1, clock.Armed())
	require.Equal(t, 1, clock.Pending())
}

func TestQueuePlatformsAreIsolated(t *testing.T) {
	queue, governor, clock := newTestQueue(t)
	ctx := context.Background()
	exhaust(governor, clock, core.PlatformTwitter, time.Minute)

	var order []string
	blocked := queue.Submit(ctx, core.PlatformTwitter, recordingOp(&order, "twitter"))
	clear := queue.Submit(ctx, core.PlatformLinkedIn, recordingOp(&order, "linkedin"))

	require.True(t, blocked.Deferred())
	require.False(t, clear.Deferred())
	require.Equal(t, []string{"linkedin"}, order)
	require.True(t, governor.CanAdmit(ctx, core.PlatformLinkedIn))
	require.Zero(t, queue.Depth(core.PlatformLinkedIn))
	require.Equal(t, 1, queue.Depth(core.PlatformTwitter))
}

func TestQueueStopsDrainWhenWindowExhaustedMidBatch(t *testing.T) {
	queue, governor, clock := newTestQueue(t)
	ctx := context.Background()
	exhaust(governor, clock, core.PlatformTwitter, time.Minute)

	var order []string
	queue.Submit(ctx, core.PlatformTwitter, recordingOp(&order, "first"))
	queue.Submit(ctx, core.PlatformTwitter, func(ctx context.Context) (any, error) {
		order = append(order, "second")
		exhaust(governor, clock, core.PlatformTwitter, 5*time.Minute)
		return nil, nil
	})
	third := queue.Submit(ctx, core.PlatformTwitter, recordingOp(&order, "third"))
	queue.Submit(ctx, core.PlatformTwitter, recordingOp(&order, "fourth"))

	clock.Advance(time.Minute)

	require.Equal(t, []string{"first", "second"}, order)
	require.Equal(t, 2, queue.Depth(core.PlatformTwitter))
	select {
	case <-third.Done():
		t.Fatal("third operation resolved before the window reset")
	default:
	}

	clock.Advance(5 * time.Minute)
	require.Equal(t, []string{"first", "second", "third", "fourth"}, order)
}

func TestQueueReschedulesWhenResetMovesOut(t *testing.T) {
	queue, governor, clock := newTestQueue(t)
	ctx := context.Background()
	exhaust(governor, clock, core.PlatformTwitter, time.Minute)

	var order []string
	queue.Submit(ctx, core.PlatformTwitter, recordingOp(&order, "a"))

	clock.Advance(30 * time.Second)
	governor.RecordRateLimited(ctx, core.PlatformTwitter, 2*time.Minute)
	clock.Advance(30 * time.Second)

	require.Empty(t, order)
	require.Equal(t, 2, clock.Armed())

	clock.Advance(90 * time.Second)
	require.Equal(t, []string{"a"}, order)
}

func TestQueueNewSubmissionsWaitBehindQueuedEntries(t *testing.T) {
	queue, governor, clock := newTestQueue(t)
	ctx := context.Background()
	exhaust(governor, clock, core.PlatformTwitter, time.Minute)

	var order []string
	queue.Submit(ctx, core.PlatformTwitter, recordingOp(&order, "queued"))

	// quota refreshed by another caller before the drain wake fires
	governor.RecordLimits(ctx, core.PlatformTwitter, 10, 300, clock.Now().Add(time.Minute))
	late := queue.Submit(ctx, core.PlatformTwitter, recordingOp(&order, "late"))

	require.True(t, late.Deferred())
	require.Empty(t, order)

	clock.Advance(time.Minute)
	require.Equal(t, []string{"queued", "late"}, order)
}

func TestQueueCancelSkipsEntry(t *testing.T) {
	queue, governor, clock := newTestQueue(t)
	ctx := context.Background()
	exhaust(governor, clock, core.PlatformTwitter, time.Minute)

	var order []string
	first := queue.Submit(ctx, core.PlatformTwitter, recordingOp(&order, "first"))
	second := queue.Submit(ctx, core.PlatformTwitter, recordingOp(&order, "second"))

	require.True(t, first.Cancel())
	require.False(t, first.Cancel())

	clock.Advance(time.Minute)

	require.Equal(t, []string{"second"}, order)
	_, err := first.Wait(ctx)
	require.ErrorIs(t, err, ErrCancelled)
	require.False(t, second.Cancel())
}

func TestQueueSkipsEntriesWithDoneContext(t *testing.T) {
	queue, governor, clock := newTestQueue(t)
	exhaust(governor, clock, core.PlatformTwitter, time.Minute)

	var order []string
	cancelled, cancel := context.WithCancel(context.Background())
	abandoned := queue.Submit(cancelled, core.PlatformTwitter, recordingOp(&order, "abandoned"))
	kept := queue.Submit(context.Background(), core.PlatformTwitter, recordingOp(&order, "kept"))
	cancel()

	clock.Advance(time.Minute)

	require.Equal(t, []string{"kept"}, order)
	_, err := abandoned.Wait(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	_, err = kept.Wait(context.Background())
	require.NoError(t, err)
}

func TestQueueCloseResolvesPendingEntries(t *testing.T) {
	queue, governor, clock := newTestQueue(t)
	ctx := context.Background()
	exhaust(governor, clock, core.PlatformTwitter, time.Minute)

	var order []string
	handle := queue.Submit(ctx, core.PlatformTwitter, recordingOp(&order, "a"))
	queue.Close()

	_, err := handle.Wait(ctx)
	require.ErrorIs(t, err, ErrQueueClosed)
	require.Zero(t, clock.Pending())

	after := queue.Submit(ctx, core.PlatformLinkedIn, recordingOp(&order, "b"))
	_, err = after.Wait(ctx)
	require.ErrorIs(t, err, ErrQueueClosed)
	require.Empty(t, order)
}

func TestQueueWaitHonoursCallerContext(t *testing.T) {
	queue, governor, clock := newTestQueue(t)
	exhaust(governor, clock, core.PlatformTwitter, time.Minute)

	var order []string
	handle := queue.Submit(context.Background(), core.PlatformTwitter, recordingOp(&order, "a"))

	waitCtx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := handle.Wait(waitCtx)
	require.ErrorIs(t, err, context.Canceled)

	clock.Advance(time.Minute)
	value, err := handle.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", value)
}

func TestQueueTwitterWindowScenario(t *testing.T) {
	queue, governor, clock := newTestQueue(t)
	ctx := context.Background()
	exhaust(governor, clock, core.PlatformTwitter, 120000*time.Millisecond)

	require.False(t, governor.CanAdmit(ctx, core.PlatformTwitter))
	require.Equal(t, 120*time.Second, governor.TimeUntilReset(ctx, core.PlatformTwitter))

	executed := false
	handle := queue.Submit(ctx, core.PlatformTwitter, func(ctx context.Context) (any, error) {
		executed = true
		return "posted", nil
	})
	require.True(t, handle.Deferred())

	status := governor.Status(ctx, core.PlatformTwitter)
	require.NotNil(t, status)
	assert.Equal(t, 1, status.QueueDepth)

	clock.Advance(120000 * time.Millisecond)

	require.True(t, executed)
	value, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "posted", value)
}
