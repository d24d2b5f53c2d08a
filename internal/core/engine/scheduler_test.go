package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postqueue/postqueue/internal/core"
)

func TestSchedulerCanPublishNowAllClear(t *testing.T) {
	clock := newFakeClock()
	scheduler := NewScheduler(NewGovernor(nil, clock, nil), clock)

	readiness := scheduler.CanPublishNow(context.Background(), []core.Platform{core.PlatformTwitter, core.PlatformLinkedIn})

	require.True(t, readiness.CanPublish)
	require.Empty(t, readiness.BlockedPlatforms)
	require.Zero(t, readiness.EstimatedWait)
}

func TestSchedulerReportsSlowestBlockedPlatform(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	governor := NewGovernor(nil, clock, nil)
	scheduler := NewScheduler(governor, clock)

	governor.RecordLimits(ctx, core.PlatformTwitter, 0, 300, clock.Now().Add(2*time.Minute))
	governor.RecordLimits(ctx, core.PlatformFacebook, 0, 200, clock.Now().Add(10*time.Minute))
	governor.RecordLimits(ctx, core.PlatformLinkedIn, 5, 100, clock.Now().Add(time.Hour))

	readiness := scheduler.CanPublishNow(ctx, []core.Platform{
		core.PlatformTwitter, core.PlatformFacebook, core.PlatformLinkedIn, core.PlatformTwitter,
	})

	require.False(t, readiness.CanPublish)
	require.ElementsMatch(t, []core.Platform{core.PlatformTwitter, core.PlatformFacebook}, readiness.BlockedPlatforms)
	require.Equal(t, 10*time.Minute, readiness.EstimatedWait)
	require.Equal(t, int64(600000), readiness.EstimatedWaitMS)
}

func TestSchedulerOptimalRetryTimeAddsBuffer(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	governor := NewGovernor(nil, clock, nil)
	scheduler := NewScheduler(governor, clock)

	governor.RecordLimits(ctx, core.PlatformTwitter, 0, 300, clock.Now().Add(2*time.Minute))
	governor.RecordLimits(ctx, core.PlatformThreads, 0, 300, clock.Now().Add(5*time.Minute))

	retryAt := scheduler.CalculateOptimalRetryTime(ctx, []core.Platform{core.PlatformTwitter, core.PlatformThreads})
	require.Equal(t, clock.Now().Add(5*time.Minute+DefaultRetryBuffer), retryAt)

	clear := scheduler.CalculateOptimalRetryTime(ctx, []core.Platform{core.PlatformBluesky})
	require.Equal(t, clock.Now().Add(DefaultRetryBuffer), clear)
}

func TestSchedulerSuggestAlternatives(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	governor := NewGovernor(nil, clock, nil)
	scheduler := NewScheduler(governor, clock)

	none := scheduler.SuggestAlternatives(ctx, []core.Platform{core.PlatformTwitter})
	require.Empty(t, none.Messages)
	require.Empty(t, none.Actions)

	governor.RecordLimits(ctx, core.PlatformTwitter, 0, 300, clock.Now().Add(90*time.Second))
	suggestions := scheduler.SuggestAlternatives(ctx, []core.Platform{core.PlatformTwitter, core.PlatformLinkedIn})

	require.Equal(t, []string{"twitter is rate limited. Available in 2 minutes."}, suggestions.Messages)
	kinds := make([]ActionKind, 0, len(suggestions.Actions))
	for _, action := range suggestions.Actions {
		kinds = append(kinds, action.Kind)
	}
	assert.Equal(t, []ActionKind{ActionSchedule, ActionPartial, ActionWait, ActionUpgradeQuota}, kinds)

	// advisory only
	require.False(t, governor.CanAdmit(ctx, core.PlatformTwitter))
	require.Equal(t, 90*time.Second, governor.TimeUntilReset(ctx, core.PlatformTwitter))
}

func TestHumanizeWait(t *testing.T) {
	assert.Equal(t, "1 second", humanizeWait(200*time.Millisecond))
	assert.Equal(t, "45 seconds", humanizeWait(45*time.Second))
	assert.Equal(t, "1 minute", humanizeWait(time.Minute))
	assert.Equal(t, "15 minutes", humanizeWait(14*time.Minute+time.Second))
	assert.Equal(t, "2h0m0s", humanizeWait(2*time.Hour))
}
