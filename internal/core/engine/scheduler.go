package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/postqueue/postqueue/internal/core"
)

// DefaultRetryBuffer absorbs clock skew between us and the platform.
const DefaultRetryBuffer = 60 * time.Second

// ActionKind identifies a remediation the user can pick when platforms are blocked.
type ActionKind string

const (
	ActionSchedule     ActionKind = "schedule"
	ActionPartial      ActionKind = "partial"
	ActionWait         ActionKind = "wait"
	ActionUpgradeQuota ActionKind = "upgrade-quota"
)

// Action is one menu entry offered alongside blocked platforms.
type Action struct {
	Label string     `json:"label"`
	Kind  ActionKind `json:"action"`
}

// Readiness is the pre-flight answer for a set of platforms.
type Readiness struct {
	CanPublish       bool            `json:"canPublish"`
	BlockedPlatforms []core.Platform `json:"blockedPlatforms"`
	EstimatedWait    time.Duration   `json:"-"`
	EstimatedWaitMS  int64           `json:"estimatedWaitMs"`
}

// Suggestions is presentation material for blocked platforms.
type Suggestions struct {
	Messages []string `json:"messages"`
	Actions  []Action `json:"actions"`
}

// Scheduler answers pre-flight questions about a multi-platform post. It
// never mutates governor state.
type Scheduler struct {
	Governor *Governor
	Clock    Clock
	Buffer   time.Duration
}

// NewScheduler returns an advisory scheduler over governor.
func NewScheduler(governor *Governor, clock Clock) *Scheduler {
	return &Scheduler{Governor: governor, Clock: clock, Buffer: DefaultRetryBuffer}
}

// CanPublishNow reports whether every platform admits right now. The wait is
// that of the slowest blocked platform.
func (s *Scheduler) CanPublishNow(ctx context.Context, platforms []core.Platform) Readiness {
	readiness := Readiness{CanPublish: true, BlockedPlatforms: []core.Platform{}}
	for _, platform := range dedupe(platforms) {
		if s.Governor.CanAdmit(ctx, platform) {
			continue
		}
		readiness.CanPublish = false
		readiness.BlockedPlatforms = append(readiness.BlockedPlatforms, platform)
		if wait := s.Governor.TimeUntilReset(ctx, platform); wait > readiness.EstimatedWait {
			readiness.EstimatedWait = wait
		}
	}
	readiness.EstimatedWaitMS = readiness.EstimatedWait.Milliseconds()
	return readiness
}

// CalculateOptimalRetryTime returns now plus the longest platform wait plus
// the safety buffer.
func (s *Scheduler) CalculateOptimalRetryTime(ctx context.Context, platforms []core.Platform) time.Time {
	var longest time.Duration
	for _, platform := range dedupe(platforms) {
		if wait := s.Governor.TimeUntilReset(ctx, platform); wait > longest {
			longest = wait
		}
	}
	return s.now().Add(longest + s.buffer())
}

// SuggestAlternatives describes each blocked platform's wait and, when any
// platform is blocked, the fixed remediation menu.
func (s *Scheduler) SuggestAlternatives(ctx context.Context, platforms []core.Platform) Suggestions {
	suggestions := Suggestions{Messages: []string{}, Actions: []Action{}}
	for _, platform := range dedupe(platforms) {
		if s.Governor.CanAdmit(ctx, platform) {
			continue
		}
		wait := s.Governor.TimeUntilReset(ctx, platform)
		suggestions.Messages = append(suggestions.Messages,
			fmt.Sprintf("%s is rate limited. Available in %s.", platform, humanizeWait(wait)))
	}
	if len(suggestions.Messages) == 0 {
		return suggestions
	}

	suggestions.Actions = []Action{
		{Label: "Schedule for when all platforms are available", Kind: ActionSchedule},
		{Label: "Publish now to available platforms only", Kind: ActionPartial},
		{Label: "Wait and retry automatically", Kind: ActionWait},
		{Label: "Upgrade API quota", Kind: ActionUpgradeQuota},
	}
	return suggestions
}

func (s *Scheduler) buffer() time.Duration {
	if s.Buffer < 0 {
		return 0
	}
	return s.Buffer
}

func (s *Scheduler) now() time.Time {
	if s.Clock != nil {
		return s.Clock.Now()
	}
	return time.Now().UTC()
}

func humanizeWait(wait time.Duration) string {
	switch {
	case wait < time.Minute:
		secs := int((wait + time.Second - 1) / time.Second)
		if secs <= 1 {
			return "1 second"
		}
		return fmt.Sprintf("%d seconds", secs)
	case wait < time.Hour:
		mins := int((wait + time.Minute - 1) / time.Minute)
		if mins == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", mins)
	default:
		return wait.Round(time.Minute).String()
	}
}

func dedupe(platforms []core.Platform) []core.Platform {
	seen := make(map[core.Platform]struct{}, len(platforms))
	out := make([]core.Platform, 0, len(platforms))
	for _, platform := range platforms {
		if platform == "" {
			continue
		}
		if _, ok := seen[platform]; ok {
			continue
		}
		seen[platform] = struct{}{}
		out = append(out, platform)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
