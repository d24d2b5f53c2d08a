package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/postqueue/postqueue/internal/core"
	"github.com/postqueue/postqueue/internal/core/engine"
)

func runFooter(summary *engine.RunSummary) string {
	if summary.DryRun {
		return fmt.Sprintf("%d due", summary.Processed)
	}

	counts := map[core.PostStatus]int{}
	for _, outcome := range summary.Results {
		counts[outcome.Status]++
	}
	parts := []string{fmt.Sprintf("%d processed", summary.Processed)}
	for _, status := range []core.PostStatus{core.PostStatusPublished, core.PostStatusScheduled, core.PostStatusFailed} {
		if counts[status] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[status], status))
		}
	}
	return strings.Join(parts, ", ")
}

// platformSummary lists each attempted platform with a short result marker.
func platformSummary(results []*core.PlatformResult) string {
	parts := make([]string, 0, len(results))
	for _, result := range results {
		if result == nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s:%s", result.Platform, resultLabel(result.Status)))
	}
	return strings.Join(parts, " ")
}

func resultLabel(status core.ResultStatus) string {
	switch status {
	case core.ResultSuccess:
		return "ok"
	case core.ResultRateLimited:
		return "rate limited"
	case core.ResultError:
		return "error"
	default:
		return "unknown"
	}
}

func outcomeNotes(outcome engine.PostOutcome) string {
	parts := []string{}
	if outcome.Error != "" {
		parts = append(parts, outcome.Error)
	}
	for _, result := range outcome.Platforms {
		if result == nil || result.RetryAt == nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s retry: %s", result.Platform, formatTime(*result.RetryAt)))
	}
	return strings.Join(parts, "; ")
}

func targetList(targets []core.Target) string {
	parts := make([]string, 0, len(targets))
	for _, target := range targets {
		if target.AccountID == "" {
			parts = append(parts, string(target.Platform))
			continue
		}
		parts = append(parts, target.Key())
	}
	return strings.Join(parts, ", ")
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}

func formatWait(value time.Duration) string {
	if value <= 0 {
		return "now"
	}
	return value.Round(time.Second).String()
}

func truncate(value string, limit int) string {
	value = strings.Join(strings.Fields(value), " ")
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-3]) + "..."
}
