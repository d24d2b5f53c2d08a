package publisher

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/postqueue/postqueue/internal/core"
)

// ResetStyle says how a reset header is encoded.
type ResetStyle string

const (
	// ResetAuto treats values above ~2001-09-09 as epoch seconds, smaller ones as a delta.
	ResetAuto         ResetStyle = "auto"
	ResetEpochSeconds ResetStyle = "epoch"
	ResetDeltaSeconds ResetStyle = "delta"
)

const epochThreshold = 1_000_000_000

// DefaultUsageWindow is the rolling window behind percentage usage headers.
const DefaultUsageWindow = time.Hour

// HeaderSpec names the response headers a platform uses to report quota.
// UsageHeader, when set, is a JSON object of percentage counters
// (x-app-usage style) and takes precedence when present.
type HeaderSpec struct {
	Remaining   string
	Limit       string
	Reset       string
	ResetStyle  ResetStyle
	UsageHeader string
	UsageWindow time.Duration
}

// Limits is what a response revealed about the platform's window.
type Limits struct {
	Remaining int
	Limit     int
	ResetAt   time.Time
}

// DefaultHeaderSpec returns the header layout each known platform uses.
func DefaultHeaderSpec(platform core.Platform) HeaderSpec {
	switch platform {
	case core.PlatformTwitter:
		return HeaderSpec{
			Remaining:  "x-rate-limit-remaining",
			Limit:      "x-rate-limit-limit",
			Reset:      "x-rate-limit-reset",
			ResetStyle: ResetEpochSeconds,
		}
	case core.PlatformFacebook, core.PlatformInstagram, core.PlatformThreads:
		return HeaderSpec{
			UsageHeader: "x-app-usage",
			UsageWindow: DefaultUsageWindow,
		}
	case core.PlatformBluesky:
		return HeaderSpec{
			Remaining:  "ratelimit-remaining",
			Limit:      "ratelimit-limit",
			Reset:      "ratelimit-reset",
			ResetStyle: ResetEpochSeconds,
		}
	default:
		return HeaderSpec{
			Remaining:  "x-ratelimit-remaining",
			Limit:      "x-ratelimit-limit",
			Reset:      "x-ratelimit-reset",
			ResetStyle: ResetAuto,
		}
	}
}

// Parse extracts limits from headers. ok is false when the response carried
// no usable quota information.
func (s HeaderSpec) Parse(header http.Header, now time.Time) (Limits, bool) {
	if header == nil {
		return Limits{}, false
	}

	if s.UsageHeader != "" {
		if limits, ok := parseUsage(header.Get(s.UsageHeader), now, s.usageWindow()); ok {
			return limits, true
		}
	}

	if s.Remaining == "" {
		return Limits{}, false
	}
	remaining, err := strconv.Atoi(strings.TrimSpace(header.Get(s.Remaining)))
	if err != nil {
		return Limits{}, false
	}

	limits := Limits{Remaining: remaining}
	if s.Limit != "" {
		if limit, err := strconv.Atoi(strings.TrimSpace(header.Get(s.Limit))); err == nil {
			limits.Limit = limit
		}
	}
	if s.Reset != "" {
		if raw, err := strconv.ParseInt(strings.TrimSpace(header.Get(s.Reset)), 10, 64); err == nil {
			limits.ResetAt = resetTime(raw, s.ResetStyle, now)
		}
	}
	return limits, true
}

func (s HeaderSpec) usageWindow() time.Duration {
	if s.UsageWindow > 0 {
		return s.UsageWindow
	}
	return DefaultUsageWindow
}

func resetTime(raw int64, style ResetStyle, now time.Time) time.Time {
	switch style {
	case ResetEpochSeconds:
		return time.Unix(raw, 0).UTC()
	case ResetDeltaSeconds:
		return now.Add(time.Duration(raw) * time.Second)
	default:
		if raw >= epochThreshold {
			return time.Unix(raw, 0).UTC()
		}
		return now.Add(time.Duration(raw) * time.Second)
	}
}

// parseUsage reads percentage counters such as
// {"call_count":28,"total_time":25,"total_cputime":25}. The busiest counter
// decides how much of the window is left.
func parseUsage(value string, now time.Time, window time.Duration) (Limits, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Limits{}, false
	}
	var usage map[string]float64
	if err := json.Unmarshal([]byte(value), &usage); err != nil || len(usage) == 0 {
		return Limits{}, false
	}

	var peak float64
	for _, pct := range usage {
		if pct > peak {
			peak = pct
		}
	}
	remaining := 100 - int(peak+0.5)
	if remaining < 0 {
		remaining = 0
	}
	return Limits{Remaining: remaining, Limit: 100, ResetAt: now.Add(window)}, true
}

// retryAfterHeader reads Retry-After as seconds or an HTTP date.
func retryAfterHeader(resp *http.Response, now time.Time) time.Duration {
	if resp == nil || resp.Header == nil {
		return 0
	}

	retry := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if retry == "" {
		return 0
	}

	if seconds, err := time.ParseDuration(retry + "s"); err == nil {
		return seconds
	}
	if parsed, err := http.ParseTime(retry); err == nil {
		return parsed.Sub(now)
	}
	return 0
}
