package publisher

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postqueue/postqueue/internal/core"
)

var headerNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestHeaderSpecTwitterEpochReset(t *testing.T) {
	header := http.Header{}
	header.Set("x-rate-limit-remaining", "0")
	header.Set("x-rate-limit-limit", "300")
	header.Set("x-rate-limit-reset", "1748779320")

	limits, ok := DefaultHeaderSpec(core.PlatformTwitter).Parse(header, headerNow)
	require.True(t, ok)
	assert.Equal(t, 0, limits.Remaining)
	assert.Equal(t, 300, limits.Limit)
	assert.Equal(t, time.Unix(1748779320, 0).UTC(), limits.ResetAt)
}

func TestHeaderSpecDeltaReset(t *testing.T) {
	header := http.Header{}
	header.Set("x-ratelimit-remaining", "7")
	header.Set("x-ratelimit-limit", "100")
	header.Set("x-ratelimit-reset", "90")

	limits, ok := DefaultHeaderSpec(core.PlatformLinkedIn).Parse(header, headerNow)
	require.True(t, ok)
	assert.Equal(t, 7, limits.Remaining)
	assert.Equal(t, headerNow.Add(90*time.Second), limits.ResetAt)
}

func TestHeaderSpecAppUsage(t *testing.T) {
	header := http.Header{}
	header.Set("x-app-usage", `{"call_count":28,"total_time":97,"total_cputime":25}`)

	limits, ok := DefaultHeaderSpec(core.PlatformFacebook).Parse(header, headerNow)
	require.True(t, ok)
	assert.Equal(t, 3, limits.Remaining)
	assert.Equal(t, 100, limits.Limit)
	assert.Equal(t, headerNow.Add(DefaultUsageWindow), limits.ResetAt)

	header.Set("x-app-usage", `{"call_count":120}`)
	limits, ok = DefaultHeaderSpec(core.PlatformInstagram).Parse(header, headerNow)
	require.True(t, ok)
	assert.Equal(t, 0, limits.Remaining)
}

func TestHeaderSpecMissingOrMalformed(t *testing.T) {
	_, ok := DefaultHeaderSpec(core.PlatformTwitter).Parse(http.Header{}, headerNow)
	require.False(t, ok)

	header := http.Header{}
	header.Set("x-rate-limit-remaining", "lots")
	_, ok = DefaultHeaderSpec(core.PlatformTwitter).Parse(header, headerNow)
	require.False(t, ok)

	header = http.Header{}
	header.Set("x-app-usage", "not-json")
	_, ok = DefaultHeaderSpec(core.PlatformFacebook).Parse(header, headerNow)
	require.False(t, ok)
}

func TestRetryAfterHeader(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	require.Zero(t, retryAfterHeader(resp, headerNow))

	resp.Header.Set("Retry-After", "30")
	require.Equal(t, 30*time.Second, retryAfterHeader(resp, headerNow))

	resp.Header.Set("Retry-After", headerNow.Add(2*time.Minute).Format(http.TimeFormat))
	require.Equal(t, 2*time.Minute, retryAfterHeader(resp, headerNow))

	resp.Header.Set("Retry-After", "soon")
	require.Zero(t, retryAfterHeader(resp, headerNow))
	require.Zero(t, retryAfterHeader(nil, headerNow))
}
