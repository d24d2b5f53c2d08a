package metrics

import (
	"time"

	"github.com/postqueue/postqueue/internal/observability"
)

// Publishing pipeline metrics
const (
	PublishAttemptsTotal   = "publish_attempts_total"
	QueueDeferralsTotal    = "queue_deferrals_total"
	QueueDepth             = "queue_depth"
	GovernorExhaustedTotal = "governor_exhausted_total"
	DriverRunsTotal        = "driver_runs_total"
	DriverRunDuration      = "driver_run_duration_ms"
)

// RecordPublishAttempt counts one publish call to a platform by outcome
// (success, error, rate_limited).
func RecordPublishAttempt(platform string, outcome string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			PublishAttemptsTotal,
			1,
			map[string]string{
				"platform": platform,
				"outcome":  outcome,
			},
		)
	}
}

// RecordQueueDeferral counts an operation parked in a platform queue.
func RecordQueueDeferral(platform string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			QueueDeferralsTotal,
			1,
			map[string]string{"platform": platform},
		)
	}
}

// SetQueueDepth reports the number of operations waiting for a platform.
func SetQueueDepth(platform string, depth int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			QueueDepth,
			float64(depth),
			map[string]string{"platform": platform},
		)
	}
}

// RecordGovernorExhausted counts transitions of a platform into an exhausted window.
func RecordGovernorExhausted(platform string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			GovernorExhaustedTotal,
			1,
			map[string]string{"platform": platform},
		)
	}
}

// RecordDriverRun records one scheduled publish invocation.
func RecordDriverRun(mode string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			DriverRunsTotal,
			1,
			map[string]string{
				"mode":   mode,
				"status": status,
			},
		)

		_ = observability.TelemetrySystem.Histogram(
			DriverRunDuration,
			duration,
			map[string]string{"mode": mode},
		)
	}
}
