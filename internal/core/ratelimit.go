package core

import "time"

// RateLimitState captures the last observed quota window for a platform.
type RateLimitState struct {
	Remaining int        `json:"remaining"`
	Limit     int        `json:"limit"`
	ResetAt   time.Time  `json:"reset_at"`
	Last429At *time.Time `json:"last_429_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Exhausted reports whether the window blocks requests at the given instant.
func (s *RateLimitState) Exhausted(now time.Time) bool {
	if s == nil {
		return false
	}
	return s.Remaining <= 0 && now.Before(s.ResetAt)
}

// RateLimitStatus is a read-only snapshot for diagnostics.
type RateLimitStatus struct {
	Platform   Platform      `json:"platform"`
	Remaining  int           `json:"remaining"`
	Limit      int           `json:"limit"`
	ResetIn    time.Duration `json:"-"`
	ResetInMS  int64         `json:"resetIn"`
	QueueDepth int           `json:"queueLength"`
}
