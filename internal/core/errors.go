package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"
)

// RateLimitError signals that a platform rejected a call because its quota is exhausted.
type RateLimitError struct {
	Platform   Platform
	RetryAfter time.Duration
	StatusCode int
	Message    string
}

func (e *RateLimitError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "rate limit exceeded"
	}
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry in %s)", e.Platform, msg, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("%s: %s", e.Platform, msg)
}

// PlatformError is a terminal rejection by the platform (auth, validation, policy).
type PlatformError struct {
	Platform   Platform
	StatusCode int
	Message    string
}

func (e *PlatformError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Platform, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Platform, e.Message)
}

// InfrastructureError wraps failures whose outcome is inconclusive
// (transport errors, upstream 5xx, store outages).
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// ErrorKind is the classification used by the publish driver.
type ErrorKind string

const (
	ErrorKindNone           ErrorKind = ""
	ErrorKindRateLimit      ErrorKind = "rate_limit"
	ErrorKindPlatform       ErrorKind = "platform"
	ErrorKindInfrastructure ErrorKind = "infrastructure"
)

// statusTooManyRequests matches 429 as a whole number, not inside an id.
var statusTooManyRequests = regexp.MustCompile(`\b429\b`)

var rateLimitPatterns = []string{
	"rate limit",
	"rate-limit",
	"ratelimit",
	"too many requests",
	"quota exceeded",
}

// Classify maps an error onto the publish error taxonomy. Untyped errors whose
// message looks like a quota rejection are treated as rate limits. Context
// and network errors are infrastructure. Any other untyped error is a
// rejection by the platform.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorKindNone
	}

	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return ErrorKindRateLimit
	}
	var platformErr *PlatformError
	if errors.As(err, &platformErr) {
		return ErrorKindPlatform
	}
	var infraErr *InfrastructureError
	if errors.As(err, &infraErr) {
		return ErrorKindInfrastructure
	}

	if IsRateLimitMessage(err.Error()) {
		return ErrorKindRateLimit
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindInfrastructure
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorKindInfrastructure
	}
	return ErrorKindPlatform
}

// IsRateLimitMessage reports whether a free-form message describes quota exhaustion.
func IsRateLimitMessage(message string) bool {
	if statusTooManyRequests.MatchString(message) {
		return true
	}
	lower := strings.ToLower(message)
	for _, pattern := range rateLimitPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// RetryAfter extracts a retry hint from a rate limit error, if any.
func RetryAfter(err error) time.Duration {
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return rateErr.RetryAfter
	}
	return 0
}
