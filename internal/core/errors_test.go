package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "nil", err: nil, want: ErrorKindNone},
		{name: "typed rate limit", err: &RateLimitError{Platform: PlatformTwitter, RetryAfter: time.Minute}, want: ErrorKindRateLimit},
		{name: "wrapped platform error", err: fmt.Errorf("publish: %w", &PlatformError{Platform: PlatformFacebook, Message: "policy"}), want: ErrorKindPlatform},
		{name: "typed infrastructure", err: &InfrastructureError{Op: "post", Err: errors.New("eof")}, want: ErrorKindInfrastructure},
		{name: "rate limit message", err: errors.New("Too Many Requests"), want: ErrorKindRateLimit},
		{name: "status code in message", err: errors.New("upstream returned 429"), want: ErrorKindRateLimit},
		{name: "digits inside id", err: errors.New("media 14290 not found"), want: ErrorKindPlatform},
		{name: "untyped rejection", err: errors.New("invalid access token"), want: ErrorKindPlatform},
		{name: "context deadline", err: fmt.Errorf("publish: %w", context.DeadlineExceeded), want: ErrorKindInfrastructure},
		{name: "network error", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, want: ErrorKindInfrastructure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsRateLimitMessage(t *testing.T) {
	assert.True(t, IsRateLimitMessage("HTTP 429"))
	assert.True(t, IsRateLimitMessage("(#4) Application request limit reached: rate limit exceeded"))
	assert.True(t, IsRateLimitMessage("Quota exceeded for this app"))
	assert.False(t, IsRateLimitMessage("post 4290 rejected"))
	assert.False(t, IsRateLimitMessage("media 14290 not found"))
	assert.False(t, IsRateLimitMessage("invalid access token"))
}
