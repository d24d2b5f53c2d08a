package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/postqueue/postqueue/internal/core"
	"github.com/postqueue/postqueue/internal/core/engine"
)

const defaultPublishPath = "/posts"

// HTTPPublisher publishes through a platform's REST API and feeds every
// quota header it sees back into the governor.
type HTTPPublisher struct {
	Platform  core.Platform
	Client    *http.Client
	BaseURL   string
	Path      string
	Token     string
	UserAgent string
	Headers   HeaderSpec
	Governor  *engine.Governor
	Clock     func() time.Time
}

type publishRequest struct {
	AccountID string   `json:"account_id"`
	Text      string   `json:"text"`
	MediaURLs []string `json:"media_urls,omitempty"`
	Link      string   `json:"link,omitempty"`
}

type publishResponse struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Publish sends content for target and classifies the response:
// 429 is a RateLimitError, other 4xx a PlatformError, 5xx and transport
// failures an InfrastructureError.
func (p *HTTPPublisher) Publish(ctx context.Context, target core.Target, content core.Content) (*core.PublishReceipt, error) {
	if p == nil || strings.TrimSpace(p.BaseURL) == "" {
		return nil, &core.PlatformError{Platform: target.Platform, Message: "publisher endpoint is not configured"}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	endpoint, err := p.endpoint()
	if err != nil {
		return nil, &core.PlatformError{Platform: p.Platform, Message: fmt.Sprintf("invalid endpoint: %v", err)}
	}

	body, err := json.Marshal(publishRequest{
		AccountID: target.AccountID,
		Text:      content.Text,
		MediaURLs: content.MediaURLs,
		Link:      content.Link,
	})
	if err != nil {
		return nil, &core.PlatformError{Platform: p.Platform, Message: fmt.Sprintf("encode request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &core.InfrastructureError{Op: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.New().String())
	if token := strings.TrimSpace(p.Token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}

	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &core.InfrastructureError{Op: fmt.Sprintf("publish to %s", p.Platform), Err: err}
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	now := p.now()
	limits, hasLimits := p.headers().Parse(resp.Header, now)
	if hasLimits {
		p.Governor.RecordLimits(ctx, p.Platform, limits.Remaining, limits.Limit, limits.ResetAt)
	}

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return decodeReceipt(payload), nil
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusForbidden && hasLimits && limits.Remaining == 0:
		wait := retryAfterHeader(resp, now)
		if wait <= 0 && hasLimits && limits.ResetAt.After(now) {
			wait = limits.ResetAt.Sub(now)
		}
		p.Governor.RecordRateLimited(ctx, p.Platform, wait)
		return nil, &core.RateLimitError{
			Platform:   p.Platform,
			RetryAfter: wait,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(payload, "rate limit exceeded"),
		}
	case resp.StatusCode >= 500:
		return nil, &core.InfrastructureError{
			Op:  fmt.Sprintf("publish to %s", p.Platform),
			Err: fmt.Errorf("upstream status %d: %s", resp.StatusCode, errorMessage(payload, http.StatusText(resp.StatusCode))),
		}
	default:
		message := errorMessage(payload, http.StatusText(resp.StatusCode))
		if core.IsRateLimitMessage(message) {
			p.Governor.RecordRateLimited(ctx, p.Platform, retryAfterHeader(resp, now))
			return nil, &core.RateLimitError{Platform: p.Platform, StatusCode: resp.StatusCode, Message: message}
		}
		return nil, &core.PlatformError{Platform: p.Platform, StatusCode: resp.StatusCode, Message: message}
	}
}

func (p *HTTPPublisher) endpoint() (string, error) {
	base, err := url.Parse(strings.TrimRight(p.BaseURL, "/"))
	if err != nil {
		return "", err
	}
	if base.Scheme == "" || base.Host == "" {
		return "", errors.New("base url must be absolute")
	}
	path := p.Path
	if path == "" {
		path = defaultPublishPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base.String() + path, nil
}

func (p *HTTPPublisher) headers() HeaderSpec {
	if p.Headers.Remaining == "" && p.Headers.UsageHeader == "" {
		return DefaultHeaderSpec(p.Platform)
	}
	return p.Headers
}

func (p *HTTPPublisher) now() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}
	return time.Now().UTC()
}

func decodeReceipt(payload []byte) *core.PublishReceipt {
	receipt := &core.PublishReceipt{}
	var decoded publishResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return receipt
	}
	receipt.PlatformPostID = decoded.ID
	if receipt.PlatformPostID == "" {
		receipt.PlatformPostID = decoded.Data.ID
	}
	receipt.URL = decoded.URL
	return receipt
}

// errorMessage pulls a human-readable message out of common error envelopes.
func errorMessage(payload []byte, fallback string) string {
	var envelope struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
		Error   any    `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil {
		switch v := envelope.Error.(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			if msg, ok := v["message"].(string); ok && msg != "" {
				return msg
			}
		}
		if envelope.Message != "" {
			return envelope.Message
		}
		if envelope.Detail != "" {
			return envelope.Detail
		}
	}
	if text := strings.TrimSpace(string(payload)); text != "" && len(text) <= 200 && !strings.HasPrefix(text, "{") {
		return text
	}
	return fallback
}
