package core

import (
	"strings"
	"time"
)

// Platform identifies an external social platform.
type Platform string

const (
	PlatformTwitter   Platform = "twitter"
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformThreads   Platform = "threads"
	PlatformBluesky   Platform = "bluesky"
)

// NormalizePlatform lowercases and trims a platform identifier.
// "x" is accepted as an alias for twitter.
func NormalizePlatform(value string) Platform {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "x" {
		return PlatformTwitter
	}
	return Platform(normalized)
}

// PostStatus represents the lifecycle state of a post.
type PostStatus string

const (
	PostStatusDraft     PostStatus = "draft"
	PostStatusScheduled PostStatus = "scheduled"
	PostStatusPublished PostStatus = "published"
	PostStatusFailed    PostStatus = "failed"
)

// Valid reports whether the status is one of the known values.
func (s PostStatus) Valid() bool {
	switch s {
	case PostStatusDraft, PostStatusScheduled, PostStatusPublished, PostStatusFailed:
		return true
	default:
		return false
	}
}

// Target is a platform/account pair a post is published to.
type Target struct {
	Platform  Platform `json:"platform" yaml:"platform"`
	AccountID string   `json:"account_id" yaml:"account_id"`
}

// Key uniquely identifies the target within a post.
func (t Target) Key() string {
	return string(t.Platform) + ":" + t.AccountID
}

// Content is the publishable payload of a post.
type Content struct {
	Text      string   `json:"text" yaml:"text"`
	MediaURLs []string `json:"media_urls,omitempty" yaml:"media_urls,omitempty"`
	Link      string   `json:"link,omitempty" yaml:"link,omitempty"`
}

// ResultStatus is the per-platform outcome of a publish attempt.
type ResultStatus string

const (
	ResultSuccess     ResultStatus = "success"
	ResultError       ResultStatus = "error"
	ResultRateLimited ResultStatus = "rate_limited"
)

// PlatformResult records the outcome of publishing one target.
type PlatformResult struct {
	Platform       Platform     `json:"platform"`
	AccountID      string       `json:"account_id"`
	Status         ResultStatus `json:"status"`
	PlatformPostID string       `json:"platform_post_id,omitempty"`
	Error          string       `json:"error,omitempty"`
	RetryAt        *time.Time   `json:"retry_at,omitempty"`
	AttemptedAt    time.Time    `json:"attempted_at"`
	// Rejections counts rate limit responses the platform itself returned
	// for this target. Withdrawn queue entries never reach the platform and
	// are not counted.
	Rejections     int          `json:"rejections,omitempty"`
}

// Post is a scheduled or published piece of content.
type Post struct {
	ID          string                     `json:"id"`
	Content     Content                    `json:"content"`
	Targets     []Target                   `json:"targets"`
	Status      PostStatus                 `json:"status"`
	ScheduledAt time.Time                  `json:"scheduled_at"`
	Results     map[string]*PlatformResult `json:"results,omitempty"`
	RetryCount  int                        `json:"retry_count"`
	LastRetryAt *time.Time                 `json:"last_retry_at,omitempty"`
	NextRetryAt *time.Time                 `json:"next_retry_at,omitempty"`
	Error       string                     `json:"error,omitempty"`
	PublishedAt *time.Time                 `json:"published_at,omitempty"`
	CreatedAt   time.Time                  `json:"created_at"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

// Platforms returns the distinct platforms the post targets, in target order.
func (p *Post) Platforms() []Platform {
	if p == nil {
		return nil
	}
	seen := make(map[Platform]bool, len(p.Targets))
	platforms := make([]Platform, 0, len(p.Targets))
	for _, target := range p.Targets {
		if seen[target.Platform] {
			continue
		}
		seen[target.Platform] = true
		platforms = append(platforms, target.Platform)
	}
	return platforms
}

// Succeeded reports whether the target already has a successful result.
func (p *Post) Succeeded(target Target) bool {
	if p == nil || p.Results == nil {
		return false
	}
	result, ok := p.Results[target.Key()]
	return ok && result != nil && result.Status == ResultSuccess
}

// PostUpdate describes the fields written back after a publish attempt.
// Nil fields are left unchanged.
type PostUpdate struct {
	Status      *PostStatus
	Results     map[string]*PlatformResult
	RetryCount  *int
	LastRetryAt *time.Time
	NextRetryAt *time.Time
	Error       *string
	PublishedAt *time.Time
}

// PostFilter selects posts for listing.
type PostFilter struct {
	Status PostStatus
	Limit  int
}

// PublishReceipt is returned by a platform after a successful publish.
type PublishReceipt struct {
	PlatformPostID string `json:"platform_post_id"`
	URL            string `json:"url,omitempty"`
}
