package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/postqueue/postqueue/internal/core"
	"github.com/postqueue/postqueue/internal/core/engine"
	"github.com/postqueue/postqueue/internal/core/store"
	apperrors "github.com/postqueue/postqueue/internal/errors"
)

const maxBodyBytes = 1 << 20

// PostRepository is the subset of the store the HTTP API needs.
type PostRepository interface {
	CreatePost(ctx context.Context, post *core.Post) error
	GetPost(ctx context.Context, id string) (*core.Post, error)
	ListPosts(ctx context.Context, filter core.PostFilter) ([]*core.Post, error)
}

// Publishing serves the post, publish and rate limit endpoints.
type Publishing struct {
	Posts     PostRepository
	Driver    *engine.Driver
	Scheduler *engine.Scheduler
	Governor  *engine.Governor

	// Platforms are the configured platforms, always listed by RateLimits
	// even before any call has been observed.
	Platforms []core.Platform
}

// RunScheduled publishes every due post.
func (p *Publishing) RunScheduled(w http.ResponseWriter, r *http.Request) {
	summary, err := p.Driver.Run(r.Context())
	if err != nil {
		if summary != nil {
			respondWithError(w, r, apperrors.WrapTimeout(r.Context(), err, "Publish run interrupted"))
			return
		}
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "Failed to load due posts"))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// DryRunScheduled lists the posts a run would process.
func (p *Publishing) DryRunScheduled(w http.ResponseWriter, r *http.Request) {
	summary, err := p.Driver.DryRun(r.Context())
	if err != nil {
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "Failed to load due posts"))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type createPostRequest struct {
	Content     core.Content    `json:"content"`
	Targets     []core.Target   `json:"targets"`
	ScheduledAt *time.Time      `json:"scheduled_at"`
	Status      core.PostStatus `json:"status"`
}

// CreatePost stores a new post. A missing scheduled_at means now.
func (p *Publishing) CreatePost(w http.ResponseWriter, r *http.Request) {
	var req createPostRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "Invalid post payload"))
		return
	}
	if strings.TrimSpace(req.Content.Text) == "" && len(req.Content.MediaURLs) == 0 {
		respondWithError(w, r, apperrors.NewValidationError("Post content requires text or media"))
		return
	}
	if len(req.Targets) == 0 {
		respondWithError(w, r, apperrors.NewValidationError("Post requires at least one target"))
		return
	}
	for _, target := range req.Targets {
		if strings.TrimSpace(string(target.Platform)) == "" {
			respondWithError(w, r, apperrors.NewValidationError("Every target requires a platform"))
			return
		}
	}
	if req.Status != "" && !req.Status.Valid() {
		respondWithError(w, r, apperrors.NewValidationError(fmt.Sprintf("Unknown post status %q", req.Status)))
		return
	}

	post := &core.Post{
		Content: req.Content,
		Targets: req.Targets,
		Status:  req.Status,
	}
	if req.ScheduledAt != nil {
		post.ScheduledAt = req.ScheduledAt.UTC()
	} else {
		post.ScheduledAt = time.Now().UTC()
	}

	if err := p.Posts.CreatePost(r.Context(), post); err != nil {
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "Failed to create post"))
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

// GetPost returns one post.
func (p *Publishing) GetPost(w http.ResponseWriter, r *http.Request) {
	post, ok := p.loadPost(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, post)
}

// ListPosts returns posts, optionally filtered by ?status= and capped by ?limit=.
func (p *Publishing) ListPosts(w http.ResponseWriter, r *http.Request) {
	filter := core.PostFilter{Status: core.PostStatus(strings.TrimSpace(r.URL.Query().Get("status")))}
	if filter.Status != "" && !filter.Status.Valid() {
		respondWithError(w, r, apperrors.NewInvalidInputError(fmt.Sprintf("Unknown post status %q", filter.Status)))
		return
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			respondWithError(w, r, apperrors.NewInvalidInputError("limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}

	posts, err := p.Posts.ListPosts(r.Context(), filter)
	if err != nil {
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "Failed to list posts"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": posts})
}

// PublishNow publishes one post immediately through the same path as a
// scheduled run.
func (p *Publishing) PublishNow(w http.ResponseWriter, r *http.Request) {
	post, ok := p.loadPost(w, r)
	if !ok {
		return
	}
	if post.Status == core.PostStatusPublished {
		respondWithError(w, r, apperrors.NewConflictError("Post is already published"))
		return
	}

	outcome, err := p.Driver.PublishPost(r.Context(), post)
	if err != nil {
		respondWithError(w, r, apperrors.WrapConflict(r.Context(), err, "Post is already being published"))
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type preflightRequest struct {
	Platforms []string `json:"platforms"`
}

// PreflightResponse combines the scheduler's advisory answers.
type PreflightResponse struct {
	engine.Readiness
	RetryAt     time.Time          `json:"retryAt"`
	Suggestions engine.Suggestions `json:"suggestions"`
}

// Preflight reports whether a post to the given platforms can go out now.
func (p *Publishing) Preflight(w http.ResponseWriter, r *http.Request) {
	var req preflightRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "Invalid preflight payload"))
		return
	}
	if len(req.Platforms) == 0 {
		respondWithError(w, r, apperrors.NewValidationError("At least one platform is required"))
		return
	}

	platforms := make([]core.Platform, 0, len(req.Platforms))
	for _, raw := range req.Platforms {
		platforms = append(platforms, core.NormalizePlatform(raw))
	}

	ctx := r.Context()
	writeJSON(w, http.StatusOK, PreflightResponse{
		Readiness:   p.Scheduler.CanPublishNow(ctx, platforms),
		RetryAt:     p.Scheduler.CalculateOptimalRetryTime(ctx, platforms),
		Suggestions: p.Scheduler.SuggestAlternatives(ctx, platforms),
	})
}

// RateLimits reports the governor's view of every known platform.
func (p *Publishing) RateLimits(w http.ResponseWriter, r *http.Request) {
	seen := map[core.Platform]bool{}
	platforms := []core.Platform{}
	for _, platform := range append(append([]core.Platform{}, p.Platforms...), p.Governor.Platforms()...) {
		if platform == "" || seen[platform] {
			continue
		}
		seen[platform] = true
		platforms = append(platforms, platform)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })

	statuses := make(map[core.Platform]*core.RateLimitStatus, len(platforms))
	for _, platform := range platforms {
		status := p.Governor.Status(r.Context(), platform)
		if status == nil {
			status = &core.RateLimitStatus{Platform: platform}
		}
		statuses[platform] = status
	}
	writeJSON(w, http.StatusOK, map[string]any{"platforms": statuses})
}

func (p *Publishing) loadPost(w http.ResponseWriter, r *http.Request) (*core.Post, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondWithError(w, r, apperrors.NewInvalidInputError("Post id is required"))
		return nil, false
	}
	post, err := p.Posts.GetPost(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrPostNotFound) {
			respondWithError(w, r, apperrors.NewNotFoundError("Post not found"))
			return nil, false
		}
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "Failed to load post"))
		return nil, false
	}
	return post, true
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
