package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postqueue/postqueue/internal/core"
	"github.com/postqueue/postqueue/internal/core/engine"
	"github.com/postqueue/postqueue/internal/core/publisher"
	"github.com/postqueue/postqueue/internal/core/store"
	apperrors "github.com/postqueue/postqueue/internal/errors"
	"github.com/postqueue/postqueue/internal/server/handlers"
)

const testCronSecret = "cron-secret"

type memoryPosts struct {
	mu    sync.Mutex
	posts map[string]*core.Post
	seq   int
}

func newMemoryPosts() *memoryPosts {
	return &memoryPosts{posts: map[string]*core.Post{}}
}

func (m *memoryPosts) CreatePost(_ context.Context, post *core.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if post.ID == "" {
		m.seq++
		post.ID = fmt.Sprintf("post-%d", m.seq)
	}
	if post.Status == "" {
		post.Status = core.PostStatusScheduled
	}
	m.posts[post.ID] = clonePost(post)
	return nil
}

func (m *memoryPosts) GetPost(_ context.Context, id string) (*core.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	post, ok := m.posts[id]
	if !ok {
		return nil, store.ErrPostNotFound
	}
	return clonePost(post), nil
}

func (m *memoryPosts) ListPosts(_ context.Context, filter core.PostFilter) ([]*core.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*core.Post{}
	for _, post := range m.posts {
		if filter.Status != "" && post.Status != filter.Status {
			continue
		}
		out = append(out, clonePost(post))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func clonePost(post *core.Post) *core.Post {
	copied := *post
	copied.Targets = append([]core.Target(nil), post.Targets...)
	if post.Results != nil {
		copied.Results = make(map[string]*core.PlatformResult, len(post.Results))
		for key, result := range post.Results {
			copied.Results[key] = result
		}
	}
	return &copied
}

func (m *memoryPosts) FindDuePosts(_ context.Context, now time.Time, _ int) ([]*core.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*core.Post{}
	for _, post := range m.posts {
		held := post.NextRetryAt != nil && post.NextRetryAt.After(now)
		if post.Status == core.PostStatusScheduled && !post.ScheduledAt.After(now) && !held {
			out = append(out, clonePost(post))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryPosts) UpdatePost(_ context.Context, id string, update core.PostUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	post, ok := m.posts[id]
	if !ok {
		return store.ErrPostNotFound
	}
	if update.Status != nil {
		post.Status = *update.Status
	}
	if update.Results != nil {
		if post.Results == nil {
			post.Results = map[string]*core.PlatformResult{}
		}
		for key, result := range update.Results {
			post.Results[key] = result
		}
	}
	if update.RetryCount != nil {
		post.RetryCount = *update.RetryCount
	}
	if update.NextRetryAt != nil {
		post.NextRetryAt = update.NextRetryAt
		if update.NextRetryAt.IsZero() {
			post.NextRetryAt = nil
		}
	}
	if update.Error != nil {
		post.Error = *update.Error
	}
	if update.PublishedAt != nil {
		post.PublishedAt = update.PublishedAt
	}
	return nil
}

type apiFixture struct {
	posts    *memoryPosts
	governor *engine.Governor
	handler  http.Handler
}

func newAPIFixture(t *testing.T, publish publisher.Func) *apiFixture {
	t.Helper()

	posts := newMemoryPosts()
	governor := engine.NewGovernor(nil, nil, nil)
	queue := engine.NewQueue(governor, engine.QueueOptions{})
	t.Cleanup(queue.Close)

	registry := publisher.NewRegistry()
	registry.Register(core.PlatformTwitter, publish)
	registry.Register(core.PlatformLinkedIn, publish)

	driver := &engine.Driver{
		Store:      posts,
		Queue:      queue,
		Publisher:  registry,
		MaxRetries: engine.DefaultMaxRetries,
	}

	srv := New("127.0.0.1", 0, WithPublishing(&handlers.Publishing{
		Posts:     posts,
		Driver:    driver,
		Scheduler: engine.NewScheduler(governor, nil),
		Governor:  governor,
		Platforms: []core.Platform{core.PlatformLinkedIn, core.PlatformTwitter},
	}, testCronSecret))

	return &apiFixture{posts: posts, governor: governor, handler: srv.Handler()}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, authorized bool) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	if authorized {
		req.Header.Set("Authorization", "Bearer "+testCronSecret)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func okPublish(_ context.Context, target core.Target, _ core.Content) (*core.PublishReceipt, error) {
	return &core.PublishReceipt{PlatformPostID: string(target.Platform) + "-1"}, nil
}

func seedDuePost(t *testing.T, f *apiFixture, platforms ...core.Platform) *core.Post {
	t.Helper()
	post := &core.Post{
		Content:     core.Content{Text: "launch day"},
		ScheduledAt: time.Now().UTC().Add(-time.Minute),
	}
	for _, platform := range platforms {
		post.Targets = append(post.Targets, core.Target{Platform: platform, AccountID: "acct"})
	}
	require.NoError(t, f.posts.CreatePost(context.Background(), post))
	return post
}

func TestCronRequiresSecret(t *testing.T) {
	f := newAPIFixture(t, okPublish)

	rec := f.do(t, http.MethodPost, "/api/cron/publish-scheduled", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/cron/publish-scheduled", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCronPublishesDuePosts(t *testing.T) {
	f := newAPIFixture(t, okPublish)
	post := seedDuePost(t, f, core.PlatformTwitter, core.PlatformLinkedIn)

	rec := f.do(t, http.MethodGet, "/api/cron/publish-scheduled", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var dry struct {
		Total   int `json:"total"`
		Results []struct {
			PostID string `json:"postId"`
		} `json:"results"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&dry))
	assert.Equal(t, 1, dry.Total)
	require.Len(t, dry.Results, 1)
	assert.Equal(t, post.ID, dry.Results[0].PostID)

	rec = f.do(t, http.MethodPost, "/api/cron/publish-scheduled", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var run struct {
		Processed int `json:"processed"`
		Results   []struct {
			PostID string `json:"postId"`
			Status string `json:"status"`
		} `json:"results"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&run))
	assert.Equal(t, 1, run.Processed)
	require.Len(t, run.Results, 1)
	assert.Equal(t, "published", run.Results[0].Status)

	stored, err := f.posts.GetPost(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PostStatusPublished, stored.Status)
}

func TestCreateAndGetPost(t *testing.T) {
	f := newAPIFixture(t, okPublish)

	rec := f.do(t, http.MethodPost, "/api/posts", map[string]any{
		"content": map[string]any{"text": "hello"},
		"targets": []map[string]any{{"platform": "linkedin", "account_id": "me"}},
	}, false)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created core.Post
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	require.NotEmpty(t, created.ID)
	assert.Equal(t, core.PostStatusScheduled, created.Status)

	rec = f.do(t, http.MethodGet, "/api/posts/"+created.ID, nil, false)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/posts?status=scheduled", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Posts []core.Post `json:"posts"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&listed))
	assert.Len(t, listed.Posts, 1)

	rec = f.do(t, http.MethodGet, "/api/posts/missing", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/posts?status=bogus", nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreatePostValidation(t *testing.T) {
	f := newAPIFixture(t, okPublish)

	rec := f.do(t, http.MethodPost, "/api/posts", map[string]any{
		"content": map[string]any{"text": "no targets"},
	}, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/posts", map[string]any{
		"content": map[string]any{"text": "x"},
		"targets": []map[string]any{{"platform": "twitter"}},
		"unknown": true,
	}, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPublishNow(t *testing.T) {
	f := newAPIFixture(t, func(_ context.Context, target core.Target, _ core.Content) (*core.PublishReceipt, error) {
		if target.Platform == core.PlatformTwitter {
			return nil, &core.PlatformError{Platform: target.Platform, StatusCode: 403, Message: "duplicate content"}
		}
		return &core.PublishReceipt{PlatformPostID: "li-1"}, nil
	})
	post := seedDuePost(t, f, core.PlatformTwitter, core.PlatformLinkedIn)

	rec := f.do(t, http.MethodPost, "/api/posts/"+post.ID+"/publish", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var outcome engine.PostOutcome
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&outcome))
	assert.Equal(t, core.PostStatusFailed, outcome.Status)
	assert.Contains(t, outcome.Error, "duplicate content")

	rec = f.do(t, http.MethodPost, "/api/posts/missing/publish", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPublishNowRejectsPublishedPost(t *testing.T) {
	f := newAPIFixture(t, okPublish)
	post := seedDuePost(t, f, core.PlatformLinkedIn)
	published := core.PostStatusPublished
	require.NoError(t, f.posts.UpdatePost(context.Background(), post.ID, core.PostUpdate{Status: &published}))

	rec := f.do(t, http.MethodPost, "/api/posts/"+post.ID+"/publish", nil, false)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPublishNowConflictsWhileInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f := newAPIFixture(t, func(_ context.Context, target core.Target, _ core.Content) (*core.PublishReceipt, error) {
		once.Do(func() { close(entered) })
		<-release
		return &core.PublishReceipt{PlatformPostID: "li-1"}, nil
	})
	post := seedDuePost(t, f, core.PlatformLinkedIn)
	path := "/api/posts/" + post.ID + "/publish"

	first := make(chan int, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		first <- rec.Code
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher was never called")
	}

	rec := f.do(t, http.MethodPost, path, nil, false)
	assert.Equal(t, http.StatusConflict, rec.Code)
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, apperrors.CodeConflict, body.Error.Code)

	close(release)
	assert.Equal(t, http.StatusOK, <-first)

	stored, err := f.posts.GetPost(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PostStatusPublished, stored.Status)
}

func TestPreflight(t *testing.T) {
	f := newAPIFixture(t, okPublish)
	f.governor.RecordRateLimited(context.Background(), core.PlatformTwitter, 2*time.Minute)

	rec := f.do(t, http.MethodPost, "/api/preflight", map[string]any{
		"platforms": []string{"X", "linkedin"},
	}, false)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		CanPublish       bool     `json:"canPublish"`
		BlockedPlatforms []string `json:"blockedPlatforms"`
		EstimatedWaitMS  int64    `json:"estimatedWaitMs"`
		RetryAt          time.Time
		Suggestions      struct {
			Messages []string `json:"messages"`
			Actions  []struct {
				Action string `json:"action"`
			} `json:"actions"`
		} `json:"suggestions"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.CanPublish)
	assert.Equal(t, []string{"twitter"}, resp.BlockedPlatforms)
	assert.Greater(t, resp.EstimatedWaitMS, int64(60_000))
	assert.True(t, resp.RetryAt.After(time.Now().Add(2*time.Minute)))
	require.Len(t, resp.Suggestions.Messages, 1)
	assert.Contains(t, resp.Suggestions.Messages[0], "twitter is rate limited")
	assert.Len(t, resp.Suggestions.Actions, 4)

	rec = f.do(t, http.MethodPost, "/api/preflight", map[string]any{"platforms": []string{}}, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimits(t *testing.T) {
	f := newAPIFixture(t, okPublish)
	f.governor.RecordLimits(context.Background(), core.PlatformTwitter, 12, 300, time.Now().Add(time.Minute))
	f.governor.RecordLimits(context.Background(), core.PlatformBluesky, 0, 100, time.Now().Add(time.Minute))

	rec := f.do(t, http.MethodGet, "/api/rate-limits", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Platforms map[string]struct {
			Remaining   int   `json:"remaining"`
			Limit       int   `json:"limit"`
			ResetIn     int64 `json:"resetIn"`
			QueueLength int   `json:"queueLength"`
		} `json:"platforms"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Platforms, 3)
	assert.Equal(t, 12, resp.Platforms["twitter"].Remaining)
	assert.Equal(t, 300, resp.Platforms["twitter"].Limit)
	assert.Greater(t, resp.Platforms["twitter"].ResetIn, int64(0))
	assert.Equal(t, 0, resp.Platforms["linkedin"].Limit)
	assert.Equal(t, 0, resp.Platforms["bluesky"].Remaining)
}

func TestPublishingRoutesAbsentWithoutOption(t *testing.T) {
	srv := New("127.0.0.1", 0)
	req := httptest.NewRequest(http.MethodGet, "/api/rate-limits", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
