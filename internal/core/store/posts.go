package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/postqueue/postqueue/internal/core"
)

// ErrPostNotFound is returned when a post id does not exist.
var ErrPostNotFound = errors.New("post not found")

const postColumns = `id, content, targets, status, scheduled_at, results, retry_count,
	last_retry_at, next_retry_at, error, published_at, created_at, updated_at`

// CreatePost inserts a new post. Missing ids are generated and a missing
// status defaults to scheduled.
func (s *Store) CreatePost(ctx context.Context, post *core.Post) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if post == nil {
		return errors.New("post is required")
	}
	if len(post.Targets) == 0 {
		return errors.New("post requires at least one target")
	}
	if post.ScheduledAt.IsZero() {
		return errors.New("post requires scheduled_at")
	}
	if strings.TrimSpace(post.ID) == "" {
		post.ID = uuid.NewString()
	}
	if post.Status == "" {
		post.Status = core.PostStatusScheduled
	}
	if !post.Status.Valid() {
		return fmt.Errorf("invalid post status %q", post.Status)
	}
	for i := range post.Targets {
		post.Targets[i].Platform = core.NormalizePlatform(string(post.Targets[i].Platform))
	}

	now := time.Now().UTC()
	if post.CreatedAt.IsZero() {
		post.CreatedAt = now
	}
	post.UpdatedAt = now

	content, err := json.Marshal(post.Content)
	if err != nil {
		return fmt.Errorf("encode post content: %w", err)
	}
	targets, err := json.Marshal(post.Targets)
	if err != nil {
		return fmt.Errorf("encode post targets: %w", err)
	}
	results, err := encodeResults(post.Results)
	if err != nil {
		return err
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO posts (`+postColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		post.ID, string(content), string(targets), string(post.Status),
		post.ScheduledAt.UTC().UnixMilli(), results, post.RetryCount,
		nullMillis(post.LastRetryAt), nullMillis(post.NextRetryAt),
		nullString(post.Error), nullMillis(post.PublishedAt),
		post.CreatedAt.UTC().UnixMilli(), post.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	return nil
}

// GetPost returns a post by id or ErrPostNotFound.
func (s *Store) GetPost(ctx context.Context, id string) (*core.Post, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("post id is required")
	}

	row := s.DB.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	post, err := scanPost(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPostNotFound
		}
		return nil, fmt.Errorf("fetch post: %w", err)
	}
	return post, nil
}

// ListPosts returns posts ordered by schedule time, optionally filtered by status.
func (s *Store) ListPosts(ctx context.Context, filter core.PostFilter) ([]*core.Post, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	query := `SELECT ` + postColumns + ` FROM posts`
	args := []any{}
	if filter.Status != "" {
		if !filter.Status.Valid() {
			return nil, fmt.Errorf("invalid post status %q", filter.Status)
		}
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY scheduled_at, created_at`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	return s.queryPosts(ctx, query, args...)
}

// FindDuePosts returns scheduled posts whose scheduled time is at or before
// now, oldest first. Posts held back by a platform window stay out until
// next_retry_at has passed.
func (s *Store) FindDuePosts(ctx context.Context, now time.Time, limit int) ([]*core.Post, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	query := `SELECT ` + postColumns + ` FROM posts
		WHERE status = ? AND scheduled_at <= ?
			AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY scheduled_at, created_at`
	nowMillis := now.UTC().UnixMilli()
	args := []any{string(core.PostStatusScheduled), nowMillis, nowMillis}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	posts, err := s.queryPosts(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find due posts: %w", err)
	}
	return posts, nil
}

// UpdatePost applies the non-nil fields of update. Results are merged by
// target key so earlier successes survive a later partial attempt.
func (s *Store) UpdatePost(ctx context.Context, id string, update core.PostUpdate) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("post id is required")
	}

	sets := []string{}
	args := []any{}

	if update.Status != nil {
		if !update.Status.Valid() {
			return fmt.Errorf("invalid post status %q", *update.Status)
		}
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Results != nil {
		current, err := s.GetPost(ctx, id)
		if err != nil {
			return err
		}
		merged := current.Results
		if merged == nil {
			merged = make(map[string]*core.PlatformResult, len(update.Results))
		}
		for key, result := range update.Results {
			merged[key] = result
		}
		encoded, err := encodeResults(merged)
		if err != nil {
			return err
		}
		sets = append(sets, "results = ?")
		args = append(args, encoded)
	}
	if update.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *update.RetryCount)
	}
	if update.LastRetryAt != nil {
		sets = append(sets, "last_retry_at = ?")
		args = append(args, update.LastRetryAt.UTC().UnixMilli())
	}
	if update.NextRetryAt != nil {
		sets = append(sets, "next_retry_at = ?")
		args = append(args, nullMillis(update.NextRetryAt))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullString(*update.Error))
	}
	if update.PublishedAt != nil {
		sets = append(sets, "published_at = ?")
		args = append(args, update.PublishedAt.UTC().UnixMilli())
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC().UnixMilli(), id)

	result, err := s.DB.ExecContext(ctx,
		fmt.Sprintf(`UPDATE posts SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return fmt.Errorf("update post: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update post: %w", err)
	}
	if affected == 0 {
		return ErrPostNotFound
	}
	return nil
}

// DeletePost removes a post. Deleting a missing post is not an error.
func (s *Store) DeletePost(ctx context.Context, id string) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, strings.TrimSpace(id)); err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	return nil
}

func (s *Store) queryPosts(ctx context.Context, query string, args ...any) ([]*core.Post, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	posts := []*core.Post{}
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	return posts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*core.Post, error) {
	var (
		post        core.Post
		content     string
		targets     string
		status      string
		scheduledAt int64
		results     sql.NullString
		lastRetryAt sql.NullInt64
		nextRetryAt sql.NullInt64
		errText     sql.NullString
		publishedAt sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	if err := row.Scan(&post.ID, &content, &targets, &status, &scheduledAt, &results,
		&post.RetryCount, &lastRetryAt, &nextRetryAt, &errText, &publishedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(content), &post.Content); err != nil {
		return nil, fmt.Errorf("decode post content: %w", err)
	}
	if err := json.Unmarshal([]byte(targets), &post.Targets); err != nil {
		return nil, fmt.Errorf("decode post targets: %w", err)
	}
	if results.Valid && results.String != "" {
		if err := json.Unmarshal([]byte(results.String), &post.Results); err != nil {
			return nil, fmt.Errorf("decode post results: %w", err)
		}
	}

	post.Status = core.PostStatus(status)
	post.ScheduledAt = time.UnixMilli(scheduledAt).UTC()
	post.LastRetryAt = timeFromMillis(lastRetryAt)
	post.NextRetryAt = timeFromMillis(nextRetryAt)
	post.PublishedAt = timeFromMillis(publishedAt)
	post.Error = errText.String
	post.CreatedAt = time.UnixMilli(createdAt).UTC()
	post.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &post, nil
}

func encodeResults(results map[string]*core.PlatformResult) (sql.NullString, error) {
	if len(results) == 0 {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(results)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode post results: %w", err)
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func nullMillis(value *time.Time) sql.NullInt64 {
	if value == nil || value.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: value.UTC().UnixMilli(), Valid: true}
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func timeFromMillis(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := time.UnixMilli(value.Int64).UTC()
	return &t
}
