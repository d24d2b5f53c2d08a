package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/postqueue/postqueue/internal/core"
	"github.com/postqueue/postqueue/internal/output"
)

var (
	postCreateFile    string
	postCreateText    string
	postCreateTargets []string
	postCreateAt      string
	postCreateIn      time.Duration
	postCreateDraft   bool

	postListStatus string
	postListLimit  int
)

var postCmd = &cobra.Command{
	Use:   "post",
	Short: "Manage scheduled posts",
}

var postCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Schedule one or more posts",
	Long: `Schedule posts from flags or from a YAML file.

A file may hold several YAML documents, one post each:

  content:
    text: "Launch day"
  targets:
    - platform: twitter
      account_id: brand
  scheduled_at: 2026-03-01T09:00:00Z

Use --file - to read from stdin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			posts []*core.Post
			err   error
		)
		if strings.TrimSpace(postCreateFile) != "" {
			posts, err = readPostFile(postCreateFile, time.Now().UTC())
		} else {
			var post *core.Post
			post, err = postFromFlags(time.Now().UTC())
			posts = []*core.Post{post}
		}
		if err != nil {
			return err
		}

		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		for _, post := range posts {
			if err := db.CreatePost(cmd.Context(), post); err != nil {
				return err
			}
		}

		return render(cmd, "post.create", func(f output.Formatter) (string, error) {
			return f.FormatPosts(posts)
		})
	},
}

var postListCmd = &cobra.Command{
	Use:   "list",
	Short: "List posts ordered by schedule time",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := core.PostFilter{
			Status: core.PostStatus(strings.ToLower(strings.TrimSpace(postListStatus))),
			Limit:  postListLimit,
		}
		if filter.Status != "" && !filter.Status.Valid() {
			return fmt.Errorf("unknown post status %q", postListStatus)
		}

		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		posts, err := db.ListPosts(cmd.Context(), filter)
		if err != nil {
			return err
		}

		return render(cmd, "post.list", func(f output.Formatter) (string, error) {
			return f.FormatPosts(posts)
		})
	},
}

// postDocument is the YAML shape accepted by post create --file.
type postDocument struct {
	Content     core.Content  `yaml:"content"`
	Targets     []core.Target `yaml:"targets"`
	ScheduledAt string        `yaml:"scheduled_at"`
	Status      string        `yaml:"status"`
}

func readPostFile(path string, now time.Time) ([]*core.Post, error) {
	var reader io.Reader
	if path == "-" {
		reader = os.Stdin
	} else {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open post file: %w", err)
		}
		defer file.Close() // nolint:errcheck // read-only
		reader = file
	}
	return decodePosts(reader, now)
}

// decodePosts reads every YAML document in r as a post.
func decodePosts(r io.Reader, now time.Time) ([]*core.Post, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	posts := []*core.Post{}
	for index := 1; ; index++ {
		var doc postDocument
		err := decoder.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("post document %d: %w", index, err)
		}

		post, err := doc.toPost(now)
		if err != nil {
			return nil, fmt.Errorf("post document %d: %w", index, err)
		}
		posts = append(posts, post)
	}
	if len(posts) == 0 {
		return nil, errors.New("post file contains no posts")
	}
	return posts, nil
}

func (d postDocument) toPost(now time.Time) (*core.Post, error) {
	post := &core.Post{
		Content:     d.Content,
		Targets:     d.Targets,
		Status:      core.PostStatus(strings.ToLower(strings.TrimSpace(d.Status))),
		ScheduledAt: now,
	}
	if raw := strings.TrimSpace(d.ScheduledAt); raw != "" {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("scheduled_at must be RFC3339: %w", err)
		}
		post.ScheduledAt = at.UTC()
	}
	return post, validatePost(post)
}

func postFromFlags(now time.Time) (*core.Post, error) {
	post := &core.Post{
		Content:     core.Content{Text: postCreateText},
		ScheduledAt: now,
	}
	for _, raw := range postCreateTargets {
		target, err := parseTarget(raw)
		if err != nil {
			return nil, err
		}
		post.Targets = append(post.Targets, target)
	}

	switch {
	case strings.TrimSpace(postCreateAt) != "" && postCreateIn != 0:
		return nil, errors.New("--at and --in are mutually exclusive")
	case strings.TrimSpace(postCreateAt) != "":
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(postCreateAt))
		if err != nil {
			return nil, fmt.Errorf("--at must be RFC3339: %w", err)
		}
		post.ScheduledAt = at.UTC()
	case postCreateIn != 0:
		post.ScheduledAt = now.Add(postCreateIn)
	}

	if postCreateDraft {
		post.Status = core.PostStatusDraft
	}
	return post, validatePost(post)
}

// parseTarget accepts "platform" or "platform:account".
func parseTarget(raw string) (core.Target, error) {
	platform, account, _ := strings.Cut(strings.TrimSpace(raw), ":")
	if strings.TrimSpace(platform) == "" {
		return core.Target{}, fmt.Errorf("invalid target %q: platform is required", raw)
	}
	return core.Target{
		Platform:  core.NormalizePlatform(platform),
		AccountID: strings.TrimSpace(account),
	}, nil
}

func validatePost(post *core.Post) error {
	if strings.TrimSpace(post.Content.Text) == "" && len(post.Content.MediaURLs) == 0 {
		return errors.New("post content requires text or media")
	}
	if len(post.Targets) == 0 {
		return errors.New("post requires at least one target")
	}
	for _, target := range post.Targets {
		if strings.TrimSpace(string(target.Platform)) == "" {
			return errors.New("every target requires a platform")
		}
	}
	if post.Status != "" && !post.Status.Valid() {
		return fmt.Errorf("unknown post status %q", post.Status)
	}
	return nil
}

func init() {
	postCreateCmd.Flags().StringVarP(&postCreateFile, "file", "f", "", "YAML file of posts (- for stdin)")
	postCreateCmd.Flags().StringVar(&postCreateText, "text", "", "Post text")
	postCreateCmd.Flags().StringArrayVarP(&postCreateTargets, "target", "t", nil, "Target as platform[:account] (repeatable)")
	postCreateCmd.Flags().StringVar(&postCreateAt, "at", "", "Scheduled time (RFC3339, default now)")
	postCreateCmd.Flags().DurationVar(&postCreateIn, "in", 0, "Schedule relative to now (e.g. 30m)")
	postCreateCmd.Flags().BoolVar(&postCreateDraft, "draft", false, "Store as draft instead of scheduled")
	addOutputFlags(postCreateCmd)

	postListCmd.Flags().StringVar(&postListStatus, "status", "", "Filter by status: draft|scheduled|published|failed")
	postListCmd.Flags().IntVar(&postListLimit, "limit", 0, "Maximum posts to list (0 = all)")
	addOutputFlags(postListCmd)

	postCmd.AddCommand(postCreateCmd)
	postCmd.AddCommand(postListCmd)
	rootCmd.AddCommand(postCmd)
}
