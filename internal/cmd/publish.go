package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/postqueue/postqueue/internal/config"
	"github.com/postqueue/postqueue/internal/core"
	"github.com/postqueue/postqueue/internal/core/engine"
	"github.com/postqueue/postqueue/internal/core/store"
	errwrap "github.com/postqueue/postqueue/internal/errors"
	"github.com/postqueue/postqueue/internal/metrics"
	"github.com/postqueue/postqueue/internal/observability"
	"github.com/postqueue/postqueue/internal/output"
)

var publishDueDryRun bool

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish scheduled posts",
}

var publishDueCmd = &cobra.Command{
	Use:   "due",
	Short: "Publish every post whose scheduled time has passed",
	Long: `Run one publishing pass, the same work POST /api/cron/publish-scheduled does.

Use --dry-run to list the due posts without publishing them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := loadServices(cmd)
		if err != nil {
			return err
		}
		defer svc.Close() // nolint:errcheck // best-effort cleanup

		var summary *engine.RunSummary
		if publishDueDryRun {
			summary, err = svc.driver.DryRun(cmd.Context())
		} else {
			summary, err = svc.driver.Run(cmd.Context())
		}
		metrics.RecordOperation("publish_due", err == nil)
		if err != nil && summary == nil {
			return err
		}
		if err != nil {
			observability.CLILogger.Warn("Publish run interrupted; reporting partial results", zap.Error(err))
		}

		if renderErr := render(cmd, "publish.due", func(f output.Formatter) (string, error) {
			return f.FormatRun(summary)
		}); renderErr != nil {
			return renderErr
		}
		return err
	},
}

var publishPostCmd = &cobra.Command{
	Use:   "post <id>",
	Short: "Publish one post now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := loadServices(cmd)
		if err != nil {
			return err
		}
		defer svc.Close() // nolint:errcheck // best-effort cleanup

		post, err := svc.store.GetPost(cmd.Context(), args[0])
		if err != nil {
			if errors.Is(err, store.ErrPostNotFound) {
				return fmt.Errorf("post %s not found", args[0])
			}
			return err
		}
		if post.Status == core.PostStatusPublished {
			return fmt.Errorf("post %s is already published", post.ID)
		}

		outcome, err := svc.driver.PublishPost(cmd.Context(), post)
		if err != nil {
			return errwrap.WrapConflict(cmd.Context(), err, fmt.Sprintf("post %s is already being published", post.ID))
		}
		metrics.RecordOperation("publish_post", outcome.Status == core.PostStatusPublished)

		if err := render(cmd, "publish."+post.ID, func(f output.Formatter) (string, error) {
			return f.FormatRun(&engine.RunSummary{Processed: 1, Results: []engine.PostOutcome{outcome}})
		}); err != nil {
			return err
		}
		return outcomeError(cmd.Context(), outcome)
	},
}

// outcomeError turns a post that did not publish into an envelope so the exit
// code reflects why: a rejection, a quota hold or an unreachable platform.
func outcomeError(ctx context.Context, outcome engine.PostOutcome) error {
	switch outcome.Status {
	case core.PostStatusPublished:
		return nil
	case core.PostStatusFailed:
		return errwrap.NewPlatformRejectedError(fmt.Sprintf("post %s failed: %s", outcome.PostID, outcome.Error))
	}

	for _, result := range outcome.Platforms {
		if result == nil || result.Status != core.ResultRateLimited {
			continue
		}
		var retryAt time.Time
		if result.RetryAt != nil {
			retryAt = *result.RetryAt
		}
		return errwrap.NewRateLimitedError(
			fmt.Sprintf("post %s is held by a platform rate limit", outcome.PostID),
			string(result.Platform), retryAt)
	}

	cause := errors.New(outcome.Error)
	if outcome.Error == "" {
		cause = errors.New("publish did not complete")
	}
	return errwrap.WrapExternalService(ctx, cause, fmt.Sprintf("post %s was not published", outcome.PostID))
}

// loadServices assembles the pipeline for a one-shot CLI command.
func loadServices(cmd *cobra.Command) (*services, error) {
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	svc, err := buildServices(cmd.Context(), cfg, observability.CLILogger)
	if err != nil {
		return nil, err
	}
	if len(svc.configuredPlatforms()) == 0 {
		observability.CLILogger.Warn("No platforms are enabled; every target will fail as unsupported")
	}
	return svc, nil
}

func init() {
	publishDueCmd.Flags().BoolVar(&publishDueDryRun, "dry-run", false, "List due posts without publishing")
	addOutputFlags(publishDueCmd)
	addOutputFlags(publishPostCmd)

	publishCmd.AddCommand(publishDueCmd)
	publishCmd.AddCommand(publishPostCmd)
	rootCmd.AddCommand(publishCmd)
}
