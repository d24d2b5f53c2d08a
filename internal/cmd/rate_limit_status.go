package cmd

import (
	"github.com/spf13/cobra"

	"github.com/postqueue/postqueue/internal/core"
	"github.com/postqueue/postqueue/internal/output"
)

var rateLimitStatusCmd = &cobra.Command{
	Use:   "status [platform...]",
	Short: "Show the governor's view of each platform",
	Long: `Show remaining quota and time to reset per platform, read through the
configured governor backend. Defaults to every enabled platform.

With the memory backend a fresh process has observed nothing, so every
platform reports as unknown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := loadServices(cmd)
		if err != nil {
			return err
		}
		defer svc.Close() // nolint:errcheck // best-effort cleanup

		platforms := svc.configuredPlatforms()
		if len(args) > 0 {
			platforms = make([]core.Platform, 0, len(args))
			for _, arg := range args {
				platforms = append(platforms, core.NormalizePlatform(arg))
			}
		}

		statuses := make([]*core.RateLimitStatus, 0, len(platforms))
		for _, platform := range platforms {
			status := svc.governor.Status(cmd.Context(), platform)
			if status == nil {
				status = &core.RateLimitStatus{Platform: platform}
			}
			statuses = append(statuses, status)
		}

		return render(cmd, "rate-limit.status", func(f output.Formatter) (string, error) {
			return f.FormatRateLimits(statuses)
		})
	},
}

func init() {
	addOutputFlags(rateLimitStatusCmd)
}
