package cmd

import (
	"context"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/postqueue/postqueue/internal/config"
	"github.com/postqueue/postqueue/internal/core/statecache"
	errwrap "github.com/postqueue/postqueue/internal/errors"
	"github.com/postqueue/postqueue/internal/observability"
)

const healthProbeTimeout = 5 * time.Second

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long:  "Verify that config loads, the store opens and the governor backend is reachable.",
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLILogger
		logger.Info("Running health check...")

		if versionInfo.Version == "" {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("Version information missing"))
			return
		}
		logger.Debug("Version check passed", zap.String("version", versionInfo.Version))
		logger.Info("✅ Version information available")

		cfg, err := config.Load(cmd.Context())
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Configuration invalid", err)
			return
		}
		logger.Info("✅ Configuration loaded")

		ctx, cancel := context.WithTimeout(cmd.Context(), healthProbeTimeout)
		defer cancel()

		db, err := openStoreWith(ctx, cfg)
		if err != nil {
			ExitWithCode(logger, foundry.ExitExternalServiceUnavailable, "Store unavailable", err)
			return
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup
		if err := db.Ping(ctx); err != nil {
			ExitWithCode(logger, foundry.ExitExternalServiceUnavailable, "Store ping failed", err)
			return
		}
		logger.Info("✅ Store reachable", zap.String("driver", db.Driver()))

		if cfg.Governor.Backend == config.BackendRedis {
			rs, err := statecache.Dial(ctx, cfg.Redis)
			if err != nil {
				ExitWithCode(logger, foundry.ExitExternalServiceUnavailable, "Redis governor backend unavailable", err)
				return
			}
			_ = rs.Close()
			logger.Info("✅ Redis governor backend reachable", zap.String("addr", cfg.Redis.Addr))
		}

		logger.Info("")
		logger.Info("✅ All health checks passed")
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
