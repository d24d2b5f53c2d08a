package cmd

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/postqueue/postqueue/internal/config"
	"github.com/postqueue/postqueue/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display environment, configuration, and version information.",
	Run: func(cmd *cobra.Command, args []string) {
		version := crucible.GetVersion()
		log := observability.CLILogger
		identity := GetAppIdentity()

		log.Info("=== " + identity.BinaryName + " Environment Information ===")
		log.Info("")

		log.Info("Application:")
		log.Info("  Name:       " + identity.BinaryName)
		log.Info("  Version:    " + versionInfo.Version)
		log.Info("  Commit:     " + versionInfo.Commit)
		log.Info("  Built:      " + versionInfo.BuildDate)
		log.Info("")

		log.Info("SSOT:")
		log.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		log.Info("  Crucible:   "+version.Crucible, zap.String("crucible_version", version.Crucible))
		log.Info("")

		log.Info("Runtime:")
		log.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		log.Info("  GOOS:       "+runtime.GOOS, zap.String("goos", runtime.GOOS))
		log.Info("  GOARCH:     "+runtime.GOARCH, zap.String("goarch", runtime.GOARCH))
		log.Info("")

		cfg, err := config.Load(cmd.Context())
		if err != nil {
			log.Warn("Config load failed", zap.Error(err))
			return
		}

		log.Info("Configuration:")
		log.Info("  Server:         "+fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), zap.String("host", cfg.Server.Host), zap.Int("port", cfg.Server.Port))
		log.Info("  Log Level:      "+cfg.Logging.Level, zap.String("log_level", cfg.Logging.Level))
		log.Info("  DB Driver:      "+cfg.Store.Driver, zap.String("db_driver", cfg.Store.Driver))
		if strings.TrimSpace(cfg.Store.URL) != "" {
			log.Info("  DB URL:         "+cfg.Store.URL, zap.String("db_url", cfg.Store.URL))
		} else {
			log.Info("  DB Path:        "+cfg.Store.Path, zap.String("db_path", cfg.Store.Path))
		}
		log.Info(fmt.Sprintf("  Metrics Port:   %d", cfg.Metrics.Port), zap.Int("metrics_port", cfg.Metrics.Port))
		log.Info("  Config File:    "+config.DefaultConfigPath(), zap.String("config_file", config.DefaultConfigPath()))
		log.Info("")

		log.Info("Publishing:")
		log.Info("  Governor Backend: "+cfg.Governor.Backend, zap.String("governor_backend", cfg.Governor.Backend))
		if cfg.Governor.Backend == config.BackendRedis {
			log.Info("  Redis Addr:       " + cfg.Redis.Addr)
		}
		log.Info("  Fallback Window:  " + cfg.Governor.FallbackWindow.String())
		log.Info("  Deferred Wait:    " + cfg.Driver.DeferredWait.String())
		log.Info("  Interactive Wait: " + cfg.Driver.InteractiveWait.String())
		log.Info(fmt.Sprintf("  Max Retries:      %d", cfg.Driver.MaxRetries))
		log.Info(fmt.Sprintf("  Batch Limit:      %d", cfg.Driver.BatchLimit))
		if cfg.Scheduler.Interval > 0 {
			log.Info("  Ticker Interval:  " + cfg.Scheduler.Interval.String())
		} else {
			log.Info("  Ticker Interval:  (disabled, cron endpoint only)")
		}
		if resolveCronSecret(cfg) != "" {
			log.Info("  Cron Secret:      (set)")
		} else {
			log.Info("  Cron Secret:      (not set)")
		}
		log.Info("")

		log.Info("Platforms:")
		names := make([]string, 0, len(cfg.Platforms))
		for name := range cfg.Platforms {
			names = append(names, name)
		}
		sort.Strings(names)
		if len(names) == 0 {
			log.Info("  (none configured)")
		}
		for _, name := range names {
			pc := cfg.Platforms[name]
			token := "(not set)"
			if strings.TrimSpace(pc.Token) != "" {
				token = "(set)"
			}
			log.Info(fmt.Sprintf("  %s: enabled=%t base_url=%s token=%s", name, pc.Enabled, pc.BaseURL, token))
		}
		log.Info("")

		log.Info("=== End Environment Information ===")
	},
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
