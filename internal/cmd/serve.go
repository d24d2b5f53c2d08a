package cmd

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/postqueue/postqueue/internal/config"
	errwrap "github.com/postqueue/postqueue/internal/errors"
	"github.com/postqueue/postqueue/internal/metrics"
	"github.com/postqueue/postqueue/internal/observability"
	"github.com/postqueue/postqueue/internal/server"
	"github.com/postqueue/postqueue/internal/server/handlers"
)

// cronSecretEnv is read when cron.secret is unset, matching how hosted cron
// schedulers inject the secret.
const cronSecretEnv = "CRON_SECRET"

var (
	serverPort int
	serverHost string
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

// identityHealthChecker validates app identity metadata
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (i identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case i.binaryName == "":
		return errwrap.NewConfigInvalidError("app identity missing binary name")
	case i.envPrefix == "":
		return errwrap.NewConfigInvalidError("app identity missing env prefix")
	case i.configName == "":
		return errwrap.NewConfigInvalidError("app identity missing config name")
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the HTTP server with the publishing API and graceful shutdown support.

Scheduled publishing is triggered by POST /api/cron/publish-scheduled
(bearer cron.secret) or, when scheduler.interval is set, by a built-in ticker.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Config reload (log level only; restart for other changes)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		identity := GetAppIdentity()
		namespace := identity.TelemetryNamespace()

		cfg, err := config.Load(cmd.Context(), serveFlagOverrides(cmd))
		if err != nil {
			return errwrap.WrapConfigInvalid(cmd.Context(), err, "config load failed")
		}

		logLevel := cfg.Logging.Level
		if verbose {
			logLevel = "debug"
		}
		observability.InitServerLogger(identity.BinaryName, logLevel, namespace)
		logger := observability.ServerLogger

		metricsPort := cfg.Metrics.Port
		if metricsPort == 0 {
			metricsPort = 9090
		}
		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(identity.BinaryName, metricsPort, namespace); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(cmd.Context(), err, "metrics initialization failed")
			}
		}

		svc, err := buildServices(cmd.Context(), cfg, logger)
		if err != nil {
			logger.Error("Failed to assemble publishing pipeline", zap.Error(err))
			return errwrap.WrapInternal(cmd.Context(), err, "publishing pipeline initialization failed")
		}
		svc.logStartup(logger)

		cronSecret := resolveCronSecret(cfg)
		if cronSecret == "" {
			logger.Warn("No cron secret configured; /api/cron/publish-scheduled will reject every call")
		}

		logger.Info("Initializing server",
			zap.String("service", identity.BinaryName),
			zap.String("namespace", namespace),
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Int("metrics_port", metricsPort))

		handlers.InitHealthManager(versionInfo.Version)
		hm := handlers.GetHealthManager()
		if cfg.Metrics.Enabled {
			hm.RegisterChecker("telemetry", telemetryHealthChecker{})
		}
		hm.RegisterChecker("app_identity", identityHealthChecker{
			binaryName: identity.BinaryName,
			envPrefix:  identity.EnvPrefix,
			configName: identity.ConfigName,
		})
		hm.RegisterChecker("store", handlers.CheckerFunc(svc.store.Ping))
		if svc.redis != nil {
			hm.RegisterChecker("redis", svc.redis)
		}

		publishing := &handlers.Publishing{
			Posts:     svc.store,
			Driver:    svc.driver,
			Scheduler: svc.scheduler,
			Governor:  svc.governor,
			Platforms: svc.configuredPlatforms(),
		}
		srv := server.New(cfg.Server.Host, cfg.Server.Port,
			server.WithTimeouts(cfg.Server),
			server.WithPublishing(publishing, cronSecret))

		handlers.SetAppIdentity(identity)
		metrics.SetServerStartTime(time.Now().Unix())

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 10 * time.Second
		}

		tickCtx, stopTicker := context.WithCancel(context.Background())

		// LIFO: registered last, executed first.
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Flushing logger...")
			if err := logger.Sync(); err != nil {
				// Sync errors are often benign (stdout/stderr already closed)
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Closing queue and state backends...")
			if err := svc.Close(); err != nil {
				logger.Warn("Publishing pipeline close returned error", zap.Error(err))
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}

			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			stopTicker()
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			logger.Info("Received SIGHUP: attempting config reload")

			reloaded, err := config.Load(ctx, serveFlagOverrides(cmd))
			if err != nil {
				logger.Error("Failed to reload config", zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}
			if reloaded.Logging.Level != cfg.Logging.Level && !verbose {
				observability.InitServerLogger(identity.BinaryName, reloaded.Logging.Level, namespace)
				logger = observability.ServerLogger
			}
			logger.Info("Configuration reloaded",
				zap.String("log_level", reloaded.Logging.Level))
			return nil
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		if cfg.Scheduler.Interval > 0 {
			go runPublishTicker(tickCtx, svc, cfg.Scheduler.Interval)
		}

		errChan := make(chan error, 1)
		go func() {
			logger.Info("Starting HTTP server...",
				zap.String("host", cfg.Server.Host),
				zap.Int("port", cfg.Server.Port))
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				errChan <- err
			}
		}()

		go func() {
			if err := signals.Listen(cmd.Context()); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		if err := <-errChan; err != nil {
			stopTicker()
			_ = svc.Close()
			return errwrap.WrapInternal(cmd.Context(), err, "server error")
		}

		return nil
	},
}

// runPublishTicker triggers a publish run every interval. Runs never overlap:
// a tick that fires while a run is in progress is dropped by the ticker.
func runPublishTicker(ctx context.Context, svc *services, interval time.Duration) {
	logger := observability.ServerLogger
	logger.Info("Built-in publish ticker enabled", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := svc.driver.Run(ctx)
			metrics.RecordOperation("scheduled_tick", err == nil)
			if err != nil {
				metrics.RecordOperationError("scheduled_tick", "run_failed")
				logger.Error("Scheduled publish run failed", zap.Error(err))
				continue
			}
			if summary.Processed > 0 {
				logger.Info("Scheduled publish run finished", zap.Int("processed", summary.Processed))
			}
		}
	}
}

// serveFlagOverrides turns explicitly set --host/--port flags into runtime
// config overrides so they outrank files and env.
func serveFlagOverrides(cmd *cobra.Command) map[string]any {
	overrides := map[string]any{}
	serverSection := map[string]any{}
	if cmd.Flags().Changed("host") {
		serverSection["host"] = serverHost
	}
	if cmd.Flags().Changed("port") {
		serverSection["port"] = serverPort
	}
	if len(serverSection) > 0 {
		overrides["server"] = serverSection
	}
	return overrides
}

func resolveCronSecret(cfg *config.Config) string {
	if secret := strings.TrimSpace(cfg.Cron.Secret); secret != "" {
		return secret
	}
	return strings.TrimSpace(os.Getenv(cronSecretEnv))
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port")
}
