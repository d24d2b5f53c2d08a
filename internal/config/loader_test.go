package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolateUserConfig points XDG lookups at empty temp dirs so a developer's
// real config file never leaks into assertions.
func isolateUserConfig(t *testing.T) string {
	t.Helper()
	configHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configHome)
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	return configHome
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolateUserConfig(t)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify server defaults
		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		// Verify store defaults
		assert.Equal(t, "libsql", cfg.Store.Driver)
		expectedStorePath := filepath.Join(gfconfig.GetAppDataDir("postqueue"), "postqueue.db")
		assert.Equal(t, expectedStorePath, cfg.Store.Path)
		assert.Equal(t, "", cfg.Store.URL)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "SIMPLE", cfg.Logging.Profile)
		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, 9090, cfg.Metrics.Port)
		assert.True(t, cfg.Health.Enabled)
		assert.False(t, cfg.Debug.PprofEnabled)

		// Publishing defaults
		assert.Equal(t, BackendMemory, cfg.Governor.Backend)
		assert.Equal(t, 15*time.Minute, cfg.Governor.FallbackWindow)
		assert.Equal(t, 60*time.Second, cfg.Scheduler.RetryBuffer)
		assert.Equal(t, time.Duration(0), cfg.Scheduler.Interval)
		assert.Equal(t, time.Duration(0), cfg.Driver.DeferredWait)
		assert.Equal(t, 30*time.Second, cfg.Driver.InteractiveWait)
		assert.Equal(t, 5, cfg.Driver.MaxRetries)
		assert.Equal(t, 50, cfg.Driver.BatchLimit)
		assert.Equal(t, "postqueue:ratelimit", cfg.Redis.KeyPrefix)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolateUserConfig(t)
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)

		// Verify non-overridden values remain default
		assert.Equal(t, "SIMPLE", cfg.Logging.Profile)
		assert.Equal(t, 9090, cfg.Metrics.Port)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolateUserConfig(t)
		t.Setenv("POSTQUEUE_PORT", "3000")
		t.Setenv("POSTQUEUE_LOG_LEVEL", "warn")
		t.Setenv("POSTQUEUE_METRICS_ENABLED", "false")
		t.Setenv("POSTQUEUE_DRIVER_MAX_RETRIES", "2")
		t.Setenv("POSTQUEUE_QUEUE_REPLAY_RATE", "2.5")
		t.Setenv("POSTQUEUE_CRON_SECRET", "s3cret")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Metrics.Enabled)
		assert.Equal(t, 2, cfg.Driver.MaxRetries)
		assert.Equal(t, 2.5, cfg.Queue.ReplayRate)
		assert.Equal(t, "s3cret", cfg.Cron.Secret)
	})

	// runtime > env > file > defaults
	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolateUserConfig(t)
		t.Setenv("POSTQUEUE_PORT", "4000")

		overrides := map[string]any{
			"server": map[string]any{
				"port": 5000,
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("UserConfigFile", func(t *testing.T) {
		isolateUserConfig(t)
		path := DefaultConfigPath()
		require.NotEmpty(t, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		body := []byte(`
driver:
  max_retries: 3
platforms:
  twitter:
    enabled: true
    base_url: https://api.twitter.example
    token: abc
    timeout: 20s
`)
		require.NoError(t, os.WriteFile(path, body, 0o600))
		t.Setenv("POSTQUEUE_DRIVER_MAX_RETRIES", "7")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 7, cfg.Driver.MaxRetries, "env beats file")
		require.Contains(t, cfg.Platforms, "twitter")
		twitter := cfg.Platforms["twitter"]
		assert.True(t, twitter.Enabled)
		assert.Equal(t, "https://api.twitter.example", twitter.BaseURL)
		assert.Equal(t, 20*time.Second, twitter.Timeout)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Governor: GovernorConfig{Backend: BackendStore},
			Driver:   DriverConfig{MaxRetries: 5, BatchLimit: 10},
		}
	}

	require.NoError(t, valid().Validate())

	cfg := valid()
	cfg.Governor.Backend = "etcd"
	assert.ErrorContains(t, cfg.Validate(), "unknown governor backend")

	cfg = valid()
	cfg.Governor.Backend = BackendRedis
	assert.ErrorContains(t, cfg.Validate(), "redis.addr")
	cfg.Redis.Addr = "localhost:6379"
	assert.NoError(t, cfg.Validate())

	cfg = valid()
	cfg.Driver.MaxRetries = -1
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Scheduler.Interval = 10 * time.Millisecond
	assert.ErrorContains(t, cfg.Validate(), "scheduler.interval")

	cfg = valid()
	cfg.Platforms = map[string]PlatformConfig{"threads": {Enabled: true}}
	assert.ErrorContains(t, cfg.Validate(), "threads")
}

func TestGetConfig(t *testing.T) {
	isolateUserConfig(t)
	cfg, err := Load(context.Background())
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
	assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
}

func TestEnvSpecs(t *testing.T) {
	isolateUserConfig(t)
	_, err := Load(context.Background())
	require.NoError(t, err)

	envVarNames := make(map[string]bool)
	for _, spec := range getEnvSpecs() {
		envVarNames[spec.Name] = true
	}

	assert.True(t, envVarNames["POSTQUEUE_LOG_LEVEL"], "LOG_LEVEL env var must be mapped")
	assert.True(t, envVarNames["POSTQUEUE_PORT"], "PORT env var must be mapped")
	assert.True(t, envVarNames["POSTQUEUE_HOST"], "HOST env var must be mapped")
	assert.True(t, envVarNames["POSTQUEUE_METRICS_PORT"], "METRICS_PORT env var must be mapped")
	assert.True(t, envVarNames["POSTQUEUE_DB_PATH"], "DB_PATH env var must be mapped")
	assert.True(t, envVarNames["POSTQUEUE_CRON_SECRET"])
	assert.True(t, envVarNames["POSTQUEUE_REDIS_ADDR"])
}

func TestDurationParsing(t *testing.T) {
	isolateUserConfig(t)
	t.Setenv("POSTQUEUE_READ_TIMEOUT", "45s")
	t.Setenv("POSTQUEUE_SHUTDOWN_TIMEOUT", "5m")
	t.Setenv("POSTQUEUE_DRIVER_DEFERRED_WAIT", "2s")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 2*time.Second, cfg.Driver.DeferredWait)
}

func TestConfigReload(t *testing.T) {
	isolateUserConfig(t)
	ctx := context.Background()

	cfg1, err := Load(ctx)
	require.NoError(t, err)
	initialPort := cfg1.Server.Port

	cfg2, err := Load(ctx, map[string]any{
		"server": map[string]any{"port": initialPort + 1000},
	})
	require.NoError(t, err)
	assert.Equal(t, initialPort+1000, cfg2.Server.Port)
	assert.Equal(t, cfg2.Server.Port, GetConfig().Server.Port)
}

func TestExplicitConfigFile(t *testing.T) {
	dir := isolateUserConfig(t)
	ctx := context.Background()

	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("driver:\n  batch_limit: 7\n"), 0o600))

	SetConfigFile(path)
	t.Cleanup(func() { SetConfigFile("") })

	cfg, err := Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Driver.BatchLimit)

	SetConfigFile(filepath.Join(dir, "missing.yaml"))
	_, err = Load(ctx)
	require.Error(t, err)
}
