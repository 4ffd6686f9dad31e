package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/netsentry/internal/config"
	"codeberg.org/mutker/netsentry/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "netsentry.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"

[database]
path = "/tmp/netsentry-test.db"

[scan]
interval = "30s"
subnet = "10.1.2.0/24"
grace_period = "2m"
authorize_new = false

[metrics]
max_concurrency = 4

[alerts]
latency_threshold = 250.0
retention_days = 14

[notify.telegram]
enabled = true
bot_token = "token"
chat_id = "42"

[notify.webhook]
enabled = true
url = "http://hooks.local/alert"
headers = { Authorization = "Bearer x" }
`)

	cfg, err := config.Load(config.WithConfigFile(path), config.WithArgs(nil))
	require.NoError(t, err)

	assert.Equal(t, config.LogLevelDebug, cfg.LogLevel)
	assert.Equal(t, "/tmp/netsentry-test.db", cfg.Database.Path)
	assert.Equal(t, 30*time.Second, cfg.Scan.Interval)
	assert.Equal(t, "10.1.2.0/24", cfg.Scan.Subnet)
	assert.Equal(t, 2*time.Minute, cfg.Scan.GracePeriod)
	assert.False(t, cfg.Scan.AuthorizeNew)
	assert.Equal(t, 4, cfg.Metrics.MaxConcurrency)
	assert.InDelta(t, 250.0, cfg.Alerts.LatencyThreshold, 0.001)
	assert.Equal(t, 14, cfg.Alerts.RetentionDays)
	assert.True(t, cfg.Notify.Telegram.Enabled)
	assert.Equal(t, "42", cfg.Notify.Telegram.ChatID)
	assert.Equal(t, "http://hooks.local/alert", cfg.Notify.Webhook.URL)
	assert.Equal(t, "Bearer x", cfg.Notify.Webhook.Headers["authorization"])
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NETSENTRY_CONFIG", "")
	t.Chdir(t.TempDir())

	cfg, err := config.Load(config.WithArgs(nil), config.WithEnvPrefix("NETSENTRY_DEFAULTS_TEST"))
	require.NoError(t, err)

	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, 60*time.Second, cfg.Scan.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Scan.GracePeriod)
	assert.True(t, cfg.Scan.AuthorizeNew)
	assert.Equal(t, 60*time.Second, cfg.Metrics.Interval)
	assert.Equal(t, 16, cfg.Metrics.MaxConcurrency)
	assert.InDelta(t, 100.0, cfg.Alerts.LatencyThreshold, 0.001)
	assert.InDelta(t, 5.0, cfg.Alerts.PacketLossThreshold, 0.001)
	assert.Equal(t, 7, cfg.Alerts.RetentionDays)
	assert.Equal(t, 10*time.Second, cfg.Notify.Timeout)
	assert.Equal(t, "https://api.telegram.org", cfg.Notify.Telegram.APIURL)
	assert.False(t, cfg.Notify.Email.Enabled)
	assert.Equal(t, ":8080", cfg.API.Listen)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[scan]
subnet = "10.1.2.0/24"
`)
	t.Setenv("NETSENTRY_SCAN_SUBNET", "10.9.9.0/24")

	cfg, err := config.Load(config.WithConfigFile(path), config.WithArgs(nil))
	require.NoError(t, err)
	assert.Equal(t, "10.9.9.0/24", cfg.Scan.Subnet)
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	path := writeConfig(t, "")
	t.Setenv("NETSENTRY_LOG_LEVEL", "error")

	cfg, err := config.Load(
		config.WithConfigFile(path),
		config.WithArgs([]string{"--log-level", "warning", "--scan-interval", "15s", "--listen", "127.0.0.1:9000"}),
	)
	require.NoError(t, err)
	assert.Equal(t, config.LogLevelWarning, cfg.LogLevel)
	assert.Equal(t, 15*time.Second, cfg.Scan.Interval)
	assert.Equal(t, "127.0.0.1:9000", cfg.API.Listen)
}

func TestDebugFlag(t *testing.T) {
	path := writeConfig(t, "")

	cfg, err := config.Load(config.WithConfigFile(path), config.WithArgs([]string{"--debug"}))
	require.NoError(t, err)
	assert.Equal(t, config.LogLevelDebug, cfg.LogLevel)
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	path := writeConfig(t, `
This is not a valid TOML file
`)

	_, err := config.Load(config.WithConfigFile(path), config.WithArgs(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to read config file")
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := config.Load(config.WithConfigFile(filepath.Join(t.TempDir(), "missing.toml")), config.WithArgs(nil))
	require.Error(t, err)
}

func TestInvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `log_level = "invalid"`)

	_, err := config.Load(config.WithConfigFile(path), config.WithArgs(nil))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidLogLevel))

	var verr config.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "log_level", verr.Field())
}

func TestValidate(t *testing.T) {
	path := writeConfig(t, "")
	base, err := config.Load(config.WithConfigFile(path), config.WithArgs(nil))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *config.Config)
		code   errors.ErrorCode
	}{
		{"zero scan interval", func(c *config.Config) { c.Scan.Interval = 0 }, errors.ErrInvalidInterval},
		{"negative grace", func(c *config.Config) { c.Scan.GracePeriod = -time.Second }, errors.ErrInvalidInterval},
		{"zero concurrency", func(c *config.Config) { c.Metrics.MaxConcurrency = 0 }, errors.ErrInvalidConfig},
		{"bad subnet", func(c *config.Config) { c.Scan.Subnet = "192.168.1.0" }, errors.ErrInvalidConfig},
		{"empty db path", func(c *config.Config) { c.Database.Path = "" }, errors.ErrMissingConfig},
		{"negative threshold", func(c *config.Config) { c.Alerts.LatencyThreshold = -1 }, errors.ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code), err.Error())
		})
	}
}
