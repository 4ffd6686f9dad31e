package config

import (
	"net"
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/netsentry/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	defaultEnvPrefix  = "NETSENTRY"
	defaultConfigName = "netsentry"
	DefaultLogLevel   = LogLevelInfo
)

type Config struct {
	LogLevel LogLevel       `mapstructure:"log_level"`
	PIDFile  string         `mapstructure:"pid_file"`
	Database DatabaseConfig `mapstructure:"database"`
	Scan     ScanConfig     `mapstructure:"scan"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	API      APIConfig      `mapstructure:"api"`
}

type DatabaseConfig struct {
	Path            string `mapstructure:"path"`
	BackupOnMigrate bool   `mapstructure:"backup_on_migrate"`
}

type ScanConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	Subnet       string        `mapstructure:"subnet"`
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	Timeout      time.Duration `mapstructure:"timeout"`
	AuthorizeNew bool          `mapstructure:"authorize_new"`
}

type MetricsConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	CollectTimeout time.Duration `mapstructure:"collect_timeout"`
	AutoPing       bool          `mapstructure:"auto_ping"`
}

type AlertsConfig struct {
	LatencyThreshold    float64 `mapstructure:"latency_threshold"`
	PacketLossThreshold float64 `mapstructure:"packet_loss_threshold"`
	RetentionDays       int     `mapstructure:"retention_days"`
	RetentionSchedule   string  `mapstructure:"retention_schedule"`
}

type NotifyConfig struct {
	Timeout  time.Duration  `mapstructure:"timeout"`
	Email    EmailConfig    `mapstructure:"email"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
}

type EmailConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	SMTPHost string   `mapstructure:"smtp_host"`
	SMTPPort int      `mapstructure:"smtp_port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIURL   string `mapstructure:"api_url"`
}

type WebhookConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", string(DefaultLogLevel))
	v.SetDefault("pid_file", "")

	v.SetDefault("database.path", "/var/lib/netsentry/netsentry.db")
	v.SetDefault("database.backup_on_migrate", true)

	v.SetDefault("scan.interval", 60*time.Second)
	v.SetDefault("scan.subnet", "")
	v.SetDefault("scan.grace_period", 5*time.Minute)
	v.SetDefault("scan.timeout", 30*time.Second)
	v.SetDefault("scan.authorize_new", true)

	v.SetDefault("metrics.interval", 60*time.Second)
	v.SetDefault("metrics.max_concurrency", 16)
	v.SetDefault("metrics.collect_timeout", 15*time.Second)
	v.SetDefault("metrics.auto_ping", true)

	v.SetDefault("alerts.latency_threshold", 100.0)
	v.SetDefault("alerts.packet_loss_threshold", 5.0)
	v.SetDefault("alerts.retention_days", 7)
	v.SetDefault("alerts.retention_schedule", "@daily")

	v.SetDefault("notify.timeout", 10*time.Second)
	v.SetDefault("notify.email.enabled", false)
	v.SetDefault("notify.email.smtp_host", "")
	v.SetDefault("notify.email.smtp_port", 587)
	v.SetDefault("notify.email.username", "")
	v.SetDefault("notify.email.password", "")
	v.SetDefault("notify.email.from", "")
	v.SetDefault("notify.email.to", []string{})
	v.SetDefault("notify.telegram.enabled", false)
	v.SetDefault("notify.telegram.bot_token", "")
	v.SetDefault("notify.telegram.chat_id", "")
	v.SetDefault("notify.telegram.api_url", "https://api.telegram.org")
	v.SetDefault("notify.webhook.enabled", false)
	v.SetDefault("notify.webhook.url", "")
	v.SetDefault("notify.webhook.headers", map[string]string{})

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", ":8080")
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("netsentry", pflag.ContinueOnError)
	fs.String("config", "", "Path to configuration file")
	fs.String("log-level", string(DefaultLogLevel), "Log level (debug, info, warning, error)")
	fs.Bool("debug", false, "Shorthand for --log-level=debug")
	fs.String("db", "", "Path to the SQLite database")
	fs.String("subnet", "", "Subnet to sweep in CIDR notation (default: autodetect)")
	fs.Duration("scan-interval", 60*time.Second, "Interval between network sweeps")
	fs.Duration("metrics-interval", 60*time.Second, "Interval between sensor collections")
	fs.String("listen", ":8080", "API listen address")
	return fs
}

var flagKeys = map[string]string{
	"log-level":        "log_level",
	"db":               "database.path",
	"subnet":           "scan.subnet",
	"scan-interval":    "scan.interval",
	"metrics-interval": "metrics.interval",
	"listen":           "api.listen",
}

// Load resolves configuration from flags, environment, file and defaults,
// in that order of precedence, and validates the result.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: defaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidArgument, err)
		}
	}
	if !o.argsSet {
		o.args = os.Args[1:]
	}

	fs := newFlagSet()
	if err := fs.Parse(o.args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Only flags set on the command line override lower layers.
	fs.Visit(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			v.Set(key, f.Value.String())
		}
	})
	if debug, _ := fs.GetBool("debug"); debug {
		v.Set("log_level", string(LogLevelDebug))
	}

	path := o.configPath
	if f := fs.Lookup("config"); f != nil && f.Changed {
		path = f.Value.String()
	}
	if path == "" {
		path = os.Getenv(o.envPrefix + "_CONFIG")
	}

	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, path string) error {
	errFactory := errors.New()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return errFactory.Wrap(errors.ErrReadConfig, err).WithMessage("Failed to read config file")
		}
		return nil
	}

	v.SetConfigName(defaultConfigName)
	v.SetConfigType("toml")
	v.AddConfigPath("/etc/netsentry")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.config/netsentry")
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errFactory.Wrap(errors.ErrReadConfig, err).WithMessage("Failed to read config file")
	}

	return nil
}

// Validate checks field ranges. Channel settings are not validated here; a
// misconfigured channel is skipped at send time instead of blocking startup.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !c.LogLevel.IsValid() {
		return errFactory.Wrap(errors.ErrInvalidLogLevel, &fieldError{
			field: "log_level", value: c.LogLevel, reason: "must be one of debug, info, warning, error",
		})
	}

	intervals := []struct {
		field string
		value time.Duration
	}{
		{"scan.interval", c.Scan.Interval},
		{"scan.grace_period", c.Scan.GracePeriod},
		{"scan.timeout", c.Scan.Timeout},
		{"metrics.interval", c.Metrics.Interval},
		{"metrics.collect_timeout", c.Metrics.CollectTimeout},
		{"notify.timeout", c.Notify.Timeout},
	}
	for _, iv := range intervals {
		if iv.value <= 0 {
			return errFactory.Wrap(errors.ErrInvalidInterval, &fieldError{
				field: iv.field, value: iv.value, reason: "must be positive",
			})
		}
	}

	if c.Metrics.MaxConcurrency <= 0 {
		return errFactory.Wrap(errors.ErrInvalidConfig, &fieldError{
			field: "metrics.max_concurrency", value: c.Metrics.MaxConcurrency, reason: "must be positive",
		})
	}

	if c.Scan.Subnet != "" {
		if _, _, err := net.ParseCIDR(c.Scan.Subnet); err != nil {
			return errFactory.Wrap(errors.ErrInvalidConfig, &fieldError{
				field: "scan.subnet", value: c.Scan.Subnet, reason: "must be a CIDR",
			})
		}
	}

	if c.Database.Path == "" {
		return errFactory.Wrap(errors.ErrMissingConfig, &fieldError{
			field: "database.path", value: "", reason: "required",
		})
	}

	if c.Alerts.RetentionDays < 0 || c.Alerts.LatencyThreshold < 0 || c.Alerts.PacketLossThreshold < 0 {
		return errFactory.Wrap(errors.ErrInvalidConfig, &fieldError{
			field: "alerts", value: c.Alerts, reason: "thresholds and retention must not be negative",
		})
	}

	return nil
}
