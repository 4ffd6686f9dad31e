package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/netsentry/internal/alerts"
	"codeberg.org/mutker/netsentry/internal/api"
	"codeberg.org/mutker/netsentry/internal/config"
	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/live"
	"codeberg.org/mutker/netsentry/internal/logger"
	"codeberg.org/mutker/netsentry/internal/notify"
	"codeberg.org/mutker/netsentry/internal/pid"
	"codeberg.org/mutker/netsentry/internal/poller"
	"codeberg.org/mutker/netsentry/internal/registry"
	"codeberg.org/mutker/netsentry/internal/retention"
	"codeberg.org/mutker/netsentry/internal/scan"
	"codeberg.org/mutker/netsentry/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

const (
	inAppLimit      = 100
	resolverTimeout = 2 * time.Second
)

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.LogLevel.String())
	if err != nil {
		fmt.Printf("invalid log level: %v\n", err)
		os.Exit(1)
	}
	logger.Init(level, logger.IsService())
	logger.Debug().Msg("Config loaded")
}

func main() {
	pidFile := cfg.PIDFile
	if pidFile == "" {
		pidFile = pid.DefaultPath()
	}
	if err := pid.Write(pidFile); err != nil {
		logger.Fatal().Err(err).Msg("failed to write pid file")
	}
	defer func() {
		if err := pid.Remove(pidFile); err != nil {
			logger.Warn().Err(err).Msg("failed to remove pid file")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := run(ctx); err != nil {
		logger.Error().Err(err).Msg("error in main loop")
	}
	logger.Info().Msg("Exiting...")
}

func run(ctx context.Context) error {
	store, err := registry.Open(ctx, registry.Config{
		DBPath:          cfg.Database.Path,
		BackupOnMigrate: cfg.Database.BackupOnMigrate,
	}, logger.Component("registry"))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close registry")
		}
	}()

	seeded, err := store.SeedRules(ctx, alerts.DefaultRules(cfg.Alerts.LatencyThreshold, cfg.Alerts.PacketLossThreshold))
	if err != nil {
		return err
	}
	if seeded > 0 {
		logger.Info().Int("rules", seeded).Msg("Installed default alert rules")
	}

	metrics, err := telemetry.New()
	if err != nil {
		return err
	}

	hub := live.NewHub(logger.Component("live"), live.WithDropHook(metrics.HubDropped))
	inApp := notify.NewInApp(hub, inAppLimit)

	dispatcher := notify.NewDispatcher(logger.Component("notify"), channels(inApp),
		notify.WithTimeout(cfg.Notify.Timeout),
		notify.WithMetrics(metrics),
	)
	engine := alerts.NewEngine(store, dispatcher, logger.Component("alerts"), alerts.WithMetrics(metrics))

	ingestor := scan.NewIngestor(scan.Config{
		Subnet:       subnet(ctx),
		Interval:     cfg.Scan.Interval,
		GracePeriod:  cfg.Scan.GracePeriod,
		Timeout:      cfg.Scan.Timeout,
		AuthorizeNew: cfg.Scan.AuthorizeNew,
		AutoPing:     cfg.Metrics.AutoPing,
		PingInterval: cfg.Metrics.Interval,
	}, store, scan.NewNeighborSweeper(logger.Component("sweeper")), engine, logger.Component("scan"),
		scan.WithResolvers(scan.NewDNSResolver(resolverTimeout), scan.DefaultOUITable()),
		scan.WithPublisher(hub),
		scan.WithMetrics(metrics),
	)

	scheduler := poller.NewScheduler(poller.Config{
		Interval:       cfg.Metrics.Interval,
		MaxConcurrency: cfg.Metrics.MaxConcurrency,
		CollectTimeout: cfg.Metrics.CollectTimeout,
	}, store, engine, logger.Component("poller"),
		poller.WithPublisher(hub),
		poller.WithMetrics(metrics),
	)

	if cfg.Metrics.AutoPing {
		n, err := scheduler.EnsurePingSensors(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to provision ping sensors")
		} else if n > 0 {
			logger.Info().Int("sensors", n).Msg("Provisioned ping sensors")
		}
	}

	pruner, err := retention.NewScheduler(
		cfg.Alerts.RetentionSchedule,
		retention.NewJob(store, cfg.Alerts.RetentionDays, logger.Component("retention"), retention.WithMetrics(metrics)),
		logger.Component("retention"),
	)
	if err != nil {
		return err
	}
	pruner.Start()
	defer pruner.Stop(context.Background())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ingestor.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })

	if cfg.API.Enabled {
		server := api.NewServer(store, logger.Component("api"),
			api.WithTester(dispatcher),
			api.WithActiveAlerts(inApp),
			api.WithReidentifier(ingestor),
			api.WithHub(hub),
			api.WithMetrics(metrics),
		)
		g.Go(func() error { return server.ListenAndServe(gctx, cfg.API.Listen) })
	}

	logger.Info().
		Str("database", cfg.Database.Path).
		Dur("scan_interval", cfg.Scan.Interval).
		Dur("metrics_interval", cfg.Metrics.Interval).
		Bool("api", cfg.API.Enabled).
		Msg("netsentry started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func channels(inApp *notify.InApp) []notify.Channel {
	email := cfg.Notify.Email
	telegram := cfg.Notify.Telegram
	webhook := cfg.Notify.Webhook

	return []notify.Channel{
		inApp,
		notify.NewEmail(notify.EmailConfig{
			Enabled:  email.Enabled,
			SMTPHost: email.SMTPHost,
			SMTPPort: email.SMTPPort,
			Username: email.Username,
			Password: email.Password,
			From:     email.From,
			To:       email.To,
		}, nil),
		notify.NewTelegram(notify.TelegramConfig{
			Enabled:  telegram.Enabled,
			BotToken: telegram.BotToken,
			ChatID:   telegram.ChatID,
			APIURL:   telegram.APIURL,
		}),
		notify.NewWebhook(notify.WebhookConfig{
			Enabled: webhook.Enabled,
			URL:     webhook.URL,
			Headers: webhook.Headers,
		}),
	}
}

// subnet prefers the configured subnet, then the primary interface, then the
// fallback.
func subnet(ctx context.Context) string {
	if cfg.Scan.Subnet != "" {
		return cfg.Scan.Subnet
	}

	detected, err := scan.DetectSubnet(ctx)
	if err != nil {
		logger.Warn().Err(err).Str("fallback", scan.FallbackSubnet).Msg("Subnet detection failed")
		return scan.FallbackSubnet
	}
	logger.Info().Str("subnet", detected).Msg("Detected subnet")
	return detected
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}
