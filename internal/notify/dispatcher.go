package notify

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/logger"
	"codeberg.org/mutker/netsentry/internal/models"
	"codeberg.org/mutker/netsentry/internal/telemetry"
)

const DefaultTimeout = 10 * time.Second

// Channel delivers an alert over one transport.
type Channel interface {
	Kind() models.ChannelKind
	Send(ctx context.Context, alert *models.Alert) error
}

type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Result is the delivery outcome for one channel.
type Result struct {
	Channel models.ChannelKind
	Outcome Outcome
	Err     error
}

// Dispatcher sends alerts to channels, isolating each channel's failures.
type Dispatcher struct {
	channels map[models.ChannelKind]Channel
	timeout  time.Duration
	log      logger.Logger
	metrics  *telemetry.Metrics
}

type Option func(*Dispatcher)

func WithTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(dp *Dispatcher) {
		dp.metrics = m
	}
}

func NewDispatcher(log logger.Logger, channels []Channel, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		channels: make(map[models.ChannelKind]Channel, len(channels)),
		timeout:  DefaultTimeout,
		log:      log,
	}
	for _, ch := range channels {
		d.channels[ch.Kind()] = ch
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch attempts every requested channel concurrently, each under its own
// timeout. Results are returned in request order; duplicates are sent once.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *models.Alert, kinds []models.ChannelKind) []Result {
	seen := make(map[models.ChannelKind]bool, len(kinds))
	var unique []models.ChannelKind
	for _, k := range kinds {
		if !seen[k] {
			seen[k] = true
			unique = append(unique, k)
		}
	}

	results := make([]Result, len(unique))

	var wg sync.WaitGroup
	for i, kind := range unique {
		wg.Add(1)
		go func(i int, kind models.ChannelKind) {
			defer wg.Done()
			results[i] = d.deliver(ctx, alert, kind)
		}(i, kind)
	}
	wg.Wait()

	return results
}

func (d *Dispatcher) deliver(ctx context.Context, alert *models.Alert, kind models.ChannelKind) Result {
	res := Result{Channel: kind}

	ch, ok := d.channels[kind]
	if !ok {
		res.Outcome = OutcomeSkipped
		res.Err = errors.New().WithData(ErrUnknownChannel, struct{ Channel string }{Channel: string(kind)})
		d.log.Warn().Str("channel", string(kind)).Msg("No such notification channel configured")
		d.metrics.Dispatched(string(kind), string(res.Outcome))
		return res
	}

	start := time.Now()
	err := d.send(ctx, ch, alert)

	switch {
	case err == nil:
		res.Outcome = OutcomeSent
		d.log.Debug().
			Str("channel", string(kind)).
			Str("alert_id", alert.ID).
			Dur("elapsed", time.Since(start)).
			Msg("Notification sent")
	case errors.HasCode(err, ErrChannelDisabled), errors.HasCode(err, ErrChannelMisconfigured):
		res.Outcome = OutcomeSkipped
		res.Err = err
		d.log.Warn().Err(err).Str("channel", string(kind)).Msg("Notification channel skipped")
	default:
		res.Outcome = OutcomeFailed
		res.Err = err
		d.log.Error().Err(err).
			Str("channel", string(kind)).
			Str("alert_id", alert.ID).
			Msg("Notification failed")
	}

	d.metrics.Dispatched(string(kind), string(res.Outcome))

	return res
}

func (d *Dispatcher) send(ctx context.Context, ch Channel, alert *models.Alert) (err error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = errors.New().WithData(ErrChannelPanic, struct {
				Channel string
				Panic   any
			}{Channel: string(ch.Kind()), Panic: r})
		}
	}()

	err = ch.Send(ctx, alert)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		err = errors.New().Wrap(ErrSendTimeout, err)
	}

	return err
}

// Channels lists configured channel kinds.
func (d *Dispatcher) Channels() []models.ChannelKind {
	kinds := make([]models.ChannelKind, 0, len(d.channels))
	for _, k := range []models.ChannelKind{
		models.ChannelInApp, models.ChannelEmail, models.ChannelTelegram, models.ChannelWebhook,
	} {
		if _, ok := d.channels[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// TestAlert builds the alert used by the manual "test alert" entry point.
func TestAlert(now time.Time) *models.Alert {
	return &models.Alert{
		Level:     models.LevelInfo,
		Message:   "Test alert from netsentry",
		Metadata:  map[string]any{"test": true},
		CreatedAt: now.UTC(),
	}
}

// Test dispatches a synthetic info alert to kinds, or to every configured
// channel when kinds is empty.
func (d *Dispatcher) Test(ctx context.Context, kinds []models.ChannelKind) []Result {
	if len(kinds) == 0 {
		kinds = d.Channels()
	}
	return d.Dispatch(ctx, TestAlert(time.Now()), kinds)
}
