package alerts

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/logger"
	"codeberg.org/mutker/netsentry/internal/models"
	"codeberg.org/mutker/netsentry/internal/notify"
	"codeberg.org/mutker/netsentry/internal/telemetry"
)

// Store is the rule and alert persistence the engine needs.
type Store interface {
	ListEnabledRules(ctx context.Context, cond models.Condition, deviceID string) ([]*models.AlertRule, error)
	Rule(ctx context.Context, id string) (*models.AlertRule, error)
	RecordFiring(ctx context.Context, alert *models.Alert, ruleID string, at time.Time) error
}

type Notifier interface {
	Dispatch(ctx context.Context, alert *models.Alert, kinds []models.ChannelKind) []notify.Result
}

// Engine turns events into throttled alerts.
//
// Throttling is per rule: a global rule matching many devices shares one
// window across all of them.
type Engine struct {
	store    Store
	notifier Notifier
	log      logger.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time

	mu        sync.Mutex
	ruleLocks map[string]*sync.Mutex
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func NewEngine(store Store, notifier Notifier, log logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		notifier:  notifier,
		log:       log,
		now:       time.Now,
		ruleLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate fires every applicable rule for ev and returns the alerts created.
// A failure on one rule does not stop the others; the errors are joined.
func (e *Engine) Evaluate(ctx context.Context, ev models.Event) ([]*models.Alert, error) {
	errFactory := errors.New()

	if !ev.Condition.Valid() {
		return nil, errFactory.WithData(ErrInvalidEvent, struct{ Condition string }{Condition: string(ev.Condition)})
	}

	rules, err := e.store.ListEnabledRules(ctx, ev.Condition, ev.DeviceID())
	if err != nil {
		return nil, errFactory.Wrap(ErrLoadRules, err)
	}

	var (
		fired []*models.Alert
		errs  []error
	)
	for _, rule := range rules {
		alert, current, err := e.decide(ctx, rule.ID, ev)
		if err != nil {
			e.log.Error().Err(err).
				Str("rule_id", rule.ID).
				Str("condition", string(ev.Condition)).
				Msg("Rule evaluation failed")
			errs = append(errs, err)
			continue
		}
		if alert == nil {
			continue
		}

		e.metrics.AlertFired(string(alert.Condition), string(alert.Level))
		e.log.Info().
			Str("rule", current.Name).
			Str("level", string(alert.Level)).
			Str("device", alert.DeviceName).
			Msg(alert.Message)

		e.notifier.Dispatch(ctx, alert, current.Channels)
		fired = append(fired, alert)
	}

	return fired, errors.Join(errs...)
}

func (e *Engine) lockFor(ruleID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.ruleLocks[ruleID]
	if !ok {
		l = &sync.Mutex{}
		e.ruleLocks[ruleID] = l
	}
	return l
}

// decide runs the throttle check and records the firing under the rule's
// lock, so two events for the same rule cannot both pass the check. The rule
// is reloaded under the lock to see the latest last_triggered.
func (e *Engine) decide(ctx context.Context, ruleID string, ev models.Event) (*models.Alert, *models.AlertRule, error) {
	l := e.lockFor(ruleID)
	l.Lock()
	defer l.Unlock()

	rule, err := e.store.Rule(ctx, ruleID)
	if errors.HasCode(err, errors.ErrResourceNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, errors.New().Wrap(ErrLoadRules, err)
	}

	if !rule.Matches(ev.Condition, ev.DeviceID()) {
		return nil, nil, nil
	}

	now := e.now()
	if !rule.CanTrigger(now) {
		e.log.Debug().
			Str("rule", rule.Name).
			Time("last_triggered", *rule.LastTriggered).
			Int("throttle_minutes", rule.ThrottleMinutes).
			Msg("Rule throttled")
		return nil, nil, nil
	}

	if !conditionHolds(rule, ev) {
		return nil, nil, nil
	}

	alert := buildAlert(rule, ev, now)
	if err := e.store.RecordFiring(ctx, alert, rule.ID, now); err != nil {
		return nil, nil, errors.New().Wrap(ErrRecordFiring, err)
	}

	return alert, rule, nil
}

// conditionHolds checks the numeric predicate. Presence conditions are
// implied by the event itself. A missing threshold or value never fires.
func conditionHolds(rule *models.AlertRule, ev models.Event) bool {
	switch ev.Condition {
	case models.ConditionDeviceNew, models.ConditionDeviceOffline,
		models.ConditionDeviceReappeared, models.ConditionDeviceUnauthorized:
		return true
	case models.ConditionHighLatency, models.ConditionHighPacketLoss:
		if rule.Threshold == nil || ev.Value == nil {
			return false
		}
		return *ev.Value > *rule.Threshold
	default:
		return false
	}
}

func buildAlert(rule *models.AlertRule, ev models.Event, now time.Time) *models.Alert {
	a := &models.Alert{
		Level:     rule.Level,
		Condition: ev.Condition,
		Message:   render(rule, ev),
		Metadata: map[string]any{
			"rule_id":   rule.ID,
			"rule_name": rule.Name,
		},
		CreatedAt: now.UTC(),
	}

	if d := ev.Device; d != nil {
		a.DeviceID = d.ID
		a.DeviceName = d.DisplayName()
		a.DeviceIP = d.IP
	}

	if ev.Condition.IsNumeric() {
		a.Metadata["metric"] = ev.Metric
		a.Metadata["value"] = *ev.Value
		a.Metadata["threshold"] = *rule.Threshold
		if ev.SensorID != "" {
			a.Metadata["sensor_id"] = ev.SensorID
		}
	}

	return a
}
