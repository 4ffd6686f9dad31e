package poller

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/live"
	"codeberg.org/mutker/netsentry/internal/logger"
	"codeberg.org/mutker/netsentry/internal/models"
	"codeberg.org/mutker/netsentry/internal/sensors"
	"codeberg.org/mutker/netsentry/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval       = 60 * time.Second
	DefaultMaxConcurrency = 16
	DefaultCollectTimeout = 15 * time.Second
)

// thresholdMetrics maps metrics to the alert condition they feed.
var thresholdMetrics = map[string]models.Condition{
	sensors.MetricPingLatency:    models.ConditionHighLatency,
	sensors.MetricPingPacketLoss: models.ConditionHighPacketLoss,
}

type Store interface {
	ListDevices(ctx context.Context) ([]*models.Device, error)
	ListOnlineDevices(ctx context.Context) ([]*models.Device, error)
	ListEnabledSensors(ctx context.Context, deviceID string) ([]*models.Sensor, error)
	EnsureSensor(ctx context.Context, sn *models.Sensor) (bool, error)
	InsertSamples(ctx context.Context, samples []*models.MetricSample) error
	RecordSensorRun(ctx context.Context, id string, status models.SensorStatus, at time.Time) error
}

type Evaluator interface {
	Evaluate(ctx context.Context, ev models.Event) ([]*models.Alert, error)
}

type Publisher interface {
	PublishType(t live.MessageType, data any)
}

// Factory builds a collector for a sensor kind and configuration.
type Factory func(kind models.SensorKind, cfg map[string]string) (sensors.Collector, error)

type Config struct {
	Interval       time.Duration
	MaxConcurrency int
	CollectTimeout time.Duration
}

// MetricUpdate is the live payload published after each collection.
type MetricUpdate struct {
	DeviceID  string              `json:"device_id"`
	SensorID  string              `json:"sensor_id"`
	Kind      models.SensorKind   `json:"kind"`
	Status    models.SensorStatus `json:"status"`
	Values    map[string]float64  `json:"values"`
	Timestamp time.Time           `json:"timestamp"`
}

type cachedCollector struct {
	collector sensors.Collector
	kind      models.SensorKind
	config    map[string]string
}

// Scheduler runs every enabled sensor of every online device once per cycle.
// Collectors are cached per sensor so stateful ones keep their previous
// counters between cycles.
type Scheduler struct {
	cfg     Config
	store   Store
	engine  Evaluator
	pub     Publisher
	factory Factory
	metrics *telemetry.Metrics
	log     logger.Logger
	now     func() time.Time

	mu         sync.Mutex
	collectors map[string]cachedCollector
}

type Option func(*Scheduler)

func WithPublisher(pub Publisher) Option {
	return func(s *Scheduler) {
		s.pub = pub
	}
}

func WithFactory(f Factory) Option {
	return func(s *Scheduler) {
		s.factory = f
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func NewScheduler(cfg Config, store Store, engine Evaluator, log logger.Logger, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.CollectTimeout <= 0 {
		cfg.CollectTimeout = DefaultCollectTimeout
	}

	s := &Scheduler{
		cfg:        cfg,
		store:      store,
		engine:     engine,
		factory:    sensors.New,
		log:        log,
		now:        time.Now,
		collectors: make(map[string]cachedCollector),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run collects immediately and then on every interval until ctx is
// cancelled. A cycle waits for its stragglers, each bounded by the collect
// timeout, before the next one starts.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info().
		Dur("interval", s.cfg.Interval).
		Int("max_concurrency", s.cfg.MaxConcurrency).
		Msg("Metrics loop started")

	s.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context) {
	if err := s.RunCycle(ctx); err != nil && ctx.Err() == nil {
		s.log.Error().Err(err).Msg("Metrics cycle failed")
	}
}

type job struct {
	device *models.Device
	sensor *models.Sensor
}

// RunCycle collects every due sensor of every online device. Failures are
// isolated per sensor; only a failure to list devices is returned.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.metrics.Cycle("metrics", time.Since(start))
	}()

	devices, err := s.store.ListOnlineDevices(ctx)
	if err != nil {
		return errors.New().Wrap(ErrListDevices, err)
	}

	at := s.now().UTC()

	var jobs []job
	for _, d := range devices {
		list, err := s.store.ListEnabledSensors(ctx, d.ID)
		if err != nil {
			s.log.Error().Err(err).Str("device", d.ID).Msg("Failed to list sensors")
			continue
		}
		for _, sn := range list {
			if s.due(sn, at) {
				jobs = append(jobs, job{device: d, sensor: sn})
			}
		}
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, j := range jobs {
		g.Go(func() error {
			s.collect(ctx, j.device, j.sensor, at)
			return nil
		})
	}
	_ = g.Wait()

	s.evict(jobs)

	s.log.Debug().
		Int("devices", len(devices)).
		Int("sensors", len(jobs)).
		Dur("elapsed", time.Since(start)).
		Msg("Metrics cycle completed")

	return nil
}

// due reports whether sn should run in the cycle starting at. Half a cycle of
// slack absorbs ticker jitter for sensors polled every cycle.
func (s *Scheduler) due(sn *models.Sensor, at time.Time) bool {
	if sn.LastRun == nil || sn.Interval <= 0 {
		return true
	}
	return at.Sub(*sn.LastRun)+s.cfg.Interval/2 >= sn.Interval
}

func (s *Scheduler) collect(ctx context.Context, d *models.Device, sn *models.Sensor, at time.Time) {
	log := s.log.With("poller")
	start := time.Now()
	status := models.SensorError

	defer func() {
		if r := recover(); r != nil {
			err := errors.New().WithData(ErrCollectPanic, struct{ Panic string }{Panic: fmt.Sprint(r)})
			log.Error().Err(err).Str("sensor", sn.ID).Str("device", d.ID).Msg("Collector panicked")
			s.drop(sn.ID)
			status = models.SensorError
			s.report(ctx, d, sn, sensors.FailureReading(sn.Kind), status, at)
		}
		s.metrics.Collected(string(sn.Kind), string(status), time.Since(start))
	}()

	c, err := s.collector(sn)
	if err != nil {
		log.Error().Err(err).Str("sensor", sn.ID).Str("kind", string(sn.Kind)).Msg("Cannot build collector")
		s.recordRun(ctx, sn, models.SensorError, at)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CollectTimeout)
	reading, err := c.Collect(cctx, sensors.Target{DeviceID: d.ID, IP: d.IP})
	cancel()

	status = reading.Status
	if err != nil {
		log.Warn().Err(err).
			Str("sensor", sn.Name).
			Str("kind", string(sn.Kind)).
			Str("ip", d.IP).
			Msg("Collection failed")
		status = models.SensorError
	}
	if !status.Valid() {
		status = models.SensorOK
	}

	s.report(ctx, d, sn, reading, status, at)
}

// report stores the reading, records the run, publishes it and forwards
// threshold metrics to the rule engine.
func (s *Scheduler) report(ctx context.Context, d *models.Device, sn *models.Sensor, reading sensors.Reading, status models.SensorStatus, at time.Time) {
	if len(reading.Values) > 0 {
		if err := s.store.InsertSamples(ctx, samples(d.ID, sn.ID, reading.Values, at)); err != nil {
			s.log.Error().Err(err).Str("sensor", sn.ID).Msg("Failed to store samples")
		}
	}
	s.recordRun(ctx, sn, status, at)

	if s.pub != nil {
		s.pub.PublishType(live.TypeMetricUpdate, MetricUpdate{
			DeviceID:  d.ID,
			SensorID:  sn.ID,
			Kind:      sn.Kind,
			Status:    status,
			Values:    reading.Values,
			Timestamp: at,
		})
	}

	s.forward(ctx, d, sn, reading.Values, at)
}

func (s *Scheduler) recordRun(ctx context.Context, sn *models.Sensor, status models.SensorStatus, at time.Time) {
	if err := s.store.RecordSensorRun(ctx, sn.ID, status, at); err != nil {
		s.log.Error().Err(err).Str("sensor", sn.ID).Msg("Failed to record sensor run")
	}
}

// forward hands threshold metrics to the rule engine.
func (s *Scheduler) forward(ctx context.Context, d *models.Device, sn *models.Sensor, values map[string]float64, at time.Time) {
	if s.engine == nil {
		return
	}

	for _, metric := range sortedKeys(values) {
		cond, ok := thresholdMetrics[metric]
		if !ok {
			continue
		}

		v := values[metric]
		ev := models.Event{
			Condition: cond,
			Device:    d,
			Value:     &v,
			Metric:    metric,
			SensorID:  sn.ID,
			At:        at,
		}
		if _, err := s.engine.Evaluate(ctx, ev); err != nil {
			s.log.Error().Err(err).Str("metric", metric).Str("device", d.ID).Msg("Rule evaluation failed")
		}
	}
}

func (s *Scheduler) collector(sn *models.Sensor) (sensors.Collector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.collectors[sn.ID]; ok && cached.kind == sn.Kind && maps.Equal(cached.config, sn.Config) {
		return cached.collector, nil
	}

	c, err := s.factory(sn.Kind, sn.Config)
	if err != nil {
		return nil, errors.New().Wrap(ErrCollectorInit, err)
	}
	s.collectors[sn.ID] = cachedCollector{collector: c, kind: sn.Kind, config: maps.Clone(sn.Config)}
	return c, nil
}

func (s *Scheduler) drop(id string) {
	s.mu.Lock()
	delete(s.collectors, id)
	s.mu.Unlock()
}

// evict forgets collectors of sensors that no longer run, such as deleted
// sensors or those of offline devices. A device coming back starts from a
// fresh baseline.
func (s *Scheduler) evict(active []job) {
	keep := make(map[string]struct{}, len(active))
	for _, j := range active {
		keep[j.sensor.ID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.collectors {
		if _, ok := keep[id]; !ok {
			delete(s.collectors, id)
		}
	}
}

// EnsurePingSensors gives every known device its default ping sensor and
// returns how many were created.
func (s *Scheduler) EnsurePingSensors(ctx context.Context) (int, error) {
	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		return 0, errors.New().Wrap(ErrListDevices, err)
	}

	created := 0
	for _, d := range devices {
		ok, err := s.store.EnsureSensor(ctx, sensors.DefaultPingSensor(d.ID, s.cfg.Interval))
		if err != nil {
			s.log.Warn().Err(err).Str("device", d.ID).Msg("Failed to provision ping sensor")
			continue
		}
		if ok {
			created++
		}
	}

	return created, nil
}

func samples(deviceID, sensorID string, values map[string]float64, at time.Time) []*models.MetricSample {
	out := make([]*models.MetricSample, 0, len(values))
	for _, metric := range sortedKeys(values) {
		out = append(out, &models.MetricSample{
			DeviceID:  deviceID,
			SensorID:  sensorID,
			Metric:    metric,
			Value:     values[metric],
			Unit:      sensors.UnitFor(metric),
			Timestamp: at,
		})
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
