package scan

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/live"
	"codeberg.org/mutker/netsentry/internal/logger"
	"codeberg.org/mutker/netsentry/internal/models"
	"codeberg.org/mutker/netsentry/internal/registry"
	"codeberg.org/mutker/netsentry/internal/sensors"
	"codeberg.org/mutker/netsentry/internal/telemetry"
)

const (
	DefaultInterval    = 60 * time.Second
	DefaultGracePeriod = 5 * time.Minute
	DefaultTimeout     = 30 * time.Second
)

// Store is the device registry as seen by the ingestor.
type Store interface {
	DeviceByMAC(ctx context.Context, mac string) (*models.Device, error)
	CreateDevice(ctx context.Context, d *models.Device) error
	SaveDevice(ctx context.Context, d *models.Device) error
	ListDevices(ctx context.Context) ([]*models.Device, error)
	UpdateVendor(ctx context.Context, id, vendor string) error
	ListStaleOnline(ctx context.Context, cutoff time.Time) ([]*models.Device, error)
	MarkOffline(ctx context.Context, id string, cutoff time.Time) (bool, error)
	CountDevices(ctx context.Context) (total, online int, err error)
	EnsureSensor(ctx context.Context, sn *models.Sensor) (bool, error)
}

type Evaluator interface {
	Evaluate(ctx context.Context, ev models.Event) ([]*models.Alert, error)
}

type Publisher interface {
	PublishType(t live.MessageType, data any)
}

type Config struct {
	Subnet       string
	Interval     time.Duration
	GracePeriod  time.Duration
	Timeout      time.Duration
	AuthorizeNew bool
	// AutoPing provisions a default ping sensor for every new device.
	AutoPing     bool
	PingInterval time.Duration
}

// DeviceUpdate is the live payload published for every lifecycle event.
type DeviceUpdate struct {
	Event  models.Condition `json:"event"`
	Device *models.Device   `json:"device"`
}

// StatusUpdate is published once per sweep.
type StatusUpdate struct {
	Total   int `json:"total"`
	Online  int `json:"online"`
	Offline int `json:"offline"`
}

// Ingestor applies sweep results to the registry and turns the resulting
// lifecycle transitions into events.
type Ingestor struct {
	cfg     Config
	store   Store
	sweeper Sweeper
	names   NameResolver
	vendors VendorResolver
	engine  Evaluator
	pub     Publisher
	metrics *telemetry.Metrics
	log     logger.Logger
	now     func() time.Time

	mu        sync.Mutex
	nameCache map[string]string
}

type Option func(*Ingestor)

func WithResolvers(names NameResolver, vendors VendorResolver) Option {
	return func(in *Ingestor) {
		in.names = names
		in.vendors = vendors
	}
}

func WithPublisher(pub Publisher) Option {
	return func(in *Ingestor) {
		in.pub = pub
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(in *Ingestor) {
		in.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(in *Ingestor) {
		in.now = now
	}
}

func NewIngestor(cfg Config, store Store, sweeper Sweeper, engine Evaluator, log logger.Logger, opts ...Option) *Ingestor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Subnet == "" {
		cfg.Subnet = FallbackSubnet
	}

	in := &Ingestor{
		cfg:       cfg,
		store:     store,
		sweeper:   sweeper,
		names:     NewDNSResolver(defaultLookupTimeout),
		vendors:   DefaultOUITable(),
		engine:    engine,
		log:       log,
		now:       time.Now,
		nameCache: make(map[string]string),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Run sweeps immediately and then on every interval until ctx is cancelled.
// Iterations never overlap.
func (in *Ingestor) Run(ctx context.Context) error {
	ticker := time.NewTicker(in.cfg.Interval)
	defer ticker.Stop()

	in.log.Info().
		Str("subnet", in.cfg.Subnet).
		Dur("interval", in.cfg.Interval).
		Dur("grace_period", in.cfg.GracePeriod).
		Msg("Scan loop started")

	in.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			in.RunCycle(ctx)
		}
	}
}

// RunCycle performs one sweep and ingests it. A failed sweep skips the cycle
// entirely, so nothing is marked offline on partial data.
func (in *Ingestor) RunCycle(ctx context.Context) {
	start := time.Now()
	defer func() {
		in.metrics.Cycle("scan", time.Since(start))
	}()

	sweepCtx, cancel := context.WithTimeout(ctx, in.cfg.Timeout)
	obs, err := in.sweeper.Sweep(sweepCtx, in.cfg.Subnet)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		in.metrics.Sweep("failed")
		in.log.Error().Err(err).Str("subnet", in.cfg.Subnet).Msg("Sweep failed, skipping cycle")
		return
	}
	in.metrics.Sweep("ok")

	if err := in.Ingest(ctx, obs); err != nil {
		in.log.Error().Err(err).Msg("Ingest completed with errors")
	}
}

// Ingest applies one sweep's observations. Registry writes for every device
// complete before any event is evaluated. Failures on individual devices are
// logged, joined and returned; they do not stop the rest of the sweep.
func (in *Ingestor) Ingest(ctx context.Context, observations []Observation) error {
	now := in.now().UTC()

	var (
		events []models.Event
		errs   []error
		seen   = make(map[string]struct{}, len(observations))
	)

	for _, o := range observations {
		mac := registry.NormalizeMAC(o.MAC)
		if mac == "" {
			continue
		}
		if _, dup := seen[mac]; dup {
			continue
		}
		seen[mac] = struct{}{}

		evs, err := in.observe(ctx, mac, o.IP, now)
		if err != nil {
			in.log.Error().Err(err).Str("mac", mac).Str("ip", o.IP).Msg("Failed to record observation")
			errs = append(errs, err)
			continue
		}
		events = append(events, evs...)
	}

	offline, err := in.expire(ctx, seen, now)
	if err != nil {
		errs = append(errs, err)
	}
	events = append(events, offline...)

	for _, ev := range events {
		in.emit(ctx, ev)
	}

	in.publishStatus(ctx)

	in.log.Debug().
		Int("observed", len(seen)).
		Int("events", len(events)).
		Msg("Sweep ingested")

	if len(errs) > 0 {
		return errors.New().Wrap(ErrIngestFailed, errors.Join(errs...))
	}
	return nil
}

func (in *Ingestor) observe(ctx context.Context, mac, ip string, now time.Time) ([]models.Event, error) {
	d, err := in.store.DeviceByMAC(ctx, mac)
	if errors.HasCode(err, errors.ErrResourceNotFound) {
		return in.create(ctx, mac, ip, now)
	}
	if err != nil {
		return nil, err
	}

	reappeared := d.Status == models.StatusOffline

	d.IP = ip
	d.Status = models.StatusOnline
	d.LastSeen = now
	in.enrich(ctx, d)

	if err := in.store.SaveDevice(ctx, d); err != nil {
		return nil, err
	}

	if !reappeared {
		return nil, nil
	}

	events := []models.Event{newEvent(models.ConditionDeviceReappeared, d, now)}
	if !d.Authorized {
		events = append(events, newEvent(models.ConditionDeviceUnauthorized, d, now))
	}
	return events, nil
}

func (in *Ingestor) create(ctx context.Context, mac, ip string, now time.Time) ([]models.Event, error) {
	d := &models.Device{
		MAC:        mac,
		IP:         ip,
		Vendor:     UnknownVendor,
		Authorized: in.cfg.AuthorizeNew,
		Status:     models.StatusOnline,
		FirstSeen:  now,
		LastSeen:   now,
	}
	in.enrich(ctx, d)

	if err := in.store.CreateDevice(ctx, d); err != nil {
		return nil, err
	}

	in.log.Info().
		Str("mac", d.MAC).
		Str("ip", d.IP).
		Str("name", d.DisplayName()).
		Str("vendor", d.Vendor).
		Msg("New device")

	if in.cfg.AutoPing {
		if _, err := in.store.EnsureSensor(ctx, sensors.DefaultPingSensor(d.ID, in.cfg.PingInterval)); err != nil {
			in.log.Warn().Err(err).Str("device", d.ID).Msg("Failed to provision ping sensor")
		}
	}

	events := []models.Event{newEvent(models.ConditionDeviceNew, d, now)}
	if !d.Authorized {
		events = append(events, newEvent(models.ConditionDeviceUnauthorized, d, now))
	}
	return events, nil
}

// expire takes online devices missing from this sweep and past the grace
// period offline. MarkOffline is a compare-and-set, so a device produces one
// offline event however many sweeps it stays absent.
func (in *Ingestor) expire(ctx context.Context, seen map[string]struct{}, now time.Time) ([]models.Event, error) {
	cutoff := now.Add(-in.cfg.GracePeriod)

	stale, err := in.store.ListStaleOnline(ctx, cutoff)
	if err != nil {
		in.log.Error().Err(err).Msg("Failed to list stale devices")
		return nil, err
	}

	var (
		events []models.Event
		errs   []error
	)
	for _, d := range stale {
		if _, ok := seen[d.MAC]; ok {
			continue
		}

		changed, err := in.store.MarkOffline(ctx, d.ID, cutoff)
		if err != nil {
			in.log.Error().Err(err).Str("device", d.ID).Msg("Failed to mark device offline")
			errs = append(errs, err)
			continue
		}
		if !changed {
			continue
		}

		d.Status = models.StatusOffline
		in.log.Info().
			Str("mac", d.MAC).
			Str("ip", d.IP).
			Time("last_seen", d.LastSeen).
			Msg("Device offline")
		events = append(events, newEvent(models.ConditionDeviceOffline, d, now))
	}

	return events, errors.Join(errs...)
}

// enrich fills a missing host name or placeholder vendor. Failures leave the
// field as it was.
func (in *Ingestor) enrich(ctx context.Context, d *models.Device) {
	if d.Hostname == "" && d.IP != "" {
		if name, ok := in.resolveName(ctx, d.IP); ok {
			d.Hostname = name
		}
	}
	if (d.Vendor == "" || d.Vendor == UnknownVendor) && in.vendors != nil {
		d.Vendor = in.vendors.ResolveVendor(d.MAC)
	}
}

// Reidentify retries vendor resolution for every device still carrying the
// placeholder vendor. It returns how many devices were tried and how many
// gained a vendor.
func (in *Ingestor) Reidentify(ctx context.Context) (total, updated int, err error) {
	devices, err := in.store.ListDevices(ctx)
	if err != nil {
		return 0, 0, err
	}
	if in.vendors == nil {
		return 0, 0, nil
	}

	var errs []error
	for _, d := range devices {
		if d.Vendor != "" && d.Vendor != UnknownVendor {
			continue
		}
		total++

		vendor := in.vendors.ResolveVendor(d.MAC)
		if vendor == UnknownVendor {
			continue
		}
		if err := in.store.UpdateVendor(ctx, d.ID, vendor); err != nil {
			errs = append(errs, err)
			continue
		}
		updated++
		in.log.Info().Str("mac", d.MAC).Str("vendor", vendor).Msg("Vendor identified")
	}

	return total, updated, errors.Join(errs...)
}

func (in *Ingestor) resolveName(ctx context.Context, ip string) (string, bool) {
	in.mu.Lock()
	name, ok := in.nameCache[ip]
	in.mu.Unlock()
	if ok {
		return name, true
	}

	if in.names == nil {
		return "", false
	}
	name, ok = in.names.ResolveName(ctx, ip)
	if !ok {
		return "", false
	}

	in.mu.Lock()
	in.nameCache[ip] = name
	in.mu.Unlock()
	return name, true
}

func (in *Ingestor) emit(ctx context.Context, ev models.Event) {
	in.metrics.DeviceEvent(string(ev.Condition))

	if in.pub != nil {
		in.pub.PublishType(live.TypeDeviceUpdate, DeviceUpdate{Event: ev.Condition, Device: ev.Device})
	}

	if in.engine == nil {
		return
	}
	if _, err := in.engine.Evaluate(ctx, ev); err != nil {
		in.log.Error().Err(err).
			Str("condition", string(ev.Condition)).
			Str("device", ev.DeviceID()).
			Msg("Rule evaluation failed")
	}
}

func (in *Ingestor) publishStatus(ctx context.Context) {
	total, online, err := in.store.CountDevices(ctx)
	if err != nil {
		in.log.Warn().Err(err).Msg("Failed to count devices")
		return
	}

	in.metrics.Devices(total, online)
	if in.pub != nil {
		in.pub.PublishType(live.TypeStatusUpdate, StatusUpdate{Total: total, Online: online, Offline: total - online})
	}
}

func newEvent(cond models.Condition, d *models.Device, at time.Time) models.Event {
	snapshot := *d
	return models.Event{Condition: cond, Device: &snapshot, At: at}
}
