package scan_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/netsentry/internal/alerts"
	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/live"
	"codeberg.org/mutker/netsentry/internal/logger"
	"codeberg.org/mutker/netsentry/internal/models"
	"codeberg.org/mutker/netsentry/internal/notify"
	"codeberg.org/mutker/netsentry/internal/registry"
	"codeberg.org/mutker/netsentry/internal/scan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Evaluate(_ context.Context, ev models.Event) ([]*models.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil, nil
}

func (r *recorder) take() []models.Condition {
	r.mu.Lock()
	defer r.mu.Unlock()
	conds := make([]models.Condition, 0, len(r.events))
	for _, ev := range r.events {
		conds = append(conds, ev.Condition)
	}
	r.events = nil
	return conds
}

type publisher struct {
	mu   sync.Mutex
	msgs []live.MessageType
	last scan.StatusUpdate
}

func (p *publisher) PublishType(t live.MessageType, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, t)
	if s, ok := data.(scan.StatusUpdate); ok {
		p.last = s
	}
}

type stubSweeper struct {
	obs []scan.Observation
	err error
}

func (s *stubSweeper) Sweep(context.Context, string) ([]scan.Observation, error) {
	return s.obs, s.err
}

type stubNames struct {
	mu    sync.Mutex
	calls int
	table map[string]string
}

func (n *stubNames) ResolveName(_ context.Context, ip string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	name, ok := n.table[ip]
	return name, ok
}

type fixture struct {
	store   *registry.Store
	engine  *recorder
	pub     *publisher
	sweeper *stubSweeper
	names   *stubNames
	vendors scan.OUITable
	now     time.Time
	in      *scan.Ingestor
}

func newFixture(t *testing.T, cfg scan.Config) *fixture {
	t.Helper()

	rc := registry.DefaultConfig()
	rc.DBPath = filepath.Join(t.TempDir(), "scan.db")
	store, err := registry.Open(context.Background(), rc, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store:   store,
		engine:  &recorder{},
		pub:     &publisher{},
		sweeper: &stubSweeper{},
		names:   &stubNames{table: map[string]string{}},
		vendors: scan.OUITable{},
		now:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.in = f.ingestor(cfg, f.engine)
	return f
}

func (f *fixture) ingestor(cfg scan.Config, engine scan.Evaluator) *scan.Ingestor {
	return scan.NewIngestor(cfg, f.store, f.sweeper, engine, logger.Nop(),
		scan.WithResolvers(f.names, f.vendors),
		scan.WithPublisher(f.pub),
		scan.WithClock(func() time.Time { return f.now }),
	)
}

func (f *fixture) ingest(t *testing.T, obs ...scan.Observation) []models.Condition {
	t.Helper()
	require.NoError(t, f.in.Ingest(context.Background(), obs))
	return f.engine.take()
}

var laptop = scan.Observation{MAC: "AA:BB:CC:DD:EE:FF", IP: "192.168.1.50"}

func TestNewDevice(t *testing.T) {
	f := newFixture(t, scan.Config{AuthorizeNew: true, AutoPing: true, PingInterval: time.Minute})
	f.names.table["192.168.1.50"] = "laptop.lan"
	f.vendors["aa:bb:cc"] = "Acme"

	events := f.ingest(t, laptop)
	assert.Equal(t, []models.Condition{models.ConditionDeviceNew}, events)

	d, err := f.store.DeviceByMAC(context.Background(), "aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, d.Status)
	assert.Equal(t, "192.168.1.50", d.IP)
	assert.Equal(t, "laptop.lan", d.Hostname)
	assert.Equal(t, "Acme", d.Vendor)
	assert.True(t, d.Authorized)
	assert.True(t, d.FirstSeen.Equal(f.now))

	sensors, err := f.store.ListSensors(context.Background(), d.ID)
	require.NoError(t, err)
	require.Len(t, sensors, 1)
	assert.Equal(t, models.SensorPing, sensors[0].Kind)

	assert.Equal(t, []live.MessageType{live.TypeDeviceUpdate, live.TypeStatusUpdate}, f.pub.msgs)
	assert.Equal(t, scan.StatusUpdate{Total: 1, Online: 1}, f.pub.last)
}

func TestReobservationKeepsOneRecord(t *testing.T) {
	f := newFixture(t, scan.Config{AuthorizeNew: true})

	f.ingest(t, laptop)
	f.now = f.now.Add(time.Minute)
	events := f.ingest(t, scan.Observation{MAC: "aa-bb-cc-dd-ee-ff", IP: "192.168.1.77"})
	assert.Empty(t, events)

	devices, err := f.store.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "192.168.1.77", devices[0].IP)
	assert.True(t, devices[0].LastSeen.Equal(f.now))
}

func TestShortAbsenceIsDebounced(t *testing.T) {
	f := newFixture(t, scan.Config{AuthorizeNew: true, GracePeriod: 5 * time.Minute})

	f.ingest(t, laptop)

	f.now = f.now.Add(time.Minute)
	assert.Empty(t, f.ingest(t))

	f.now = f.now.Add(time.Minute)
	assert.Empty(t, f.ingest(t, laptop))

	d, err := f.store.DeviceByMAC(context.Background(), laptop.MAC)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, d.Status)
}

func TestOfflineOnceThenReappear(t *testing.T) {
	f := newFixture(t, scan.Config{AuthorizeNew: true, GracePeriod: 5 * time.Minute})

	f.ingest(t, laptop)

	f.now = f.now.Add(6 * time.Minute)
	assert.Equal(t, []models.Condition{models.ConditionDeviceOffline}, f.ingest(t))

	for i := 0; i < 3; i++ {
		f.now = f.now.Add(time.Minute)
		assert.Empty(t, f.ingest(t), "offline fires once")
	}

	f.now = f.now.Add(time.Minute)
	assert.Equal(t, []models.Condition{models.ConditionDeviceReappeared}, f.ingest(t, laptop))

	d, err := f.store.DeviceByMAC(context.Background(), laptop.MAC)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, d.Status)
}

func TestUnauthorizedDevice(t *testing.T) {
	f := newFixture(t, scan.Config{AuthorizeNew: false, GracePeriod: time.Minute})

	assert.Equal(t, []models.Condition{models.ConditionDeviceNew, models.ConditionDeviceUnauthorized}, f.ingest(t, laptop))

	f.now = f.now.Add(2 * time.Minute)
	assert.Equal(t, []models.Condition{models.ConditionDeviceOffline}, f.ingest(t))

	f.now = f.now.Add(time.Minute)
	assert.Equal(t, []models.Condition{models.ConditionDeviceReappeared, models.ConditionDeviceUnauthorized}, f.ingest(t, laptop))
}

func TestNameCacheAndVendorRetry(t *testing.T) {
	f := newFixture(t, scan.Config{AuthorizeNew: true})

	f.ingest(t, laptop)
	d, err := f.store.DeviceByMAC(context.Background(), laptop.MAC)
	require.NoError(t, err)
	assert.Empty(t, d.Hostname)
	assert.Equal(t, scan.UnknownVendor, d.Vendor)

	f.names.table[laptop.IP] = "laptop.lan"
	f.vendors["aa:bb:cc"] = "Acme"

	f.now = f.now.Add(time.Minute)
	f.ingest(t, laptop)
	d, err = f.store.DeviceByMAC(context.Background(), laptop.MAC)
	require.NoError(t, err)
	assert.Equal(t, "laptop.lan", d.Hostname)
	assert.Equal(t, "Acme", d.Vendor)

	calls := f.names.calls
	other := scan.Observation{MAC: "aa:bb:cc:00:00:02", IP: laptop.IP}
	f.ingest(t, other)
	assert.Equal(t, calls, f.names.calls, "resolved names are cached")
}

func TestFailedSweepSkipsCycle(t *testing.T) {
	f := newFixture(t, scan.Config{AuthorizeNew: true, GracePeriod: time.Minute})

	f.ingest(t, laptop)

	f.now = f.now.Add(time.Hour)
	f.sweeper.err = errors.New().New(errors.ErrTimeout)
	f.in.RunCycle(context.Background())
	assert.Empty(t, f.engine.take())

	d, err := f.store.DeviceByMAC(context.Background(), laptop.MAC)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, d.Status, "a broken sweep never infers offline")

	f.sweeper.err = nil
	f.sweeper.obs = nil
	f.in.RunCycle(context.Background())
	assert.Equal(t, []models.Condition{models.ConditionDeviceOffline}, f.engine.take())
}

type countingNotifier struct {
	mu    sync.Mutex
	count int
}

func (n *countingNotifier) Dispatch(context.Context, *models.Alert, []models.ChannelKind) []notify.Result {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count++
	return nil
}

func TestNewDeviceProducesOneAlert(t *testing.T) {
	f := newFixture(t, scan.Config{AuthorizeNew: true})
	ctx := context.Background()

	_, err := f.store.SeedRules(ctx, alerts.DefaultRules(100, 5))
	require.NoError(t, err)

	notifier := &countingNotifier{}
	engine := alerts.NewEngine(f.store, notifier, logger.Nop(), alerts.WithClock(func() time.Time { return f.now }))
	in := f.ingestor(scan.Config{AuthorizeNew: true}, engine)

	require.NoError(t, in.Ingest(ctx, []scan.Observation{{MAC: "aa:bb:cc:dd:ee:ff", IP: "192.168.1.50"}}))

	stored, err := f.store.ListAlerts(ctx, registry.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, models.ConditionDeviceNew, stored[0].Condition)
	assert.Equal(t, 1, notifier.count)
}

func TestReidentifyUnknownVendors(t *testing.T) {
	f := newFixture(t, scan.Config{AuthorizeNew: true})
	ctx := context.Background()

	f.vendors["11:22:33"] = "Known"
	f.ingest(t, laptop, scan.Observation{MAC: "11:22:33:00:00:01", IP: "192.168.1.60"},
		scan.Observation{MAC: "aa:bb:cc:00:00:02", IP: "192.168.1.61"})

	total, updated, err := f.in.Reidentify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Zero(t, updated)

	f.vendors["aa:bb:cc"] = "Acme"
	total, updated, err = f.in.Reidentify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 2, updated)

	d, err := f.store.DeviceByMAC(ctx, laptop.MAC)
	require.NoError(t, err)
	assert.Equal(t, "Acme", d.Vendor)
	assert.Equal(t, models.StatusOnline, d.Status)

	d, err = f.store.DeviceByMAC(ctx, "11:22:33:00:00:01")
	require.NoError(t, err)
	assert.Equal(t, "Known", d.Vendor)

	total, updated, err = f.in.Reidentify(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Zero(t, updated)
}
