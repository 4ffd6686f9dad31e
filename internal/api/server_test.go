package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/netsentry/internal/api"
	"codeberg.org/mutker/netsentry/internal/logger"
	"codeberg.org/mutker/netsentry/internal/models"
	"codeberg.org/mutker/netsentry/internal/notify"
	"codeberg.org/mutker/netsentry/internal/registry"
	"codeberg.org/mutker/netsentry/internal/sensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeTester struct {
	kinds []models.ChannelKind
}

func (f *fakeTester) Test(_ context.Context, kinds []models.ChannelKind) []notify.Result {
	f.kinds = kinds
	return []notify.Result{
		{Channel: models.ChannelInApp, Outcome: notify.OutcomeSent},
		{Channel: models.ChannelEmail, Outcome: notify.OutcomeFailed, Err: io.ErrUnexpectedEOF},
	}
}

type fakeReidentifier struct {
	calls int
}

func (f *fakeReidentifier) Reidentify(context.Context) (int, int, error) {
	f.calls++
	return 3, 1, nil
}

type fakeScanner struct {
	mu      sync.Mutex
	timeout time.Duration
	ports   []int
	open    map[string][]sensors.PortResult
}

func (f *fakeScanner) Scan(_ context.Context, ip string, ports []int) []sensors.PortResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ports = ports
	return f.open[ip]
}

type fixture struct {
	store   *registry.Store
	server  *httptest.Server
	tester  *fakeTester
	reident *fakeReidentifier
	scanner *fakeScanner
	inApp   *notify.InApp
	device  *models.Device
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := registry.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "api.db")
	store, err := registry.Open(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	device := &models.Device{
		MAC:       "AA:BB:CC:00:00:01",
		IP:        "192.168.1.50",
		Hostname:  "printer",
		Vendor:    "Unknown",
		Status:    models.StatusOnline,
		FirstSeen: testNow.Add(-time.Hour),
		LastSeen:  testNow,
	}
	require.NoError(t, store.CreateDevice(context.Background(), device))

	f := &fixture{
		store:   store,
		tester:  &fakeTester{},
		reident: &fakeReidentifier{},
		scanner: &fakeScanner{open: map[string][]sensors.PortResult{}},
		inApp:   notify.NewInApp(nil, 10),
		device:  device,
	}

	srv := api.NewServer(store, logger.Nop(),
		api.WithTester(f.tester),
		api.WithActiveAlerts(f.inApp),
		api.WithReidentifier(f.reident),
		api.WithPortScanner(func(timeout time.Duration) api.PortScanner {
			f.scanner.mu.Lock()
			defer f.scanner.mu.Unlock()
			f.scanner.timeout = timeout
			return f.scanner
		}),
		api.WithClock(func() time.Time { return testNow }),
	)
	f.server = httptest.NewServer(srv.Handler())
	t.Cleanup(f.server.Close)

	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, f.server.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestStatus(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decode[map[string]any](t, resp)
	assert.EqualValues(t, 1, got["total_devices"])
	assert.EqualValues(t, 1, got["online_devices"])
	assert.EqualValues(t, 0, got["offline_devices"])
	assert.EqualValues(t, 0, got["active_alerts"])
}

func TestDevices(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/devices", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]models.Device](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, "aa:bb:cc:00:00:01", list[0].MAC)

	resp = f.do(t, http.MethodGet, "/api/devices/"+f.device.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "printer", decode[models.Device](t, resp).Hostname)

	resp = f.do(t, http.MethodGet, "/api/devices/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "resource_not_found", decode[map[string]any](t, resp)["code"])
}

func TestUpdateDevice(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPatch, "/api/devices/"+f.device.ID, map[string]any{
		"alias":      "  Office printer ",
		"authorized": true,
		"tags":       []string{"office"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decode[models.Device](t, resp)
	assert.Equal(t, "Office printer", got.Alias)
	assert.True(t, got.Authorized)
	assert.Equal(t, []string{"office"}, got.Tags)

	stored, err := f.store.Device(context.Background(), f.device.ID)
	require.NoError(t, err)
	assert.Equal(t, "Office printer", stored.Alias)

	resp = f.do(t, http.MethodPatch, "/api/devices/"+f.device.ID, map[string]any{"bogus": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPatch, "/api/devices/missing", map[string]any{"alias": "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteDevice(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodDelete, "/api/devices/"+f.device.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/api/devices/"+f.device.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAlertsListAndAcknowledge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, msg := range []string{"first", "second"} {
		a := &models.Alert{
			Level:     models.LevelWarning,
			Condition: models.ConditionDeviceNew,
			Message:   msg,
			DeviceID:  f.device.ID,
			CreatedAt: testNow.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, f.store.InsertAlert(ctx, a))
		require.NoError(t, f.inApp.Send(ctx, a))
	}

	resp := f.do(t, http.MethodGet, "/api/alerts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]models.Alert](t, resp)
	require.Len(t, list, 2)

	resp = f.do(t, http.MethodPost, "/api/alerts/"+list[0].ID+"/ack", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	acked := decode[models.Alert](t, resp)
	assert.True(t, acked.Acknowledged)
	assert.Equal(t, "admin", acked.AcknowledgedBy)
	assert.Len(t, f.inApp.Active(), 1)

	resp = f.do(t, http.MethodPost, "/api/alerts/"+list[1].ID+"/ack", map[string]string{"user": "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", decode[models.Alert](t, resp).AcknowledgedBy)
	assert.Empty(t, f.inApp.Active())

	resp = f.do(t, http.MethodGet, "/api/alerts?acknowledged=false", nil)
	assert.Empty(t, decode[[]models.Alert](t, resp))

	resp = f.do(t, http.MethodGet, "/api/alerts?acknowledged=true&limit=1", nil)
	assert.Len(t, decode[[]models.Alert](t, resp), 1)

	resp = f.do(t, http.MethodGet, "/api/alerts?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/alerts/missing/ack", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTestAlert(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/alerts/test", map[string]any{"channels": []string{"in_app", "email"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decode[[]map[string]string](t, resp)
	require.Len(t, got, 2)
	assert.Equal(t, "sent", got[0]["outcome"])
	assert.Equal(t, "failed", got[1]["outcome"])
	assert.NotEmpty(t, got[1]["error"])
	assert.Equal(t, []models.ChannelKind{models.ChannelInApp, models.ChannelEmail}, f.tester.kinds)

	resp = f.do(t, http.MethodPost, "/api/alerts/test", map[string]any{"channels": []string{"pager"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRulesCRUD(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/rules", map[string]any{
		"name":      "Slow printer",
		"condition": "high_latency",
		"level":     "critical",
		"channels":  []string{"in_app"},
		"device_id": f.device.ID,
		"threshold": 250,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[models.AlertRule](t, resp)
	require.NotEmpty(t, created.ID)
	assert.True(t, created.Enabled)
	assert.Equal(t, 10, created.ThrottleMinutes)
	require.NotNil(t, created.Threshold)
	assert.InDelta(t, 250, *created.Threshold, 0.001)

	resp = f.do(t, http.MethodPost, "/api/rules", map[string]any{"name": "Broken", "condition": "on_fire"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/api/rules/"+created.ID, map[string]any{
		"name":             "Slow printer",
		"condition":        "high_latency",
		"level":            "warning",
		"channels":         []string{"in_app", "webhook"},
		"enabled":          false,
		"threshold":        300,
		"throttle_minutes": 30,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := f.store.Rule(context.Background(), created.ID)
	require.NoError(t, err)
	assert.False(t, stored.Enabled)
	assert.Equal(t, models.LevelWarning, stored.Level)
	assert.Equal(t, 30, stored.ThrottleMinutes)
	assert.Empty(t, stored.DeviceID)

	resp = f.do(t, http.MethodGet, "/api/rules", nil)
	assert.Len(t, decode[[]models.AlertRule](t, resp), 1)

	resp = f.do(t, http.MethodPut, "/api/rules/missing", map[string]any{"name": "x", "condition": "device_new"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/api/rules/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, http.MethodDelete, "/api/rules/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSensorsCRUD(t *testing.T) {
	f := newFixture(t)
	base := "/api/devices/" + f.device.ID + "/sensors"

	resp := f.do(t, http.MethodPost, base, map[string]any{
		"kind":             "port",
		"config":           map[string]string{"ports": "22,80"},
		"interval_seconds": 120,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[map[string]any](t, resp)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "port", created["name"])
	assert.EqualValues(t, 120, created["interval_seconds"])

	resp = f.do(t, http.MethodPost, base, map[string]any{"kind": "port", "config": map[string]string{"ports": "99999"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, base, map[string]any{"kind": "telnet"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/devices/missing/sensors", map[string]any{"kind": "ping"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/api/sensors/"+id, map[string]any{"name": "SSH and web", "enabled": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := f.store.Sensor(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "SSH and web", stored.Name)
	assert.False(t, stored.Enabled)
	assert.Equal(t, 2*time.Minute, stored.Interval)

	resp = f.do(t, http.MethodPut, "/api/sensors/"+id, map[string]any{"kind": "http"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]map[string]any](t, resp), 1)

	resp = f.do(t, http.MethodDelete, "/api/sensors/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, http.MethodDelete, "/api/sensors/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sn := &models.Sensor{
		DeviceID: f.device.ID,
		Name:     "Ping",
		Kind:     models.SensorPing,
		Interval: time.Minute,
		Enabled:  true,
	}
	require.NoError(t, f.store.CreateSensor(ctx, sn))
	require.NoError(t, f.store.InsertSamples(ctx, []*models.MetricSample{
		{DeviceID: f.device.ID, SensorID: sn.ID, Metric: "ping_latency", Value: 12.5, Unit: "ms", Timestamp: testNow.Add(-time.Hour)},
		{DeviceID: f.device.ID, SensorID: sn.ID, Metric: "ping_packet_loss", Value: 0, Unit: "%", Timestamp: testNow.Add(-time.Hour)},
		{DeviceID: f.device.ID, SensorID: sn.ID, Metric: "ping_latency", Value: 30, Unit: "ms", Timestamp: testNow.Add(-48 * time.Hour)},
	}))

	resp := f.do(t, http.MethodGet, "/api/devices/"+f.device.ID+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]models.MetricSample](t, resp), 2)

	resp = f.do(t, http.MethodGet, "/api/devices/"+f.device.ID+"/metrics?metric=ping_latency&hours=72", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	samples := decode[[]models.MetricSample](t, resp)
	require.Len(t, samples, 2)
	assert.InDelta(t, 12.5, samples[0].Value, 0.001)

	resp = f.do(t, http.MethodGet, "/api/devices/"+f.device.ID+"/metrics?hours=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/devices/missing/metrics", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	cfg := registry.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "serve.db")
	store, err := registry.Open(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv := api.NewServer(store, logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
