package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"codeberg.org/mutker/netsentry/internal/api"
	"codeberg.org/mutker/netsentry/internal/logger"
	"codeberg.org/mutker/netsentry/internal/models"
	"codeberg.org/mutker/netsentry/internal/sensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.InsertSamples(ctx, []*models.MetricSample{
		{DeviceID: f.device.ID, SensorID: "s1", Metric: "ping_latency", Value: 10, Timestamp: testNow.Add(-time.Hour)},
		{DeviceID: f.device.ID, SensorID: "s1", Metric: "ping_latency", Value: 30, Timestamp: testNow.Add(-2 * time.Hour)},
		{DeviceID: f.device.ID, SensorID: "s1", Metric: "ping_latency", Value: 900, Timestamp: testNow.Add(-25 * time.Hour)},
	}))

	resp := f.do(t, http.MethodGet, "/api/devices/"+f.device.ID+"/metrics/summary", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decode[struct {
		DeviceID string                 `json:"device_id"`
		Period   string                 `json:"period"`
		Summary  []models.MetricSummary `json:"summary"`
	}](t, resp)
	assert.Equal(t, f.device.ID, got.DeviceID)
	assert.Equal(t, "24h", got.Period)
	assert.Equal(t, []models.MetricSummary{{Metric: "ping_latency", Avg: 20, Min: 10, Max: 30, Count: 2}}, got.Summary)

	resp = f.do(t, http.MethodGet, "/api/devices/missing/metrics/summary", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReidentify(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/devices/reidentify", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[map[string]any](t, resp)
	assert.EqualValues(t, 3, got["total_unknown"])
	assert.EqualValues(t, 1, got["updated"])
	assert.Equal(t, 1, f.reident.calls)

	rec := httptest.NewRecorder()
	api.NewServer(f.store, logger.Nop()).Handler().ServeHTTP(rec,
		httptest.NewRequest(http.MethodPost, "/api/devices/reidentify", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGroups(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/groups", map[string]any{"name": "Office", "description": "Desks"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	group := decode[models.DeviceGroup](t, resp)
	require.NotEmpty(t, group.ID)
	assert.Equal(t, "#3b82f6", group.Color)

	resp = f.do(t, http.MethodPost, "/api/groups", map[string]any{"name": "Office"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/api/groups", map[string]any{"name": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPatch, "/api/devices/"+f.device.ID, map[string]any{"group_id": group.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, group.ID, decode[models.Device](t, resp).GroupID)

	resp = f.do(t, http.MethodPatch, "/api/devices/"+f.device.ID, map[string]any{"group_id": "missing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/groups", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]models.DeviceGroup](t, resp), 1)

	resp = f.do(t, http.MethodDelete, "/api/groups/"+group.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, http.MethodDelete, "/api/groups/"+group.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	stored, err := f.store.Device(context.Background(), f.device.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.GroupID)
}

func TestScanPortsStoresHistoryForKnownDevices(t *testing.T) {
	f := newFixture(t)
	f.scanner.open[f.device.IP] = []sensors.PortResult{
		{Port: 22, Service: "SSH", State: sensors.PortOpen},
		{Port: 80, Service: "HTTP", State: sensors.PortOpen},
	}
	f.scanner.open["192.168.1.99"] = []sensors.PortResult{{Port: 443, Service: "HTTPS", State: sensors.PortOpen}}

	resp := f.do(t, http.MethodPost, "/api/scan/ports", map[string]any{
		"ips":       []string{f.device.IP, "192.168.1.99", f.device.IP},
		"scan_type": "common",
		"timeout":   0.5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decode[struct {
		Results        map[string][]sensors.PortResult `json:"results"`
		TotalIPs       int                             `json:"total_ips"`
		TotalOpenPorts int                             `json:"total_open_ports"`
	}](t, resp)
	assert.Equal(t, 2, got.TotalIPs)
	assert.Equal(t, 3, got.TotalOpenPorts)
	assert.Len(t, got.Results[f.device.IP], 2)
	assert.Equal(t, sensors.CommonPortList(), f.scanner.ports)
	assert.Equal(t, 500*time.Millisecond, f.scanner.timeout)

	resp = f.do(t, http.MethodGet, "/api/devices/"+f.device.ID+"/ports", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decode[struct {
		Ports      []models.PortHistory `json:"ports"`
		TotalScans int                  `json:"total_scans"`
	}](t, resp)
	assert.Equal(t, 2, history.TotalScans)
	require.Len(t, history.Ports, 2)
	assert.Equal(t, models.PortHistory{
		Port: 22, Service: "SSH", State: "open", LastSeen: testNow, ScanCount: 1,
	}, history.Ports[0])

	resp = f.do(t, http.MethodGet, "/api/devices/missing/ports", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScanPortsSelectsPorts(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/scan/ports", map[string]any{
		"ips": []string{"10.0.0.1"}, "scan_type": "range", "port_range_start": 8000, "port_range_end": 8003,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []int{8000, 8001, 8002, 8003}, f.scanner.ports)
	assert.Equal(t, time.Second, f.scanner.timeout)

	resp = f.do(t, http.MethodPost, "/api/scan/ports", map[string]any{
		"ips": []string{"10.0.0.1"}, "scan_type": "custom", "custom_ports": []int{443, 22, 443},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []int{22, 443}, f.scanner.ports)
	assert.Empty(t, decode[map[string]any](t, resp)["results"].(map[string]any)["10.0.0.1"])
}

func TestScanPortsValidation(t *testing.T) {
	f := newFixture(t)

	for name, body := range map[string]map[string]any{
		"no ips":         {"scan_type": "common"},
		"bad ip":         {"ips": []string{"not-an-ip"}},
		"unknown type":   {"ips": []string{"10.0.0.1"}, "scan_type": "stealth"},
		"inverted range": {"ips": []string{"10.0.0.1"}, "scan_type": "range", "port_range_start": 90, "port_range_end": 80},
		"huge range":     {"ips": []string{"10.0.0.1"}, "scan_type": "range", "port_range_start": 1, "port_range_end": 65535},
		"empty custom":   {"ips": []string{"10.0.0.1"}, "scan_type": "custom"},
		"port too high":  {"ips": []string{"10.0.0.1"}, "scan_type": "custom", "custom_ports": []int{70000}},
		"long timeout":   {"ips": []string{"10.0.0.1"}, "timeout": 60},
		"neg timeout":    {"ips": []string{"10.0.0.1"}, "timeout": -1},
	} {
		resp := f.do(t, http.MethodPost, "/api/scan/ports", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
	}
}
