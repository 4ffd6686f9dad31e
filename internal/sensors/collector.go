package sensors

import (
	"context"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/models"
)

// Metric names produced by the built-in collectors.
const (
	MetricPingLatency     = "ping_latency"
	MetricPingPacketLoss  = "ping_packet_loss"
	MetricOpenPorts       = "open_ports_count"
	MetricScannedPorts    = "scanned_ports_count"
	MetricHTTPTime        = "http_response_time"
	MetricHTTPStatus      = "http_status_code"
	MetricHTTPAvailable   = "http_available"
	MetricUpload          = "bandwidth_upload"
	MetricDownload        = "bandwidth_download"
	MetricSNMPUptime      = "snmp_uptime"
	MetricSNMPTrafficIn   = "snmp_traffic_in"
	MetricSNMPTrafficOut  = "snmp_traffic_out"
	MetricSNMPCPULoad     = "snmp_cpu_load"
	MetricSNMPMemoryUsage = "snmp_ram_usage"
)

var units = map[string]string{
	MetricPingLatency:     "ms",
	MetricPingPacketLoss:  "%",
	MetricOpenPorts:       "#",
	MetricScannedPorts:    "#",
	MetricHTTPTime:        "ms",
	MetricHTTPStatus:      "code",
	MetricHTTPAvailable:   "bool",
	MetricUpload:          "Mbps",
	MetricDownload:        "Mbps",
	MetricSNMPUptime:      "s",
	MetricSNMPTrafficIn:   "bps",
	MetricSNMPTrafficOut:  "bps",
	MetricSNMPCPULoad:     "load",
	MetricSNMPMemoryUsage: "%",
}

// UnitFor returns the unit stored alongside metric, or "" if unknown.
func UnitFor(metric string) string {
	return units[metric]
}

// Target is the device a collector measures.
type Target struct {
	DeviceID string
	IP       string
}

// Reading is the outcome of one collection. Values may hold sentinel
// figures when Status is error.
type Reading struct {
	Values map[string]float64
	Status models.SensorStatus
}

// Collector measures one sensor. Collect always returns a usable Reading; a
// non-nil error explains an error status and is only logged.
type Collector interface {
	Collect(ctx context.Context, t Target) (Reading, error)
}

// New builds the collector for kind from its sensor configuration.
func New(kind models.SensorKind, cfg map[string]string) (Collector, error) {
	switch kind {
	case models.SensorPing:
		return newPing(cfg)
	case models.SensorPort:
		return newPort(cfg)
	case models.SensorHTTP:
		return newHTTP(cfg)
	case models.SensorBandwidth:
		return newBandwidth(cfg)
	case models.SensorSNMP:
		return newSNMP(cfg)
	default:
		return nil, errors.New().WithData(ErrUnknownKind, struct{ Kind string }{Kind: string(kind)})
	}
}

// FailureReading is what a sensor of kind reports when it could not run at
// all. Only ping defines sentinel values; other kinds report no values.
func FailureReading(kind models.SensorKind) Reading {
	if kind == models.SensorPing {
		return pingFailure()
	}
	return Reading{Status: models.SensorError}
}

// DefaultPingSensor is the presence sensor provisioned for every device.
func DefaultPingSensor(deviceID string, interval time.Duration) *models.Sensor {
	return &models.Sensor{
		DeviceID: deviceID,
		Name:     "Ping",
		Kind:     models.SensorPing,
		Config:   map[string]string{"ping_count": strconv.Itoa(defaultPingCount)},
		Interval: interval,
		Enabled:  true,
		Status:   models.SensorUnknown,
	}
}

func intOption(cfg map[string]string, key string, def int) (int, error) {
	raw, ok := cfg[key]
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, invalidOption(key, raw, err)
	}
	if v <= 0 {
		return 0, invalidOption(key, raw, errors.New().New(errors.ErrInvalidArgument))
	}
	return v, nil
}

func durationOption(cfg map[string]string, key string, def time.Duration) (time.Duration, error) {
	raw, ok := cfg[key]
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, invalidOption(key, raw, err)
	}
	if v <= 0 {
		return 0, invalidOption(key, raw, errors.New().New(errors.ErrInvalidArgument))
	}
	return v, nil
}

func boolOption(cfg map[string]string, key string, def bool) (bool, error) {
	raw, ok := cfg[key]
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, invalidOption(key, raw, err)
	}
	return v, nil
}

func stringOption(cfg map[string]string, key, def string) string {
	if v := strings.TrimSpace(cfg[key]); v != "" {
		return v
	}
	return def
}
