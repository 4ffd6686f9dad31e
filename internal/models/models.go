package models

import "time"

// Device is a host identified by its hardware address.
type Device struct {
	ID         string       `json:"id"`
	MAC        string       `json:"mac"`
	IP         string       `json:"ip"`
	Hostname   string       `json:"hostname"`
	Alias      string       `json:"alias,omitempty"`
	Vendor     string       `json:"vendor"`
	Authorized bool         `json:"authorized"`
	Tags       []string     `json:"tags,omitempty"`
	GroupID    string       `json:"group_id,omitempty"`
	Status     DeviceStatus `json:"status"`
	FirstSeen  time.Time    `json:"first_seen"`
	LastSeen   time.Time    `json:"last_seen"`
}

// DisplayName prefers the user alias, then the resolved hostname, then the address.
func (d *Device) DisplayName() string {
	switch {
	case d.Alias != "":
		return d.Alias
	case d.Hostname != "":
		return d.Hostname
	default:
		return d.IP
	}
}

// DeviceGroup is a user-defined grouping of devices. Color is a UI hint.
type DeviceGroup struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Color       string    `json:"color"`
	CreatedAt   time.Time `json:"created_at"`
}

type AlertRule struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Condition       Condition     `json:"condition"`
	Level           Level         `json:"level"`
	Channels        []ChannelKind `json:"channels"`
	Enabled         bool          `json:"enabled"`
	DeviceID        string        `json:"device_id,omitempty"`
	Threshold       *float64      `json:"threshold,omitempty"`
	ThrottleMinutes int           `json:"throttle_minutes"`
	EscalateMinutes *int          `json:"escalate_minutes,omitempty"`
	LastTriggered   *time.Time    `json:"last_triggered,omitempty"`
}

// Matches reports whether the rule applies to cond for deviceID, ignoring throttling.
func (r *AlertRule) Matches(cond Condition, deviceID string) bool {
	if !r.Enabled || r.Condition != cond {
		return false
	}
	return r.DeviceID == "" || r.DeviceID == deviceID
}

// CanTrigger reports whether the throttle window has elapsed at now.
func (r *AlertRule) CanTrigger(now time.Time) bool {
	if r.LastTriggered == nil {
		return true
	}
	return now.Sub(*r.LastTriggered) >= time.Duration(r.ThrottleMinutes)*time.Minute
}

type Alert struct {
	ID             string         `json:"id"`
	Level          Level          `json:"level"`
	Condition      Condition      `json:"condition"`
	Message        string         `json:"message"`
	DeviceID       string         `json:"device_id,omitempty"`
	DeviceName     string         `json:"device_name,omitempty"`
	DeviceIP       string         `json:"device_ip,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedBy string         `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
}

type Sensor struct {
	ID       string            `json:"id"`
	DeviceID string            `json:"device_id"`
	Name     string            `json:"name"`
	Kind     SensorKind        `json:"kind"`
	Config   map[string]string `json:"config,omitempty"`
	Interval time.Duration     `json:"interval"`
	Enabled  bool              `json:"enabled"`
	LastRun  *time.Time        `json:"last_run,omitempty"`
	Status   SensorStatus      `json:"status"`
}

type MetricSample struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	SensorID  string    `json:"sensor_id"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
}

// MetricSummary aggregates the samples of one metric over a window.
type MetricSummary struct {
	Metric string  `json:"metric"`
	Avg    float64 `json:"avg"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Count  int     `json:"count"`
}

// PortScan is one open port found by an on-demand scan.
type PortScan struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	Port      int       `json:"port"`
	Protocol  string    `json:"protocol"`
	State     string    `json:"state"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
}

// PortHistory is the per-port view of a device's scan history.
type PortHistory struct {
	Port      int       `json:"port"`
	Service   string    `json:"service"`
	State     string    `json:"state"`
	LastSeen  time.Time `json:"last_seen"`
	ScanCount int       `json:"scan_count"`
}

// Event is a lifecycle transition or threshold observation handed to the
// rule engine. Value is set only for numeric conditions.
type Event struct {
	Condition Condition
	Device    *Device
	Value     *float64
	Metric    string
	SensorID  string
	At        time.Time
}

func (e Event) DeviceID() string {
	if e.Device == nil {
		return ""
	}
	return e.Device.ID
}
