package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/models"
	"codeberg.org/mutker/netsentry/internal/registry"
	"codeberg.org/mutker/netsentry/internal/sensors"
	"github.com/gorilla/mux"
)

const (
	defaultAlertLimit  = 100
	defaultSampleLimit = 500
	defaultSampleRange = 24 * time.Hour
	defaultAckUser     = "admin"

	defaultRuleThrottle   = 10
	defaultSensorInterval = time.Minute
)

type statusResponse struct {
	Total     int       `json:"total_devices"`
	Online    int       `json:"online_devices"`
	Offline   int       `json:"offline_devices"`
	Active    int       `json:"active_alerts"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	total, online, err := s.store.CountDevices(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	resp := statusResponse{
		Total:     total,
		Online:    online,
		Offline:   total - online,
		Timestamp: s.now().UTC(),
	}
	if s.active != nil {
		resp.Active = len(s.active.Active())
	}

	writeJSON(w, http.StatusOK, resp)
}

// Devices

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(devices))
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.Device(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type deviceUpdateRequest struct {
	Alias      *string  `json:"alias"`
	Authorized *bool    `json:"authorized"`
	Tags       []string `json:"tags"`
	GroupID    *string  `json:"group_id"`
}

func (s *Server) updateDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceUpdateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	d, err := s.store.UpdateDeviceSettings(r.Context(), mux.Vars(r)["id"], registry.DeviceSettings{
		Alias:      req.Alias,
		Authorized: req.Authorized,
		Tags:       req.Tags,
		GroupID:    req.GroupID,
	})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) deleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteDevice(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Alerts

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := registry.AlertFilter{
		DeviceID: q.Get("device_id"),
		Limit:    defaultAlertLimit,
	}

	if v := q.Get("acknowledged"); v != "" {
		ack, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid acknowledged value", errors.ErrInvalidArgument)
			return
		}
		filter.Acknowledged = &ack
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", errors.ErrInvalidArgument)
			return
		}
		filter.Limit = n
	}

	alerts, err := s.store.ListAlerts(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(alerts))
}

func (s *Server) activeAlerts(w http.ResponseWriter, _ *http.Request) {
	var active []*models.Alert
	if s.active != nil {
		active = s.active.Active()
	}
	writeJSON(w, http.StatusOK, nonNil(active))
}

type ackRequest struct {
	User string `json:"user"`
}

func (s *Server) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	req := ackRequest{}
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.User) == "" {
		req.User = defaultAckUser
	}

	id := mux.Vars(r)["id"]
	a, err := s.store.AcknowledgeAlert(r.Context(), id, req.User, s.now())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if s.active != nil {
		s.active.Acknowledge(id)
	}

	writeJSON(w, http.StatusOK, a)
}

type testRequest struct {
	Channels []models.ChannelKind `json:"channels"`
}

type testResult struct {
	Channel models.ChannelKind `json:"channel"`
	Outcome string             `json:"outcome"`
	Error   string             `json:"error,omitempty"`
}

func (s *Server) testAlert(w http.ResponseWriter, r *http.Request) {
	if s.tester == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications are not configured", errors.ErrUnavailable)
		return
	}

	req := testRequest{}
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	for _, ch := range req.Channels {
		if !ch.Valid() {
			writeError(w, http.StatusBadRequest, "unknown channel "+string(ch), errors.ErrInvalidArgument)
			return
		}
	}

	results := s.tester.Test(r.Context(), req.Channels)
	out := make([]testResult, 0, len(results))
	for _, res := range results {
		tr := testResult{Channel: res.Channel, Outcome: string(res.Outcome)}
		if res.Err != nil {
			tr.Error = res.Err.Error()
		}
		out = append(out, tr)
	}

	writeJSON(w, http.StatusOK, out)
}

// Rules

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.ListRules(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rules))
}

type ruleRequest struct {
	Name            string               `json:"name"`
	Condition       models.Condition     `json:"condition"`
	Level           models.Level         `json:"level"`
	Channels        []models.ChannelKind `json:"channels"`
	Enabled         *bool                `json:"enabled"`
	DeviceID        string               `json:"device_id"`
	Threshold       *float64             `json:"threshold"`
	ThrottleMinutes *int                 `json:"throttle_minutes"`
	EscalateMinutes *int                 `json:"escalate_minutes"`
}

func (req ruleRequest) apply(rule *models.AlertRule) {
	rule.Name = strings.TrimSpace(req.Name)
	rule.Condition = req.Condition
	rule.Level = req.Level
	rule.Channels = req.Channels
	rule.DeviceID = req.DeviceID
	rule.Threshold = req.Threshold
	rule.EscalateMinutes = req.EscalateMinutes
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if req.ThrottleMinutes != nil {
		rule.ThrottleMinutes = *req.ThrottleMinutes
	}
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	rule := &models.AlertRule{Enabled: true, ThrottleMinutes: defaultRuleThrottle}
	req.apply(rule)
	if rule.Level == "" {
		rule.Level = models.LevelWarning
	}

	if err := s.store.CreateRule(r.Context(), rule); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	rule, err := s.store.Rule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	req.apply(rule)

	if err := s.store.UpdateRule(r.Context(), rule); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteRule(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Sensors

type sensorView struct {
	ID              string              `json:"id"`
	DeviceID        string              `json:"device_id"`
	Name            string              `json:"name"`
	Kind            models.SensorKind   `json:"kind"`
	Config          map[string]string   `json:"config"`
	IntervalSeconds int64               `json:"interval_seconds"`
	Enabled         bool                `json:"enabled"`
	LastRun         *time.Time          `json:"last_run,omitempty"`
	Status          models.SensorStatus `json:"status"`
}

func viewSensor(sn *models.Sensor) sensorView {
	return sensorView{
		ID:              sn.ID,
		DeviceID:        sn.DeviceID,
		Name:            sn.Name,
		Kind:            sn.Kind,
		Config:          sn.Config,
		IntervalSeconds: int64(sn.Interval / time.Second),
		Enabled:         sn.Enabled,
		LastRun:         sn.LastRun,
		Status:          sn.Status,
	}
}

type sensorRequest struct {
	Name            string            `json:"name"`
	Kind            models.SensorKind `json:"kind"`
	Config          map[string]string `json:"config"`
	IntervalSeconds *int64            `json:"interval_seconds"`
	Enabled         *bool             `json:"enabled"`
}

func (s *Server) listSensors(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.Device(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	list, err := s.store.ListSensors(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	out := make([]sensorView, 0, len(list))
	for _, sn := range list {
		out = append(out, viewSensor(sn))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createSensor(w http.ResponseWriter, r *http.Request) {
	var req sensorRequest
	if !decodeBody(w, r, &req) {
		return
	}

	id := mux.Vars(r)["id"]
	if _, err := s.store.Device(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	sn := &models.Sensor{
		DeviceID: id,
		Name:     strings.TrimSpace(req.Name),
		Kind:     req.Kind,
		Config:   req.Config,
		Interval: defaultSensorInterval,
		Enabled:  true,
		Status:   models.SensorUnknown,
	}
	if sn.Name == "" {
		sn.Name = string(req.Kind)
	}
	if !applySensorOptions(w, sn, req) {
		return
	}

	if err := s.store.CreateSensor(r.Context(), sn); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewSensor(sn))
}

func (s *Server) updateSensor(w http.ResponseWriter, r *http.Request) {
	var req sensorRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sn, err := s.store.Sensor(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if req.Kind != "" && req.Kind != sn.Kind {
		writeError(w, http.StatusBadRequest, "sensor kind cannot be changed", errors.ErrInvalidArgument)
		return
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		sn.Name = name
	}
	if req.Config != nil {
		sn.Config = req.Config
	}
	if !applySensorOptions(w, sn, req) {
		return
	}

	if err := s.store.UpdateSensor(r.Context(), sn); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSensor(sn))
}

// applySensorOptions sets interval and enabled from req, then checks that a
// collector can be built from the resulting kind and config.
func applySensorOptions(w http.ResponseWriter, sn *models.Sensor, req sensorRequest) bool {
	if req.IntervalSeconds != nil {
		if *req.IntervalSeconds <= 0 {
			writeError(w, http.StatusBadRequest, "interval_seconds must be positive", errors.ErrInvalidArgument)
			return false
		}
		sn.Interval = time.Duration(*req.IntervalSeconds) * time.Second
	}
	if req.Enabled != nil {
		sn.Enabled = *req.Enabled
	}
	if _, err := sensors.New(sn.Kind, sn.Config); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), errors.ErrInvalidArgument)
		return false
	}
	return true
}

func (s *Server) deleteSensor(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSensor(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Metrics history

func (s *Server) listMetrics(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	q := r.URL.Query()

	filter := registry.SampleFilter{
		DeviceID: id,
		SensorID: q.Get("sensor_id"),
		Metric:   q.Get("metric"),
		Since:    s.now().Add(-defaultSampleRange),
		Limit:    defaultSampleLimit,
	}
	if v := q.Get("hours"); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil || h <= 0 {
			writeError(w, http.StatusBadRequest, "invalid hours", errors.ErrInvalidArgument)
			return
		}
		filter.Since = s.now().Add(-time.Duration(h) * time.Hour)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", errors.ErrInvalidArgument)
			return
		}
		filter.Limit = n
	}

	if _, err := s.store.Device(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	samples, err := s.store.ListSamples(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(samples))
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
