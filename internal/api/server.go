package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/live"
	"codeberg.org/mutker/netsentry/internal/logger"
	"codeberg.org/mutker/netsentry/internal/models"
	"codeberg.org/mutker/netsentry/internal/notify"
	"codeberg.org/mutker/netsentry/internal/registry"
	"codeberg.org/mutker/netsentry/internal/sensors"
	"codeberg.org/mutker/netsentry/internal/telemetry"
	"github.com/gorilla/mux"
)

const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 60 * time.Second
	shutdownTimeout     = 5 * time.Second
	maxBodyBytes        = 1 << 20
)

// Store is the registry surface exposed over HTTP.
type Store interface {
	ListDevices(ctx context.Context) ([]*models.Device, error)
	Device(ctx context.Context, id string) (*models.Device, error)
	UpdateDeviceSettings(ctx context.Context, id string, settings registry.DeviceSettings) (*models.Device, error)
	DeleteDevice(ctx context.Context, id string) error
	CountDevices(ctx context.Context) (total, online int, err error)

	ListAlerts(ctx context.Context, f registry.AlertFilter) ([]*models.Alert, error)
	AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) (*models.Alert, error)

	ListRules(ctx context.Context) ([]*models.AlertRule, error)
	Rule(ctx context.Context, id string) (*models.AlertRule, error)
	CreateRule(ctx context.Context, r *models.AlertRule) error
	UpdateRule(ctx context.Context, r *models.AlertRule) error
	DeleteRule(ctx context.Context, id string) error

	ListSensors(ctx context.Context, deviceID string) ([]*models.Sensor, error)
	Sensor(ctx context.Context, id string) (*models.Sensor, error)
	CreateSensor(ctx context.Context, sn *models.Sensor) error
	UpdateSensor(ctx context.Context, sn *models.Sensor) error
	DeleteSensor(ctx context.Context, id string) error

	ListSamples(ctx context.Context, f registry.SampleFilter) ([]*models.MetricSample, error)
	SummarizeSamples(ctx context.Context, deviceID string, since time.Time) ([]models.MetricSummary, error)

	ListGroups(ctx context.Context) ([]*models.DeviceGroup, error)
	CreateGroup(ctx context.Context, g *models.DeviceGroup) error
	DeleteGroup(ctx context.Context, id string) error

	InsertPortScans(ctx context.Context, scans []*models.PortScan) error
	PortHistory(ctx context.Context, deviceID string, limit int) ([]models.PortHistory, int, error)
}

// Tester runs the manual test-alert entry point.
type Tester interface {
	Test(ctx context.Context, kinds []models.ChannelKind) []notify.Result
}

// Reidentifier retries vendor lookup for devices with an unknown vendor.
type Reidentifier interface {
	Reidentify(ctx context.Context) (total, updated int, err error)
}

// PortScanner runs one on-demand TCP connect scan.
type PortScanner interface {
	Scan(ctx context.Context, ip string, ports []int) []sensors.PortResult
}

// ActiveAlerts is the in-app list cleared on acknowledgement.
type ActiveAlerts interface {
	Active() []*models.Alert
	Acknowledge(id string)
}

type Server struct {
	router     *mux.Router
	store      Store
	tester     Tester
	active     ActiveAlerts
	reidentify Reidentifier
	newScanner func(timeout time.Duration) PortScanner
	hub        *live.Hub
	metrics    *telemetry.Metrics
	log        logger.Logger
	now        func() time.Time
}

type Option func(*Server)

func WithTester(t Tester) Option {
	return func(s *Server) {
		s.tester = t
	}
}

func WithActiveAlerts(a ActiveAlerts) Option {
	return func(s *Server) {
		s.active = a
	}
}

func WithReidentifier(r Reidentifier) Option {
	return func(s *Server) {
		s.reidentify = r
	}
}

// WithPortScanner replaces the scanner built for each port scan request.
func WithPortScanner(newScanner func(timeout time.Duration) PortScanner) Option {
	return func(s *Server) {
		s.newScanner = newScanner
	}
}

func WithHub(h *live.Hub) Option {
	return func(s *Server) {
		s.hub = h
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

func defaultScanner(timeout time.Duration) PortScanner {
	return sensors.NewPortScanner(timeout, 0)
}

func NewServer(store Store, log logger.Logger, opts ...Option) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		store:      store,
		newScanner: defaultScanner,
		log:        log,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router.PathPrefix("/api").Subrouter()

	r.HandleFunc("/status", s.getStatus).Methods(http.MethodGet)

	r.HandleFunc("/devices", s.listDevices).Methods(http.MethodGet)
	r.HandleFunc("/devices/reidentify", s.reidentifyDevices).Methods(http.MethodPost)
	r.HandleFunc("/devices/{id}", s.getDevice).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}", s.updateDevice).Methods(http.MethodPatch)
	r.HandleFunc("/devices/{id}", s.deleteDevice).Methods(http.MethodDelete)
	r.HandleFunc("/devices/{id}/sensors", s.listSensors).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}/sensors", s.createSensor).Methods(http.MethodPost)
	r.HandleFunc("/devices/{id}/metrics", s.listMetrics).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}/metrics/summary", s.metricsSummary).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}/ports", s.portHistory).Methods(http.MethodGet)

	r.HandleFunc("/groups", s.listGroups).Methods(http.MethodGet)
	r.HandleFunc("/groups", s.createGroup).Methods(http.MethodPost)
	r.HandleFunc("/groups/{id}", s.deleteGroup).Methods(http.MethodDelete)

	r.HandleFunc("/scan/ports", s.scanPorts).Methods(http.MethodPost)

	r.HandleFunc("/sensors/{id}", s.updateSensor).Methods(http.MethodPut)
	r.HandleFunc("/sensors/{id}", s.deleteSensor).Methods(http.MethodDelete)

	r.HandleFunc("/alerts", s.listAlerts).Methods(http.MethodGet)
	r.HandleFunc("/alerts/active", s.activeAlerts).Methods(http.MethodGet)
	r.HandleFunc("/alerts/test", s.testAlert).Methods(http.MethodPost)
	r.HandleFunc("/alerts/{id}/ack", s.acknowledgeAlert).Methods(http.MethodPost)

	r.HandleFunc("/rules", s.listRules).Methods(http.MethodGet)
	r.HandleFunc("/rules", s.createRule).Methods(http.MethodPost)
	r.HandleFunc("/rules/{id}", s.updateRule).Methods(http.MethodPut)
	r.HandleFunc("/rules/{id}", s.deleteRule).Methods(http.MethodDelete)

	if s.hub != nil {
		s.router.Handle("/ws", live.Handler(s.hub, s.log)).Methods(http.MethodGet)
	}
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("listen", addr).Msg("API server started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.New().Wrap(ErrServe, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.New().Wrap(ErrServe, err)
	}
	return nil
}

type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Status int    `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, code errors.ErrorCode) {
	writeJSON(w, status, errorResponse{Error: message, Code: string(code), Status: status})
}

// writeStoreError maps a coded error to its HTTP status.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status = http.StatusInternalServerError
		code   = errors.ErrInternal
	)

	var appErr errors.Error
	if errors.As(err, &appErr) {
		code = appErr.Code()
	}

	switch {
	case errors.HasCode(err, errors.ErrResourceNotFound):
		status, code = http.StatusNotFound, errors.ErrResourceNotFound
	case errors.HasCode(err, registry.ErrInvalidRecord), errors.HasCode(err, errors.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.HasCode(err, registry.ErrDuplicate):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		writeError(w, status, errors.GetErrorMessage(errors.ErrInternal), code)
		return
	}
	writeError(w, status, err.Error(), code)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), errors.ErrInvalidArgument)
		return false
	}
	return true
}
