package telemetry

import (
	"net/http"
	"time"

	"codeberg.org/mutker/netsentry/internal/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "netsentry"

// Metrics holds the process counters. All methods are safe on a nil receiver
// so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	sweeps        *prometheus.CounterVec
	devicesTotal  prometheus.Gauge
	devicesOnline prometheus.Gauge
	transitions   *prometheus.CounterVec
	alertsFired   *prometheus.CounterVec
	dispatches    *prometheus.CounterVec
	collections   *prometheus.CounterVec
	collectTime   *prometheus.HistogramVec
	cycleTime     *prometheus.HistogramVec
	hubDropped    prometheus.Counter
	alertsPruned  prometheus.Counter
}

func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Network sweeps by outcome.",
		}, []string{"outcome"}),
		devicesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices",
			Help:      "Known devices.",
		}),
		devicesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_online",
			Help:      "Devices currently online.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_events_total",
			Help:      "Device lifecycle events by condition.",
		}, []string{"condition"}),
		alertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fired_total",
			Help:      "Alerts created by rules.",
		}, []string{"condition", "level"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Channel deliveries by outcome.",
		}, []string{"channel", "outcome"}),
		collections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_collections_total",
			Help:      "Sensor collections by kind and resulting status.",
		}, []string{"kind", "status"}),
		collectTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sensor_collection_seconds",
			Help:      "Sensor collection latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		cycleTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_seconds",
			Help:      "Duration of one loop iteration.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"loop"}),
		hubDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_dropped_total",
			Help:      "Live updates dropped for slow subscribers.",
		}),
		alertsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_pruned_total",
			Help:      "Acknowledged alerts removed by retention.",
		}),
	}

	cs := []prometheus.Collector{
		m.sweeps, m.devicesTotal, m.devicesOnline, m.transitions, m.alertsFired, m.dispatches,
		m.collections, m.collectTime, m.cycleTime, m.hubDropped, m.alertsPruned,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range cs {
		if err := m.registry.Register(c); err != nil {
			return nil, errors.New().Wrap(ErrRegisterCollector, err)
		}
	}

	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Sweep(outcome string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Devices(total, online int) {
	if m == nil {
		return
	}
	m.devicesTotal.Set(float64(total))
	m.devicesOnline.Set(float64(online))
}

func (m *Metrics) DeviceEvent(condition string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(condition).Inc()
}

func (m *Metrics) AlertFired(condition, level string) {
	if m == nil {
		return
	}
	m.alertsFired.WithLabelValues(condition, level).Inc()
}

func (m *Metrics) Dispatched(channel, outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) Collected(kind, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.collections.WithLabelValues(kind, status).Inc()
	m.collectTime.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) Cycle(loop string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.cycleTime.WithLabelValues(loop).Observe(elapsed.Seconds())
}

func (m *Metrics) HubDropped() {
	if m == nil {
		return
	}
	m.hubDropped.Inc()
}

func (m *Metrics) AlertsPruned(n int64) {
	if m == nil {
		return
	}
	m.alertsPruned.Add(float64(n))
}
