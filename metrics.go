package sqlguard

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects detection and delivery metrics on its own registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry             *prometheus.Registry
	findingsTotal        *prometheus.CounterVec
	notificationsTotal   *prometheus.CounterVec
	notificationDuration *prometheus.HistogramVec
	evaluationFailures   *prometheus.CounterVec
	windowsRetired       *prometheus.CounterVec
	openWindows          prometheus.Gauge
	recordsIngested      prometheus.Counter
	cacheHits            prometheus.Counter
	cacheMisses          prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		findingsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sqlguard",
				Name:      "findings_total",
				Help:      "Findings raised partitioned by kind and severity.",
			},
			[]string{"kind", "severity"},
		),
		notificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sqlguard",
				Name:      "notifications_total",
				Help:      "Notification delivery attempts partitioned by channel and status.",
			},
			[]string{"channel", "status"},
		),
		notificationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sqlguard",
				Name:      "notification_duration_seconds",
				Help:      "Duration of notification delivery attempts.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"channel"},
		),
		evaluationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sqlguard",
				Name:      "evaluation_failures_total",
				Help:      "Swallowed evaluation errors partitioned by stage.",
			},
			[]string{"stage"},
		),
		windowsRetired: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sqlguard",
				Subsystem: "behavior",
				Name:      "windows_retired_total",
				Help:      "Retired behavior windows partitioned by result.",
			},
			[]string{"result"},
		),
		openWindows: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sqlguard",
				Subsystem: "behavior",
				Name:      "open_windows",
				Help:      "Principals with an open behavior window.",
			},
		),
		recordsIngested: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sqlguard",
				Name:      "records_ingested_total",
				Help:      "Query activity records accepted for detection.",
			},
		),
		cacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sqlguard",
				Subsystem: "record_cache",
				Name:      "hits_total",
				Help:      "Record cache hits.",
			},
		),
		cacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sqlguard",
				Subsystem: "record_cache",
				Name:      "misses_total",
				Help:      "Record cache misses.",
			},
		),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FindingRaised(f *Finding) {
	if m == nil || f == nil {
		return
	}
	m.findingsTotal.WithLabelValues(string(f.Kind), string(f.Severity)).Inc()
}

func (m *Metrics) NotificationDelivered(o *NotificationOutcome, took time.Duration) {
	if m == nil || o == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(string(o.Channel), string(o.Status)).Inc()
	m.notificationDuration.WithLabelValues(string(o.Channel)).Observe(took.Seconds())
}

func (m *Metrics) EvaluationFailed(stage string) {
	if m == nil {
		return
	}
	m.evaluationFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) WindowRetired(classified bool) {
	if m == nil {
		return
	}
	result := "benign"
	if classified {
		result = "finding"
	}
	m.windowsRetired.WithLabelValues(result).Inc()
}

func (m *Metrics) SetOpenWindows(n int) {
	if m == nil {
		return
	}
	m.openWindows.Set(float64(n))
}

func (m *Metrics) RecordIngested() {
	if m == nil {
		return
	}
	m.recordsIngested.Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
		return
	}
	m.cacheMisses.Inc()
}
