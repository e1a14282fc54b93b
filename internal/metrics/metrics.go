// Package metrics registers the gateway's Prometheus collectors on a
// private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the gateway updates.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	RequestDuration    *prometheus.HistogramVec
	ContainersCreated  prometheus.Counter
	ContainersStarted  prometheus.Counter
	SessionsRegistered prometheus.Gauge
	RelayConnections   prometheus.Gauge
	ClipboardDropped   *prometheus.CounterVec
	ExamsExpired       prometheus.Counter
}

// New builds and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "labgate_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		ContainersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labgate_containers_created_total",
			Help: "Desktop containers created",
		}),
		ContainersStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labgate_containers_started_total",
			Help: "Desktop containers started",
		}),
		SessionsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "labgate_sessions_registered",
			Help: "Sessions currently held in the registry",
		}),
		RelayConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "labgate_relay_connections",
			Help: "Open browser-to-desktop relay connections",
		}),
		ClipboardDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labgate_relay_clipboard_dropped_total",
			Help: "Clipboard messages dropped by the relay",
		}, []string{"direction"}),
		ExamsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labgate_exam_sessions_expired_total",
			Help: "Exam sessions terminated after their end time",
		}),
	}

	registry.MustRegister(
		m.RequestDuration,
		m.ContainersCreated,
		m.ContainersStarted,
		m.SessionsRegistered,
		m.RelayConnections,
		m.ClipboardDropped,
		m.ExamsExpired,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry returns the underlying registry (used by tests).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveHTTPRequest records one request.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(method, path, strconv.Itoa(status)).Observe(d.Seconds())
}
