// Package metrics exposes engine counters to prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ved"

// Metrics holds the engine collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	mounts        *prometheus.CounterVec
	unmounts      *prometheus.CounterVec
	mounted       prometheus.Gauge
	kdfSeconds    prometheus.Histogram
	bytes         *prometheus.CounterVec
	authFailures  prometheus.Counter
	staleSessions prometheus.Counter
}

// New creates the collectors on a private registry, together with the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		mounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mounts_total",
			Help:      "Mount attempts by result.",
		}, []string{"result"}),
		unmounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unmounts_total",
			Help:      "Unmount attempts by result.",
		}, []string{"result"}),
		mounted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mounted_disks",
			Help:      "Currently mounted containers.",
		}),
		kdfSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kdf_duration_seconds",
			Help:      "Time spent deriving keys from passwords.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "io_bytes_total",
			Help:      "Plaintext bytes moved through mounted devices.",
		}, []string{"direction"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sector_auth_failures_total",
			Help:      "Sectors that failed authentication on read.",
		}),
		staleSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_sessions_total",
			Help:      "Mounts left behind by a previous process.",
		}),
	}
	reg.MustRegister(
		m.mounts, m.unmounts, m.mounted, m.kdfSeconds, m.bytes, m.authFailures, m.staleSessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) MountResult(result string) {
	if m == nil {
		return
	}
	m.mounts.WithLabelValues(result).Inc()
}

func (m *Metrics) UnmountResult(result string) {
	if m == nil {
		return
	}
	m.unmounts.WithLabelValues(result).Inc()
}

func (m *Metrics) SetMounted(n int) {
	if m == nil {
		return
	}
	m.mounted.Set(float64(n))
}

func (m *Metrics) ObserveKDF(d time.Duration) {
	if m == nil {
		return
	}
	m.kdfSeconds.Observe(d.Seconds())
}

// AddIO records bytes read ("read") or written ("write").
func (m *Metrics) AddIO(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) AuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

func (m *Metrics) StaleSession() {
	if m == nil {
		return
	}
	m.staleSessions.Inc()
}
