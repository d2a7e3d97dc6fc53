// Package monitoring carries the process-wide Prometheus metrics and
// OpenTelemetry tracing setup.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "browserd"

// Start sources
const (
	SourcePool = "pool"
	SourceCold = "cold"
)

// Metrics holds every collector the orchestrator reports. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	startsTotal     *prometheus.CounterVec
	startDuration   *prometheus.HistogramVec
	stopsTotal      *prometheus.CounterVec
	restartsTotal   prometheus.Counter
	sessionFailures prometheus.Counter
	sessions        *prometheus.GaugeVec

	poolWarm   prometheus.Gauge
	poolClaims *prometheus.CounterVec
	portsInUse prometheus.Gauge

	reconcileTicks    prometheus.Counter
	reconcileDuration prometheus.Histogram
	routesActive      prometheus.Gauge
	orphansRemoved    prometheus.Counter
}

// NewMetrics registers all collectors on a fresh registry together with
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := newMetrics(reg)
	m.registry = reg
	return m
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		startsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_starts_total",
			Help:      "Session start attempts by result and source",
		}, []string{"result", "source"}),
		startDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_start_duration_seconds",
			Help:      "Time from start request to running daemon",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"source"}),
		stopsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_stops_total",
			Help:      "Session stops by result",
		}, []string{"result"}),
		restartsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_restarts_total",
			Help:      "Automatic daemon restarts performed by the reconciler",
		}),
		sessionFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_failures_total",
			Help:      "Sessions that exhausted their restart budget",
		}),
		sessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Known sessions by status",
		}, []string{"status"}),
		poolWarm: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_warm_slots",
			Help:      "Warm pool slots ready to be claimed",
		}),
		poolClaims: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_claims_total",
			Help:      "Pool claims by outcome",
		}, []string{"outcome"}),
		portsInUse: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ports_in_use",
			Help:      "Host ports currently leased",
		}),
		reconcileTicks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_ticks_total",
			Help:      "Completed reconciliation passes",
		}),
		reconcileDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of a reconciliation pass",
			Buckets:   prometheus.DefBuckets,
		}),
		routesActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routes_active",
			Help:      "Hostnames registered in the proxy route table",
		}),
		orphansRemoved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_removed_total",
			Help:      "Managed containers removed because nothing owned them",
		}),
	}
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, nil for a nil receiver.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordStart(source string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.startsTotal.WithLabelValues(result, source).Inc()
	if err == nil {
		m.startDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) RecordStop(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.stopsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordRestart() {
	if m == nil {
		return
	}
	m.restartsTotal.Inc()
}

func (m *Metrics) RecordSessionFailure() {
	if m == nil {
		return
	}
	m.sessionFailures.Inc()
}

// SetSessions replaces the per-status session gauge
func (m *Metrics) SetSessions(byStatus map[string]int) {
	if m == nil {
		return
	}
	m.sessions.Reset()
	for status, n := range byStatus {
		m.sessions.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Metrics) SetPoolWarm(n int) {
	if m == nil {
		return
	}
	m.poolWarm.Set(float64(n))
}

func (m *Metrics) RecordPoolClaim(hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.poolClaims.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetPortsInUse(n int) {
	if m == nil {
		return
	}
	m.portsInUse.Set(float64(n))
}

func (m *Metrics) RecordReconcile(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.reconcileTicks.Inc()
	m.reconcileDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) SetRoutesActive(n int) {
	if m == nil {
		return
	}
	m.routesActive.Set(float64(n))
}

func (m *Metrics) RecordOrphanRemoved() {
	if m == nil {
		return
	}
	m.orphansRemoved.Inc()
}
