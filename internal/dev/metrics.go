package dev

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-dev/hotserve/internal/conntrack"
)

// Listener roles.
const (
	RoleClient = "client-dev"
	RoleServer = "server"
)

// Metrics holds the Prometheus metrics of a dev session.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	compilesTotal     *prometheus.CounterVec
	compileDuration   *prometheus.HistogramVec
	connections       *prometheus.GaugeVec
	connectionsKilled *prometheus.CounterVec
	disposeDuration   *prometheus.HistogramVec
	disposeTimeouts   *prometheus.CounterVec
	serverSwaps       prometheus.Counter
	loadErrors        prometheus.Counter
	restarts          prometheus.Counter
	cachePurged       prometheus.Counter
	liveClients       prometheus.Gauge
	state             *prometheus.GaugeVec
}

// NewMetrics registers the dev metrics on reg. A nil reg gets a fresh registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		compilesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hotserve",
			Name:      "compiles_total",
			Help:      "Total number of finished compiles",
		}, []string{"artifact", "result"}),

		compileDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hotserve",
			Name:      "compile_duration_seconds",
			Help:      "Compile duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"artifact"}),

		connections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hotserve",
			Name:      "tracked_connections",
			Help:      "Connections currently tracked per listener role",
		}, []string{"role"}),

		connectionsKilled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hotserve",
			Name:      "connections_killed_total",
			Help:      "Connections forcibly terminated per listener role",
		}, []string{"role"}),

		disposeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hotserve",
			Name:      "dispose_duration_seconds",
			Help:      "Listener disposal duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"role"}),

		disposeTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hotserve",
			Name:      "dispose_timeouts_total",
			Help:      "Disposals that did not drain before the deadline",
		}, []string{"role"}),

		serverSwaps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hotserve",
			Name:      "server_swaps_total",
			Help:      "Times a new server bundle replaced the running one",
		}),

		loadErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hotserve",
			Name:      "load_errors_total",
			Help:      "Server bundles that failed to start",
		}),

		restarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hotserve",
			Name:      "restarts_total",
			Help:      "Full pipeline restarts caused by configuration changes",
		}),

		cachePurged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hotserve",
			Name:      "cache_purged_entries_total",
			Help:      "Artifact cache entries dropped by purges",
		}),

		liveClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "hotserve",
			Name:      "live_clients",
			Help:      "Connected live-update websocket clients",
		}),

		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hotserve",
			Name:      "orchestrator_state",
			Help:      "1 for the current orchestrator state, 0 otherwise",
		}, []string{"state"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TrackerHooks returns conntrack hooks that keep the connection metrics of role current.
func (m *Metrics) TrackerHooks(role string) conntrack.Hooks {
	if m == nil {
		return conntrack.Hooks{}
	}
	gauge := m.connections.WithLabelValues(role)
	killed := m.connectionsKilled.WithLabelValues(role)
	return conntrack.Hooks{
		OnOpen:  gauge.Inc,
		OnClose: gauge.Dec,
		OnKill:  func(n int) { killed.Add(float64(n)) },
	}
}

// ObserveCompile records a finished compile.
func (m *Metrics) ObserveCompile(artifact string, stats *Stats) {
	if m == nil || stats == nil {
		return
	}
	result := "ok"
	if stats.HasErrors() {
		result = "error"
	}
	m.compilesTotal.WithLabelValues(artifact, result).Inc()
	m.compileDuration.WithLabelValues(artifact).Observe(stats.Duration.Seconds())
}

// ObserveDispose records how long disposing a listener of role took.
func (m *Metrics) ObserveDispose(role string, d time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	m.disposeDuration.WithLabelValues(role).Observe(d.Seconds())
	if timedOut {
		m.disposeTimeouts.WithLabelValues(role).Inc()
	}
}

// ServerSwapped records a server swap.
func (m *Metrics) ServerSwapped() {
	if m == nil {
		return
	}
	m.serverSwaps.Inc()
}

// LoadFailed records a server bundle that could not be started.
func (m *Metrics) LoadFailed() {
	if m == nil {
		return
	}
	m.loadErrors.Inc()
}

// Restarted records a full restart.
func (m *Metrics) Restarted() {
	if m == nil {
		return
	}
	m.restarts.Inc()
}

// Purged records dropped cache entries.
func (m *Metrics) Purged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cachePurged.Add(float64(n))
}

// LiveClients sets the number of connected live-update clients.
func (m *Metrics) LiveClients(n int) {
	if m == nil {
		return
	}
	m.liveClients.Set(float64(n))
}

// SetState marks s as the current orchestrator state.
func (m *Metrics) SetState(s State) {
	if m == nil {
		return
	}
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(st.String()).Set(v)
	}
}
