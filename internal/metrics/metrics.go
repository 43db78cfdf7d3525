package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the service. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ChatTurnsTotal          *prometheus.CounterVec
	CandidateAttemptsTotal  *prometheus.CounterVec
	CandidateDuration       *prometheus.HistogramVec
	DemoFallbacksTotal      *prometheus.CounterVec
	StoreRepairsTotal       *prometheus.CounterVec
	StoreWriteErrorsTotal   prometheus.Counter
	ActiveHostSwitchesTotal prometheus.Counter
	HostProbeFailuresTotal  *prometheus.CounterVec
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		ChatTurnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sxudo_chat_turns_total",
				Help: "Total number of chat turns handled",
			},
			[]string{"kind", "source"},
		),
		CandidateAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sxudo_candidate_attempts_total",
				Help: "Inference candidate attempts by outcome",
			},
			[]string{"candidate", "status"},
		),
		CandidateDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sxudo_candidate_duration_seconds",
				Help:    "Duration of inference candidate calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"candidate"},
		),
		DemoFallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sxudo_demo_fallbacks_total",
				Help: "Replies served by the offline demo path",
			},
			[]string{"kind"},
		),
		StoreRepairsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sxudo_store_repairs_total",
				Help: "Automatic repairs of the memory file",
			},
			[]string{"reason"},
		),
		StoreWriteErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sxudo_store_write_errors_total",
				Help: "Failed writes of the memory file",
			},
		),
		ActiveHostSwitchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sxudo_active_host_switches_total",
				Help: "Successful reconfigurations of the active inference host",
			},
		),
		HostProbeFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sxudo_host_probe_failures_total",
				Help: "Inference hosts skipped because their probe failed",
			},
			[]string{"host"},
		),
	}

	registry.MustRegister(
		m.ChatTurnsTotal,
		m.CandidateAttemptsTotal,
		m.CandidateDuration,
		m.DemoFallbacksTotal,
		m.StoreRepairsTotal,
		m.StoreWriteErrorsTotal,
		m.ActiveHostSwitchesTotal,
		m.HostProbeFailuresTotal,
	)

	return m
}

// Handler returns the exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordChatTurn(kind, source string) {
	if m == nil {
		return
	}
	m.ChatTurnsTotal.WithLabelValues(kind, source).Inc()
}

func (m *Metrics) RecordCandidate(candidate, status string, seconds float64) {
	if m == nil {
		return
	}
	m.CandidateAttemptsTotal.WithLabelValues(candidate, status).Inc()
	m.CandidateDuration.WithLabelValues(candidate).Observe(seconds)
}

func (m *Metrics) RecordDemoFallback(kind string) {
	if m == nil {
		return
	}
	m.DemoFallbacksTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordStoreRepair(reason string) {
	if m == nil {
		return
	}
	m.StoreRepairsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordStoreWriteError() {
	if m == nil {
		return
	}
	m.StoreWriteErrorsTotal.Inc()
}

func (m *Metrics) RecordHostSwitch() {
	if m == nil {
		return
	}
	m.ActiveHostSwitchesTotal.Inc()
}

func (m *Metrics) RecordHostProbeFailure(host string) {
	if m == nil {
		return
	}
	m.HostProbeFailuresTotal.WithLabelValues(host).Inc()
}
