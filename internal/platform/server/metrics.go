package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements lifecycle.Observer and records API outcomes.
type Metrics struct {
	transitionsTotal  *prometheus.CounterVec
	conflictsTotal    *prometheus.CounterVec
	staleRequests     prometheus.Gauge
	sweepRunsTotal    *prometheus.CounterVec
	sweepLastRunUnix  prometheus.Gauge
	decisionsTotal    *prometheus.CounterVec
	tokenIssuesTotal  *prometheus.CounterVec
	httpRequestsTotal *prometheus.CounterVec
}

// NewMetrics registers on reg, or the default registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		transitionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paydesk",
				Subsystem: "lifecycle",
				Name:      "transitions_total",
				Help:      "Request status transitions by kind, source and target status.",
			},
			[]string{"kind", "from", "to"},
		),
		conflictsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paydesk",
				Subsystem: "lifecycle",
				Name:      "conflicts_total",
				Help:      "Transitions dropped because the stored status had already changed.",
			},
			[]string{"command"},
		),
		staleRequests: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "paydesk",
				Subsystem: "lifecycle",
				Name:      "stale_requests",
				Help:      "Open requests idle for longer than the stale threshold at the last sweep.",
			},
		),
		sweepRunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paydesk",
				Subsystem: "lifecycle",
				Name:      "stale_sweep_runs_total",
				Help:      "Stale request sweeps partitioned by result.",
			},
			[]string{"result"},
		),
		sweepLastRunUnix: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "paydesk",
				Subsystem: "lifecycle",
				Name:      "stale_sweep_last_run_unix",
				Help:      "Unix time of the most recent stale sweep.",
			},
		),
		decisionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paydesk",
				Subsystem: "admin",
				Name:      "decisions_total",
				Help:      "Operator decisions by verdict and outcome.",
			},
			[]string{"decision", "result"},
		),
		tokenIssuesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paydesk",
				Subsystem: "auth",
				Name:      "token_requests_total",
				Help:      "Operator token requests by result.",
			},
			[]string{"result"},
		),
		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paydesk",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "API requests by route and status code.",
			},
			[]string{"route", "code"},
		),
	}
}

func (m *Metrics) ObserveTransition(kind, from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(kind, from, to).Inc()
}

func (m *Metrics) ObserveConflict(command string) {
	if m == nil {
		return
	}
	m.conflictsTotal.WithLabelValues(command).Inc()
}

func (m *Metrics) SetStaleRequests(n int) {
	if m == nil {
		return
	}
	m.staleRequests.Set(float64(n))
}

// ObserveSweep matches the StartStaleSweeper observer signature.
func (m *Metrics) ObserveSweep(_ int, err error) {
	if m == nil {
		return
	}
	m.sweepLastRunUnix.Set(float64(time.Now().UTC().Unix()))
	if err != nil {
		m.sweepRunsTotal.WithLabelValues("error").Inc()
		return
	}
	m.sweepRunsTotal.WithLabelValues("success").Inc()
}

func (m *Metrics) ObserveDecision(approve bool, result string) {
	if m == nil {
		return
	}
	decision := "decline"
	if approve {
		decision = "approve"
	}
	m.decisionsTotal.WithLabelValues(decision, result).Inc()
}

func (m *Metrics) ObserveTokenRequest(result string) {
	if m == nil {
		return
	}
	m.tokenIssuesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) observeHTTP(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(route, httpCodeLabel(code)).Inc()
}

func httpCodeLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	}
	return "2xx"
}
