package server

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func metricValue(t *testing.T, g prometheus.Gatherer, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := g.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if !metricLabelsMatch(m, labels) {
				continue
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			if m.GetGauge() != nil {
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func metricLabelsMatch(metric *dto.Metric, expected map[string]string) bool {
	actual := make(map[string]string, len(metric.GetLabel()))
	for _, lp := range metric.GetLabel() {
		actual[lp.GetName()] = lp.GetValue()
	}
	for k, v := range expected {
		if actual[k] != v {
			return false
		}
	}
	return true
}

func TestMetricsObserveLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveTransition("TOP_UP", "CREATED", "AWAITING_FUNDING_CHOICE")
	m.ObserveTransition("TOP_UP", "CREATED", "AWAITING_FUNDING_CHOICE")
	m.ObserveConflict("admin_decide")
	m.SetStaleRequests(3)
	m.ObserveSweep(3, nil)
	m.ObserveSweep(0, errors.New("store down"))

	if got := metricValue(t, reg, "paydesk_lifecycle_transitions_total", map[string]string{"kind": "TOP_UP", "to": "AWAITING_FUNDING_CHOICE"}); got != 2 {
		t.Fatalf("expected 2 transitions, got %f", got)
	}
	if got := metricValue(t, reg, "paydesk_lifecycle_conflicts_total", map[string]string{"command": "admin_decide"}); got != 1 {
		t.Fatalf("expected 1 conflict, got %f", got)
	}
	if got := metricValue(t, reg, "paydesk_lifecycle_stale_requests", nil); got != 3 {
		t.Fatalf("expected stale gauge 3, got %f", got)
	}
	if got := metricValue(t, reg, "paydesk_lifecycle_stale_sweep_runs_total", map[string]string{"result": "error"}); got != 1 {
		t.Fatalf("expected 1 failed sweep, got %f", got)
	}
	if got := metricValue(t, reg, "paydesk_lifecycle_stale_sweep_last_run_unix", nil); got == 0 {
		t.Fatal("expected last sweep timestamp to be set")
	}
}

func TestMetricsObserveDecisionsAndTokens(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ObserveDecision(true, "ok")
	m.ObserveDecision(false, "conflict")
	m.ObserveTokenRequest("denied")

	if got := metricValue(t, reg, "paydesk_admin_decisions_total", map[string]string{"decision": "decline", "result": "conflict"}); got != 1 {
		t.Fatalf("expected 1 declined conflict, got %f", got)
	}
	if got := metricValue(t, reg, "paydesk_auth_token_requests_total", map[string]string{"result": "denied"}); got != 1 {
		t.Fatalf("expected 1 denied token request, got %f", got)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveTransition("TOP_UP", "a", "b")
	m.ObserveConflict("x")
	m.SetStaleRequests(1)
	m.ObserveSweep(1, nil)
	m.ObserveDecision(true, "ok")
	m.ObserveTokenRequest("ok")
	m.observeHTTP("GET /", 200)
}

func TestHTTPCodeLabel(t *testing.T) {
	cases := map[int]string{200: "2xx", 302: "3xx", 404: "4xx", 422: "4xx", 503: "5xx"}
	for code, want := range cases {
		if got := httpCodeLabel(code); got != want {
			t.Fatalf("code %d: got %s want %s", code, got, want)
		}
	}
}
