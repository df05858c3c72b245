package server

import (
	"context"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wizardbeardstudio/paydesk/internal/platform/clock"
)

// SystemHandler serves liveness and metrics outside the /v1 API.
type SystemHandler struct {
	StartedAt time.Time
	Version   string
	Clock     clock.Clock
	// Ping checks backing stores; nil means always healthy.
	Ping     func(ctx context.Context) error
	Gatherer prometheus.Gatherer
}

type healthView struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Error         string `json:"error,omitempty"`
}

func (h SystemHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.health)
	g := h.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}

func (h SystemHandler) health(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	if h.Clock != nil {
		now = h.Clock.Now()
	}
	view := healthView{Status: "ok", Version: h.Version, UptimeSeconds: int64(now.Sub(h.StartedAt).Seconds())}
	code := http.StatusOK
	if h.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ping(ctx); err != nil {
			view.Status, view.Error = "degraded", err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, view)
}

var jsonMarshaler runtime.Marshaler = &runtime.JSONBuiltin{}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := jsonMarshaler.Marshal(v)
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", jsonMarshaler.ContentType(v))
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
