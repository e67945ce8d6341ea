package observability

import (
	"encoding/json"
	"net/http"
)

// Handler serves the in-process snapshot as JSON.
func Handler(metrics *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := metrics.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(snap)
	})
}

// NewMux exposes the JSON snapshot at /metrics and, when prom is non-nil,
// the Prometheus exposition at /metrics/prometheus.
func NewMux(metrics *Metrics, prom http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler(metrics))
	if prom != nil {
		mux.Handle("GET /metrics/prometheus", prom)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
