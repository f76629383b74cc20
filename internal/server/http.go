package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// pinger is implemented by backends that can report their connectivity
type pinger interface {
	Ping(ctx context.Context) error
}

// healthStatus is the body of a /healthz response
type healthStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleHealthz returns a handler that pings the backend, responding 200 if it is reachable within
// timeout and 503 otherwise.
func handleHealthz(p pinger, timeout time.Duration, log Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		status, code := healthStatus{Status: "ok"}, http.StatusOK
		if err := p.Ping(ctx); err != nil {
			log.Error(err, "health check failed")
			status, code = healthStatus{Status: "unavailable", Error: err.Error()}, http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
}

// newMux builds the HTTP routes served by the registry server.
// The supported paths are:
//   - /healthz - backend health checks
//   - /metrics - Prometheus server metrics
//   - /debug/pprof/* - pprof runtime profiles
func newMux(p pinger, healthzTimeout time.Duration, gatherer prometheus.Gatherer, log Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", handleHealthz(p, healthzTimeout, log))
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}
