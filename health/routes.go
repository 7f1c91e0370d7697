package health

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes mounts the health endpoints shared by every service:
// HEAD / and GET /health/live for liveness, GET /health for the full
// report, GET /health/ready for readiness.
func RegisterRoutes(r *mux.Router, registry *Registry) {
	r.HandleFunc("/", LivenessHandler()).Methods(http.MethodHead)
	r.Handle("/health", NewHandler(registry, 5*time.Second)).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", ReadinessHandler(registry)).Methods(http.MethodGet)
	r.HandleFunc("/health/live", LivenessHandler()).Methods(http.MethodGet, http.MethodHead)
}

// RegisterMetrics mounts the Prometheus scrape endpoint for gatherer
func RegisterMetrics(r *mux.Router, gatherer prometheus.Gatherer) {
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

// NewAdminRouter returns a router serving health and metrics endpoints
func NewAdminRouter(registry *Registry, gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	RegisterRoutes(r, registry)
	if gatherer != nil {
		RegisterMetrics(r, gatherer)
	}
	return r
}
