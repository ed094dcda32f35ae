package httpserver

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"anymail/internal/observability"
)

type Server struct {
	Mux *mux.Router
}

// New returns a router with request metrics and the health endpoints.
func New(readyTimeout time.Duration, checks ...ReadyzCheck) *Server {
	m := mux.NewRouter()
	m.Use(Metrics(observability.APIRequests))
	m.HandleFunc("/healthz", Healthz()).Methods(http.MethodGet)
	m.HandleFunc("/readyz", Readyz(readyTimeout, checks...)).Methods(http.MethodGet)
	return &Server{Mux: m}
}

// Handler wraps the router with request logging.
func (s *Server) Handler() http.Handler {
	return Logging(s.Mux)
}

// MetricsHandler serves the Prometheus registry on its own port.
func MetricsHandler() http.Handler {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	return m
}
