// Package core provides the API chassis for the Rockfall prediction service.
// It creates a chi router usable both as a standard HTTP server (local and
// container deployments) and behind an API Gateway Lambda proxy. It enforces
// cross-cutting concerns such as logging, metrics, compression and error
// formatting before requests reach domain-specific handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"rockfall/internal/config"
)

// MetricsCollector defines the interface for recording API telemetry.
// Implementations record request latency and count metrics to Prometheus,
// CloudWatch, or equivalent backends.
type MetricsCollector interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// RouteRegistrar mounts a group of domain routes onto the /api router.
type RouteRegistrar func(r chi.Router)

// Server encapsulates all dependencies for the Rockfall API, allowing for
// easy injection during testing and distinct configuration for different
// environments.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   MetricsCollector

	// Classifier reports the external classifier's health for /health.
	Classifier ClassifierHealth

	// HealthProbes are additional dependencies (database, broker) reported
	// as components of the health body.
	HealthProbes []HealthProbe

	// APIRouteRegistrars are populated by the entry point. This indirection
	// avoids import cycles between core and handler packages.
	APIRouteRegistrars []RouteRegistrar

	// MetricsHandler is served at GET /metrics when non-nil.
	MetricsHandler http.Handler

	// Closers are released in order during Shutdown.
	Closers []func() error

	router *chi.Mux
}

// NewServer initializes dependencies and prepares the router for route
// mounting. It performs a fail-fast check on critical configuration.
//
// The caller is responsible for calling MountRoutes after construction.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler interface for the router.
// Used by http.Server (local) and the Lambda proxy adapter.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases server resources such as database pools and event
// sink connections. All closers run even if one fails; the first error is
// returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var firstErr error
	for _, closeFn := range s.Closers {
		if err := closeFn(); err != nil {
			s.Logger.Error("error releasing server resource", "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("releasing server resource: %w", err)
			}
		}
	}

	s.Logger.Info("server shutdown complete")
	return firstErr
}
