// Package api provides the HTTP servers for scanfleet: the job controller API
// and the workload dispatcher service.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/anstrom/scanfleet/internal/api/handlers"
	"github.com/anstrom/scanfleet/internal/api/middleware"
	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/controller"
	"github.com/anstrom/scanfleet/internal/dispatcher"
	"github.com/anstrom/scanfleet/internal/metrics"
)

// Server timeout constants.
const (
	serverShutdownTimeout = 30 * time.Second
	readHeaderTimeout     = 10 * time.Second
	idleTimeout           = 60 * time.Second
)

// Server wraps an http.Server and its router.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	logger     *slog.Logger
	metrics    *metrics.Registry
}

// NewControllerServer builds the controller API.
func NewControllerServer(cfg config.APIConfig, service *controller.Service, registry *metrics.Registry,
	logger *slog.Logger, version string) *Server {
	s := newServer(cfg, registry, logger.With("component", "controller-api"))

	scans := handlers.NewScanHandler(service, s.logger)
	health := handlers.NewHealthHandler(service, "scanfleet-controller", version, s.logger)

	s.router.HandleFunc("/", health.Index).Methods(http.MethodGet)
	s.router.HandleFunc("/health", health.Health).Methods(http.MethodGet)
	s.mountMetrics()

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/tools", scans.ListTools).Methods(http.MethodGet)
	api.HandleFunc("/scan", scans.SubmitScan).Methods(http.MethodPost)
	api.HandleFunc("/scan/{tool}", scans.SubmitToolScan).Methods(http.MethodPost)
	api.HandleFunc("/scan_jobs", scans.ListJobs).Methods(http.MethodGet)
	api.HandleFunc("/scan_jobs/{job_id}", scans.GetJob).Methods(http.MethodGet)
	api.HandleFunc("/scan_results", scans.RecordResult).Methods(http.MethodPost)
	api.HandleFunc("/scan_results", scans.ListResults).Methods(http.MethodGet)

	return s
}

// NewDispatcherServer builds the dispatcher service API.
func NewDispatcherServer(cfg config.APIConfig, d dispatcher.Dispatcher, registry *metrics.Registry,
	logger *slog.Logger) *Server {
	s := newServer(cfg, registry, logger.With("component", "dispatcher-api"))

	h := handlers.NewDispatchHandler(d, s.logger)
	s.router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	s.router.HandleFunc("/api/scan/execute", h.Execute).Methods(http.MethodPost)
	s.router.HandleFunc("/scan", h.Execute).Methods(http.MethodPost)
	s.mountMetrics()

	return s
}

func newServer(cfg config.APIConfig, registry *metrics.Registry, logger *slog.Logger) *Server {
	router := mux.NewRouter()
	s := &Server{
		router:  router,
		logger:  logger,
		metrics: registry,
	}
	s.setupMiddleware(cfg)

	var handler http.Handler = router
	if cfg.CORS.Enabled {
		// CORS sits outside the router so preflight requests never hit method matching.
		handler = middleware.CORS(cfg.CORS.AllowedOrigins, cfg.CORS.AllowedMethods, cfg.CORS.AllowedHeaders)(router)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
	return s
}

// setupMiddleware installs the middleware chain on the router.
func (s *Server) setupMiddleware(cfg config.APIConfig) {
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.Logging(s.logger))
	if s.metrics != nil {
		s.router.Use(middleware.Metrics(s.metrics))
	}
	s.router.Use(middleware.ContentType())
	s.router.Use(middleware.MaxBodySize(cfg.MaxRequestSize))
	s.router.Use(middleware.RequestTimeout(cfg.RequestTimeout))
}

func (s *Server) mountMetrics() {
	if s.metrics != nil && s.metrics.IsEnabled() {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting API server", "address", s.httpServer.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped")
	return nil
}

// Handler returns the root handler including CORS.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// GetAddress returns the server address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}
