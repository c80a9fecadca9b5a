package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/amaumene/ytgrab/internal/api/handlers"
	"github.com/amaumene/ytgrab/internal/api/middleware"
	"github.com/amaumene/ytgrab/internal/controllers"
	"github.com/amaumene/ytgrab/internal/metrics"
)

// Server represents the HTTP server
type Server struct {
	server     *http.Server
	jobCtrl    *controllers.JobController
	searchCtrl *controllers.SearchController
	metrics    *metrics.Metrics
	engines    []handlers.Engine
	logger     *logrus.Logger
}

// NewServer creates a new HTTP server
func NewServer(port string, jobCtrl *controllers.JobController, searchCtrl *controllers.SearchController, m *metrics.Metrics, engines []handlers.Engine, logger *logrus.Logger) *Server {
	s := &Server{
		jobCtrl:    jobCtrl,
		searchCtrl: searchCtrl,
		metrics:    m,
		engines:    engines,
		logger:     logger,
	}

	s.server = &http.Server{
		Addr:        ":" + port,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: /api/events streams stay open
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler returns the routed handler wrapped in the logging middleware
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.setupRoutes(mux)
	return middleware.Logging(mux, s.logger)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Health check
	healthHandler := handlers.NewHealthHandler(s.logger)
	mux.HandleFunc("/health", healthHandler.ServeHTTP)

	// Status endpoint
	statusHandler := handlers.NewStatusHandler(s.jobCtrl, s.logger)
	mux.HandleFunc("/status", statusHandler.ServeHTTP)

	// Prometheus
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	// Resolve and search
	mediaHandler := handlers.NewMediaHandler(s.searchCtrl, s.logger)
	mux.HandleFunc("GET /api/resolve", mediaHandler.Resolve)
	mux.HandleFunc("GET /api/search", mediaHandler.Search)

	// Jobs
	jobsHandler := handlers.NewJobsHandler(s.jobCtrl, s.logger)
	mux.HandleFunc("GET /api/jobs", jobsHandler.List)
	mux.HandleFunc("POST /api/jobs", jobsHandler.Create)
	mux.HandleFunc("GET /api/jobs/{id}", jobsHandler.Get)
	mux.HandleFunc("DELETE /api/jobs/{id}", jobsHandler.Cancel)
	mux.HandleFunc("PUT /api/speed-limit", jobsHandler.SetSpeedLimit)

	// History
	historyHandler := handlers.NewHistoryHandler(s.jobCtrl, s.logger)
	mux.HandleFunc("GET /api/history", historyHandler.List)
	mux.HandleFunc("DELETE /api/history", historyHandler.Clear)

	// Engines
	enginesHandler := handlers.NewEnginesHandler(s.engines, s.logger)
	mux.HandleFunc("GET /api/engines", enginesHandler.ServeHTTP)

	// Event stream
	eventsHandler := handlers.NewEventsHandler(s.jobCtrl, s.logger)
	mux.HandleFunc("GET /api/events", eventsHandler.ServeHTTP)
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("port", s.server.Addr).Info("Starting HTTP server")

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
