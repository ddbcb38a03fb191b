// Package web provides the HTTP server for the REST API and the Prometheus
// metrics endpoint.
package web

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tagflow/api"
	"tagflow/config"
	"tagflow/logging"
)

// Server is the HTTP server for the REST API and metrics.
type Server struct {
	config     *config.WebConfig
	metricsCfg config.MetricsConfig
	engine     api.Engine
	gatherer   prometheus.Gatherer
	server     *http.Server
	router     chi.Router
	running    bool
	mu         sync.RWMutex

	// Stops the API SSE hub and detaches it from the engine
	apiCleanup func()
}

// NewServer creates a new web server. A nil gatherer disables the metrics
// endpoint regardless of configuration.
func NewServer(cfg *config.WebConfig, metricsCfg config.MetricsConfig, eng api.Engine, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		config:     cfg,
		metricsCfg: metricsCfg,
		engine:     eng,
		gatherer:   gatherer,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures the chi router with all routes.
func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Compress(5))

	// CORS for API
	r.Use(corsMiddleware)

	apiRouter, apiCleanup := api.NewRouter(s.engine)
	s.apiCleanup = apiCleanup
	r.Mount("/api", apiRouter)

	if s.metricsCfg.Enabled && s.gatherer != nil {
		path := s.metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
			ErrorLog: log.New(debugLogWriter("metrics"), "", 0),
		}))
	}

	s.router = r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.router
}

// debugLogWriter adapts logging.DebugLog to an io.Writer for use with log.Logger.
type debugLogWriter string

func (tag debugLogWriter) Write(p []byte) (n int, err error) {
	logging.DebugLog(string(tag), "%s", string(p))
	return len(p), nil
}

// Verify debugLogWriter implements io.Writer.
var _ io.Writer = debugLogWriter("")

// corsMiddleware adds CORS headers for API access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start begins the HTTP server.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(debugLogWriter("api"), "", 0),
	}

	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logging.DebugLog("api", "listener on %s exited: %v", addr, err)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.running = true
	return nil
}

// Stop halts the HTTP server gracefully and detaches the SSE hub.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.apiCleanup != nil {
		s.apiCleanup()
		s.apiCleanup = nil
	}

	if !s.running || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	return err
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the server address.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s:%d", s.config.Host, s.config.Port)
}
