// Package http exposes the voice session to a host page: health, metrics, the
// projected view as JSON, session commands and a websocket view stream.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"voice-companion/pkg/correlation"
	"voice-companion/pkg/errors"
	"voice-companion/pkg/metrics"
	"voice-companion/pkg/version"

	"github.com/sirupsen/logrus"
)

// HealthCheck reports the health of one dependency. A nil error is healthy.
type HealthCheck func() error

// Server represents the HTTP server for the companion page
type Server struct {
	config     *Config
	logger     *logrus.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	startTime  time.Time

	checksMu sync.RWMutex
	checks   map[string]HealthCheck

	listener net.Listener
}

// NewServer creates a new HTTP server instance
func NewServer(logger *logrus.Logger, config *Config) *Server {
	if config == nil {
		config = NewDefaultConfig()
	}

	server := &Server{
		config:    config,
		logger:    logger,
		mux:       http.NewServeMux(),
		startTime: time.Now(),
		checks:    make(map[string]HealthCheck),
	}

	server.mux.HandleFunc("/health", server.HealthHandler)
	server.mux.HandleFunc("/health/live", server.LivenessHandler)
	server.mux.HandleFunc("/health/ready", server.ReadinessHandler)
	server.mux.HandleFunc("/status", server.statusHandler)

	if config.EnableMetrics && metrics.GetRegistry() != nil {
		server.mux.Handle("/metrics", metrics.Handler())
		logger.Info("Prometheus metrics endpoint enabled at /metrics")
	} else {
		logger.Info("Metrics endpoint disabled")
	}

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      correlation.NewHTTPMiddleware(logger).Middleware(addServerHeader(server.mux)),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return server
}

func addServerHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", version.ServerHeader())
		next.ServeHTTP(w, r)
	})
}

// Handler returns the root handler, including the correlation and Server
// header middleware
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// RegisterHandler adds a custom handler to the server
func (s *Server) RegisterHandler(path string, handler http.HandlerFunc) {
	s.mux.HandleFunc(path, handler)
	s.logger.WithField("path", path).Debug("Registered HTTP handler")
}

// AddHealthCheck registers a dependency check reported by /health and /health/ready
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	s.checks[name] = check
}

// Start binds the port and serves in a goroutine. Bind errors are returned.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.Wrap(err, "failed to bind HTTP port").WithField("port", s.config.Port)
	}
	s.listener = listener

	s.logger.WithField("port", s.config.Port).Info("HTTP server listening")
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()
	return nil
}

// Addr returns the bound address, empty before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}

// statusHandler handles the /status endpoint
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":     "ok",
		"uptime":     time.Since(s.startTime).Round(time.Second).String(),
		"version":    version.Version,
		"started_at": s.startTime.Format(time.RFC3339),
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
