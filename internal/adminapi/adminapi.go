// Package adminapi exposes the health probe and Prometheus metrics surface
// over HTTP, trimmed from the upstream REST API server down to the two
// routes the proxy actually needs: /health and /metrics.
package adminapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sqlguard/sqlguard/internal/health"
	"github.com/sqlguard/sqlguard/internal/metrics"
)

// Server is the health-probe and metrics HTTP server.
type Server struct {
	health     *health.Checker
	metrics    *metrics.Collector
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates an admin API server bound to hc and m.
func NewServer(hc *health.Checker, m *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{health: hc, metrics: m, logger: logger}
}

// Start starts the HTTP server listening on addr (host:port).
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	r.NotFoundHandler = http.HandlerFunc(notFoundHandler)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.logger.Info("adminapi: listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("adminapi: server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the admin server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthy := s.health.IsHealthy()
	if healthy {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"status": "unhealthy",
		"reason": s.health.Reason(),
	})
}

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"status": "not found"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
