// Package api exposes the crawler's operational HTTP surface: health,
// metrics, and live run progress.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/infomdss/knrb-crawler/internal/metrics"
	"github.com/infomdss/knrb-crawler/internal/progress/sinks"
)

// ProgressSource yields the latest run status for the /progress handler.
type ProgressSource interface {
	Snapshot() sinks.RunStatus
}

// Server wires the ops endpoints to the progress snapshot and the
// Prometheus registry.
type Server struct {
	router   chi.Router
	progress ProgressSource
	logger   *zap.Logger

	http *http.Server
}

// NewServer constructs a Server with middleware and routes. Request
// collectors are registered on reg alongside the crawl metrics.
func NewServer(addr string, source ProgressSource, reg *prometheus.Registry, logger *zap.Logger) *Server {
	s := &Server{progress: source, logger: logger}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(metrics.NewHTTP(reg).Middleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/progress", s.progressHandler)

	s.router = r
	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background. Listen failures are logged, not
// fatal: the crawl does not depend on the ops surface.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("ops server stopped", zap.Error(err))
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) progressHandler(w http.ResponseWriter, _ *http.Request) {
	snap := s.progress.Snapshot()
	if snap.RunID == "" {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "idle"})
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
