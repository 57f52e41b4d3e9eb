// Package server exposes the HTTP surface: the blocking session flush
// endpoint plus health and metrics.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskweave/taskweave/internal/buffer"
	"github.com/taskweave/taskweave/internal/config"
	"github.com/taskweave/taskweave/internal/observability"
)

// Flusher is the blocking flush primitive the server drives.
type Flusher interface {
	FlushSession(ctx context.Context, projectID, sessionID uuid.UUID) buffer.FlushResult
}

// Server hosts the HTTP API.
type Server struct {
	cfg     config.ServerConfig
	flusher Flusher
	logger  *observability.Logger
	http    *http.Server
}

// New builds the server and its routes.
func New(cfg config.ServerConfig, flusher Flusher, registry *prometheus.Registry, logger *observability.Logger) *Server {
	s := &Server{cfg: cfg, flusher: flusher, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/projects/{project}/sessions/{session}/flush", s.handleFlush)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.http = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	s.logger.Info(context.Background(), "http server listening", "addr", s.cfg.Addr())
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleFlush runs a blocking flush for the session. Routine failures come
// back as 200 with a non-zero status in the body; only malformed requests
// get a 4xx.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(r.PathValue("project"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, buffer.FlushResult{
			Status: buffer.FlushFailed, Errmsg: "invalid project id",
		})
		return
	}
	sessionID, err := uuid.Parse(r.PathValue("session"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, buffer.FlushResult{
			Status: buffer.FlushFailed, Errmsg: "invalid session id",
		})
		return
	}

	ctx := observability.WithProject(r.Context(), projectID.String())
	ctx = observability.WithSession(ctx, sessionID.String())
	ctx, cancel := context.WithTimeout(ctx, s.cfg.FlushTimeout)
	defer cancel()

	start := time.Now()
	result := s.flusher.FlushSession(ctx, projectID, sessionID)
	s.logger.Info(ctx, "flush request served",
		"status", result.Status, "elapsed", time.Since(start).String())
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
