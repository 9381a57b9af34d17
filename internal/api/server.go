// Copyright 2025 James Ross
// Package api implements spec.md §6's read path: the HTTP surface that
// translates inbound requests into orchestrator.OnApiRead/OnHubEvent
// calls and shapes whatever a step cached into the response envelopes
// documented there.
package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/huggingface/datasets-server/internal/config"
	"github.com/huggingface/datasets-server/internal/orchestrator"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is the read-path HTTP server: a thin wrapper around
// orchestrator.Orchestrator that owns routing, middleware and response
// shaping, the way the teacher's admin-api Server wraps its own handler
// set.
type Server struct {
	cfg    *config.Config
	orch   *orchestrator.Orchestrator
	log    *zap.Logger
	server *http.Server
}

// New builds a Server. orch must be non-nil; it is the only component
// this package talks to besides the wire-level request/response shaping.
func New(cfg *config.Config, orch *orchestrator.Orchestrator, log *zap.Logger) *Server {
	return &Server{cfg: cfg, orch: orch, log: log}
}

// Router builds the mux.Router this server serves, exported so tests can
// drive it directly without a live listener.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.log))
	r.Use(recoveryMiddleware(s.log))

	r.HandleFunc("/healthcheck", s.handleHealthcheck).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/is-valid", s.handleIsValid).Methods(http.MethodGet)
	r.HandleFunc("/splits", s.handleSplits).Methods(http.MethodGet)
	r.HandleFunc("/first-rows", s.handleFirstRows).Methods(http.MethodGet)
	r.HandleFunc("/rows", s.handleRows).Methods(http.MethodGet)
	r.HandleFunc("/filter", s.handleFilter).Methods(http.MethodGet)
	r.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
	r.HandleFunc("/webhook", s.handleWebhook).Methods(http.MethodPost)

	return r
}

// Start runs the HTTP server until it errors or is shut down.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.API.ListenAddr,
		Handler: s.Router(),
	}
	s.log.Info("starting api server", zap.String("addr", s.cfg.API.ListenAddr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
