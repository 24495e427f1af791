// Package httpapi is the thin HTTP transport layer spec.md §1 calls an
// "external collaborator": it parses request bodies and query strings
// and maps them onto internal/engine.Engine, and is itself outside the
// spec's scope beyond producing conformant wire values (§6.2).
//
// # Endpoints
//
//   - POST /user_tags                 - ingest one UserTag
//   - POST /user_profiles/{cookie}     - profile query
//   - POST /aggregates                 - bucket aggregation query
//   - POST /clear                      - drop all engine state (test-only)
//   - GET  /health                     - process/buffer diagnostics
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/allezon/tagengine/internal/diagnostics"
	"github.com/allezon/tagengine/internal/engine"
)

// Server is the HTTP API server.
type Server struct {
	eng         engine.Engine
	diagnostics *diagnostics.Collector
	logger      *slog.Logger
	mux         *http.ServeMux
}

// NewServer creates a new API server bound to eng. diagnosticsCollector
// may be nil, in which case /health reports only {"status":"ok"}.
func NewServer(eng engine.Engine, diagnosticsCollector *diagnostics.Collector, logger *slog.Logger) *Server {
	s := &Server{
		eng:         eng,
		diagnostics: diagnosticsCollector,
		logger:      logger,
		mux:         http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /user_tags", s.handleRegisterUserTag)
	s.mux.HandleFunc("POST /user_profiles/{cookie}", s.handleUserProfile)
	s.mux.HandleFunc("POST /aggregates", s.handleAggregates)
	s.mux.HandleFunc("POST /clear", s.handleClear)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.diagnostics == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.diagnostics.Snapshot(r.Context()))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writing response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
