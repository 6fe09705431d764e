package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/sparkplug-core/internal/process"
)

const apiPrefix = "/api/v1"

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(withRequestID, s.accessLog, s.cors, limitBody)

	wsPath := s.wsCfg.Path
	if wsPath == "" {
		wsPath = apiPrefix + "/ws"
	}

	r.Route(apiPrefix, func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/sessions", s.handleListSessions)

		r.Route("/peers", func(r chi.Router) {
			r.Get("/", s.handleListPeers)
			r.Get("/catalog", s.handlePeerCatalog)
			r.Post("/rebirth", s.handleRequestRebirth)
		})

		r.Get("/births", s.handleListBirths)

		if rest, ok := strings.CutPrefix(wsPath, apiPrefix); ok && strings.HasPrefix(rest, "/") {
			r.Get(rest, s.handleWebSocket)
		}
	})

	if !strings.HasPrefix(wsPath, apiPrefix+"/") {
		r.Get(wsPath, s.handleWebSocket)
	}

	// Prometheus scrape endpoint
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	return r
}

// handleHealth reports ok while every supervised session is running.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	running := 0
	for _, sess := range s.sessions {
		if sess.Stats().Status == process.StatusRunning {
			running++
		}
	}
	if running < len(s.sessions) {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"version":  s.version,
		"sessions": len(s.sessions),
		"running":  running,
	})
}
