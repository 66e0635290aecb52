// Package server exposes the admin HTTP surface: subsystem health and
// per-database queue statistics.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/500Foods/Philement-sub001/internal/dbqueue"
	"github.com/500Foods/Philement-sub001/internal/logger"
)

// Server serves the admin API over one queue manager.
type Server struct {
	manager *dbqueue.Manager
	log     *logger.Logger
	http    *http.Server
}

// New builds the server listening on addr.
func New(addr string, manager *dbqueue.Manager, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Global()
	}
	s := &Server{manager: manager, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/databases/{name}", s.handleDatabase)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks serving the admin API.
func (s *Server) ListenAndServe() error {
	s.log.With().Str("address", s.http.Addr).Logger().Info("admin server listening")
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type healthResponse struct {
	Status    string `json:"status"`
	Databases int    `json:"databases"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Databases: s.manager.DatabaseCount(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Stats())
}

type databaseResponse struct {
	Lead     dbqueue.QueueStats   `json:"lead"`
	Children []dbqueue.QueueStats `json:"children"`
}

func (s *Server) handleDatabase(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	lead := s.manager.GetDatabase(name)
	if lead == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown database"})
		return
	}

	resp := databaseResponse{Lead: lead.Stats(), Children: []dbqueue.QueueStats{}}
	for _, child := range lead.Children() {
		resp.Children = append(resp.Children, child.Stats())
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
