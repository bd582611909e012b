// Package httpapi exposes the stable HTTP surface of §6.1 over
// net/http.ServeMux's method-pattern routing, with the Document/Source/
// Search/Analytics routes and their respondJSON/respondError response
// helpers (status codes come from apperr.StatusFromError).
package httpapi

import (
	"net/http"

	"github.com/rs/zerolog"

	"newsvault/internal/executor"
	"newsvault/internal/ingest"
	"newsvault/internal/metadata"
	"newsvault/internal/retrieval"
)

// Server wires the Ingest Coordinator, Retrieval Pipeline, Metadata Store,
// and Background Executor into the HTTP API.
type Server struct {
	mux *http.ServeMux

	store    *metadata.Store
	ingest   *ingest.Coordinator
	pipeline *retrieval.Pipeline
	pool     *executor.Pool

	maxUploadBytes int64
	log            zerolog.Logger
}

func NewServer(store *metadata.Store, coordinator *ingest.Coordinator, pipeline *retrieval.Pipeline, pool *executor.Pool, maxUploadBytes int64, log zerolog.Logger) *Server {
	s := &Server{
		store:          store,
		ingest:         coordinator,
		pipeline:       pipeline,
		pool:           pool,
		maxUploadBytes: maxUploadBytes,
		log:            log,
	}
	s.registerRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux = http.NewServeMux()

	s.mux.HandleFunc("POST /api/content/documents", s.handleCreateDocument)
	s.mux.HandleFunc("GET /api/content/documents", s.handleListDocuments)
	s.mux.HandleFunc("GET /api/content/documents/{id}", s.handleGetDocument)
	s.mux.HandleFunc("PUT /api/content/documents/{id}", s.handleUpdateDocument)
	s.mux.HandleFunc("DELETE /api/content/documents/{id}", s.handleDeleteDocument)
	s.mux.HandleFunc("POST /api/content/documents/upload/stream", s.handleUploadStream)

	s.mux.HandleFunc("POST /api/search/semantic", s.handleSemanticSearch)
	s.mux.HandleFunc("POST /api/search/semantic/stream", s.handleSemanticSearchStream)

	s.mux.HandleFunc("GET /api/sources", s.handleListSources)
	s.mux.HandleFunc("POST /api/sources", s.handleCreateSource)
	s.mux.HandleFunc("PUT /api/sources/{id}", s.handleUpdateSource)
	s.mux.HandleFunc("DELETE /api/sources/{id}", s.handleDeleteSource)
	s.mux.HandleFunc("POST /api/sources/{id}/poll", s.handlePollSource)

	s.mux.HandleFunc("GET /api/analytics/keywords", s.handleTopTags)
	s.mux.HandleFunc("GET /api/analytics/trending-queries", s.handleTrendingQueries)

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
