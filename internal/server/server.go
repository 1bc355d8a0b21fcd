// Package server exposes the HTTP API: posting ingestion, record
// inspection, and the operator actions on pending records.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/applyflow/applyflow/internal/intake"
	"github.com/applyflow/applyflow/internal/model"
	"github.com/applyflow/applyflow/internal/pipeline"
	"github.com/applyflow/applyflow/internal/store"
)

// Server holds the API's collaborators.
type Server struct {
	store   store.Store
	intake  *intake.Service
	actions *pipeline.Actions
}

// New creates a Server.
func New(st store.Store, in *intake.Service, actions *pipeline.Actions) *Server {
	return &Server{store: st, intake: in, actions: actions}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Post("/ingest", s.handleIngest)

	r.Route("/postings", func(r chi.Router) {
		r.Get("/", s.handleListPostings)
		r.Get("/{id}", s.handleGetPosting)
		r.Post("/{id}/retry", s.handleRetry)
		r.Post("/{id}/skip", s.handleSkip)
		r.Post("/{id}/complete", s.handleComplete)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.store.CountRecordsByStatus(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	depths, err := s.store.QueueDepths(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"statuses": statuses,
		"queues":   depths,
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var posting model.Posting
	if err := json.NewDecoder(r.Body).Decode(&posting); err != nil {
		respondError(w, http.StatusBadRequest, eris.Wrap(err, "invalid request body"))
		return
	}

	rec, err := s.intake.Ingest(r.Context(), posting)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err)
		return
	}
	respondJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleListPostings(w http.ResponseWriter, r *http.Request) {
	filter := store.RecordFilter{
		Status: model.Status(r.URL.Query().Get("status")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, eris.New("limit must be an integer"))
			return
		}
		filter.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, eris.New("offset must be an integer"))
			return
		}
		filter.Offset = n
	}

	records, err := s.store.ListRecords(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []model.TrackingRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetPosting(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	outcome, err := s.actions.Retry(r.Context(), id)
	if err != nil {
		respondError(w, actionStatusCode(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"posting_id": id,
		"status":     outcome.Status,
	})
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.actions.Skip(r.Context(), id); err != nil {
		respondError(w, actionStatusCode(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"posting_id": id,
		"status":     model.StatusRejected,
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.actions.ManualComplete(r.Context(), id); err != nil {
		respondError(w, actionStatusCode(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"posting_id": id,
		"status":     model.StatusCompleted,
	})
}

func actionStatusCode(err error) int {
	if eris.Is(err, pipeline.ErrLocked) {
		return http.StatusConflict
	}
	return http.StatusUnprocessableEntity
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
