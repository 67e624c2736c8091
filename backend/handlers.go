// Copyright 2026 MedFlow Clinic
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtm888/medflow-clinic-sub001/internal/auth"
	"github.com/xtm888/medflow-clinic-sub001/offsync"
)

// Server hosts the record API consumed by the offline layer.
type Server struct {
	store   RecordStore
	authn   *auth.JWTAuth
	metrics *Metrics
	logger  *slog.Logger
}

// NewServer wires the record API over a store. authn may be nil to
// disable authentication (tests only).
func NewServer(store RecordStore, authn *auth.JWTAuth, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, authn: authn, logger: logger}
}

// Router builds the HTTP surface. When reg is non-nil, request metrics
// are registered there and exposed on /metrics.
func (s *Server) Router(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if reg != nil {
		s.metrics = NewMetrics(reg)
		r.Use(s.metrics.Middleware)
	}

	r.Get("/healthz", s.handleHealth)
	r.Head("/healthz", s.handleHealth)
	if reg != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	r.Route("/api/{entityType}", func(r chi.Router) {
		if s.authn != nil {
			r.Use(s.authn.Middleware)
		}
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Get("/changes", s.handleChanges)
		r.Get("/{id}", s.handleGet)
		r.Put("/{id}", s.handleUpdate)
		r.Delete("/{id}", s.handleDelete)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	entityType := offsync.EntityType(chi.URLParam(r, "entityType"))
	recs, err := s.store.List(r.Context(), entityType)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "list_failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	entityType := offsync.EntityType(chi.URLParam(r, "entityType"))
	id := chi.URLParam(r, "id")
	rec, err := s.store.Get(r.Context(), entityType, id)
	if err != nil {
		if errors.Is(err, offsync.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "not_found", err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "get_failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	entityType := offsync.EntityType(chi.URLParam(r, "entityType"))
	var req offsync.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if len(req.Payload) == 0 {
		s.writeError(w, http.StatusUnprocessableEntity, "invalid_payload", errors.New("payload is required"))
		return
	}
	rec, err := s.store.Create(r.Context(), entityType, req.Payload)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "create_failed", err)
		return
	}
	rec.ClientRef = req.ClientRef
	if s.metrics != nil {
		s.metrics.ObserveMutation(string(entityType), "create")
	}
	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	entityType := offsync.EntityType(chi.URLParam(r, "entityType"))
	id := chi.URLParam(r, "id")
	var req offsync.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if len(req.Payload) == 0 {
		s.writeError(w, http.StatusUnprocessableEntity, "invalid_payload", errors.New("payload is required"))
		return
	}
	rec, err := s.store.Update(r.Context(), entityType, id, req.Payload)
	if err != nil {
		if errors.Is(err, offsync.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "not_found", err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "update_failed", err)
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveMutation(string(entityType), "update")
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// handleDelete tombstones the record. A missing or already-deleted id
// answers 404, which sync clients treat as success.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	entityType := offsync.EntityType(chi.URLParam(r, "entityType"))
	id := chi.URLParam(r, "id")
	if err := s.store.Delete(r.Context(), entityType, id); err != nil {
		if errors.Is(err, offsync.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "not_found", err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "delete_failed", err)
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveMutation(string(entityType), "delete")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	entityType := offsync.EntityType(chi.URLParam(r, "entityType"))

	since := time.Time{}
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		parsed, err := time.Parse(time.RFC3339Nano, sinceStr)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_request", errors.New("since must be RFC3339"))
			return
		}
		since = parsed
	}
	limit := 500
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid_request", errors.New("limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	recs, hasMore, err := s.store.ChangedSince(r.Context(), entityType, since, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "changes_failed", err)
		return
	}

	next := since
	for i := range recs {
		if recs[i].UpdatedAt.After(next) {
			next = recs[i].UpdatedAt
		}
	}
	s.writeJSON(w, http.StatusOK, &offsync.ChangesResponse{
		Records: recs,
		Next:    next,
		HasMore: hasMore,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code string, err error) {
	if status >= 500 {
		s.logger.Error("record API error", "code", code, "error", err)
	}
	s.writeJSON(w, status, &offsync.ErrorResponse{Error: code, Message: err.Error()})
}
