// Package httpapi serves the read-side HTTP surface: health, metrics, and
// the two guaranteed pulse lookups. Writes never enter through HTTP; the
// stream is the only write path.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pulsegrid/pulsegrid/internal/ingest"
	"github.com/pulsegrid/pulsegrid/internal/pipeline"
)

const (
	defaultPageLimit = 24
	maxPageLimit     = 100
)

type Server struct {
	store ingest.Store
	dlq   pipeline.DLQ
	log   zerolog.Logger
	srv   *http.Server
}

func NewServer(addr string, store ingest.Store, dlq pipeline.DLQ, log zerolog.Logger) *Server {
	s := &Server{
		store: store,
		dlq:   dlq,
		log:   log.With().Str("component", "httpapi").Logger(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/v1/users/{id}/pulses", s.handleUserPulses).Methods(http.MethodGet)
	r.HandleFunc("/v1/pulses/{id}", s.handlePulse).Methods(http.MethodGet)
	r.Use(s.logRequests)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("http listening")
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}
	if s.dlq != nil {
		if depth, err := s.dlq.Depth(r.Context()); err == nil {
			status["dlq_depth"] = depth
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleUserPulses(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]

	limit := defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	pulses, err := s.store.ByUser(r.Context(), userID, limit)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("list pulses failed")
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"pulses":  pulses,
		"count":   len(pulses),
	})
}

func (s *Server) handlePulse(w http.ResponseWriter, r *http.Request) {
	pulseID := mux.Vars(r)["id"]

	rec, err := s.store.ByID(r.Context(), pulseID)
	if err != nil {
		s.log.Error().Err(err).Str("pulse_id", pulseID).Msg("pulse lookup failed")
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "pulse not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
