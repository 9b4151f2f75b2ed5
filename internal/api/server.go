// Package api exposes correlation search jobs over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"latency-correlations/internal/models"
	"latency-correlations/internal/ratelimit"
	"latency-correlations/internal/session"
	"latency-correlations/internal/telemetry"
)

// Server wires HTTP handlers for the correlation search API.
type Server struct {
	sessions *session.Registry
	limiter  *ratelimit.TokenBucket
	logger   *slog.Logger
}

// New constructs the API server. A nil limiter disables rate limiting.
func New(sessions *session.Registry, limiter *ratelimit.TokenBucket, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{sessions: sessions, limiter: limiter, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/internal/correlations/search", func(r chi.Router) {
		r.Post("/", s.handleSearch)
		r.Get("/{id}", s.handlePoll)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Delete("/{id}", s.handleEvict)
	})
	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req models.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	if req.ID != "" {
		s.respond(w, r, req.ID)
		return
	}
	if err := req.Params.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), clientFromRequest(r))
		if err != nil {
			s.logger.ErrorContext(r.Context(), "rate limiter unavailable", "request_id", middleware.GetReqID(r.Context()), "error", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "rate limit error"})
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())+1))
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limited"})
			return
		}
	}

	originator := middleware.GetReqID(r.Context())
	res, err := s.sessions.Resolve(r.Context(), "", req.Params, originator)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	s.logger.InfoContext(r.Context(), "correlation search submitted", "request_id", originator, "job_id", res.Job.ID)
	writeJSON(w, http.StatusOK, BuildResponse(res.Job.ID, res.Job.Snapshot(), res.Restored))
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, chi.URLParam(r, "id"))
}

// respond attaches to an existing job and writes its latest snapshot.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, id string) {
	res, err := s.sessions.Resolve(r.Context(), id, models.SearchParams{}, middleware.GetReqID(r.Context()))
	if errors.Is(err, session.ErrUnknownSession) {
		telemetry.Polls.WithLabelValues("not_found").Inc()
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		telemetry.Polls.WithLabelValues("error").Inc()
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	snap := res.Job.Snapshot()
	outcome := "running"
	if snap.State.Terminal() {
		outcome = string(snap.State)
	}
	telemetry.Polls.WithLabelValues(outcome).Inc()
	writeJSON(w, http.StatusOK, BuildResponse(id, snap, res.Restored))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.sessions.Cancel(id)
	if errors.Is(err, session.ErrUnknownSession) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	s.logger.InfoContext(r.Context(), "correlation search cancel requested", "request_id", middleware.GetReqID(r.Context()), "job_id", id)
	writeJSON(w, http.StatusAccepted, BuildResponse(id, job.Snapshot(), job.Originator != middleware.GetReqID(r.Context())))
}

func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.sessions.Evict(r.Context(), id)
	if errors.Is(err, session.ErrUnknownSession) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
