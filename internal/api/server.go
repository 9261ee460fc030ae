package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"prototype-queue/internal/models"
	"prototype-queue/internal/queue"
	"prototype-queue/internal/ratelimit"
	"prototype-queue/internal/store"
	"prototype-queue/internal/telemetry"
)

// Server wires HTTP handlers for the producer and admin API.
type Server struct {
	manager *queue.Manager
	limiter *ratelimit.TokenBucket
	logger  *slog.Logger
}

// New constructs the API server. A nil limiter disables rate limiting.
func New(m *queue.Manager, limiter *ratelimit.TokenBucket, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager: m,
		limiter: limiter,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleEnqueue)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/history", s.handleHistory)
		r.Post("/{id}/cancel", s.handleCancel)
	})
	r.Get("/stats", s.handleStats)
	r.Post("/admin/cleanup", s.handleCleanup)
	return r
}

type enqueueRequest struct {
	OwnerID       string `json:"owner_id"`
	CorrelationID string `json:"correlation_id"`
	Payload       string `json:"payload"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Payload) == "" {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}
	if req.OwnerID == "" {
		req.OwnerID = ownerFromRequest(r)
	}

	if s.limiter != nil {
		decision, err := s.limiter.Allow(r.Context(), req.OwnerID)
		if err != nil {
			s.logger.Error("rate limiter", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(decision.RetryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	job, err := s.manager.Enqueue(r.Context(), req.OwnerID, req.CorrelationID, req.Payload)
	if err != nil {
		s.storeError(w, "enqueue", err)
		return
	}
	writeJSON(w, http.StatusAccepted, job.View())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, found, err := s.manager.GetJob(r.Context(), id)
	if err != nil {
		s.storeError(w, "get job", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job.View())
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := queue.Filter{OwnerID: q.Get("owner_id")}
	if v := q.Get("status"); v != "" {
		filter.Status = models.Status(v)
		if !filter.Status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status")
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	jobs, err := s.manager.ListJobs(r.Context(), filter)
	if err != nil {
		s.storeError(w, "list jobs", err)
		return
	}
	views := make([]models.JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, j.View())
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logs, err := s.manager.History(r.Context(), id)
	if err != nil {
		s.storeError(w, "job history", err)
		return
	}
	if logs == nil {
		logs = []models.AuditLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": logs})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.manager.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, queue.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "job is no longer pending")
	case err != nil:
		s.storeError(w, "cancel", err)
	case !ok:
		writeError(w, http.StatusNotFound, "job not found")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": string(models.StatusCancelled)})
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.Stats(r.Context())
	if err != nil {
		s.storeError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := s.manager.CleanupExpired(r.Context())
	if err != nil {
		s.storeError(w, "cleanup", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Healthy(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op, slog.String("error", err.Error()))
	if errors.Is(err, store.ErrUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func ownerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Owner-ID"); v != "" {
		return v
	}
	return "anonymous"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
