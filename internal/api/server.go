package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"guideline-ingest/internal/config"
	"guideline-ingest/internal/models"
	"guideline-ingest/internal/ratelimit"
	"guideline-ingest/internal/telemetry"
)

const (
	msgInvalidText = "Text field is required and must be a string"
	msgNotFound    = "Job not found"
	msgInternal    = "Internal server error"
	msgRateLimited = "rate limited"
)

// JobStore is the part of the job store the HTTP surface uses.
type JobStore interface {
	CreateJob(ctx context.Context, eventID, inputText string) (models.Job, error)
	GetJobByEventID(ctx context.Context, eventID string) (models.Job, bool, error)
}

// Enqueuer hands a job payload to the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, p models.Payload) (bool, error)
}

// Limiter decides whether a client may submit another job.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the submission and status API.
type Server struct {
	cfg      config.Config
	store    JobStore
	queue    Enqueuer
	limiter  Limiter
	log      *slog.Logger
	validate *validator.Validate
	newID    func() string
	now      func() time.Time
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, st JobStore, q Enqueuer, limiter Limiter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		store:    st,
		queue:    q,
		limiter:  limiter,
		log:      log,
		validate: validator.New(),
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{event_id}", s.handleGetJob)
	return r
}

type submitRequest struct {
	Text string `json:"text" validate:"required"`
}

type submitResponse struct {
	EventID string `json:"event_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), clientIP(r))
		if err != nil {
			s.log.ErrorContext(r.Context(), "submit.rate_limit_error", "error", err)
			telemetry.SubmitRejected.WithLabelValues("internal").Inc()
			writeError(w, http.StatusInternalServerError, msgInternal)
			return
		}
		if !d.Allowed {
			if d.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int((d.RetryAfter+time.Second-1)/time.Second)))
			}
			telemetry.SubmitRejected.WithLabelValues("rate_limited").Inc()
			writeError(w, http.StatusTooManyRequests, msgRateLimited)
			return
		}
	}

	var req submitRequest
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil || s.validate.Struct(req) != nil {
		telemetry.SubmitRejected.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, msgInvalidText)
		return
	}

	eventID := s.newID()
	log := s.log.With("event_id", eventID)
	if _, err := s.store.CreateJob(r.Context(), eventID, req.Text); err != nil {
		log.ErrorContext(r.Context(), "submit.create_failed", "error", err)
		telemetry.SubmitRejected.WithLabelValues("internal").Inc()
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	if _, err := s.queue.Enqueue(r.Context(), models.Payload{EventID: eventID, Text: req.Text}); err != nil {
		// The pending job is picked up later by the worker's reconciler.
		log.ErrorContext(r.Context(), "submit.enqueue_failed", "error", err)
		telemetry.SubmitRejected.WithLabelValues("internal").Inc()
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	telemetry.JobsSubmitted.Inc()
	log.InfoContext(r.Context(), "submit.accepted", "text_chars", len(req.Text))
	writeJSON(w, http.StatusOK, submitResponse{EventID: eventID})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "event_id")
	job, found, err := s.store.GetJobByEventID(r.Context(), eventID)
	if err != nil {
		s.log.ErrorContext(r.Context(), "status.lookup_failed", "event_id", eventID, "error", err)
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}
	writeJSON(w, http.StatusOK, project(job))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Timestamp: s.now().UTC().Format(time.RFC3339Nano)})
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// clientIP is the rate limit key for r. RealIP has already applied forwarding headers.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.InfoContext(r.Context(), "http.request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"elapsed_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
