// Package api exposes the improvement pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jordanhubbard/holly/internal/lifecycle"
	"github.com/jordanhubbard/holly/internal/metrics"
	"github.com/jordanhubbard/holly/pkg/models"
)

// maxBodyBytes bounds every request body, webhook payloads included.
const maxBodyBytes = 4 << 20

// Config holds the security settings of the server.
type Config struct {
	// WebhookSecret verifies X-Hub-Signature-256. Empty disables the check.
	WebhookSecret string
	// JWTSecret enables bearer tokens for approve and reject.
	JWTSecret string
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP API server
type Server struct {
	ctrl     *lifecycle.Controller
	cfg      Config
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	checks   map[string]HealthCheck
	started  time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records request metrics and serves /metrics from g.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHealthCheck adds a named dependency to the health report.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		s.checks[name] = check
	}
}

// NewServer creates a new API server
func NewServer(ctrl *lifecycle.Controller, cfg Config, opts ...Option) *Server {
	s := &Server{
		ctrl:    ctrl,
		cfg:     cfg,
		logger:  slog.Default(),
		checks:  make(map[string]HealthCheck),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetupRoutes configures HTTP routes
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	mux.HandleFunc("POST /api/v1/improvements", s.handlePlan)
	mux.HandleFunc("GET /api/v1/improvements", s.handleList)
	mux.HandleFunc("GET /api/v1/improvements/{id}", s.handleGet)
	mux.HandleFunc("GET /api/v1/improvements/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /api/v1/improvements/{id}/analyze", s.handleAnalyze)
	mux.HandleFunc("POST /api/v1/improvements/{id}/code", s.handleSubmitCode)
	mux.HandleFunc("POST /api/v1/improvements/{id}/approve", s.requireActor(s.handleApprove))
	mux.HandleFunc("POST /api/v1/improvements/{id}/reject", s.requireActor(s.handleReject))
	mux.HandleFunc("POST /api/v1/improvements/{id}/reconcile", s.handleReconcile)
	mux.HandleFunc("POST /api/v1/improvements/{id}/deployment", s.handleDeployment)

	mux.HandleFunc("GET /api/v1/insights", s.handleInsights)
	mux.HandleFunc("POST /api/v1/webhooks/github", s.handleGitHubWebhook)

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return s.loggingMiddleware(mux)
}

type health struct {
	Status       string            `json:"status"`
	Timestamp    time.Time         `json:"timestamp"`
	Uptime       int64             `json:"uptime_seconds"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// GET /api/v1/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := health{Status: "healthy", Timestamp: time.Now().UTC(), Uptime: int64(time.Since(s.started).Seconds())}
	status := http.StatusOK
	if len(s.checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		h.Dependencies = make(map[string]string, len(s.checks))
		for name, check := range s.checks {
			if err := check(ctx); err != nil {
				h.Dependencies[name] = err.Error()
				h.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			h.Dependencies[name] = "ok"
		}
	}
	s.respondJSON(w, status, h)
}

// Middleware

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests and records request metrics per
// route pattern.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
			s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		}
		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status, "duration_ms", elapsed.Milliseconds())
	})
}

// Helper functions

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("encode response", "error", err)
	}
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondFailure maps a pipeline error onto a status code. Validation and
// guardrail failures carry their detail in the body.
func (s *Server) respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *lifecycle.ValidationError
		gerr *lifecycle.GuardrailError
		cerr *lifecycle.CollaboratorError
	)
	switch {
	case errors.As(err, &verr):
		s.respondJSON(w, http.StatusBadRequest, map[string]any{"error": verr.Error(), "fields": verr.Fields})
	case errors.Is(err, models.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrConflict), errors.Is(err, models.ErrInvalidTransition):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &gerr):
		s.respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      gerr.Error(),
			"stage":      gerr.Stage,
			"violations": gerr.Result.Violations,
		})
	case errors.As(err, &cerr):
		s.respondError(w, http.StatusBadGateway, cerr.Error())
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// parseJSON parses JSON request body. An empty body leaves v untouched.
func (s *Server) parseJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
