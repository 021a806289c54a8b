package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-pipeline/internal/backpressure"
	"github.com/JakeFAU/listing-pipeline/internal/health"
	"github.com/JakeFAU/listing-pipeline/internal/metrics"
	"github.com/JakeFAU/listing-pipeline/internal/pipeline"
	"github.com/JakeFAU/listing-pipeline/internal/stage"
)

// HealthSource answers queue health questions.
type HealthSource interface {
	GetQueueHealth(ctx context.Context, key string) (health.Health, error)
}

// Seeder turns a seed request into a queued context.
type Seeder interface {
	Seed(ctx context.Context, req stage.SeedRequest) (*pipeline.Context, error)
}

// ReadyFunc reports whether downstream dependencies are usable.
type ReadyFunc func(ctx context.Context) error

// Deps wires the server to the running pipeline.
type Deps struct {
	Health HealthSource
	Seeder Seeder
	// Queues lists the keys reported by GET /v1/queues, in display order.
	Queues     []string
	Thresholds map[string]backpressure.Thresholds
	Ready      ReadyFunc
	// APIKey, when set, is required on every /v1 route.
	APIKey         string
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Server routes HTTP requests to the pipeline.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// QueueReport is the JSON view of one queue.
type QueueReport struct {
	health.Health
	Status     health.Status            `json:"status"`
	Thresholds *backpressure.Thresholds `json:"thresholds,omitempty"`
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 30 * time.Second
	}
	s := &Server{deps: deps, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(deps.RequestTimeout))
		if deps.APIKey != "" {
			r.Use(apiKeyMiddleware(deps.APIKey))
		}
		r.Get("/queues", s.listQueues)
		r.Get("/queues/{key}", s.getQueue)
		r.Post("/contexts", s.seedContext)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	reports := make([]QueueReport, 0, len(s.deps.Queues))
	for _, key := range s.deps.Queues {
		report, err := s.report(r.Context(), key)
		if err != nil {
			s.logger.Warn("queue health failed", zap.String("queue", key), zap.Error(err))
			s.writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		reports = append(reports, report)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"queues": reports})
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !slices.Contains(s.deps.Queues, key) {
		s.writeError(w, http.StatusNotFound, "unknown queue")
		return
	}
	report, err := s.report(r.Context(), key)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// report builds the health view of one queue; the status is classified only when
// thresholds are configured for it.
func (s *Server) report(ctx context.Context, key string) (QueueReport, error) {
	h, err := s.deps.Health.GetQueueHealth(ctx, key)
	if err != nil {
		return QueueReport{}, fmt.Errorf("queue %s: %w", key, err)
	}
	report := QueueReport{Health: h, Status: health.Healthy}
	if th, ok := s.deps.Thresholds[key]; ok {
		report.Thresholds = &th
		report.Status = health.Classify(h.Depth, th.Warning, th.Critical)
		metrics.ObserveQueueStatus(key, int(report.Status))
	}
	return report, nil
}

func (s *Server) seedContext(w http.ResponseWriter, r *http.Request) {
	if s.deps.Seeder == nil {
		s.writeError(w, http.StatusServiceUnavailable, "seeding is not enabled")
		return
	}
	var req stage.SeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	item, err := s.deps.Seeder.Seed(r.Context(), req)
	switch {
	case errors.Is(err, stage.ErrInvalidSeed):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusRequestTimeout, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"context_id": item.ID,
		"job_id":     item.JobID,
		"state":      string(item.State),
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
