package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/spiderfleet/internal/metrics"
	"github.com/JakeFAU/spiderfleet/internal/registry"
	"github.com/JakeFAU/spiderfleet/internal/store"
)

// HandleLister lists the handles of running spiders.
type HandleLister interface {
	Handles() []*registry.Handle
}

// TransitionLister lists spiders with a transition in flight.
type TransitionLister interface {
	Names() []string
}

// FailureLog exposes caught store failures.
type FailureLog interface {
	Count() int64
	Failures() []store.Failure
}

// Deps bundles what the handlers read from. Spiders and Transitions are
// required; a nil Failures serves an empty log.
type Deps struct {
	Spiders     HandleLister
	Transitions TransitionLister
	Failures    FailureLog
	Metrics     *metrics.Metrics
	// Ready reports whether downstreams are usable. Nil means always ready.
	Ready  func(ctx context.Context) error
	APIKey string
	Logger *zap.Logger
}

// Server wires the admin HTTP handlers.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// SpiderView is one entry of /v1/spiders/running.
type SpiderView struct {
	Name        string `json:"name"`
	Running     bool   `json:"running"`
	Terminating bool   `json:"terminating"`
	Paused      bool   `json:"paused"`
	Idle        bool   `json:"idle"`
	Concurrency int    `json:"concurrency"`
}

// RunningResponse is the body of /v1/spiders/running.
type RunningResponse struct {
	Spiders     []SpiderView `json:"spiders"`
	Transitions []string     `json:"transitions_in_progress"`
}

// StoreErrorsResponse is the body of /v1/store/errors.
type StoreErrorsResponse struct {
	Count    int64           `json:"count"`
	Failures []store.Failure `json:"failures"`
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) (*Server, error) {
	if deps.Spiders == nil || deps.Transitions == nil {
		return nil, errors.New("api server requires spider and transition listers")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: deps.Logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(deps.Metrics.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if deps.APIKey != "" {
			r.Use(apiKeyMiddleware(deps.APIKey))
		}
		r.Get("/spiders/running", s.running)
		r.Get("/store/errors", s.storeErrors)
	})

	s.router = r
	return s, nil
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

func (s *Server) running(w http.ResponseWriter, _ *http.Request) {
	handles := s.deps.Spiders.Handles()
	resp := RunningResponse{
		Spiders:     make([]SpiderView, 0, len(handles)),
		Transitions: s.deps.Transitions.Names(),
	}
	for _, h := range handles {
		runner := h.Runner()
		resp.Spiders = append(resp.Spiders, SpiderView{
			Name:        h.Name(),
			Running:     h.Running(),
			Terminating: h.Terminating(),
			Paused:      runner.Paused(),
			Idle:        runner.IsIdle(),
			Concurrency: runner.Concurrency(),
		})
	}
	if resp.Transitions == nil {
		resp.Transitions = []string{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) storeErrors(w http.ResponseWriter, _ *http.Request) {
	resp := StoreErrorsResponse{Failures: []store.Failure{}}
	if s.deps.Failures != nil {
		resp.Count = s.deps.Failures.Count()
		if f := s.deps.Failures.Failures(); f != nil {
			resp.Failures = f
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
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
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"}, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, payload, s.logger)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg}, s.logger)
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
