package api

import (
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

	"github.com/JakeFAU/newsharvest/internal/harvest"
	"github.com/JakeFAU/newsharvest/internal/metrics"
)

// RunView exposes the state of the current run.
type RunView interface {
	Snapshot() harvest.RunOutcome
}

// StageInfo describes one configured stage for /v1/stages.
type StageInfo struct {
	Name     string `json:"name"`
	Plugin   string `json:"plugin"`
	Kind     string `json:"kind"`
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`
	Fatal    bool   `json:"fatal"`
}

// Options configure the server.
type Options struct {
	// APIKey, when set, protects the /v1 routes.
	APIKey string
	Stages []StageInfo
	Logger *zap.Logger
}

// Server wires HTTP handlers to the run state.
type Server struct {
	router chi.Router
	run    RunView
	stages []StageInfo
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(run RunView, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{run: run, stages: opts.Stages, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/run", s.getRun)
		r.Get("/run/items/{item_id}", s.getItem)
		r.Get("/stages", s.getStages)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.serve(ctx, lis)
}

func (s *Server) serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", zap.String("addr", lis.Addr().String()))
		errCh <- srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown admin server: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.run == nil {
		writeError(w, http.StatusServiceUnavailable, "no run in progress")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type runSummary struct {
	RunID    string                 `json:"run_id"`
	Started  time.Time              `json:"started_at"`
	Finished *time.Time             `json:"finished_at,omitempty"`
	Counts   map[harvest.Status]int `json:"counts"`
	Sources  []harvest.SourceReport `json:"sources"`
	Items    []harvest.ItemOutcome  `json:"items,omitempty"`
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.run == nil {
		writeError(w, http.StatusNotFound, "no run in progress")
		return
	}
	out := s.run.Snapshot()
	summary := runSummary{
		RunID:   out.RunID,
		Started: out.StartedAt,
		Sources: out.Sources,
		Counts: map[harvest.Status]int{
			harvest.StatusComplete: out.Count(harvest.StatusComplete),
			harvest.StatusPartial:  out.Count(harvest.StatusPartial),
		},
	}
	if !out.FinishedAt.IsZero() {
		finished := out.FinishedAt
		summary.Finished = &finished
	}
	if r.URL.Query().Get("items") == "true" {
		summary.Items = out.Items
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	if s.run == nil {
		writeError(w, http.StatusNotFound, "no run in progress")
		return
	}
	id := chi.URLParam(r, "item_id")
	for _, it := range s.run.Snapshot().Items {
		if it.ID == id {
			writeJSON(w, http.StatusOK, it)
			return
		}
	}
	writeError(w, http.StatusNotFound, "item not found")
}

func (s *Server) getStages(w http.ResponseWriter, _ *http.Request) {
	stages := s.stages
	if stages == nil {
		stages = []StageInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stages": stages})
}

type requestIDKey struct{}

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
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("request_id", reqID),
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
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
