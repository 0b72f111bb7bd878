// Package server exposes a local observation surface for provisioning
// runs: run listings and documents as JSON, a per-run SSE event stream
// fed by the progress hub, and Prometheus metrics. It binds to
// localhost and carries no authentication; it is a window into the
// process that owns the run, not a public API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/camforge/camforge/internal/progress"
	"github.com/camforge/camforge/internal/state"
)

const (
	httpReadTimeout   = 10 * time.Second
	httpIdleTimeout   = 60 * time.Second
	requestTimeout    = 30 * time.Second
	keepAliveInterval = 15 * time.Second
)

// Config wires the server to the process's run machinery.
type Config struct {
	Hub   *progress.Hub
	Store *state.Store
}

// Server is the local HTTP surface of a deploy process.
type Server struct {
	hub     *progress.Hub
	store   *state.Store
	metrics *Metrics

	httpServer *http.Server
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Hub == nil {
		return nil, fmt.Errorf("config hub cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("config store cannot be nil")
	}
	return &Server{
		hub:     cfg.Hub,
		store:   cfg.Store,
		metrics: NewMetrics(),
	}, nil
}

// Metrics returns the server's metrics collector so callers can attach
// observers outside the event stream, such as the scanner hook.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// WatchRun subscribes the metrics collector to a run's event stream.
// The subscription ends with ctx.
func (s *Server) WatchRun(ctx context.Context, runID string) {
	sub := s.hub.Subscribe(ctx, runID, 0)
	go func() {
		for ev := range sub.C {
			s.metrics.Observe(ev)
		}
	}()
}

// Router builds the HTTP routes.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/runs", s.handleRunList)
	r.Get("/runs/{runID}", s.handleRunGet)
	r.Get("/runs/{runID}/events", s.handleRunEvents)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	return r
}

// Start serves on addr until ctx is cancelled. Only loopback addresses
// are accepted: the surface is unauthenticated by design.
func (s *Server) Start(ctx context.Context, addr string) error {
	if err := validateLoopback(addr); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
		// WriteTimeout stays zero: the SSE stream is long-lived.
		ReadTimeout:       httpReadTimeout,
		ReadHeaderTimeout: httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()
	log.Printf("observation surface listening on http://%s", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// validateLoopback rejects bind addresses that would expose the
// unauthenticated surface beyond the local host.
func validateLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if host == "localhost" || host == "" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("listen address %q is not a loopback address", addr)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	runs, err := s.store.List(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []state.Summary{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	// Secrets carry `json:"-"`, so the marshalled document never
	// includes them.
	run, err := s.store.Load(ctx, chi.URLParam(r, "runID"))
	if errors.Is(err, state.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
