package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/catalog"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/dispatcher"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/runner"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/telemetry"
)

const (
	defaultRequestTimeout = 60 * time.Second
	progressTimeout       = 3 * time.Second
)

// Triggerer starts runs. *dispatcher.Dispatcher satisfies it.
type Triggerer interface {
	Trigger(ctx context.Context, source, runID string) (crawler.Summary, error)
	Start(source, runID string) error
	InFlight(source string) bool
}

// Config toggles auth and probes.
type Config struct {
	// APIKey, when set, is required on every /v1 request via the X-API-Key
	// header or the api_key query parameter.
	APIKey         string
	RequestTimeout time.Duration
	// Ready reports downstream health for /readyz. Nil means always ready.
	Ready func(ctx context.Context) error
}

// Deps are the collaborators the handlers read from.
type Deps struct {
	Catalog    *catalog.Catalog
	Progress   crawler.ProgressStore
	Dispatcher Triggerer
	Gatherer   prometheus.Gatherer
	Metrics    *telemetry.HTTPMetrics
	Logger     *zap.Logger
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router   chi.Router
	deps     Deps
	cfg      Config
	logger   *zap.Logger
	gatherer prometheus.Gatherer
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	s := &Server{deps: deps, cfg: cfg, logger: logger, gatherer: gatherer}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
	}
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler(gatherer))

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/sources", s.listSources)
		r.Route("/sources/{source}", func(r chi.Router) {
			r.Get("/progress", s.getProgress)
			r.Post("/runs", s.triggerRun)
		})
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
	if s.cfg.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), progressTimeout)
		defer cancel()
		if err := s.cfg.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type sourceView struct {
	Key          string               `json:"key"`
	Language     string               `json:"language"`
	Cadence      string               `json:"cadence,omitempty"`
	Capabilities crawler.Capabilities `json:"capabilities"`
	Budget       budgetView           `json:"budget"`
	InFlight     bool                 `json:"in_flight"`
}

type budgetView struct {
	BatchSize int    `json:"batch_size"`
	Calls     int    `json:"calls"`
	ItemDelay string `json:"item_delay,omitempty"`
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	entries := s.deps.Catalog.Entries()
	out := make([]sourceView, 0, len(entries))
	for _, e := range entries {
		out = append(out, s.view(e))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

func (s *Server) view(e catalog.Entry) sourceView {
	v := sourceView{
		Key:          e.Key,
		Language:     e.Language,
		Capabilities: e.Source.Capabilities(),
		Budget:       budgetView{BatchSize: e.Budget.BatchSize, Calls: e.Budget.Calls},
		InFlight:     s.deps.Dispatcher.InFlight(e.Key),
	}
	if e.Cadence > 0 {
		v.Cadence = e.Cadence.String()
	}
	if e.Budget.ItemDelay > 0 {
		v.Budget.ItemDelay = e.Budget.ItemDelay.String()
	}
	return v
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	if _, err := s.deps.Catalog.Get(source); err != nil {
		s.writeError(w, http.StatusNotFound, "source not found")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), progressTimeout)
	defer cancel()
	p, ok, err := s.deps.Progress.Get(ctx, source)
	if err != nil {
		s.logger.Error("load progress failed", zap.String("source", source), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load progress")
		return
	}
	if !ok {
		p = crawler.NewProgress(source)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"progress": p, "stored": ok})
}

type runRequest struct {
	RunID string `json:"run_id"`
	Wait  bool   `json:"wait"`
}

func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	var req runRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	if id := r.URL.Query().Get("run_id"); id != "" {
		req.RunID = id
	}
	if r.URL.Query().Get("wait") == "true" {
		req.Wait = true
	}

	if !req.Wait {
		if err := s.deps.Dispatcher.Start(source, req.RunID); err != nil {
			s.writeTriggerError(w, source, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]string{"source": source, "status": "accepted"})
		return
	}

	summary, err := s.deps.Dispatcher.Trigger(r.Context(), source, req.RunID)
	if err != nil {
		if summary.RunID == "" {
			s.writeTriggerError(w, source, err)
			return
		}
		s.logger.Warn("run finished with error", zap.String("source", source), zap.String("run_id", summary.RunID), zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, runner.ErrRunAbandoned) || errors.Is(err, crawler.ErrConcurrency) {
			status = http.StatusConflict
		}
		s.writeJSON(w, status, map[string]any{"error": err.Error(), "summary": summary})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

func (s *Server) writeTriggerError(w http.ResponseWriter, source string, err error) {
	switch {
	case errors.Is(err, catalog.ErrUnknownSource):
		s.writeError(w, http.StatusNotFound, "source not found")
	case errors.Is(err, dispatcher.ErrRunInProgress):
		s.writeError(w, http.StatusConflict, "run already in progress")
	case errors.Is(err, runner.ErrRunAbandoned):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispatcher.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		s.logger.Error("trigger failed", zap.String("source", source), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
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
