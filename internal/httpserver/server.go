package httpserver

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/infergate/infergate/internal/config"
	"github.com/infergate/infergate/internal/ledger"
	"github.com/infergate/infergate/internal/metrics"
	"github.com/infergate/infergate/internal/render"
	"github.com/infergate/infergate/internal/session"
	"github.com/infergate/infergate/internal/version"
)

// Server exposes the REST and event-stream endpoints of the daemon.
type Server struct {
	store      *session.Store
	controller *session.Controller
	ledger     ledger.Store
	renderer   *render.Renderer
	collector  *metrics.Collector
	presets    *config.PresetCatalog
	// request defaults applied when a start request leaves fields empty
	defaultModel string
	// SSE keepalive interval for event streams (0 = disabled)
	pingInterval time.Duration
	// logging
	logger   *log.Logger
	logLevel string
}

// New constructs a Server over the session store and lifecycle controller.
// Optional collaborators are wired through the Set* methods.
func New(store *session.Store, controller *session.Controller) *Server {
	return &Server{
		store:        store,
		controller:   controller,
		defaultModel: "gpt-4o-mini",
	}
}

// SetLedger wires the usage ledger backing the usage endpoints.
func (s *Server) SetLedger(store ledger.Store) { s.ledger = store }

// SetRenderer wires the external document renderer.
func (s *Server) SetRenderer(r *render.Renderer) { s.renderer = r }

// SetMetrics wires the metrics collector backing /metrics.
func (s *Server) SetMetrics(c *metrics.Collector) { s.collector = c }

// SetPresets installs the model preset catalog and the fallback model used
// when neither the request nor a preset names one.
func (s *Server) SetPresets(catalog *config.PresetCatalog, defaultModel string) {
	s.presets = catalog
	if strings.TrimSpace(defaultModel) != "" {
		s.defaultModel = strings.TrimSpace(defaultModel)
	}
}

// SetSSEPingInterval configures keepalive comments on event streams.
func (s *Server) SetSSEPingInterval(d time.Duration) { s.pingInterval = d }

// SetLogger configures server-level logger and verbosity ("debug", "info", ...).
func (s *Server) SetLogger(level string, logger *log.Logger) {
	s.logLevel = strings.ToLower(strings.TrimSpace(level))
	if logger != nil {
		s.logger = logger
	}
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }
func (s *Server) debugf(format string, args ...any) {
	if s.logger != nil && s.isDebug() {
		s.logger.Printf("DEBUG "+format, args...)
	}
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/sessions", s.handleCreateSession)
		api.Get("/sessions/{id}", s.handleSessionSnapshot)
		api.Delete("/sessions/{id}", s.handleAbortSession)
		api.Get("/sessions/{id}/events", s.handleSessionEvents)
		api.Post("/render", s.handleRender)
		api.Get("/usage/summary", s.handleUsageSummary)
		api.Get("/usage/logs", s.handleUsageLogs)
	})

	r.Get("/health", s.HandleHealth)
	r.Get("/metrics", s.handleMetrics)
	return r
}

// HandleHealth reports liveness plus coarse registry stats.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"time":     time.Now().UTC().Format(time.RFC3339),
		"version":  version.Info(),
		"sessions": s.store.Len(),
		"renderer": s.renderer != nil && s.renderer.Enabled(),
		"ledger":   s.ledger != nil,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		s.respondError(w, http.StatusNotFound, errors.New("metrics disabled"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.collector.GetSnapshot())))
}

func (s *Server) recordRequest(endpoint string, start time.Time) {
	if s.collector != nil {
		s.collector.RecordRequest(endpoint, time.Since(start))
	}
}

func (s *Server) recordError(endpoint string) {
	if s.collector != nil {
		s.collector.RecordError(endpoint)
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}
