// Package api provides the read-only status API served in serve mode.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fieldops/crm-bridge/internal/mirror"
	"github.com/fieldops/crm-bridge/internal/store"
)

// StatusStore is the slice of the store the status API reads.
type StatusStore interface {
	Ping(ctx context.Context) error
	ListRuns(ctx context.Context, entity string, limit int) ([]store.SyncRun, error)
	LatestRuns(ctx context.Context) ([]store.SyncRun, error)
	EntityFreshness(ctx context.Context, table string) (*time.Time, error)
}

// ServerOption configures the status API server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	middlewares []func(http.Handler) http.Handler
	logger      *slog.Logger
}

// WithMiddlewares adds middleware to the server.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithLogger sets the logger for request handling failures.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(cfg *serverConfig) {
		cfg.logger = logger
	}
}

// NewServer creates and configures the HTTP router.
func NewServer(st StatusStore, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	routes := &routes{store: st, logger: cfg.logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Get("/healthz", routes.getHealth)
	r.Route("/v0/sync", func(r chi.Router) {
		r.Get("/runs", routes.listRuns)
		r.Get("/status", routes.getStatus)
	})

	return r
}

// ErrorResponse is the standardized error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse summarizes sync health: the most recent run per entity and
// how stale each mirror table is.
type StatusResponse struct {
	LatestRuns []store.SyncRun       `json:"latestRuns"`
	Freshness  map[string]*time.Time `json:"freshness"`
}

type routes struct {
	store  StatusStore
	logger *slog.Logger
}

func (rr *routes) getHealth(w http.ResponseWriter, r *http.Request) {
	if err := rr.store.Ping(r.Context()); err != nil {
		rr.logger.Error("health check failed", "error", err)
		rr.writeError(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	rr.writeJSON(w, map[string]string{"status": "ok"})
}

// listRuns handles GET /v0/sync/runs?entity=&limit=
func (rr *routes) listRuns(w http.ResponseWriter, r *http.Request) {
	entity := r.URL.Query().Get("entity")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			rr.writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := rr.store.ListRuns(r.Context(), entity, limit)
	if err != nil {
		rr.logger.Error("failed to list sync runs", "error", err)
		rr.writeError(w, "failed to list sync runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []store.SyncRun{}
	}

	rr.writeJSON(w, runs)
}

// getStatus handles GET /v0/sync/status
func (rr *routes) getStatus(w http.ResponseWriter, r *http.Request) {
	latest, err := rr.store.LatestRuns(r.Context())
	if err != nil {
		rr.logger.Error("failed to load latest sync runs", "error", err)
		rr.writeError(w, "failed to load sync status", http.StatusInternalServerError)
		return
	}
	if latest == nil {
		latest = []store.SyncRun{}
	}

	freshness := make(map[string]*time.Time)
	for name, entity := range mirror.Entities() {
		ts, err := rr.store.EntityFreshness(r.Context(), entity.Table)
		if err != nil {
			rr.logger.Error("failed to load entity freshness", "entity", name, "error", err)
			rr.writeError(w, "failed to load sync status", http.StatusInternalServerError)
			return
		}
		freshness[name] = ts
	}

	rr.writeJSON(w, StatusResponse{LatestRuns: latest, Freshness: freshness})
}

func (rr *routes) writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		rr.logger.Error("failed to encode response", "error", err)
	}
}

func (rr *routes) writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: msg}); err != nil {
		rr.logger.Error("failed to encode error response", "error", err)
	}
}
