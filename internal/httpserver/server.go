package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bot-pedidos/internal/ledger"
	"bot-pedidos/internal/metrics"
	"bot-pedidos/internal/repo"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Orders is the ledger surface exposed to the dashboard.
type Orders interface {
	Search(c ledger.Criteria) []repo.Order
	Get(id string) (*repo.Order, error)
	SetStatus(ctx context.Context, id string, status repo.OrderStatus, actor string) (*repo.Order, error)
	Summarize(c ledger.Criteria) ledger.Summary
	TopProducts(limit int, c ledger.Criteria) []ledger.ProductStat
	ByPeriod(g ledger.Granularity, c ledger.Criteria) ([]ledger.PeriodStat, error)
	Subscribe(buffer int) (<-chan ledger.Event, func())
}

// CatalogReloader refreshes the local product cache from its source.
type CatalogReloader interface {
	Refresh(ctx context.Context) (int, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies exposes core dependencies to handlers that need them.
type Dependencies struct {
	Orders   Orders
	Catalog  CatalogReloader
	Database Pinger
	Location *time.Location
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	deps       Dependencies
	basePath   string
	heartbeat  time.Duration
}

// New creates a new HTTP server listening on addr.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, deps Dependencies, basePath string) *Server {
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	server := &Server{
		logger:    logger.With("component", "http"),
		metrics:   metricRegistry,
		deps:      deps,
		basePath:  normaliseBasePath(basePath),
		heartbeat: 25 * time.Second,
	}

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/admin/reload-catalog", s.handleReloadCatalog)

	r.Route("/api/orders", func(r chi.Router) {
		r.Get("/", s.handleListOrders)
		r.Get("/summary", s.handleSummary)
		r.Get("/top-products", s.handleTopProducts)
		r.Get("/by-period", s.handleByPeriod)
		r.Get("/events", s.handleEvents)
		r.Get("/{id}", s.handleGetOrder)
		r.Patch("/{id}/status", s.handleSetStatus)
	})

	if s.basePath == "" {
		return r
	}
	root := chi.NewRouter()
	root.Mount(s.basePath, r)
	return root
}

// Handler exposes the routed handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Database != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Database.Ping(ctx); err != nil {
			s.logger.Warn("health check database ping failed", "error", err)
			writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": err.Error()})
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleReloadCatalog(w http.ResponseWriter, r *http.Request) {
	if s.deps.Catalog == nil {
		http.Error(w, "catalog unavailable", http.StatusServiceUnavailable)
		return
	}

	count, err := s.deps.Catalog.Refresh(r.Context())
	if err != nil {
		s.logger.Error("failed reloading catalog", "error", err)
		s.metrics.IncError("http")
		http.Error(w, "failed reloading catalog", http.StatusBadGateway)
		return
	}

	writeJSON(w, map[string]any{
		"status": "ok",
		"count":  count,
	})
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, map[string]string{"error": msg})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
