// Package api provides the HTTP API server for the archive backfill service.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/summary-archive/internal/coverage"
	"github.com/summary-archive/internal/logging"
	"github.com/summary-archive/internal/models"
	"github.com/summary-archive/internal/platform"
	"github.com/summary-archive/internal/pricing"
	"github.com/summary-archive/internal/storage"
	"github.com/summary-archive/internal/types"
)

// Service interfaces for dependency injection and testing

// EngineInterface defines the job engine operations the API exposes
type EngineInterface interface {
	Submit(ctx context.Context, plan *models.GenerationPlan, priority int) (models.ArchiveJob, error)
	GetJob(ctx context.Context, jobID string) (models.ArchiveJob, error)
	ListJobs(ctx context.Context, status *types.JobStatus, limit int) ([]*models.ArchiveJob, error)
	Pause(ctx context.Context, jobID string) (models.ArchiveJob, error)
	Resume(ctx context.Context, jobID string) (models.ArchiveJob, error)
	Cancel(ctx context.Context, jobID string) (models.ArchiveJob, error)
}

// ScannerInterface defines coverage scanning
type ScannerInterface interface {
	Scan(ctx context.Context, source types.Source, rng *types.DateRange, g types.Granularity) (*coverage.ScanResult, error)
}

// EstimatorInterface defines dry-run cost estimation
type EstimatorInterface interface {
	Estimate(ctx context.Context, plan *models.GenerationPlan) (*pricing.Estimate, error)
}

// SyncInterface defines sync dispatch and inspection
type SyncInterface interface {
	TriggerSync(ctx context.Context, sourceKey string) (*models.SyncRun, error)
	Status(ctx context.Context, sourceKey string) (*models.SyncConfig, *models.SyncRun, error)
}

// SyncConfigStore persists sync configuration edits
type SyncConfigStore interface {
	UpsertConfig(ctx context.Context, cfg *models.SyncConfig) error
}

// ReportsInterface aggregates the usage ledger
type ReportsInterface interface {
	ReportByModel(ctx context.Context, from, to time.Time) ([]*storage.CostBreakdown, error)
	ReportBySource(ctx context.Context, from, to time.Time) ([]*storage.CostBreakdown, error)
	TotalSpend(ctx context.Context, from, to time.Time) (float64, error)
}

// SourceStore enumerates tracked sources for the dashboard and flags
// coverage as outdated when upstream history changed
type SourceStore interface {
	ListSources(ctx context.Context) ([]*storage.SourceSummary, error)
	MarkOutdated(ctx context.Context, sourceKey string, from, to time.Time) (int64, error)
}

// ScanCacheInterface caches scan results keyed by source and range
type ScanCacheInterface interface {
	Get(ctx context.Context, sourceKey, granularity, from, to string, dst interface{}) (bool, error)
	Set(ctx context.Context, sourceKey, granularity, from, to string, value interface{}) error
	Invalidate(ctx context.Context, sourceKey string) error
}

// Server represents the HTTP API server
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	engine     EngineInterface
	scanner    ScannerInterface
	estimator  EstimatorInterface
	sync       SyncInterface
	syncStore  SyncConfigStore
	reports    ReportsInterface
	sources    SourceStore
	scanCache  ScanCacheInterface
	validator  platform.Validator
	config     *ServerConfig
	logger     *logging.Logger
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	ScanRPM         int // Scan endpoint requests per minute per client
	GenerateRPM     int // Generate endpoint requests per minute per client
	DefaultRPM      int // All other endpoints
}

// Deps bundles the server's collaborators
type Deps struct {
	Engine    EngineInterface
	Scanner   ScannerInterface
	Estimator EstimatorInterface
	Sync      SyncInterface
	SyncStore SyncConfigStore
	Reports   ReportsInterface
	Sources   SourceStore
	ScanCache ScanCacheInterface // optional
	Validator platform.Validator // optional; defaults to accept-all
}

// NewServer creates a new API server instance
func NewServer(config *ServerConfig, deps Deps) *Server {
	validator := deps.Validator
	if validator == nil {
		validator = platform.NoopValidator{}
	}

	s := &Server{
		router:    mux.NewRouter(),
		engine:    deps.Engine,
		scanner:   deps.Scanner,
		estimator: deps.Estimator,
		sync:      deps.Sync,
		syncStore: deps.SyncStore,
		reports:   deps.Reports,
		sources:   deps.Sources,
		scanCache: deps.ScanCache,
		validator: validator,
		config:    config,
		logger:    logging.GetGlobalLogger().WithComponent("API"),
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.ScanRPM, s.config.GenerateRPM, s.config.DefaultRPM)

	// Middleware order matters: recovery wraps everything else
	s.router.Use(RecoveryMiddleware)
	s.router.Use(LoggingMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Coverage endpoints
	api.HandleFunc("/scan", s.handleScanSource).Methods("POST")
	api.HandleFunc("/estimate", s.handleEstimateCost).Methods("POST")

	// Job endpoints
	api.HandleFunc("/archives/generate", s.handleGenerateArchive).Methods("POST")
	api.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/pause", s.handlePauseJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/resume", s.handleResumeJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods("POST")

	// Report endpoints
	api.HandleFunc("/reports/costs", s.handleGetCostReport).Methods("GET")

	// Sync endpoints
	api.HandleFunc("/sync/{sourceKey}", s.handleGetSyncStatus).Methods("GET")
	api.HandleFunc("/sync/{sourceKey}", s.handlePutSyncConfig).Methods("PUT")
	api.HandleFunc("/sync/{sourceKey}/trigger", s.handleTriggerSync).Methods("POST")

	// Source endpoints
	api.HandleFunc("/sources", s.handleListSources).Methods("GET")
	api.HandleFunc("/sources/{sourceKey}/outdated", s.handleMarkOutdated).Methods("POST")
	api.HandleFunc("/sources/{serverId}/channels", s.handleListChannels).Methods("GET")
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "summary-archive",
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.router
}
