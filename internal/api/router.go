// Package api implements the reporting and control HTTP API.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonesrussell/north-cloud/staffdir/internal/config"
	"github.com/jonesrussell/north-cloud/staffdir/internal/database"
	"github.com/jonesrussell/north-cloud/staffdir/internal/domain"
	"github.com/jonesrussell/north-cloud/staffdir/internal/logger"
	"github.com/jonesrussell/north-cloud/staffdir/internal/orchestrator"
)

// Store is the data access the API needs.
type Store interface {
	ListTargets(ctx context.Context, f database.TargetFilter) ([]domain.Target, error)
	GetTarget(ctx context.Context, id string) (*domain.Target, error)
	UpsertTarget(ctx context.Context, t *domain.Target) (bool, error)
	LatestSnapshot(ctx context.Context, targetID string) (*domain.Snapshot, error)
	ListSnapshots(ctx context.Context, targetID string) ([]domain.Snapshot, error)
	GetSnapshot(ctx context.Context, id string) (*domain.Snapshot, error)
	ListChanges(ctx context.Context, f database.ChangeFilter) ([]domain.ChangeRecord, error)
	ListProfiles(ctx context.Context, f database.ProfileFilter) ([]domain.Profile, error)
	GetProfile(ctx context.Context, fingerprint string) (*domain.Profile, error)
	ListFailures(ctx context.Context) ([]domain.FailureRecord, error)
	ClearFailures(ctx context.Context) (int64, error)
}

// Runner controls harvest runs.
type Runner interface {
	StartFull(ctx context.Context) error
	StartRetry(ctx context.Context, failures []domain.FailureRecord) error
	Stop() error
	Status() orchestrator.Status
}

// Exporter produces workbooks.
type Exporter interface {
	Export(ctx context.Context) (string, error)
}

// Deps are the router's collaborators. Gatherer defaults to the
// Prometheus default registry.
type Deps struct {
	Store     Store
	Runner    Runner
	Exporter  Exporter
	ExportDir string
	JWTSecret string
	Gatherer  prometheus.Gatherer
	Logger    logger.Logger
}

// NewRouter builds the gin engine.
func NewRouter(d Deps) *gin.Engine {
	router := gin.New()
	router.Use(recoveryMiddleware(d.Logger))
	router.Use(loggerMiddleware(d.Logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "run_state": d.Runner.Status().State})
	})

	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	h := &handler{
		store:     d.Store,
		runner:    d.Runner,
		exporter:  d.Exporter,
		exportDir: d.ExportDir,
	}

	v1 := router.Group("/api/v1")
	write := authMiddleware(d.JWTSecret)

	targets := v1.Group("/targets")
	targets.GET("", h.listTargets)
	targets.GET("/:id", h.getTarget)
	targets.GET("/:id/snapshots", h.snapshotPair)
	targets.GET("/:id/snapshots/latest", h.latestSnapshot)
	targets.POST("/import", write, h.importTargets)

	v1.GET("/snapshots/:id", h.getSnapshot)
	v1.GET("/changes", h.listChanges)

	profiles := v1.Group("/profiles")
	profiles.GET("", h.listProfiles)
	profiles.GET("/:fingerprint", h.getProfile)

	failures := v1.Group("/failures")
	failures.GET("", h.listFailures)
	failures.DELETE("", write, h.clearFailures)
	failures.POST("/retry", write, h.retryFailures)

	run := v1.Group("/run")
	run.GET("", h.runStatus)
	run.POST("/start", write, h.startRun)
	run.POST("/stop", write, h.stopRun)

	export := v1.Group("/export")
	export.POST("", write, h.triggerExport)
	export.GET("/:name", h.downloadExport)

	return router
}

// NewServer wraps router in an http.Server configured from cfg.
func NewServer(cfg config.ServerConfig, router http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Address(),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

type handler struct {
	store     Store
	runner    Runner
	exporter  Exporter
	exportDir string
}
