package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/staffdir/internal/config"
	"github.com/jonesrussell/north-cloud/staffdir/internal/database"
	"github.com/jonesrussell/north-cloud/staffdir/internal/events"
	"github.com/jonesrussell/north-cloud/staffdir/internal/export"
	"github.com/jonesrussell/north-cloud/staffdir/internal/extractor"
	"github.com/jonesrussell/north-cloud/staffdir/internal/fetcher"
	"github.com/jonesrussell/north-cloud/staffdir/internal/logger"
	"github.com/jonesrussell/north-cloud/staffdir/internal/metrics"
	"github.com/jonesrussell/north-cloud/staffdir/internal/orchestrator"
	"github.com/jonesrussell/north-cloud/staffdir/internal/pipeline"
	"github.com/jonesrussell/north-cloud/staffdir/internal/render"
)

// base holds what every data command needs.
type base struct {
	cfg   *config.Config
	log   logger.Logger
	db    *sqlx.DB
	store *database.Store
}

// app is the fully wired harvester.
type app struct {
	*base
	metrics      *metrics.Metrics
	pool         *render.Pool
	redis        *redis.Client
	publisher    *events.Publisher
	exporter     *export.Exporter
	orchestrator *orchestrator.Orchestrator
}

func loadConfig() (*config.Config, logger.Logger, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	return cfg, log, nil
}

func newBase(ctx context.Context) (*base, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	return &base{cfg: cfg, log: log, db: db, store: database.NewStore(db)}, nil
}

func (b *base) Close() error {
	_ = b.log.Sync()
	return b.db.Close()
}

// newApp wires the pipeline and orchestrator over a fresh base.
func newApp(ctx context.Context) (*app, error) {
	b, err := newBase(ctx)
	if err != nil {
		return nil, err
	}
	a := &app{base: b, metrics: metrics.New(nil)}

	if b.cfg.Redis.Enabled {
		client, redisErr := events.NewClient(ctx, b.cfg.Redis.Address, b.cfg.Redis.Password, b.cfg.Redis.DB)
		if redisErr != nil {
			_ = b.Close()
			return nil, redisErr
		}
		a.redis = client
		a.publisher = events.NewPublisher(client, b.cfg.Redis.Stream, b.log)
	}

	a.exporter = export.New(b.store, export.Config{
		Dir:         b.cfg.Export.Dir,
		ChangesDays: b.cfg.Export.ChangesDays,
	}, b.log)

	fetch := fetcher.New(fetcher.Config{
		UserAgent:        b.cfg.Fetch.UserAgent,
		Timeout:          b.cfg.Fetch.Timeout,
		MaxBodyBytes:     b.cfg.Fetch.MaxBodyBytes,
		RespectRobotsTxt: b.cfg.Fetch.RespectRobots,
		HostInterval:     b.cfg.Fetch.HostInterval,
	}, b.log)

	var renderer pipeline.Renderer
	if b.cfg.Render.Enabled {
		a.pool = render.NewPool(render.Config{
			Size:        b.cfg.Render.PoolSize,
			Timeout:     b.cfg.Render.Timeout,
			IdleTimeout: b.cfg.Render.IdleTimeout,
		}, &render.RodLauncher{Bin: b.cfg.Render.BrowserBin, Log: b.log}, b.log)
		renderer = a.pool
	}

	pipeOpts := []pipeline.Option{pipeline.WithMetrics(a.metrics)}
	orchOpts := []orchestrator.Option{
		orchestrator.WithExporter(a.exporter),
		orchestrator.WithMetrics(a.metrics),
	}
	if a.publisher != nil {
		pipeOpts = append(pipeOpts, pipeline.WithNotifier(a.publisher))
		orchOpts = append(orchOpts, orchestrator.WithNotifier(a.publisher))
	}

	pipe := pipeline.New(b.store, fetch, renderer, extractor.Default(), b.log, pipeOpts...)
	a.orchestrator = orchestrator.New(b.store, pipe, orchestrator.Config{
		Delay:      b.cfg.Run.Delay,
		RetryDelay: b.cfg.Run.RetryDelay,
	}, b.log, orchOpts...)

	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.pool != nil {
		errs = append(errs, a.pool.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.base.Close())
	return errors.Join(errs...)
}
