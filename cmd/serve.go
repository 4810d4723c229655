package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/staffdir/internal/api"
	"github.com/jonesrussell/north-cloud/staffdir/internal/database"
	"github.com/jonesrussell/north-cloud/staffdir/internal/logger"
	"github.com/jonesrussell/north-cloud/staffdir/internal/orchestrator"
	"github.com/jonesrussell/north-cloud/staffdir/internal/scheduler"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	errorChannelBufferSize = 1
)

func serveCommand() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the monthly schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply database migrations before serving")
	return cmd
}

func serve(ctx context.Context, migrate bool) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	log := a.log

	if migrate {
		if err = database.Migrate(a.cfg.Database.URL(), database.MigrateUp); err != nil {
			return err
		}
		log.Info("Database migrations applied")
	}

	var sched *scheduler.Scheduler
	if a.cfg.Schedule.Enabled {
		sched, err = scheduler.New(a.cfg.Schedule.Cron, a.orchestrator, log)
		if err != nil {
			return err
		}
		if err = sched.Start(ctx); err != nil {
			return err
		}
	}

	if a.cfg.App.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Deps{
		Store:     a.store,
		Runner:    a.orchestrator,
		Exporter:  a.exporter,
		ExportDir: a.cfg.Export.Dir,
		JWTSecret: a.cfg.Auth.JWTSecret,
		Logger:    log,
	})
	server := api.NewServer(a.cfg.Server, router)

	errCh := make(chan error, errorChannelBufferSize)
	go func() {
		log.Info("Starting HTTP server", logger.String("address", server.Addr))
		if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server error: %w", serveErr)
		}
		close(errCh)
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
	defer cancel()
	shutdown(shutdownCtx, log, server, sched, a.orchestrator)
	return err
}

// shutdown stops intake first, then lets an active run wind down.
func shutdown(ctx context.Context, log logger.Logger, server *http.Server, sched *scheduler.Scheduler, orch *orchestrator.Orchestrator) {
	if sched != nil {
		if err := sched.Stop(ctx); err != nil {
			log.Warn("Scheduler did not stop cleanly", logger.Error(err))
		}
	}
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("HTTP server shutdown error", logger.Error(err))
	}
	if err := orch.Stop(); err != nil && !errors.Is(err, orchestrator.ErrNotRunning) {
		log.Warn("Failed to stop run", logger.Error(err))
	}
	if err := orch.Wait(ctx); err != nil {
		log.Warn("Run did not finish before shutdown timeout", logger.Error(err))
	}
	log.Info("Server stopped")
}
