// Package scheduler triggers full runs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jonesrussell/north-cloud/staffdir/internal/logger"
	"github.com/jonesrussell/north-cloud/staffdir/internal/orchestrator"
)

// Runner starts a background full run.
type Runner interface {
	StartFull(ctx context.Context) error
}

// Scheduler fires Runner.StartFull on every tick of a 5-field cron
// expression. A tick that finds a run in progress is dropped.
type Scheduler struct {
	spec     string
	schedule cron.Schedule
	cron     *cron.Cron
	runner   Runner
	log      logger.Logger
	ctx      context.Context
}

// New parses spec and returns a stopped Scheduler.
func New(spec string, runner Runner, log logger.Logger) (*Scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return &Scheduler{
		spec:     spec,
		schedule: schedule,
		cron:     cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		runner:   runner,
		log:      log,
		ctx:      context.Background(),
	}, nil
}

// Start registers the schedule and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	if _, err := s.cron.AddFunc(s.spec, s.Trigger); err != nil {
		return fmt.Errorf("register schedule: %w", err)
	}
	s.cron.Start()
	s.log.Info("Scheduler started",
		logger.String("schedule", s.spec),
		logger.Time("next_run", s.Next(time.Now())),
	)
	return nil
}

// Stop halts the cron loop and waits for a firing tick to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	cronCtx := s.cron.Stop()
	select {
	case <-cronCtx.Done():
		s.log.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the first firing time after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Trigger starts a full run now.
func (s *Scheduler) Trigger() {
	err := s.runner.StartFull(s.ctx)
	switch {
	case errors.Is(err, orchestrator.ErrAlreadyRunning):
		s.log.Info("Scheduled run skipped, a run is already in progress")
	case err != nil:
		s.log.Error("Scheduled run failed to start", logger.Error(err))
	default:
		s.log.Info("Scheduled run started", logger.Time("next_run", s.Next(time.Now())))
	}
}
