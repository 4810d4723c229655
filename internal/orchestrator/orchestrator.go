// Package orchestrator drives the pipeline across the due target set or a
// list of failures, one target at a time, with at most one run active.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jonesrussell/north-cloud/staffdir/internal/database"
	"github.com/jonesrussell/north-cloud/staffdir/internal/domain"
	"github.com/jonesrussell/north-cloud/staffdir/internal/export"
	"github.com/jonesrussell/north-cloud/staffdir/internal/logger"
	"github.com/jonesrussell/north-cloud/staffdir/internal/metrics"
	"github.com/jonesrussell/north-cloud/staffdir/internal/pipeline"
)

var (
	// ErrAlreadyRunning rejects a run request while another run is active.
	ErrAlreadyRunning = errors.New("a run is already in progress")
	// ErrNotRunning is returned by Stop when no run is active.
	ErrNotRunning = errors.New("no run in progress")
)

// Processor runs one target.
type Processor interface {
	Process(ctx context.Context, target *domain.Target) (*pipeline.Result, error)
}

// Store is the target and ledger access runs need.
type Store interface {
	ListDueTargets(ctx context.Context, monthStart time.Time) ([]domain.Target, error)
	GetTargetByURL(ctx context.Context, directoryURL string) (*domain.Target, error)
	DeleteFailure(ctx context.Context, targetURL string) error
}

// Exporter regenerates the export after a run.
type Exporter interface {
	Export(ctx context.Context) (string, error)
}

// Notifier is told when a run finishes.
type Notifier interface {
	RunCompleted(ctx context.Context, summary Summary) error
}

// Config holds the inter-target delays.
type Config struct {
	Delay      time.Duration
	RetryDelay time.Duration
}

// Summary describes a finished run.
type Summary struct {
	Mode            Mode      `json:"mode"`
	Total           int       `json:"total"`
	Processed       int       `json:"processed"`
	Succeeded       int       `json:"succeeded"`
	Failed          int       `json:"failed"`
	Skipped         int       `json:"skipped"`
	Stopped         bool      `json:"stopped"`
	ExportTriggered bool      `json:"export_triggered"`
	ExportPath      string    `json:"export_path,omitempty"`
	Error           string    `json:"error,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	State         State      `json:"state"`
	Mode          Mode       `json:"mode,omitempty"`
	Total         int        `json:"total"`
	Processed     int        `json:"processed"`
	Succeeded     int        `json:"succeeded"`
	Failed        int        `json:"failed"`
	Skipped       int        `json:"skipped"`
	CurrentTarget string     `json:"current_target,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	LastRun       *Summary   `json:"last_run,omitempty"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithExporter regenerates exports after successful runs.
func WithExporter(e Exporter) Option {
	return func(o *Orchestrator) { o.exporter = e }
}

// WithNotifier publishes run summaries through n.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithMetrics records run metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator owns the single run slot.
type Orchestrator struct {
	store     Store
	processor Processor
	exporter  Exporter
	notifier  Notifier
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time
	log       logger.Logger

	mu      sync.Mutex
	state   State
	current Summary
	target  string
	stopCh  chan struct{}
	done    chan struct{}
	last    *Summary
}

// New creates an idle Orchestrator.
func New(store Store, processor Processor, cfg Config, log logger.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		processor: processor,
		cfg:       cfg,
		now:       time.Now,
		log:       log,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunFull processes every active target not yet processed this calendar
// month, oldest first, and blocks until done. It fails only when the
// targets cannot be listed.
func (o *Orchestrator) RunFull(ctx context.Context) (*Summary, error) {
	if err := o.begin(ModeFull); err != nil {
		return nil, err
	}
	return o.runFull(ctx)
}

// RunRetry re-attempts each failure, removing it from the ledger first, and
// blocks until done.
func (o *Orchestrator) RunRetry(ctx context.Context, failures []domain.FailureRecord) (*Summary, error) {
	if err := o.begin(ModeRetry); err != nil {
		return nil, err
	}
	return o.runRetry(ctx, failures)
}

// StartFull starts a full run in the background. The run outlives ctx's
// cancellation.
func (o *Orchestrator) StartFull(ctx context.Context) error {
	if err := o.begin(ModeFull); err != nil {
		return err
	}
	go func() {
		if _, err := o.runFull(context.WithoutCancel(ctx)); err != nil {
			o.log.Error("Full run failed", logger.Error(err))
		}
	}()
	return nil
}

// StartRetry starts a retry run in the background.
func (o *Orchestrator) StartRetry(ctx context.Context, failures []domain.FailureRecord) error {
	if err := o.begin(ModeRetry); err != nil {
		return err
	}
	go func() {
		if _, err := o.runRetry(context.WithoutCancel(ctx), failures); err != nil {
			o.log.Error("Retry run failed", logger.Error(err))
		}
	}()
	return nil
}

// Stop asks the active run to finish after the current target. Calling it
// again while stopping is a no-op.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case StateStopping:
		return nil
	case StateRunning:
		if err := o.transition(StateStopping); err != nil {
			return err
		}
		close(o.stopCh)
		o.log.Info("Stop requested", logger.String("run_mode", string(o.current.Mode)))
		return nil
	default:
		return ErrNotRunning
	}
}

// Wait blocks until the active run, if any, has finished.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports the current state and counters.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := Status{State: o.state, LastRun: o.last}
	if o.state != StateIdle {
		started := o.current.StartedAt
		st.Mode = o.current.Mode
		st.Total = o.current.Total
		st.Processed = o.current.Processed
		st.Succeeded = o.current.Succeeded
		st.Failed = o.current.Failed
		st.Skipped = o.current.Skipped
		st.CurrentTarget = o.target
		st.StartedAt = &started
	}
	return st
}

// begin claims the run slot.
func (o *Orchestrator) begin(mode Mode) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateIdle {
		if o.metrics != nil {
			o.metrics.RunsRejected.Inc()
		}
		return ErrAlreadyRunning
	}
	if err := o.transition(StateRunning); err != nil {
		return err
	}
	o.current = Summary{Mode: mode, StartedAt: o.now()}
	o.target = ""
	o.stopCh = make(chan struct{})
	o.done = make(chan struct{})
	if o.metrics != nil {
		o.metrics.RunActive.Set(1)
	}
	return nil
}

// transition must be called with mu held.
func (o *Orchestrator) transition(to State) error {
	if err := ValidateTransition(o.state, to); err != nil {
		return err
	}
	o.state = to
	return nil
}

func (o *Orchestrator) runFull(ctx context.Context) (*Summary, error) {
	now := o.now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	targets, err := o.store.ListDueTargets(ctx, monthStart)
	if err != nil {
		err = fmt.Errorf("list due targets: %w", err)
		summary := o.finish(ctx, false, err)
		return summary, err
	}

	o.setTotal(len(targets))
	o.log.Info("Full run started",
		logger.String("run_mode", string(ModeFull)),
		logger.Int("total", len(targets)),
		logger.Time("month_start", monthStart),
	)

	stopped := o.loop(ctx, len(targets), o.cfg.Delay, func(ctx context.Context, i int) {
		o.process(ctx, &targets[i])
	})
	return o.finish(ctx, stopped, nil), nil
}

func (o *Orchestrator) runRetry(ctx context.Context, failures []domain.FailureRecord) (*Summary, error) {
	o.setTotal(len(failures))
	o.log.Info("Retry run started",
		logger.String("run_mode", string(ModeRetry)),
		logger.Int("total", len(failures)),
	)

	stopped := o.loop(ctx, len(failures), o.cfg.RetryDelay, func(ctx context.Context, i int) {
		o.retry(ctx, failures[i])
	})
	return o.finish(ctx, stopped, nil), nil
}

// loop calls step for each index, polling the stop signal before each step
// and during the delay between steps. It reports whether it exited early.
func (o *Orchestrator) loop(ctx context.Context, n int, delay time.Duration, step func(context.Context, int)) bool {
	stopCh := o.stopChannel()
	for i := range n {
		if i > 0 && !o.sleep(ctx, stopCh, delay) {
			return true
		}
		if stopSignaled(ctx, stopCh) {
			return true
		}
		step(ctx, i)
	}
	return false
}

func (o *Orchestrator) sleep(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func stopSignaled(ctx context.Context, stopCh <-chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (o *Orchestrator) retry(ctx context.Context, f domain.FailureRecord) {
	log := o.log.With(logger.String("run_mode", string(ModeRetry)), logger.Target(f.TargetURL))

	if err := o.store.DeleteFailure(ctx, f.TargetURL); err != nil {
		log.Error("Failed to clear failure before retry", logger.Error(err))
	}

	target, err := o.store.GetTargetByURL(ctx, f.TargetURL)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			log.Warn("Skipping failure for unknown target")
		} else {
			log.Error("Failed to load target for retry", logger.Error(err))
		}
		o.mu.Lock()
		o.current.Skipped++
		o.mu.Unlock()
		return
	}
	o.process(ctx, target)
}

func (o *Orchestrator) process(ctx context.Context, target *domain.Target) {
	o.mu.Lock()
	o.target = target.DirectoryURL
	mode := o.current.Mode
	o.mu.Unlock()

	res, err := o.processor.Process(ctx, target)
	if err != nil {
		o.log.Error("Target bookkeeping failed",
			logger.String("run_mode", string(mode)),
			logger.Target(target.DirectoryURL),
			logger.Error(err),
		)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.current.Processed++
	if res != nil && res.Succeeded() {
		o.current.Succeeded++
	} else {
		o.current.Failed++
	}
	o.target = ""
}

// finish exports when warranted, records the summary and frees the run slot.
func (o *Orchestrator) finish(ctx context.Context, stopped bool, runErr error) *Summary {
	o.mu.Lock()
	summary := o.current
	// a stop that lands during the last target is still a stop
	stopRequested := o.state == StateStopping
	o.mu.Unlock()

	summary.Stopped = stopped || stopRequested
	if runErr != nil {
		summary.Error = runErr.Error()
	}
	if runErr == nil && !stopped && summary.Succeeded > 0 && o.exporter != nil {
		summary.ExportTriggered = true
		summary.ExportPath = o.export(ctx)
	}
	summary.FinishedAt = o.now()

	o.log.Info("Run finished",
		logger.String("run_mode", string(summary.Mode)),
		logger.Int("total", summary.Total),
		logger.Int("processed", summary.Processed),
		logger.Int("succeeded", summary.Succeeded),
		logger.Int("failed", summary.Failed),
		logger.Int("skipped", summary.Skipped),
		logger.Bool("stopped", summary.Stopped),
		logger.Bool("export_triggered", summary.ExportTriggered),
	)

	if o.metrics != nil {
		o.metrics.RunActive.Set(0)
		o.metrics.RunsTotal.WithLabelValues(string(summary.Mode), strconv.FormatBool(summary.Stopped)).Inc()
	}
	if o.notifier != nil {
		if err := o.notifier.RunCompleted(ctx, summary); err != nil {
			o.log.Warn("Failed to publish run event", logger.Error(err))
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.transition(StateIdle); err != nil {
		o.log.Error("Invalid run state", logger.Error(err))
		o.state = StateIdle
	}
	o.last = &summary
	o.target = ""
	close(o.done)
	return &summary
}

func (o *Orchestrator) export(ctx context.Context) string {
	path, err := o.exporter.Export(ctx)
	status := "succeeded"
	switch {
	case errors.Is(err, export.ErrInProgress):
		status = "skipped"
		o.log.Info("Export already in progress")
	case err != nil:
		status = "failed"
		o.log.Error("Export failed", logger.Error(err))
	default:
		o.log.Info("Export written", logger.String("path", path))
	}
	if o.metrics != nil {
		o.metrics.ExportsTotal.WithLabelValues(status).Inc()
	}
	return path
}

func (o *Orchestrator) setTotal(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current.Total = n
}

func (o *Orchestrator) stopChannel() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopCh
}
