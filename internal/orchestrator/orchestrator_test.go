package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/staffdir/internal/database"
	"github.com/jonesrussell/north-cloud/staffdir/internal/domain"
	"github.com/jonesrussell/north-cloud/staffdir/internal/export"
	"github.com/jonesrussell/north-cloud/staffdir/internal/logger"
	"github.com/jonesrussell/north-cloud/staffdir/internal/metrics"
	"github.com/jonesrussell/north-cloud/staffdir/internal/orchestrator"
	"github.com/jonesrussell/north-cloud/staffdir/internal/pipeline"
)

const waitTimeout = 5 * time.Second

type fakeStore struct {
	mu         sync.Mutex
	due        []domain.Target
	listErr    error
	monthStart time.Time
	deleted    []string
}

func (s *fakeStore) ListDueTargets(_ context.Context, monthStart time.Time) ([]domain.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monthStart = monthStart
	return s.due, s.listErr
}

func (s *fakeStore) GetTargetByURL(_ context.Context, directoryURL string) (*domain.Target, error) {
	for i := range s.due {
		if s.due[i].DirectoryURL == directoryURL {
			t := s.due[i]
			return &t, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *fakeStore) DeleteFailure(_ context.Context, targetURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, targetURL)
	return nil
}

type fakeProcessor struct {
	mu      sync.Mutex
	seen    []string
	failing map[string]bool
	started chan string
	gate    chan struct{}
}

func newProcessor() *fakeProcessor {
	return &fakeProcessor{failing: map[string]bool{}, started: make(chan string, 16)}
}

func (p *fakeProcessor) Process(_ context.Context, t *domain.Target) (*pipeline.Result, error) {
	p.started <- t.DirectoryURL
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, t.DirectoryURL)
	status := pipeline.StatusSucceeded
	if p.failing[t.DirectoryURL] {
		status = pipeline.StatusFailed
	}
	return &pipeline.Result{TargetID: t.ID, TargetURL: t.DirectoryURL, Status: status}, nil
}

func (p *fakeProcessor) processed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.seen...)
}

type fakeExporter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *fakeExporter) Export(context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return "", e.err
	}
	return "exports/staffdir.xlsx", nil
}

func (e *fakeExporter) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fakeNotifier struct {
	mu        sync.Mutex
	summaries []orchestrator.Summary
}

func (n *fakeNotifier) RunCompleted(_ context.Context, s orchestrator.Summary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, s)
	return nil
}

func targets(urls ...string) []domain.Target {
	out := make([]domain.Target, 0, len(urls))
	for i, u := range urls {
		out = append(out, domain.Target{ID: string(rune('a' + i)), DirectoryURL: u, Active: true})
	}
	return out
}

func waitIdle(t *testing.T, o *orchestrator.Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, o.Wait(ctx))
	assert.Equal(t, orchestrator.StateIdle, o.Status().State)
}

func TestRunFull_ProcessesDueTargetsAndExportsOnce(t *testing.T) {
	t.Parallel()

	store := &fakeStore{due: targets("https://a.example/staff", "https://b.example/staff", "https://c.example/staff")}
	proc := newProcessor()
	proc.failing["https://b.example/staff"] = true
	exporter := &fakeExporter{}
	notifier := &fakeNotifier{}
	now := time.Date(2026, time.March, 17, 9, 30, 0, 0, time.UTC)

	o := orchestrator.New(store, proc, orchestrator.Config{}, logger.NewNop(),
		orchestrator.WithExporter(exporter),
		orchestrator.WithNotifier(notifier),
		orchestrator.WithClock(func() time.Time { return now }),
	)

	summary, err := o.RunFull(context.Background())
	require.NoError(t, err)

	assert.Equal(t, time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC), store.monthStart)
	assert.Equal(t, []string{"https://a.example/staff", "https://b.example/staff", "https://c.example/staff"}, proc.processed())
	assert.Equal(t, orchestrator.ModeFull, summary.Mode)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.False(t, summary.Stopped)
	assert.True(t, summary.ExportTriggered)
	assert.Equal(t, "exports/staffdir.xlsx", summary.ExportPath)
	assert.Equal(t, 1, exporter.callCount())

	st := o.Status()
	assert.Equal(t, orchestrator.StateIdle, st.State)
	require.NotNil(t, st.LastRun)
	assert.Equal(t, 3, st.LastRun.Processed)
	require.Len(t, notifier.summaries, 1)
}

func TestRunFull_EnumerationFailureIsFatal(t *testing.T) {
	t.Parallel()

	store := &fakeStore{listErr: errors.New("connection refused")}
	exporter := &fakeExporter{}
	o := orchestrator.New(store, newProcessor(), orchestrator.Config{}, logger.NewNop(), orchestrator.WithExporter(exporter))

	summary, err := o.RunFull(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	require.NotNil(t, summary)
	assert.NotEmpty(t, summary.Error)
	assert.Zero(t, exporter.callCount())
	assert.Equal(t, orchestrator.StateIdle, o.Status().State)
}

func TestRunFull_NoSuccessSkipsExport(t *testing.T) {
	t.Parallel()

	store := &fakeStore{due: targets("https://a.example/staff")}
	proc := newProcessor()
	proc.failing["https://a.example/staff"] = true
	exporter := &fakeExporter{}
	o := orchestrator.New(store, proc, orchestrator.Config{}, logger.NewNop(), orchestrator.WithExporter(exporter))

	summary, err := o.RunFull(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.ExportTriggered)
	assert.Zero(t, exporter.callCount())
}

func TestRunFull_ExportInProgressIsNotAnError(t *testing.T) {
	t.Parallel()

	store := &fakeStore{due: targets("https://a.example/staff")}
	exporter := &fakeExporter{err: export.ErrInProgress}
	o := orchestrator.New(store, newProcessor(), orchestrator.Config{}, logger.NewNop(), orchestrator.WithExporter(exporter))

	summary, err := o.RunFull(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.ExportTriggered)
	assert.Empty(t, summary.ExportPath)
}

func TestStop_ExitsBeforeNextTarget(t *testing.T) {
	t.Parallel()

	store := &fakeStore{due: targets("https://a.example/staff", "https://b.example/staff", "https://c.example/staff")}
	proc := newProcessor()
	proc.gate = make(chan struct{})
	exporter := &fakeExporter{}
	o := orchestrator.New(store, proc, orchestrator.Config{}, logger.NewNop(), orchestrator.WithExporter(exporter))

	require.NoError(t, o.StartFull(context.Background()))
	assert.Equal(t, "https://a.example/staff", <-proc.started)

	require.NoError(t, o.Stop())
	assert.Equal(t, orchestrator.StateStopping, o.Status().State)
	require.NoError(t, o.Stop(), "stopping twice is a no-op")
	close(proc.gate)

	waitIdle(t, o)
	last := o.Status().LastRun
	require.NotNil(t, last)
	assert.True(t, last.Stopped)
	assert.Equal(t, 3, last.Total)
	assert.Equal(t, 1, last.Processed)
	assert.False(t, last.ExportTriggered, "stopped runs do not export")
	assert.Equal(t, []string{"https://a.example/staff"}, proc.processed())
	assert.Zero(t, exporter.callCount())

	require.ErrorIs(t, o.Stop(), orchestrator.ErrNotRunning)
}

func TestStop_DuringLastTarget(t *testing.T) {
	t.Parallel()

	store := &fakeStore{due: targets("https://a.example/staff")}
	proc := newProcessor()
	proc.gate = make(chan struct{})
	exporter := &fakeExporter{}
	o := orchestrator.New(store, proc, orchestrator.Config{}, logger.NewNop(), orchestrator.WithExporter(exporter))

	require.NoError(t, o.StartFull(context.Background()))
	<-proc.started

	require.NoError(t, o.Stop())
	close(proc.gate)

	waitIdle(t, o)
	last := o.Status().LastRun
	require.NotNil(t, last)
	assert.True(t, last.Stopped)
	assert.Equal(t, 1, last.Processed)
	assert.False(t, last.ExportTriggered)
	assert.Zero(t, exporter.callCount())
}

func TestStop_InterruptsDelay(t *testing.T) {
	t.Parallel()

	store := &fakeStore{due: targets("https://a.example/staff", "https://b.example/staff")}
	proc := newProcessor()
	o := orchestrator.New(store, proc, orchestrator.Config{Delay: time.Hour}, logger.NewNop())

	require.NoError(t, o.StartFull(context.Background()))
	<-proc.started

	require.Eventually(t, func() bool { return o.Status().Processed == 1 }, waitTimeout, 5*time.Millisecond)
	require.NoError(t, o.Stop())

	waitIdle(t, o)
	assert.Equal(t, 1, o.Status().LastRun.Processed)
	assert.True(t, o.Status().LastRun.Stopped)
}

func TestStop_WhenIdle(t *testing.T) {
	t.Parallel()

	o := orchestrator.New(&fakeStore{}, newProcessor(), orchestrator.Config{}, logger.NewNop())
	require.ErrorIs(t, o.Stop(), orchestrator.ErrNotRunning)
}

func TestSingleFlight_RejectsConcurrentRuns(t *testing.T) {
	t.Parallel()

	store := &fakeStore{due: targets("https://a.example/staff", "https://b.example/staff")}
	proc := newProcessor()
	proc.gate = make(chan struct{})
	m := metrics.New(prometheus.NewRegistry())
	o := orchestrator.New(store, proc, orchestrator.Config{}, logger.NewNop(), orchestrator.WithMetrics(m))

	require.NoError(t, o.StartFull(context.Background()))
	<-proc.started
	before := o.Status()

	_, err := o.RunFull(context.Background())
	require.ErrorIs(t, err, orchestrator.ErrAlreadyRunning)
	require.ErrorIs(t, o.StartRetry(context.Background(), nil), orchestrator.ErrAlreadyRunning)
	require.ErrorIs(t, o.StartFull(context.Background()), orchestrator.ErrAlreadyRunning)

	after := o.Status()
	assert.Equal(t, before.Mode, after.Mode)
	assert.Equal(t, orchestrator.ModeFull, after.Mode)
	assert.Equal(t, before.Total, after.Total)
	assert.Equal(t, before.Processed, after.Processed)
	assert.Equal(t, "https://a.example/staff", after.CurrentTarget)
	assert.InDelta(t, 3, testutil.ToFloat64(m.RunsRejected), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RunActive), 0)

	close(proc.gate)
	waitIdle(t, o)
	assert.Equal(t, 2, o.Status().LastRun.Processed)
	assert.InDelta(t, 0, testutil.ToFloat64(m.RunActive), 0)
}

func TestRunRetry_ClearsLedgerAndSkipsUnknownTargets(t *testing.T) {
	t.Parallel()

	store := &fakeStore{due: targets("https://a.example/staff", "https://b.example/staff")}
	proc := newProcessor()
	o := orchestrator.New(store, proc, orchestrator.Config{}, logger.NewNop())

	failures := []domain.FailureRecord{
		{TargetURL: "https://b.example/staff", Kind: domain.FailureNoData},
		{TargetURL: "https://gone.example/staff", Kind: domain.FailureFetchFailed},
		{TargetURL: "https://a.example/staff", Kind: domain.FailureCritical},
	}
	summary, err := o.RunRetry(context.Background(), failures)
	require.NoError(t, err)

	assert.Equal(t, orchestrator.ModeRetry, summary.Mode)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, []string{"https://b.example/staff", "https://gone.example/staff", "https://a.example/staff"}, store.deleted)
	assert.Equal(t, []string{"https://b.example/staff", "https://a.example/staff"}, proc.processed())
}

func TestStartRetry_RunsInBackground(t *testing.T) {
	t.Parallel()

	store := &fakeStore{due: targets("https://a.example/staff")}
	proc := newProcessor()
	o := orchestrator.New(store, proc, orchestrator.Config{RetryDelay: time.Millisecond}, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, o.StartRetry(ctx, []domain.FailureRecord{{TargetURL: "https://a.example/staff"}}))
	cancel() // the run outlives the request that started it

	waitIdle(t, o)
	assert.Equal(t, 1, o.Status().LastRun.Succeeded)
}

func TestValidateTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to orchestrator.State
		wantErr  bool
	}{
		{orchestrator.StateIdle, orchestrator.StateRunning, false},
		{orchestrator.StateRunning, orchestrator.StateStopping, false},
		{orchestrator.StateRunning, orchestrator.StateIdle, false},
		{orchestrator.StateStopping, orchestrator.StateIdle, false},
		{orchestrator.StateIdle, orchestrator.StateStopping, true},
		{orchestrator.StateStopping, orchestrator.StateRunning, true},
		{orchestrator.State("paused"), orchestrator.StateIdle, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			err := orchestrator.ValidateTransition(tt.from, tt.to)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
