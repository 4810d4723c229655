// Package pipeline runs one target through fetch, extraction, fallback
// rendering and persistence, and records the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/staffdir/internal/changes"
	"github.com/jonesrussell/north-cloud/staffdir/internal/database"
	"github.com/jonesrussell/north-cloud/staffdir/internal/domain"
	"github.com/jonesrussell/north-cloud/staffdir/internal/extractor"
	"github.com/jonesrussell/north-cloud/staffdir/internal/logger"
	"github.com/jonesrussell/north-cloud/staffdir/internal/metrics"
)

// SnippetRunes bounds the document excerpt stored with a no_data failure.
const SnippetRunes = 500

// Stage names one step of the per-target state machine.
type Stage string

const (
	StageFetchPrimary    Stage = "fetch_primary"
	StageExtractPrimary  Stage = "extract_primary"
	StageFetchFallback   Stage = "fetch_fallback"
	StageExtractFallback Stage = "extract_fallback"
	StagePersist         Stage = "persist"
)

// Status is the terminal state of a target run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Fetcher retrieves a page with a plain HTTP GET.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string) (string, error)
}

// Renderer returns script-rendered HTML for a page.
type Renderer interface {
	Render(ctx context.Context, pageURL string) (string, error)
}

// Extractor runs the extractor chain over a document.
type Extractor interface {
	Extract(html, sourceURL, preferred string) (extractor.Outcome, error)
}

// Notifier is told about roster changes after they are committed.
type Notifier interface {
	TargetChanged(ctx context.Context, target *domain.Target, change *domain.ChangeRecord) error
}

// Store is the persistence the pipeline writes through. Calls made with the
// ctx handed to a Transact callback join that transaction.
type Store interface {
	RetentionStore
	Transact(ctx context.Context, fn func(ctx context.Context) error) error
	LatestSnapshot(ctx context.Context, targetID string) (*domain.Snapshot, error)
	CreateSnapshot(ctx context.Context, s *domain.Snapshot) error
	UpsertProfile(ctx context.Context, p *domain.Profile) error
	CreateChange(ctx context.Context, c *domain.ChangeRecord) error
	RecordScrape(ctx context.Context, targetID string, u database.ScrapeUpdate) error
	MarkProcessed(ctx context.Context, targetID string, at time.Time, extractorFailed bool) error
	UpsertFailure(ctx context.Context, f *domain.FailureRecord) error
	DeleteFailure(ctx context.Context, targetURL string) error
}

// Result summarizes one target run.
type Result struct {
	TargetID    string             `json:"target_id"`
	TargetURL   string             `json:"target_url"`
	Status      Status             `json:"status"`
	Stage       Stage              `json:"stage"`
	FetchPath   domain.FetchPath   `json:"fetch_path,omitempty"`
	Extractor   string             `json:"extractor,omitempty"`
	Members     int                `json:"members"`
	SnapshotID  string             `json:"snapshot_id,omitempty"`
	Added       int                `json:"added"`
	Removed     int                `json:"removed"`
	Updated     int                `json:"updated"`
	Pruned      []string           `json:"pruned,omitempty"`
	FailureKind domain.FailureKind `json:"failure_kind,omitempty"`
	Message     string             `json:"message,omitempty"`
	Duration    time.Duration      `json:"duration"`
}

// Succeeded reports whether the run produced a snapshot.
func (r *Result) Succeeded() bool {
	return r.Status == StatusSucceeded
}

// failure is a terminal per-target failure.
type failure struct {
	kind    domain.FailureKind
	message string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics records pipeline metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithNotifier publishes committed changes through n.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

// WithRetain overrides how many snapshots are kept per target.
func WithRetain(keep int) Option {
	return func(p *Pipeline) { p.retain = keep }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline processes targets one at a time. It holds no per-run state and is
// safe for concurrent use, although the orchestrator runs it sequentially.
type Pipeline struct {
	store      Store
	fetcher    Fetcher
	renderer   Renderer
	extractors Extractor
	notifier   Notifier
	metrics    *metrics.Metrics
	tracer     *metrics.Tracer
	retention  *Retention
	retain     int
	now        func() time.Time
	log        logger.Logger
}

// New creates a Pipeline. renderer may be nil, which disables the fallback
// path.
func New(store Store, fetcher Fetcher, renderer Renderer, extractors Extractor, log logger.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      store,
		fetcher:    fetcher,
		renderer:   renderer,
		extractors: extractors,
		tracer:     metrics.NewTracer(),
		retain:     DefaultRetain,
		now:        time.Now,
		log:        log,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.retention = NewRetention(store, p.retain, log)
	return p
}

// Process runs target through the state machine. Per-target failures are
// reported in the Result and written to the failure ledger; the returned
// error is non-nil only when that bookkeeping itself fails.
func (p *Pipeline) Process(ctx context.Context, target *domain.Target) (*Result, error) {
	start := p.now()
	ctx, span := p.tracer.TargetSpan(ctx, target.ID, target.DirectoryURL)
	defer span.End()

	log := p.log.With(logger.Target(target.DirectoryURL), logger.String("target_id", target.ID))
	res := &Result{TargetID: target.ID, TargetURL: target.DirectoryURL}

	preferredFailed, fail := p.run(ctx, target, res, log)

	var errs []error
	if fail != nil {
		res.Status = StatusFailed
		res.FailureKind = fail.kind
		res.Message = fail.message
		log.Warn("Target failed",
			logger.String("stage", string(res.Stage)),
			logger.String("failure_kind", string(fail.kind)),
			logger.String("message", fail.message),
		)
		if err := p.recordFailure(ctx, target, fail); err != nil {
			errs = append(errs, err)
		}
	} else {
		res.Status = StatusSucceeded
		log.Info("Target processed",
			logger.String("fetch_path", string(res.FetchPath)),
			logger.String("extractor", res.Extractor),
			logger.Int("members", res.Members),
			logger.Int("added", res.Added),
			logger.Int("removed", res.Removed),
			logger.Int("updated", res.Updated),
		)
	}

	// A successful persist already recorded the winning extractor.
	extractorFailed := fail != nil && preferredFailed
	if err := p.store.MarkProcessed(ctx, target.ID, p.now(), extractorFailed); err != nil {
		errs = append(errs, fmt.Errorf("mark processed: %w", err))
	}

	res.Duration = p.now().Sub(start)
	p.observe(res)

	err := errors.Join(errs...)
	metrics.RecordError(span, err)
	return res, err
}

// run walks the fetch and extract stages. It reports whether the preferred
// extractor was tried and came up empty, and the terminal failure if any.
func (p *Pipeline) run(ctx context.Context, target *domain.Target, res *Result, log logger.Logger) (bool, *failure) {
	preferred := target.PreferredExtractor()
	preferredFailed := false

	res.Stage = StageFetchPrimary
	html, primaryErr := p.fetchPrimary(ctx, target.DirectoryURL)
	if primaryErr == nil {
		res.Stage = StageExtractPrimary
		out := p.extract(ctx, StageExtractPrimary, html, target.DirectoryURL, preferred, log)
		preferredFailed = out.PreferredFailed
		if len(out.Records) > 0 {
			res.Stage = StagePersist
			return preferredFailed, p.persist(ctx, target, html, out, domain.FetchPathPrimary, res, log)
		}
		log.Info("Primary fetch returned no records, trying fallback")
	} else {
		log.Warn("Primary fetch failed, trying fallback", logger.Error(primaryErr))
	}

	if err := ctx.Err(); err != nil {
		return preferredFailed, &failure{kind: domain.FailureFetchFailed, message: fetchFailedMessage(primaryErr, err)}
	}

	res.Stage = StageFetchFallback
	if p.renderer == nil {
		return preferredFailed, &failure{
			kind:    domain.FailureFetchFailed,
			message: fetchFailedMessage(primaryErr, errors.New("rendering fallback disabled")),
		}
	}
	rendered, renderErr := p.fetchFallback(ctx, target.DirectoryURL)
	if renderErr != nil {
		return preferredFailed, &failure{kind: domain.FailureFetchFailed, message: fetchFailedMessage(primaryErr, renderErr)}
	}

	res.Stage = StageExtractFallback
	out := p.extract(ctx, StageExtractFallback, rendered, target.DirectoryURL, preferred, log)
	preferredFailed = preferredFailed || out.PreferredFailed
	if len(out.Records) == 0 {
		return preferredFailed, &failure{
			kind:    domain.FailureNoData,
			message: "no records extracted after primary and fallback fetch; document: " + Snippet(rendered, SnippetRunes),
		}
	}

	res.Stage = StagePersist
	return preferredFailed, p.persist(ctx, target, rendered, out, domain.FetchPathFallback, res, log)
}

func (p *Pipeline) fetchPrimary(ctx context.Context, pageURL string) (string, error) {
	ctx, span := p.tracer.StageSpan(ctx, string(StageFetchPrimary))
	defer span.End()

	html, err := p.fetcher.Fetch(ctx, pageURL)
	metrics.RecordError(span, err)
	return html, err
}

func (p *Pipeline) fetchFallback(ctx context.Context, pageURL string) (string, error) {
	ctx, span := p.tracer.StageSpan(ctx, string(StageFetchFallback))
	defer span.End()

	html, err := p.renderer.Render(ctx, pageURL)
	metrics.RecordError(span, err)
	return html, err
}

// extract treats an unparseable document as yielding no records.
func (p *Pipeline) extract(ctx context.Context, stage Stage, html, sourceURL, preferred string, log logger.Logger) extractor.Outcome {
	_, span := p.tracer.StageSpan(ctx, string(stage))
	defer span.End()

	out, err := p.extractors.Extract(html, sourceURL, preferred)
	if err != nil {
		metrics.RecordError(span, err)
		log.Warn("Extraction failed", logger.String("stage", string(stage)), logger.Error(err))
		return extractor.Outcome{}
	}
	return out
}

// persist writes the snapshot and everything derived from it in one
// transaction. Errors and panics become critical failures.
func (p *Pipeline) persist(
	ctx context.Context,
	target *domain.Target,
	document string,
	out extractor.Outcome,
	path domain.FetchPath,
	res *Result,
	log logger.Logger,
) (fail *failure) {
	ctx, span := p.tracer.StageSpan(ctx, string(StagePersist))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			log.Error("Panic while persisting snapshot", logger.Any("panic", r))
			fail = &failure{kind: domain.FailureCritical, message: fmt.Sprintf("panic during persist: %v", r)}
		}
	}()

	now := p.now()
	var (
		snap   *domain.Snapshot
		change *domain.ChangeRecord
		pruned []string
	)
	err := p.store.Transact(ctx, func(ctx context.Context) error {
		prev, err := p.store.LatestSnapshot(ctx, target.ID)
		if err != nil {
			return fmt.Errorf("load previous snapshot: %w", err)
		}

		snap, err = BuildSnapshot(SnapshotInput{
			TargetID:  target.ID,
			Document:  document,
			Records:   out.Records,
			FetchPath: path,
			Extractor: out.Extractor,
			At:        now,
			Previous:  prev,
		})
		if err != nil {
			return err
		}
		if err = p.store.CreateSnapshot(ctx, snap); err != nil {
			return err
		}

		for _, profile := range Profiles(snap) {
			if err = p.store.UpsertProfile(ctx, profile); err != nil {
				return err
			}
		}

		if diff := changes.Diff(prev, snap); !diff.Empty() {
			change = &domain.ChangeRecord{
				ID:           uuid.NewString(),
				TargetID:     target.ID,
				ToSnapshotID: snap.ID,
				Added:        diff.Added,
				Removed:      diff.Removed,
				Updated:      diff.Updated,
				CreatedAt:    now,
			}
			if prev != nil {
				change.FromSnapshotID = &prev.ID
			}
			if err = p.store.CreateChange(ctx, change); err != nil {
				return err
			}
		}

		err = p.store.RecordScrape(ctx, target.ID, database.ScrapeUpdate{
			SnapshotID:  snap.ID,
			Extractor:   out.Extractor,
			RecordCount: snap.TotalMembers,
			ScrapedAt:   now,
		})
		if err != nil {
			return fmt.Errorf("update target: %w", err)
		}

		if pruned, err = p.retention.Enforce(ctx, target.ID); err != nil {
			return fmt.Errorf("enforce retention: %w", err)
		}

		return p.store.DeleteFailure(ctx, target.DirectoryURL)
	})
	if err != nil {
		metrics.RecordError(span, err)
		return &failure{kind: domain.FailureCritical, message: "persist snapshot: " + err.Error()}
	}

	res.FetchPath = path
	res.Extractor = out.Extractor
	res.Members = snap.TotalMembers
	res.SnapshotID = snap.ID
	res.Pruned = pruned
	if change != nil {
		res.Added, res.Removed, res.Updated = len(change.Added), len(change.Removed), len(change.Updated)
		p.notify(ctx, target, change, log)
	}
	return nil
}

func (p *Pipeline) notify(ctx context.Context, target *domain.Target, change *domain.ChangeRecord, log logger.Logger) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.TargetChanged(ctx, target, change); err != nil {
		log.Warn("Failed to publish change event", logger.Error(err))
	}
}

func (p *Pipeline) recordFailure(ctx context.Context, target *domain.Target, fail *failure) error {
	targetID := target.ID
	record := &domain.FailureRecord{
		TargetURL:     target.DirectoryURL,
		TargetID:      &targetID,
		Kind:          fail.kind,
		Message:       fail.message,
		LastAttemptAt: p.now(),
	}
	if err := p.store.UpsertFailure(ctx, record); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

func (p *Pipeline) observe(res *Result) {
	if p.metrics == nil {
		return
	}
	p.metrics.TargetsProcessed.WithLabelValues(string(res.Status), string(res.FetchPath)).Inc()
	p.metrics.TargetDuration.WithLabelValues(string(res.Status)).Observe(res.Duration.Seconds())
	if !res.Succeeded() {
		return
	}
	p.metrics.MembersExtracted.Add(float64(res.Members))
	p.metrics.ChangesDetected.WithLabelValues("added").Add(float64(res.Added))
	p.metrics.ChangesDetected.WithLabelValues("removed").Add(float64(res.Removed))
	p.metrics.ChangesDetected.WithLabelValues("updated").Add(float64(res.Updated))
	p.metrics.SnapshotsPruned.Add(float64(len(res.Pruned)))
}

func fetchFailedMessage(primaryErr, fallbackErr error) string {
	if primaryErr == nil {
		return fmt.Sprintf("primary fetch returned no records; fallback fetch: %v", fallbackErr)
	}
	return fmt.Sprintf("primary fetch: %v; fallback fetch: %v", primaryErr, fallbackErr)
}

// Snippet collapses whitespace in s and truncates it to at most n runes.
func Snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
