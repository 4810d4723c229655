// Package export writes the latest rosters, recent changes and open
// failures to an Excel workbook.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/jonesrussell/north-cloud/staffdir/internal/database"
	"github.com/jonesrussell/north-cloud/staffdir/internal/domain"
	"github.com/jonesrussell/north-cloud/staffdir/internal/logger"
)

// ErrInProgress rejects an export while another is being written.
var ErrInProgress = errors.New("export already in progress")

const (
	SheetRosters  = "Rosters"
	SheetChanges  = "Changes"
	SheetFailures = "Failures"

	dirPerm       = 0o755
	defaultDays   = 30
	fileTimeFmt   = "20060102-150405"
	listSeparator = "; "
)

var (
	rosterHeaders  = []string{"Target", "Directory URL", "Category", "Name", "Title", "Emails", "Phones", "Profile URL", "Snapshot", "Captured At"}
	changeHeaders  = []string{"Target", "Detected At", "Change", "Name", "Category", "Fields", "From Snapshot", "To Snapshot"}
	failureHeaders = []string{"Directory URL", "Kind", "Attempts", "Last Attempt", "Message"}
)

// Store is the read access an export needs.
type Store interface {
	ListTargets(ctx context.Context, f database.TargetFilter) ([]domain.Target, error)
	LatestSnapshot(ctx context.Context, targetID string) (*domain.Snapshot, error)
	ListChanges(ctx context.Context, f database.ChangeFilter) ([]domain.ChangeRecord, error)
	ListFailures(ctx context.Context) ([]domain.FailureRecord, error)
}

// Config controls where workbooks go and how far back changes reach.
type Config struct {
	Dir         string
	ChangesDays int
}

// Exporter builds workbooks. At most one export runs at a time.
type Exporter struct {
	store Store
	cfg   Config
	now   func() time.Time
	log   logger.Logger
	mu    sync.Mutex
}

// New creates an Exporter.
func New(store Store, cfg Config, log logger.Logger) *Exporter {
	if cfg.ChangesDays <= 0 {
		cfg.ChangesDays = defaultDays
	}
	return &Exporter{store: store, cfg: cfg, now: time.Now, log: log}
}

// Export writes a timestamped workbook under the configured directory and
// returns its path. It returns ErrInProgress when another export is running.
func (e *Exporter) Export(ctx context.Context) (string, error) {
	if !e.mu.TryLock() {
		return "", ErrInProgress
	}
	defer e.mu.Unlock()

	f, err := e.build(ctx)
	if err != nil {
		return "", err
	}
	defer closeFile(f, e.log)

	if err = os.MkdirAll(e.cfg.Dir, dirPerm); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(e.cfg.Dir, "staffdir-"+e.now().UTC().Format(fileTimeFmt)+".xlsx")
	if err = f.SaveAs(path); err != nil {
		return "", fmt.Errorf("save workbook: %w", err)
	}
	return path, nil
}

// WriteTo streams a freshly built workbook to w.
func (e *Exporter) WriteTo(ctx context.Context, w io.Writer) error {
	if !e.mu.TryLock() {
		return ErrInProgress
	}
	defer e.mu.Unlock()

	f, err := e.build(ctx)
	if err != nil {
		return err
	}
	defer closeFile(f, e.log)

	if err = f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func (e *Exporter) build(ctx context.Context) (*excelize.File, error) {
	targets, err := e.store.ListTargets(ctx, database.TargetFilter{})
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	names := make(map[string]string, len(targets))
	for _, t := range targets {
		names[t.ID] = t.Name
	}

	since := e.now().AddDate(0, 0, -e.cfg.ChangesDays)
	records, err := e.store.ListChanges(ctx, database.ChangeFilter{Since: since})
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	failures, err := e.store.ListFailures(ctx)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}

	f := excelize.NewFile()
	ok := false
	defer func() {
		if !ok {
			closeFile(f, e.log)
		}
	}()

	if err = f.SetSheetName("Sheet1", SheetRosters); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	for _, sheet := range []string{SheetChanges, SheetFailures} {
		if _, err = f.NewSheet(sheet); err != nil {
			return nil, fmt.Errorf("create sheet %s: %w", sheet, err)
		}
	}

	rosterRows, err := e.rosterRows(ctx, targets)
	if err != nil {
		return nil, err
	}
	if err = writeSheet(f, SheetRosters, rosterHeaders, rosterRows); err != nil {
		return nil, err
	}
	if err = writeSheet(f, SheetChanges, changeHeaders, changeRows(records, names)); err != nil {
		return nil, err
	}
	if err = writeSheet(f, SheetFailures, failureHeaders, failureRows(failures)); err != nil {
		return nil, err
	}

	ok = true
	return f, nil
}

func (e *Exporter) rosterRows(ctx context.Context, targets []domain.Target) ([][]any, error) {
	var rows [][]any
	for i := range targets {
		t := &targets[i]
		snap, err := e.store.LatestSnapshot(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("latest snapshot for %s: %w", t.DirectoryURL, err)
		}
		if snap == nil {
			continue
		}
		for _, m := range snap.Members() {
			rows = append(rows, []any{
				t.Name, t.DirectoryURL, m.Category, m.Name, m.Title,
				strings.Join(m.Emails, listSeparator), strings.Join(m.Phones, listSeparator),
				m.ProfileURL, snap.ID, snap.CreatedAt,
			})
		}
	}
	return rows, nil
}

func changeRows(records []domain.ChangeRecord, names map[string]string) [][]any {
	var rows [][]any
	for i := range records {
		c := &records[i]
		from := ""
		if c.FromSnapshotID != nil {
			from = *c.FromSnapshotID
		}
		row := func(kind string, m domain.Member, fields string) []any {
			return []any{names[c.TargetID], c.CreatedAt, kind, m.Name, m.Category, fields, from, c.ToSnapshotID}
		}
		for _, m := range c.Added {
			rows = append(rows, row("added", m, ""))
		}
		for _, m := range c.Removed {
			rows = append(rows, row("removed", m, ""))
		}
		for _, u := range c.Updated {
			rows = append(rows, row("updated", u.After, strings.Join(sortedFields(u.Diffs), ", ")))
		}
	}
	return rows
}

func failureRows(failures []domain.FailureRecord) [][]any {
	rows := make([][]any, 0, len(failures))
	for _, f := range failures {
		rows = append(rows, []any{f.TargetURL, string(f.Kind), f.Attempts, f.LastAttemptAt, f.Message})
	}
	return rows
}

func writeSheet(f *excelize.File, sheet string, headers []string, rows [][]any) error {
	header := make([]any, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write %s header: %w", sheet, err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err = f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+2, err)
		}
	}
	return nil
}

func sortedFields(diffs map[string]domain.FieldDiff) []string {
	fields := make([]string, 0, len(diffs))
	for k := range diffs {
		fields = append(fields, k)
	}
	slices.Sort(fields)
	return fields
}

func closeFile(f *excelize.File, log logger.Logger) {
	if err := f.Close(); err != nil {
		log.Warn("Failed to close workbook", logger.Error(err))
	}
}
