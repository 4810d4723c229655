package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/staffdir/internal/domain"
)

const targetSelectColumns = `id, name, base_url, directory_url, last_extractor, last_extractor_failed,
	last_processed_at, process_count, last_record_count, latest_snapshot_id, last_scraped_at,
	active, created_at, updated_at`

// ScrapeUpdate is written to a target after a successful persist.
type ScrapeUpdate struct {
	SnapshotID  string
	Extractor   string
	RecordCount int
	ScrapedAt   time.Time
}

// TargetFilter narrows ListTargets.
type TargetFilter struct {
	ActiveOnly bool
	Limit      int
	Offset     int
}

// TargetRepository persists harvest targets.
type TargetRepository struct {
	db *sqlx.DB
}

// NewTargetRepository creates a TargetRepository.
func NewTargetRepository(db *sqlx.DB) *TargetRepository {
	return &TargetRepository{db: db}
}

// UpsertTarget inserts t or, when its directory URL exists, refreshes the
// name, base URL and active flag. t.ID and timestamps are filled from the
// stored row. Reports whether a new row was created.
func (r *TargetRepository) UpsertTarget(ctx context.Context, t *domain.Target) (bool, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	query := `
		INSERT INTO targets (id, name, base_url, directory_url, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (directory_url) DO UPDATE
		SET name = EXCLUDED.name, base_url = EXCLUDED.base_url,
			active = EXCLUDED.active, updated_at = NOW()
		RETURNING id, created_at, updated_at, (xmax = 0) AS inserted`

	var row struct {
		ID        string    `db:"id"`
		CreatedAt time.Time `db:"created_at"`
		UpdatedAt time.Time `db:"updated_at"`
		Inserted  bool      `db:"inserted"`
	}
	err := sqlx.GetContext(ctx, conn(ctx, r.db), &row, query,
		t.ID, t.Name, t.BaseURL, t.DirectoryURL, t.Active)
	if err != nil {
		return false, fmt.Errorf("upsert target %s: %w", t.DirectoryURL, err)
	}

	t.ID, t.CreatedAt, t.UpdatedAt = row.ID, row.CreatedAt, row.UpdatedAt
	return row.Inserted, nil
}

// GetTarget loads a target by ID.
func (r *TargetRepository) GetTarget(ctx context.Context, id string) (*domain.Target, error) {
	query := `SELECT ` + targetSelectColumns + ` FROM targets WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetTargetByURL loads a target by its directory URL.
func (r *TargetRepository) GetTargetByURL(ctx context.Context, directoryURL string) (*domain.Target, error) {
	query := `SELECT ` + targetSelectColumns + ` FROM targets WHERE directory_url = $1`
	return r.getOne(ctx, query, directoryURL)
}

func (r *TargetRepository) getOne(ctx context.Context, query string, arg any) (*domain.Target, error) {
	var t domain.Target
	if err := sqlx.GetContext(ctx, conn(ctx, r.db), &t, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("target %v: %w", arg, ErrNotFound)
		}
		return nil, fmt.Errorf("get target: %w", err)
	}
	return &t, nil
}

// ListTargets returns targets ordered by name.
func (r *TargetRepository) ListTargets(ctx context.Context, f TargetFilter) ([]domain.Target, error) {
	query := `SELECT ` + targetSelectColumns + ` FROM targets`
	args := []any{}
	if f.ActiveOnly {
		query += ` WHERE active = TRUE`
	}
	query += ` ORDER BY name, directory_url`
	if f.Limit > 0 {
		args = append(args, f.Limit, f.Offset)
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	}

	targets := []domain.Target{}
	if err := sqlx.SelectContext(ctx, conn(ctx, r.db), &targets, query, args...); err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	return targets, nil
}

// ListDueTargets returns active targets not processed since monthStart,
// never-processed first then oldest processed first.
func (r *TargetRepository) ListDueTargets(ctx context.Context, monthStart time.Time) ([]domain.Target, error) {
	query := `SELECT ` + targetSelectColumns + ` FROM targets
		WHERE active = TRUE AND (last_processed_at IS NULL OR last_processed_at < $1)
		ORDER BY last_processed_at ASC NULLS FIRST, created_at ASC`

	targets := []domain.Target{}
	if err := sqlx.SelectContext(ctx, conn(ctx, r.db), &targets, query, monthStart); err != nil {
		return nil, fmt.Errorf("list due targets: %w", err)
	}
	return targets, nil
}

// RecordScrape points the target at its new latest snapshot.
func (r *TargetRepository) RecordScrape(ctx context.Context, targetID string, u ScrapeUpdate) error {
	query := `
		UPDATE targets
		SET latest_snapshot_id = $2, last_scraped_at = $3, last_extractor = $4,
			last_extractor_failed = FALSE, last_record_count = $5, updated_at = NOW()
		WHERE id = $1`

	result, err := conn(ctx, r.db).ExecContext(ctx, query,
		targetID, u.SnapshotID, u.ScrapedAt, u.Extractor, u.RecordCount)
	return execRequireRows(result, err, fmt.Errorf("target %s: %w", targetID, ErrNotFound))
}

// MarkProcessed stamps a run attempt. extractorFailed latches the failed
// flag; a later RecordScrape clears it.
func (r *TargetRepository) MarkProcessed(ctx context.Context, targetID string, at time.Time, extractorFailed bool) error {
	query := `
		UPDATE targets
		SET last_processed_at = $2, process_count = process_count + 1,
			last_extractor_failed = (last_extractor_failed OR $3), updated_at = NOW()
		WHERE id = $1`

	result, err := conn(ctx, r.db).ExecContext(ctx, query, targetID, at, extractorFailed)
	return execRequireRows(result, err, fmt.Errorf("target %s: %w", targetID, ErrNotFound))
}

// SetTargetActive toggles whether scheduled runs pick the target up.
func (r *TargetRepository) SetTargetActive(ctx context.Context, targetID string, active bool) error {
	query := `UPDATE targets SET active = $2, updated_at = NOW() WHERE id = $1`

	result, err := conn(ctx, r.db).ExecContext(ctx, query, targetID, active)
	return execRequireRows(result, err, fmt.Errorf("target %s: %w", targetID, ErrNotFound))
}

// CountTargets returns the total and active target counts.
func (r *TargetRepository) CountTargets(ctx context.Context) (total, active int, err error) {
	query := `SELECT COUNT(*) AS total, COUNT(*) FILTER (WHERE active) AS active FROM targets`

	var row struct {
		Total  int `db:"total"`
		Active int `db:"active"`
	}
	if err = sqlx.GetContext(ctx, conn(ctx, r.db), &row, query); err != nil {
		return 0, 0, fmt.Errorf("count targets: %w", err)
	}
	return row.Total, row.Active, nil
}
