package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/staffdir/internal/domain"
)

const snapshotSelectColumns = `id, target_id, content_hash, categories, total_members,
	fetch_path, extractor, created_at`

// SnapshotRepository persists immutable roster snapshots.
type SnapshotRepository struct {
	db *sqlx.DB
}

// NewSnapshotRepository creates a SnapshotRepository.
func NewSnapshotRepository(db *sqlx.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// CreateSnapshot inserts s.
func (r *SnapshotRepository) CreateSnapshot(ctx context.Context, s *domain.Snapshot) error {
	query := `
		INSERT INTO snapshots (id, target_id, content_hash, categories, total_members, fetch_path, extractor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := conn(ctx, r.db).ExecContext(ctx, query,
		s.ID, s.TargetID, s.ContentHash, s.Categories, s.TotalMembers, s.FetchPath, s.Extractor, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// GetSnapshot loads one snapshot.
func (r *SnapshotRepository) GetSnapshot(ctx context.Context, id string) (*domain.Snapshot, error) {
	query := `SELECT ` + snapshotSelectColumns + ` FROM snapshots WHERE id = $1`

	var s domain.Snapshot
	if err := sqlx.GetContext(ctx, conn(ctx, r.db), &s, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return &s, nil
}

// LatestSnapshot returns the snapshot the target currently points at, or
// nil when it has none.
func (r *SnapshotRepository) LatestSnapshot(ctx context.Context, targetID string) (*domain.Snapshot, error) {
	query := `SELECT s.id, s.target_id, s.content_hash, s.categories, s.total_members,
			s.fetch_path, s.extractor, s.created_at
		FROM snapshots s JOIN targets t ON t.latest_snapshot_id = s.id
		WHERE t.id = $1`

	var s domain.Snapshot
	if err := sqlx.GetContext(ctx, conn(ctx, r.db), &s, query, targetID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest snapshot: %w", err)
	}
	return &s, nil
}

// ListSnapshots returns a target's snapshots, newest first.
func (r *SnapshotRepository) ListSnapshots(ctx context.Context, targetID string) ([]domain.Snapshot, error) {
	query := `SELECT ` + snapshotSelectColumns + ` FROM snapshots
		WHERE target_id = $1 ORDER BY created_at DESC, id DESC`

	snapshots := []domain.Snapshot{}
	if err := sqlx.SelectContext(ctx, conn(ctx, r.db), &snapshots, query, targetID); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return snapshots, nil
}

// SnapshotIDs returns a target's snapshot IDs, newest first.
func (r *SnapshotRepository) SnapshotIDs(ctx context.Context, targetID string) ([]string, error) {
	query := `SELECT id FROM snapshots WHERE target_id = $1 ORDER BY created_at DESC, id DESC`

	ids := []string{}
	if err := sqlx.SelectContext(ctx, conn(ctx, r.db), &ids, query, targetID); err != nil {
		return nil, fmt.Errorf("list snapshot ids: %w", err)
	}
	return ids, nil
}

// DeleteSnapshot removes one snapshot.
func (r *SnapshotRepository) DeleteSnapshot(ctx context.Context, id string) error {
	result, err := conn(ctx, r.db).ExecContext(ctx, `DELETE FROM snapshots WHERE id = $1`, id)
	return execRequireRows(result, err, fmt.Errorf("snapshot %s: %w", id, ErrNotFound))
}
