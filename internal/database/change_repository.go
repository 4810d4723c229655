package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/staffdir/internal/domain"
)

const changeSelectColumns = `id, target_id, from_snapshot_id, to_snapshot_id, added, removed, updated, created_at`

// ChangeFilter narrows ListChanges.
type ChangeFilter struct {
	TargetID string
	Since    time.Time
	Limit    int
}

// ChangeRepository persists change records.
type ChangeRepository struct {
	db *sqlx.DB
}

// NewChangeRepository creates a ChangeRepository.
func NewChangeRepository(db *sqlx.DB) *ChangeRepository {
	return &ChangeRepository{db: db}
}

// CreateChange inserts c.
func (r *ChangeRepository) CreateChange(ctx context.Context, c *domain.ChangeRecord) error {
	query := `
		INSERT INTO change_records (id, target_id, from_snapshot_id, to_snapshot_id, added, removed, updated, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := conn(ctx, r.db).ExecContext(ctx, query,
		c.ID, c.TargetID, c.FromSnapshotID, c.ToSnapshotID, c.Added, c.Removed, c.Updated, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert change record: %w", err)
	}
	return nil
}

// ListChanges returns change records, newest first.
func (r *ChangeRepository) ListChanges(ctx context.Context, f ChangeFilter) ([]domain.ChangeRecord, error) {
	query := `SELECT ` + changeSelectColumns + ` FROM change_records WHERE TRUE`
	args := []any{}
	if f.TargetID != "" {
		args = append(args, f.TargetID)
		query += fmt.Sprintf(` AND target_id = $%d`, len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	records := []domain.ChangeRecord{}
	if err := sqlx.SelectContext(ctx, conn(ctx, r.db), &records, query, args...); err != nil {
		return nil, fmt.Errorf("list change records: %w", err)
	}
	return records, nil
}

// DeleteChangesReferencing removes change records whose from or to side is
// snapshotID.
func (r *ChangeRepository) DeleteChangesReferencing(ctx context.Context, snapshotID string) (int64, error) {
	query := `DELETE FROM change_records WHERE from_snapshot_id = $1 OR to_snapshot_id = $1`

	result, err := conn(ctx, r.db).ExecContext(ctx, query, snapshotID)
	if err != nil {
		return 0, fmt.Errorf("delete change records for %s: %w", snapshotID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
