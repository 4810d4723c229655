package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/staffdir/internal/domain"
)

const failureSelectColumns = `target_url, target_id, kind, message, last_attempt_at, attempts`

// FailureRepository is the failure ledger: one row per failing target URL.
type FailureRepository struct {
	db *sqlx.DB
}

// NewFailureRepository creates a FailureRepository.
func NewFailureRepository(db *sqlx.DB) *FailureRepository {
	return &FailureRepository{db: db}
}

// UpsertFailure records f, incrementing attempts when the URL already has an
// entry. f.Attempts is set from the stored row.
func (r *FailureRepository) UpsertFailure(ctx context.Context, f *domain.FailureRecord) error {
	query := `
		INSERT INTO failure_records (target_url, target_id, kind, message, last_attempt_at, attempts)
		VALUES ($1, $2, $3, $4, $5, 1)
		ON CONFLICT (target_url) DO UPDATE
		SET target_id = EXCLUDED.target_id, kind = EXCLUDED.kind, message = EXCLUDED.message,
			last_attempt_at = EXCLUDED.last_attempt_at, attempts = failure_records.attempts + 1
		RETURNING attempts`

	err := sqlx.GetContext(ctx, conn(ctx, r.db), &f.Attempts, query,
		f.TargetURL, f.TargetID, f.Kind, f.Message, f.LastAttemptAt)
	if err != nil {
		return fmt.Errorf("upsert failure %s: %w", f.TargetURL, err)
	}
	return nil
}

// DeleteFailure removes the entry for targetURL. Missing entries are not an
// error.
func (r *FailureRepository) DeleteFailure(ctx context.Context, targetURL string) error {
	if _, err := conn(ctx, r.db).ExecContext(ctx, `DELETE FROM failure_records WHERE target_url = $1`, targetURL); err != nil {
		return fmt.Errorf("delete failure %s: %w", targetURL, err)
	}
	return nil
}

// ListFailures returns every entry, oldest attempt first.
func (r *FailureRepository) ListFailures(ctx context.Context) ([]domain.FailureRecord, error) {
	query := `SELECT ` + failureSelectColumns + ` FROM failure_records ORDER BY last_attempt_at ASC`

	failures := []domain.FailureRecord{}
	if err := sqlx.SelectContext(ctx, conn(ctx, r.db), &failures, query); err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	return failures, nil
}

// ClearFailures empties the ledger and reports how many entries it held.
func (r *FailureRepository) ClearFailures(ctx context.Context) (int64, error) {
	result, err := conn(ctx, r.db).ExecContext(ctx, `DELETE FROM failure_records`)
	if err != nil {
		return 0, fmt.Errorf("clear failures: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
