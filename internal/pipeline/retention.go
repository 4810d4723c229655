package pipeline

import (
	"context"
	"fmt"

	"github.com/jonesrussell/north-cloud/staffdir/internal/logger"
)

// DefaultRetain is the number of snapshots kept per target.
const DefaultRetain = 2

// RetentionStore is the persistence Retention needs.
type RetentionStore interface {
	// SnapshotIDs returns a target's snapshot IDs, newest first.
	SnapshotIDs(ctx context.Context, targetID string) ([]string, error)
	DeleteChangesReferencing(ctx context.Context, snapshotID string) (int64, error)
	DeleteSnapshot(ctx context.Context, snapshotID string) error
}

// Retention bounds per-target snapshot history.
type Retention struct {
	store RetentionStore
	keep  int
	log   logger.Logger
}

// NewRetention keeps the newest keep snapshots per target. keep below one
// falls back to DefaultRetain.
func NewRetention(store RetentionStore, keep int, log logger.Logger) *Retention {
	if keep < 1 {
		keep = DefaultRetain
	}
	return &Retention{store: store, keep: keep, log: log}
}

// Enforce deletes every snapshot of targetID beyond the newest keep, along
// with the change records that reference them. It returns the pruned IDs.
func (r *Retention) Enforce(ctx context.Context, targetID string) ([]string, error) {
	ids, err := r.store.SnapshotIDs(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	if len(ids) <= r.keep {
		return nil, nil
	}

	pruned := ids[r.keep:]
	for _, id := range pruned {
		removed, delErr := r.store.DeleteChangesReferencing(ctx, id)
		if delErr != nil {
			return nil, fmt.Errorf("prune change records of snapshot %s: %w", id, delErr)
		}
		if delErr = r.store.DeleteSnapshot(ctx, id); delErr != nil {
			return nil, fmt.Errorf("prune snapshot %s: %w", id, delErr)
		}
		r.log.Debug("Pruned snapshot",
			logger.String("target_id", targetID),
			logger.String("snapshot_id", id),
			logger.Int64("change_records_removed", removed),
		)
	}
	return pruned, nil
}
