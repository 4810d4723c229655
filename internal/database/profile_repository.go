package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jonesrussell/north-cloud/staffdir/internal/domain"
)

const profileSelectColumns = `fingerprint, name, title, emails, phones, profile_url, categories,
	first_seen_at, last_seen_at, latest_snapshot_id, latest_target_id`

// ProfileFilter narrows ListProfiles.
type ProfileFilter struct {
	TargetID string
	// Query matches name or email, case-insensitive.
	Query  string
	Limit  int
	Offset int
}

// ProfileRepository persists cross-snapshot person profiles.
type ProfileRepository struct {
	db *sqlx.DB
}

// NewProfileRepository creates a ProfileRepository.
func NewProfileRepository(db *sqlx.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// UpsertProfile creates the profile on first sighting; later sightings
// refresh the canonical fields, advance last_seen_at and union categories.
// first_seen_at never moves.
func (r *ProfileRepository) UpsertProfile(ctx context.Context, p *domain.Profile) error {
	query := `
		INSERT INTO profiles (fingerprint, name, title, emails, phones, profile_url, categories,
			first_seen_at, last_seen_at, latest_snapshot_id, latest_target_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $9, $10)
		ON CONFLICT (fingerprint) DO UPDATE
		SET name = EXCLUDED.name, title = EXCLUDED.title, emails = EXCLUDED.emails,
			phones = EXCLUDED.phones, profile_url = EXCLUDED.profile_url,
			categories = ARRAY(
				SELECT DISTINCT c FROM unnest(profiles.categories || EXCLUDED.categories) AS c ORDER BY c
			),
			last_seen_at = EXCLUDED.last_seen_at,
			latest_snapshot_id = EXCLUDED.latest_snapshot_id,
			latest_target_id = EXCLUDED.latest_target_id`

	_, err := conn(ctx, r.db).ExecContext(ctx, query,
		p.Fingerprint, p.Name, p.Title, nonNil(p.Emails), nonNil(p.Phones), p.ProfileURL,
		nonNil(p.Categories), p.LastSeenAt, p.LatestSnapshotID, p.LatestTargetID)
	if err != nil {
		return fmt.Errorf("upsert profile %s: %w", p.Fingerprint, err)
	}
	return nil
}

// GetProfile loads one profile.
func (r *ProfileRepository) GetProfile(ctx context.Context, fingerprint string) (*domain.Profile, error) {
	query := `SELECT ` + profileSelectColumns + ` FROM profiles WHERE fingerprint = $1`

	var p domain.Profile
	if err := sqlx.GetContext(ctx, conn(ctx, r.db), &p, query, fingerprint); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("profile %s: %w", fingerprint, ErrNotFound)
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

// ListProfiles returns profiles ordered by most recently seen.
func (r *ProfileRepository) ListProfiles(ctx context.Context, f ProfileFilter) ([]domain.Profile, error) {
	query := `SELECT ` + profileSelectColumns + ` FROM profiles WHERE TRUE`
	args := []any{}
	if f.TargetID != "" {
		args = append(args, f.TargetID)
		query += fmt.Sprintf(` AND latest_target_id = $%d`, len(args))
	}
	if f.Query != "" {
		args = append(args, "%"+f.Query+"%")
		query += fmt.Sprintf(` AND (name ILIKE $%d OR array_to_string(emails, ' ') ILIKE $%d)`, len(args), len(args))
	}
	query += ` ORDER BY last_seen_at DESC, fingerprint`
	if f.Limit > 0 {
		args = append(args, f.Limit, f.Offset)
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	}

	profiles := []domain.Profile{}
	if err := sqlx.SelectContext(ctx, conn(ctx, r.db), &profiles, query, args...); err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	return profiles, nil
}

// nonNil keeps NOT NULL array columns from receiving NULL.
func nonNil(a pq.StringArray) pq.StringArray {
	if a == nil {
		return pq.StringArray{}
	}
	return a
}
