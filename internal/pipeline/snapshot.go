package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/staffdir/internal/domain"
	"github.com/jonesrussell/north-cloud/staffdir/internal/extractor"
	"github.com/jonesrussell/north-cloud/staffdir/internal/fingerprint"
)

// ErrEmptyExtraction is returned when a snapshot is requested for zero records.
var ErrEmptyExtraction = errors.New("no records to snapshot")

// SnapshotInput is what BuildSnapshot needs to capture one roster.
type SnapshotInput struct {
	TargetID  string
	Document  string
	Records   []domain.StaffRecord
	FetchPath domain.FetchPath
	Extractor string
	At        time.Time
	// Previous is the target's latest snapshot, or nil. A person keeps the
	// primary email they were identified by there while that address is
	// still listed for them.
	Previous *domain.Snapshot
}

// BuildSnapshot groups records by category in first-seen order and
// fingerprints each one.
func BuildSnapshot(in SnapshotInput) (*domain.Snapshot, error) {
	if len(in.Records) == 0 {
		return nil, ErrEmptyExtraction
	}

	snap := &domain.Snapshot{
		ID:           uuid.NewString(),
		TargetID:     in.TargetID,
		ContentHash:  ContentHash(in.Document),
		FetchPath:    in.FetchPath,
		Extractor:    in.Extractor,
		TotalMembers: len(in.Records),
		CreatedAt:    in.At,
	}

	known := previousPrimaries(in.Previous)
	positions := make(map[string]int)
	for _, rec := range in.Records {
		category := rec.Category
		if strings.TrimSpace(category) == "" {
			category = extractor.DefaultCategory
		}

		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encode record %q: %w", rec.Name, err)
		}

		primary := stablePrimary(rec, known)
		member := domain.Member{
			Fingerprint: fingerprint.Compute(rec.Name, primary),
			Name:        rec.Name,
			Title:       rec.Title,
			Email:       primary,
			Emails:      rec.Emails,
			Phones:      rec.Phones,
			ProfileURL:  rec.ProfileURL,
			Category:    category,
			Raw:         raw,
			ExtractedAt: in.At,
		}

		idx, ok := positions[category]
		if !ok {
			idx = len(snap.Categories)
			positions[category] = idx
			snap.Categories = append(snap.Categories, domain.Category{Name: category})
		}
		snap.Categories[idx].Members = append(snap.Categories[idx].Members, member)
	}

	return snap, nil
}

// previousPrimaries indexes the primary emails of prev by folded address.
func previousPrimaries(prev *domain.Snapshot) map[string]struct{} {
	known := make(map[string]struct{})
	for _, m := range prev.Members() {
		if p := fingerprint.Primary(m.Email, m.Emails); p != "" {
			known[fingerprint.Fold(p)] = struct{}{}
		}
	}
	return known
}

// stablePrimary returns the email rec is identified by. When the extractor's
// choice is new but another of rec's addresses was a primary in the previous
// snapshot, that address wins, so prepending or reordering addresses on the
// page leaves the fingerprint unchanged.
func stablePrimary(rec domain.StaffRecord, known map[string]struct{}) string {
	primary := fingerprint.Primary(rec.Email, rec.Emails)
	if primary == "" {
		return ""
	}
	if _, ok := known[fingerprint.Fold(primary)]; ok {
		return primary
	}
	for _, e := range rec.Emails {
		if _, ok := known[fingerprint.Fold(e)]; ok {
			return strings.TrimSpace(e)
		}
	}
	return primary
}

// ContentHash returns the hex sha256 of a source document.
func ContentHash(document string) string {
	sum := sha256.Sum256([]byte(document))
	return hex.EncodeToString(sum[:])
}

// Profiles returns one profile per fingerprint in snap, merging contacts and
// categories across the sections a person appears in. Scalar fields come from
// the first occurrence.
func Profiles(snap *domain.Snapshot) []*domain.Profile {
	var out []*domain.Profile
	byFingerprint := make(map[string]*domain.Profile)

	for _, m := range snap.Members() {
		p, ok := byFingerprint[m.Fingerprint]
		if !ok {
			p = &domain.Profile{
				Fingerprint:      m.Fingerprint,
				Name:             m.Name,
				Title:            m.Title,
				ProfileURL:       m.ProfileURL,
				FirstSeenAt:      snap.CreatedAt,
				LastSeenAt:       snap.CreatedAt,
				LatestSnapshotID: snap.ID,
				LatestTargetID:   snap.TargetID,
			}
			byFingerprint[m.Fingerprint] = p
			out = append(out, p)
		}
		p.Emails = appendFold(p.Emails, m.Emails...)
		p.Phones = appendFold(p.Phones, m.Phones...)
		p.Categories = appendFold(p.Categories, m.Category)
	}

	for _, p := range out {
		slices.Sort(p.Categories)
	}
	return out
}

func appendFold(dst []string, values ...string) []string {
	for _, v := range values {
		key := fingerprint.Fold(v)
		if !slices.ContainsFunc(dst, func(have string) bool { return fingerprint.Fold(have) == key }) {
			dst = append(dst, v)
		}
	}
	return dst
}
