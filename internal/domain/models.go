// Package domain defines the records shared across the harvesting pipeline,
// the change engine and persistence.
package domain

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// FetchPath records which retrieval strategy produced a snapshot.
type FetchPath string

const (
	FetchPathPrimary  FetchPath = "primary"
	FetchPathFallback FetchPath = "fallback"
)

// Target is one staff directory page to harvest.
type Target struct {
	ID                  string     `db:"id"                    json:"id"`
	Name                string     `db:"name"                  json:"name"`
	BaseURL             string     `db:"base_url"              json:"base_url"`
	DirectoryURL        string     `db:"directory_url"         json:"directory_url"`
	LastExtractor       string     `db:"last_extractor"        json:"last_extractor,omitempty"`
	LastExtractorFailed bool       `db:"last_extractor_failed" json:"last_extractor_failed"`
	LastProcessedAt     *time.Time `db:"last_processed_at"     json:"last_processed_at,omitempty"`
	ProcessCount        int        `db:"process_count"         json:"process_count"`
	LastRecordCount     int        `db:"last_record_count"     json:"last_record_count"`
	LatestSnapshotID    *string    `db:"latest_snapshot_id"    json:"latest_snapshot_id,omitempty"`
	LastScrapedAt       *time.Time `db:"last_scraped_at"       json:"last_scraped_at,omitempty"`
	Active              bool       `db:"active"                json:"active"`
	CreatedAt           time.Time  `db:"created_at"            json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"            json:"updated_at"`
}

// ProcessedInMonth reports whether the target was processed in the calendar
// month containing now.
func (t *Target) ProcessedInMonth(now time.Time) bool {
	if t.LastProcessedAt == nil {
		return false
	}
	p := t.LastProcessedAt.In(now.Location())
	return p.Year() == now.Year() && p.Month() == now.Month()
}

// PreferredExtractor returns the extractor label worth trying first, or ""
// when the last attempt with it failed.
func (t *Target) PreferredExtractor() string {
	if t.LastExtractorFailed {
		return ""
	}
	return t.LastExtractor
}

// StaffRecord is one person as emitted by an extractor. Email is the primary
// address the person is identified by; Emails holds every address found,
// primary included.
type StaffRecord struct {
	Name       string   `json:"name"`
	Title      string   `json:"title,omitempty"`
	Email      string   `json:"email,omitempty"`
	Emails     []string `json:"emails,omitempty"`
	Phones     []string `json:"phones,omitempty"`
	Category   string   `json:"category,omitempty"`
	ProfileURL string   `json:"profile_url,omitempty"`
}

// Member is a fingerprinted person stored inside a snapshot category.
type Member struct {
	Fingerprint string          `json:"fingerprint"`
	Name        string          `json:"name"`
	Title       string          `json:"title,omitempty"`
	Email       string          `json:"email,omitempty"`
	Emails      []string        `json:"emails,omitempty"`
	Phones      []string        `json:"phones,omitempty"`
	ProfileURL  string          `json:"profile_url,omitempty"`
	Category    string          `json:"category"`
	Raw         json.RawMessage `json:"raw,omitempty"`
	ExtractedAt time.Time       `json:"extracted_at"`
}

// Category is a named group of members in extraction order.
type Category struct {
	Name    string   `json:"name"`
	Members []Member `json:"members"`
}

// Snapshot is an immutable capture of a target's roster at one point in time.
type Snapshot struct {
	ID           string       `db:"id"            json:"id"`
	TargetID     string       `db:"target_id"     json:"target_id"`
	ContentHash  string       `db:"content_hash"  json:"content_hash"`
	Categories   CategoryList `db:"categories"    json:"categories"`
	TotalMembers int          `db:"total_members" json:"total_members"`
	FetchPath    FetchPath    `db:"fetch_path"    json:"fetch_path"`
	Extractor    string       `db:"extractor"     json:"extractor"`
	CreatedAt    time.Time    `db:"created_at"    json:"created_at"`
}

// Members flattens the snapshot's categories in order.
func (s *Snapshot) Members() []Member {
	if s == nil {
		return nil
	}
	out := make([]Member, 0, s.TotalMembers)
	for _, c := range s.Categories {
		out = append(out, c.Members...)
	}
	return out
}

// Profile is the cross-snapshot record of one fingerprint.
type Profile struct {
	Fingerprint      string         `db:"fingerprint"        json:"fingerprint"`
	Name             string         `db:"name"               json:"name"`
	Title            string         `db:"title"              json:"title,omitempty"`
	Emails           pq.StringArray `db:"emails"             json:"emails"`
	Phones           pq.StringArray `db:"phones"             json:"phones"`
	ProfileURL       string         `db:"profile_url"        json:"profile_url,omitempty"`
	Categories       pq.StringArray `db:"categories"         json:"categories"`
	FirstSeenAt      time.Time      `db:"first_seen_at"      json:"first_seen_at"`
	LastSeenAt       time.Time      `db:"last_seen_at"       json:"last_seen_at"`
	LatestSnapshotID string         `db:"latest_snapshot_id" json:"latest_snapshot_id"`
	LatestTargetID   string         `db:"latest_target_id"   json:"latest_target_id"`
}

// FieldDiff holds the before and after value of one compared field.
type FieldDiff struct {
	Before any `json:"before"`
	After  any `json:"after"`
}

// UpdatedMember is a person present in both snapshots with differing fields.
type UpdatedMember struct {
	Fingerprint string               `json:"fingerprint"`
	Before      Member               `json:"before"`
	After       Member               `json:"after"`
	Diffs       map[string]FieldDiff `json:"diffs"`
}

// ChangeRecord is the diff between two consecutive snapshots of a target.
type ChangeRecord struct {
	ID             string            `db:"id"               json:"id"`
	TargetID       string            `db:"target_id"        json:"target_id"`
	FromSnapshotID *string           `db:"from_snapshot_id" json:"from_snapshot_id,omitempty"`
	ToSnapshotID   string            `db:"to_snapshot_id"   json:"to_snapshot_id"`
	Added          MemberList        `db:"added"            json:"added"`
	Removed        MemberList        `db:"removed"          json:"removed"`
	Updated        UpdatedMemberList `db:"updated"          json:"updated"`
	CreatedAt      time.Time         `db:"created_at"       json:"created_at"`
}

// Empty reports whether the record carries no changes.
func (c *ChangeRecord) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Updated) == 0
}

// FailureKind classifies why a target run failed.
type FailureKind string

const (
	FailureFetchFailed FailureKind = "fetch_failed"
	FailureNoData      FailureKind = "no_data"
	// FailureParsingFailed is reserved; no path produces it yet.
	FailureParsingFailed FailureKind = "parsing_failed"
	FailureCritical      FailureKind = "critical_error"
)

// FailureRecord is the most recent failure of a target, keyed by its URL.
type FailureRecord struct {
	TargetURL     string      `db:"target_url"      json:"target_url"`
	TargetID      *string     `db:"target_id"       json:"target_id,omitempty"`
	Kind          FailureKind `db:"kind"            json:"kind"`
	Message       string      `db:"message"         json:"message"`
	LastAttemptAt time.Time   `db:"last_attempt_at" json:"last_attempt_at"`
	Attempts      int         `db:"attempts"        json:"attempts"`
}
