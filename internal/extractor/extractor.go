// Package extractor turns staff directory HTML into StaffRecords through an
// ordered chain of layout-specific strategies.
package extractor

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jonesrussell/north-cloud/staffdir/internal/domain"
	"github.com/jonesrussell/north-cloud/staffdir/internal/fingerprint"
)

// DefaultCategory is assigned to people whose page section cannot be named.
const DefaultCategory = "General"

// Extractor recognizes one family of directory layouts. Implementations must
// not mutate doc and must return nil when the layout is not recognized.
type Extractor interface {
	Name() string
	Extract(doc *goquery.Document, sourceURL string) []domain.StaffRecord
}

// Outcome is the result of running the chain over one document.
type Outcome struct {
	Records []domain.StaffRecord
	// Extractor is the label of the strategy that produced Records.
	Extractor string
	// PreferredFailed is set when a preferred label was supplied but that
	// extractor produced nothing.
	PreferredFailed bool
}

// Registry holds extractors in priority order.
type Registry struct {
	extractors []Extractor
}

// NewRegistry returns a registry trying extractors in the order given.
func NewRegistry(extractors ...Extractor) *Registry {
	return &Registry{extractors: extractors}
}

// Default returns the built-in chain.
func Default() *Registry {
	return NewRegistry(NewCardExtractor(), NewTableExtractor())
}

// Names lists registered labels in priority order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.extractors))
	for _, e := range r.extractors {
		names = append(names, e.Name())
	}
	return names
}

// Extract parses html and returns the records of the first extractor that
// yields any. When preferred names a registered extractor it is tried first.
// An empty Outcome with a nil error means no extractor matched.
func (r *Registry) Extract(html, sourceURL, preferred string) (Outcome, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Outcome{}, fmt.Errorf("parse html: %w", err)
	}

	var out Outcome
	for i, e := range r.ordered(preferred) {
		records := clean(e.Extract(doc, sourceURL))
		if len(records) > 0 {
			out.Records = records
			out.Extractor = e.Name()
			return out, nil
		}
		if i == 0 && preferred != "" && e.Name() == preferred {
			out.PreferredFailed = true
		}
	}
	return out, nil
}

func (r *Registry) ordered(preferred string) []Extractor {
	if preferred == "" {
		return r.extractors
	}
	out := make([]Extractor, 0, len(r.extractors))
	for _, e := range r.extractors {
		if e.Name() == preferred {
			out = append(out, e)
		}
	}
	for _, e := range r.extractors {
		if e.Name() != preferred {
			out = append(out, e)
		}
	}
	return out
}

// clean trims fields, drops nameless records and de-duplicates contacts.
func clean(records []domain.StaffRecord) []domain.StaffRecord {
	out := records[:0:0]
	for _, rec := range records {
		rec.Name = collapse(rec.Name)
		if rec.Name == "" {
			continue
		}
		rec.Title = collapse(rec.Title)
		rec.Category = collapse(rec.Category)
		if rec.Category == "" {
			rec.Category = DefaultCategory
		}
		rec.Email = fingerprint.Primary(rec.Email, rec.Emails)
		rec.Emails = uniqueFold(append([]string{rec.Email}, rec.Emails...))
		rec.Phones = uniqueFold(rec.Phones)
		rec.ProfileURL = strings.TrimSpace(rec.ProfileURL)
		out = append(out, rec)
	}
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func uniqueFold(values []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		key := fingerprint.Fold(v)
		if v == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}
