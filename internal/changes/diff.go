// Package changes computes the added, removed and updated people between two
// snapshots of the same target.
package changes

import (
	"slices"
	"sort"

	"github.com/jonesrussell/north-cloud/staffdir/internal/domain"
	"github.com/jonesrussell/north-cloud/staffdir/internal/fingerprint"
)

// Compared field names as they appear in FieldDiff maps.
const (
	FieldName       = "name"
	FieldTitle      = "title"
	FieldEmails     = "emails"
	FieldPhones     = "phones"
	FieldProfileURL = "profile_url"
	FieldCategories = "categories"
)

// Result holds the three diff lists, each sorted by fingerprint.
type Result struct {
	Added   []domain.Member
	Removed []domain.Member
	Updated []domain.UpdatedMember
}

// Empty reports whether nothing changed.
func (r Result) Empty() bool {
	return len(r.Added) == 0 && len(r.Removed) == 0 && len(r.Updated) == 0
}

// person is one fingerprint merged across every category it appears in.
type person struct {
	member     domain.Member
	categories []string
}

// Diff compares curr against prev. A nil prev reports every member of curr as
// added.
func Diff(prev, curr *domain.Snapshot) Result {
	before := index(prev)
	after := index(curr)

	var res Result
	for _, fp := range sortedKeys(after) {
		a := after[fp]
		b, ok := before[fp]
		if !ok {
			res.Added = append(res.Added, a.member)
			continue
		}
		if diffs := compare(b, a); len(diffs) > 0 {
			res.Updated = append(res.Updated, domain.UpdatedMember{
				Fingerprint: fp,
				Before:      b.member,
				After:       a.member,
				Diffs:       diffs,
			})
		}
	}
	for _, fp := range sortedKeys(before) {
		if _, ok := after[fp]; !ok {
			res.Removed = append(res.Removed, before[fp].member)
		}
	}
	return res
}

// index merges members by fingerprint. Scalars come from the first
// occurrence; emails, phones and categories are unioned.
func index(s *domain.Snapshot) map[string]*person {
	out := make(map[string]*person)
	if s == nil {
		return out
	}
	for _, cat := range s.Categories {
		for _, m := range cat.Members {
			category := m.Category
			if category == "" {
				category = cat.Name
			}
			p, ok := out[m.Fingerprint]
			if !ok {
				m.Emails = slices.Clone(m.Emails)
				m.Phones = slices.Clone(m.Phones)
				out[m.Fingerprint] = &person{member: m, categories: []string{category}}
				continue
			}
			p.member.Emails = union(p.member.Emails, m.Emails)
			p.member.Phones = union(p.member.Phones, m.Phones)
			p.categories = union(p.categories, []string{category})
		}
	}
	for _, p := range out {
		sort.Strings(p.categories)
	}
	return out
}

func compare(before, after *person) map[string]domain.FieldDiff {
	diffs := make(map[string]domain.FieldDiff)
	scalar := func(field, b, a string) {
		if normalize(b) != normalize(a) {
			diffs[field] = domain.FieldDiff{Before: b, After: a}
		}
	}
	set := func(field string, b, a []string) {
		if !sameSet(b, a) {
			diffs[field] = domain.FieldDiff{Before: b, After: a}
		}
	}

	scalar(FieldName, before.member.Name, after.member.Name)
	scalar(FieldTitle, before.member.Title, after.member.Title)
	set(FieldEmails, before.member.Emails, after.member.Emails)
	set(FieldPhones, before.member.Phones, after.member.Phones)
	scalar(FieldProfileURL, before.member.ProfileURL, after.member.ProfileURL)
	set(FieldCategories, before.categories, after.categories)

	if len(diffs) == 0 {
		return nil
	}
	return diffs
}

// normalize trims, collapses whitespace and case-folds.
func normalize(s string) string {
	return fingerprint.Fold(s)
}

func normalizedSet(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if n := normalize(v); n != "" {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}

func sameSet(a, b []string) bool {
	return slices.Equal(normalizedSet(a), normalizedSet(b))
}

// union appends the values of add not already present in base under
// normalization, preserving base order.
func union(base, add []string) []string {
	seen := make(map[string]struct{}, len(base))
	for _, v := range base {
		seen[normalize(v)] = struct{}{}
	}
	for _, v := range add {
		n := normalize(v)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		base = append(base, v)
	}
	return base
}

func sortedKeys(m map[string]*person) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
