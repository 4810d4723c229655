// Package fingerprint derives a stable identity for a person across snapshots.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/jonesrussell/north-cloud/staffdir/internal/domain"
)

const (
	emailPrefix = "email:"
	namePrefix  = "name:"
)

// Of returns the fingerprint of r: the hash of its primary email when it has
// one, otherwise the hash of its normalized name. The rest of r.Emails never
// affects identity.
func Of(r domain.StaffRecord) string {
	return Compute(r.Name, Primary(r.Email, r.Emails))
}

// Compute is Of for callers that hold the fields separately.
func Compute(name, email string) string {
	if norm := NormalizeEmail(email); norm != "" {
		return hash(emailPrefix + norm)
	}
	return hash(namePrefix + NormalizeName(name))
}

// Primary returns email when it is not blank, otherwise the first non-blank
// entry of emails.
func Primary(email string, emails []string) string {
	if strings.TrimSpace(email) != "" {
		return strings.TrimSpace(email)
	}
	for _, e := range emails {
		if e = strings.TrimSpace(e); e != "" {
			return e
		}
	}
	return ""
}

// Fold maps s to a comparison key: NFKC-normalized, whitespace collapsed and
// Unicode case-folded. Composed and decomposed spellings of a name fold to the
// same key, as do fullwidth and ASCII forms.
func Fold(s string) string {
	s = strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
	// A Caser carries state, so one is built per call.
	return cases.Fold().String(s)
}

// NormalizeEmail folds and trims an address.
func NormalizeEmail(s string) string {
	return Fold(s)
}

// NormalizeName folds a name and collapses internal whitespace.
func NormalizeName(s string) string {
	return Fold(s)
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
