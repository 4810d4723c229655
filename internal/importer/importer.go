// Package importer loads harvest targets from spreadsheets and YAML files.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/jonesrussell/north-cloud/staffdir/internal/domain"
)

// ErrUnsupportedFormat is returned for files that are neither xlsx nor YAML.
var ErrUnsupportedFormat = errors.New("unsupported import format")

// TargetRow is one parsed target entry.
type TargetRow struct {
	Row          int // source row or list position, for error reporting
	Name         string
	DirectoryURL string
	BaseURL      string
	Active       bool
}

// ImportError is a validation problem with a specific row. Row 0 refers to
// the file as a whole.
type ImportError struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

// Result summarizes an import.
type Result struct {
	Created int           `json:"created"`
	Updated int           `json:"updated"`
	Errors  []ImportError `json:"errors,omitempty"`
}

// Store receives imported targets.
type Store interface {
	UpsertTarget(ctx context.Context, t *domain.Target) (bool, error)
}

// ValidateRow returns an error message or the empty string.
func ValidateRow(row TargetRow) string {
	if strings.TrimSpace(row.Name) == "" {
		return "name is required"
	}
	if strings.TrimSpace(row.DirectoryURL) == "" {
		return "directory_url is required"
	}
	if !isHTTPURL(row.DirectoryURL) {
		return "directory_url must be an absolute http:// or https:// URL"
	}
	if row.BaseURL != "" && !isHTTPURL(row.BaseURL) {
		return "base_url must be an absolute http:// or https:// URL"
	}
	return ""
}

// ToTarget converts a valid row. A missing base URL is derived from the
// directory URL's scheme and host.
func (r TargetRow) ToTarget() *domain.Target {
	base := strings.TrimSpace(r.BaseURL)
	if base == "" {
		if u, err := url.Parse(strings.TrimSpace(r.DirectoryURL)); err == nil {
			base = u.Scheme + "://" + u.Host
		}
	}
	return &domain.Target{
		Name:         strings.TrimSpace(r.Name),
		DirectoryURL: strings.TrimSpace(r.DirectoryURL),
		BaseURL:      base,
		Active:       r.Active,
	}
}

// ParseFile dispatches on the file extension.
func ParseFile(name string, r io.Reader) ([]TargetRow, []ImportError, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx":
		rows, errs := ParseExcelFile(r)
		return rows, errs, nil
	case ".yml", ".yaml":
		rows, errs := ParseYAML(r)
		return rows, errs, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
}

// Import upserts every row. Rows with the same directory URL as an existing
// target update it in place.
func Import(ctx context.Context, store Store, rows []TargetRow) (*Result, error) {
	res := &Result{}
	for _, row := range rows {
		inserted, err := store.UpsertTarget(ctx, row.ToTarget())
		if err != nil {
			return res, fmt.Errorf("import row %d: %w", row.Row, err)
		}
		if inserted {
			res.Created++
		} else {
			res.Updated++
		}
	}
	return res, nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "true", "1", "yes", "y":
		return true, nil
	case "false", "0", "no", "n":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", s)
	}
}
