package importer

import (
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Column indices for the import spreadsheet (0-based).
const (
	colName         = 0 // Column A
	colDirectoryURL = 1 // Column B
	colBaseURL      = 2 // Column C
	colActive       = 3 // Column D

	headerRowIndex = 1 // Excel rows are 1-based, header is row 1
)

// Headers is the expected header row of an import spreadsheet.
var Headers = []string{"name", "directory_url", "base_url", "active"}

// ParseExcelFile reads targets from the first sheet. Invalid rows are
// reported and skipped; blank rows are ignored.
func ParseExcelFile(r io.Reader) ([]TargetRow, []ImportError) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, []ImportError{{Row: 0, Error: "failed to open spreadsheet: " + err.Error()}}
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, []ImportError{{Row: 0, Error: "spreadsheet has no sheets"}}
	}
	raw, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, []ImportError{{Row: 0, Error: "failed to read rows: " + err.Error()}}
	}

	var (
		rows []TargetRow
		errs []ImportError
	)
	for i, cells := range raw {
		rowNum := i + 1
		if rowNum <= headerRowIndex || blank(cells) {
			continue
		}

		row := TargetRow{
			Row:          rowNum,
			Name:         cell(cells, colName),
			DirectoryURL: cell(cells, colDirectoryURL),
			BaseURL:      cell(cells, colBaseURL),
		}
		active, boolErr := parseBool(cell(cells, colActive))
		if boolErr != nil {
			errs = append(errs, ImportError{Row: rowNum, Error: "active must be true or false"})
			continue
		}
		row.Active = active

		if msg := ValidateRow(row); msg != "" {
			errs = append(errs, ImportError{Row: rowNum, Error: msg})
			continue
		}
		rows = append(rows, row)
	}
	return rows, errs
}

func cell(cells []string, idx int) string {
	if idx >= len(cells) {
		return ""
	}
	return strings.TrimSpace(cells[idx])
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
