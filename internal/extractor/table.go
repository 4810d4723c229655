package extractor

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jonesrussell/north-cloud/staffdir/internal/domain"
)

// TableName is the label of the tabular layout extractor.
const TableName = "staff-table"

type column int

const (
	colUnknown column = iota
	colName
	colFirstName
	colLastName
	colTitle
	colEmail
	colPhone
	colCategory
)

// headerKeywords maps a header cell to a column, checked in order.
var headerKeywords = []struct {
	col      column
	keywords []string
}{
	{colFirstName, []string{"first name", "first"}},
	{colLastName, []string{"last name", "last", "surname"}},
	{colEmail, []string{"email", "e-mail"}},
	{colPhone, []string{"phone", "telephone", "tel", "office"}},
	{colCategory, []string{"department", "category", "sport", "division", "unit"}},
	{colTitle, []string{"title", "position", "role", "job"}},
	{colName, []string{"name", "staff", "employee", "person"}},
}

// TableExtractor handles directories rendered as HTML tables with a header row.
type TableExtractor struct{}

// NewTableExtractor creates a table layout extractor.
func NewTableExtractor() *TableExtractor {
	return &TableExtractor{}
}

func (e *TableExtractor) Name() string { return TableName }

func (e *TableExtractor) Extract(doc *goquery.Document, sourceURL string) []domain.StaffRecord {
	var records []domain.StaffRecord
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		records = append(records, extractTable(table, sourceURL)...)
	})
	return records
}

func extractTable(table *goquery.Selection, sourceURL string) []domain.StaffRecord {
	rows := table.Find("tr")
	header, headerIdx := findHeader(rows)
	if !hasNameColumn(header) {
		return nil
	}

	category := collapse(table.Find("caption").First().Text())
	if category == "" {
		category = headingBefore(table)
	}

	var records []domain.StaffRecord
	rows.Each(func(i int, row *goquery.Selection) {
		if i <= headerIdx {
			return
		}
		cells := row.Children().Filter("td, th")
		// a single spanning cell introduces a new section
		if cells.Length() == 1 {
			if label := collapse(cells.Text()); label != "" {
				category = label
			}
			return
		}
		if rec, ok := rowRecord(header, cells, category, sourceURL); ok {
			records = append(records, rec)
		}
	})
	return records
}

func findHeader(rows *goquery.Selection) ([]column, int) {
	idx := -1
	var cols []column
	rows.EachWithBreak(func(i int, row *goquery.Selection) bool {
		cells := row.Children().Filter("th, td")
		candidate := make([]column, 0, cells.Length())
		cells.Each(func(_ int, c *goquery.Selection) {
			candidate = append(candidate, classifyHeader(c.Text()))
		})
		if hasNameColumn(candidate) && (row.Find("th").Length() > 0 || row.ParentFiltered("thead").Length() > 0 || i == 0) {
			cols, idx = candidate, i
			return false
		}
		// only the first few rows may hold a header
		return i < 2
	})
	return cols, idx
}

func classifyHeader(text string) column {
	t := strings.ToLower(collapse(text))
	if t == "" {
		return colUnknown
	}
	for _, h := range headerKeywords {
		for _, kw := range h.keywords {
			if t == kw || strings.HasPrefix(t, kw+" ") || strings.HasSuffix(t, " "+kw) {
				return h.col
			}
		}
	}
	return colUnknown
}

func hasNameColumn(cols []column) bool {
	var first, last bool
	for _, c := range cols {
		switch c {
		case colName:
			return true
		case colFirstName:
			first = true
		case colLastName:
			last = true
		}
	}
	return first && last
}

func rowRecord(header []column, cells *goquery.Selection, category, sourceURL string) (domain.StaffRecord, bool) {
	var rec domain.StaffRecord
	var first, last string
	rec.Category = category

	cells.Each(func(i int, cell *goquery.Selection) {
		if i >= len(header) {
			return
		}
		text := collapse(cell.Text())
		switch header[i] {
		case colName:
			rec.Name = text
			rec.ProfileURL = profileLink(cell, sourceURL)
		case colFirstName:
			first = text
		case colLastName:
			last = text
		case colTitle:
			rec.Title = text
		case colEmail:
			rec.Emails = append(rec.Emails, emailsIn(cell)...)
		case colPhone:
			rec.Phones = append(rec.Phones, phonesIn(cell)...)
		case colCategory:
			if text != "" {
				rec.Category = text
			}
		case colUnknown:
		}
	})

	if rec.Name == "" {
		rec.Name = collapse(first + " " + last)
	}
	if rec.Name == "" {
		return rec, false
	}
	if len(rec.Emails) == 0 {
		rec.Emails = emailsIn(cells)
	}
	rec.Email = primaryEmail(rec.Emails)
	if rec.ProfileURL == "" {
		rec.ProfileURL = profileLink(cells, sourceURL)
	}
	return rec, true
}
