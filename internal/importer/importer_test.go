package importer_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/jonesrussell/north-cloud/staffdir/internal/domain"
	"github.com/jonesrussell/north-cloud/staffdir/internal/importer"
)

func buildWorkbook(t *testing.T, rows [][]any) *bytes.Buffer {
	t.Helper()

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	for i, row := range rows {
		cellName, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cellName, &row))
	}

	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return &buf
}

func header() []any {
	out := make([]any, len(importer.Headers))
	for i, h := range importer.Headers {
		out[i] = h
	}
	return out
}

func TestParseExcelFile_ValidRows(t *testing.T) {
	t.Parallel()

	buf := buildWorkbook(t, [][]any{
		header(),
		{"Example Athletics", "https://athletics.example.edu/staff-directory", "", ""},
		{"North College", "https://north.example.edu/staff", "https://north.example.edu", "false"},
	})

	rows, errs := importer.ParseExcelFile(buf)
	assert.Empty(t, errs)
	require.Len(t, rows, 2)

	assert.Equal(t, 2, rows[0].Row)
	assert.Equal(t, "Example Athletics", rows[0].Name)
	assert.True(t, rows[0].Active, "blank active column defaults to true")

	assert.Equal(t, 3, rows[1].Row)
	assert.False(t, rows[1].Active)
	assert.Equal(t, "https://north.example.edu", rows[1].BaseURL)
}

func TestParseExcelFile_ReportsInvalidRows(t *testing.T) {
	t.Parallel()

	buf := buildWorkbook(t, [][]any{
		header(),
		{"", "https://a.example.edu/staff"},
		{"No URL", ""},
		{"Bad scheme", "ftp://b.example.edu/staff"},
		{"Bad active", "https://c.example.edu/staff", "", "maybe"},
		{"", "", "", ""},
		{"Good", "https://d.example.edu/staff"},
	})

	rows, errs := importer.ParseExcelFile(buf)
	require.Len(t, rows, 1)
	assert.Equal(t, "Good", rows[0].Name)

	require.Len(t, errs, 4)
	assert.Equal(t, importer.ImportError{Row: 2, Error: "name is required"}, errs[0])
	assert.Equal(t, importer.ImportError{Row: 3, Error: "directory_url is required"}, errs[1])
	assert.Equal(t, 4, errs[2].Row)
	assert.Contains(t, errs[2].Error, "http://")
	assert.Equal(t, importer.ImportError{Row: 5, Error: "active must be true or false"}, errs[3])
}

func TestParseExcelFile_NotASpreadsheet(t *testing.T) {
	t.Parallel()

	rows, errs := importer.ParseExcelFile(strings.NewReader("not a zip"))
	assert.Nil(t, rows)
	require.Len(t, errs, 1)
	assert.Equal(t, 0, errs[0].Row)
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	doc := `
targets:
  - name: Example Athletics
    directory_url: https://athletics.example.edu/staff-directory
  - name: North College
    directory_url: https://north.example.edu/staff
    base_url: https://north.example.edu
    active: "false"
  - name: Missing URL
  - name: Typo
    directory_url: https://typo.example.edu/staff
    directroy: x
`
	rows, errs := importer.ParseYAML(strings.NewReader(doc))
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Active, "missing active defaults to true")
	assert.False(t, rows[1].Active, "weakly typed string is accepted")

	require.Len(t, errs, 2)
	assert.Equal(t, importer.ImportError{Row: 3, Error: "directory_url is required"}, errs[0])
	assert.Equal(t, 4, errs[1].Row)
	assert.Contains(t, errs[1].Error, "directroy")
}

func TestParseYAML_Malformed(t *testing.T) {
	t.Parallel()

	_, errs := importer.ParseYAML(strings.NewReader("targets: [\n"))
	require.Len(t, errs, 1)
	assert.Equal(t, 0, errs[0].Row)

	rows, errs := importer.ParseYAML(strings.NewReader(""))
	assert.Empty(t, rows)
	assert.Empty(t, errs)
}

func TestParseFile_DispatchesOnExtension(t *testing.T) {
	t.Parallel()

	rows, errs, err := importer.ParseFile("targets.YAML",
		strings.NewReader("targets:\n  - name: A\n    directory_url: https://a.example.edu/staff\n"))
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Len(t, rows, 1)

	_, _, err = importer.ParseFile("targets.csv", strings.NewReader(""))
	require.ErrorIs(t, err, importer.ErrUnsupportedFormat)
}

func TestToTarget_DerivesBaseURL(t *testing.T) {
	t.Parallel()

	row := importer.TargetRow{
		Name:         " Example ",
		DirectoryURL: "https://athletics.example.edu/staff-directory?sport=all",
		Active:       true,
	}
	target := row.ToTarget()
	assert.Equal(t, "Example", target.Name)
	assert.Equal(t, "https://athletics.example.edu", target.BaseURL)
	assert.True(t, target.Active)
}

type fakeStore struct {
	existing map[string]bool
	err      error
	saved    []*domain.Target
}

func (s *fakeStore) UpsertTarget(_ context.Context, t *domain.Target) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	s.saved = append(s.saved, t)
	if s.existing[t.DirectoryURL] {
		return false, nil
	}
	s.existing[t.DirectoryURL] = true
	return true, nil
}

func TestImport_CountsCreatedAndUpdated(t *testing.T) {
	t.Parallel()

	store := &fakeStore{existing: map[string]bool{"https://b.example.edu/staff": true}}
	rows := []importer.TargetRow{
		{Row: 2, Name: "A", DirectoryURL: "https://a.example.edu/staff", Active: true},
		{Row: 3, Name: "B", DirectoryURL: "https://b.example.edu/staff", Active: true},
		{Row: 4, Name: "A again", DirectoryURL: "https://a.example.edu/staff", Active: true},
	}

	res, err := importer.Import(context.Background(), store, rows)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 2, res.Updated)
	assert.Len(t, store.saved, 3)
}

func TestImport_StoreError(t *testing.T) {
	t.Parallel()

	store := &fakeStore{existing: map[string]bool{}, err: errors.New("db down")}
	_, err := importer.Import(context.Background(), store, []importer.TargetRow{
		{Row: 7, Name: "A", DirectoryURL: "https://a.example.edu/staff"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 7")
}
