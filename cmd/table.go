package cmd

import (
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/jonesrussell/north-cloud/staffdir/internal/domain"
	"github.com/jonesrussell/north-cloud/staffdir/internal/importer"
	"github.com/jonesrussell/north-cloud/staffdir/internal/orchestrator"
	"github.com/jonesrussell/north-cloud/staffdir/internal/pipeline"
)

const (
	timeLayout     = "2006-01-02 15:04"
	messageColumns = 80
)

func renderTable(w io.Writer, header table.Row, rows []table.Row) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(header)
	t.AppendRows(rows)
	t.Render()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func summaryRows(s *orchestrator.Summary) []table.Row {
	rows := []table.Row{
		{"Mode", s.Mode},
		{"Total", s.Total},
		{"Processed", s.Processed},
		{"Succeeded", s.Succeeded},
		{"Failed", s.Failed},
		{"Skipped", s.Skipped},
		{"Stopped", s.Stopped},
		{"Duration", s.FinishedAt.Sub(s.StartedAt).Round(time.Second).String()},
	}
	if s.ExportTriggered {
		rows = append(rows, table.Row{"Export", s.ExportPath})
	}
	if s.Error != "" {
		rows = append(rows, table.Row{"Error", s.Error})
	}
	return rows
}

func targetRows(targets []domain.Target) []table.Row {
	rows := make([]table.Row, 0, len(targets))
	for i := range targets {
		t := &targets[i]
		extractorName := t.LastExtractor
		if t.LastExtractorFailed {
			extractorName += " (failed)"
		}
		rows = append(rows, table.Row{
			t.Name,
			t.DirectoryURL,
			t.Active,
			t.LastRecordCount,
			extractorName,
			formatTime(t.LastScrapedAt),
			formatTime(t.LastProcessedAt),
		})
	}
	return rows
}

func failureRows(failures []domain.FailureRecord) []table.Row {
	rows := make([]table.Row, 0, len(failures))
	for i := range failures {
		f := &failures[i]
		rows = append(rows, table.Row{
			f.TargetURL,
			f.Kind,
			f.Attempts,
			formatTime(&f.LastAttemptAt),
			pipeline.Snippet(f.Message, messageColumns),
		})
	}
	return rows
}

func importErrorRows(errs []importer.ImportError) []table.Row {
	rows := make([]table.Row, 0, len(errs))
	for _, e := range errs {
		row := "file"
		if e.Row > 0 {
			row = strconv.Itoa(e.Row)
		}
		rows = append(rows, table.Row{row, e.Error})
	}
	return rows
}
