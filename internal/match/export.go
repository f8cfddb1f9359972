package match

import (
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"layoutid/internal"
)

// ExportRows flattens outcomes into one row per candidate. Files without
// candidates still get a row carrying their status.
func ExportRows(results []FileOutcome) []internal.CandidateExportRow {
	rows := []internal.CandidateExportRow{}
	for _, r := range results {
		status := string(r.Outcome.Status)
		if r.Outcome.Status == internal.OutcomeError {
			status = string(r.Outcome.ErrorKind)
		}
		if len(r.Outcome.Candidates) == 0 {
			rows = append(rows, internal.CandidateExportRow{File: r.File, Status: status})
			continue
		}
		for i, c := range r.Outcome.Candidates {
			rows = append(rows, internal.CandidateExportRow{
				File:          r.File,
				Status:        status,
				Rank:          i + 1,
				LayoutCode:    c.LayoutCode,
				Banco:         c.Banco,
				Score:         c.Score,
				Compatibility: string(c.Compatibility),
				WasOCR:        c.WasOCR,
				PreviewURL:    c.PreviewURL,
			})
		}
	}
	return rows
}

func ExportCandidates(results []FileOutcome, outputPath string) error {
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	headers := []string{
		"file", "status", "rank", "layout_code", "banco", "score", "compatibility", "was_ocr", "preview_url",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, row := range ExportRows(results) {
		r := i + 2
		set := func(col int, value any) {
			cell, _ := excelize.CoordinatesToCellName(col, r)
			_ = f.SetCellValue(sheet, cell, value)
		}

		set(1, row.File)
		set(2, row.Status)
		set(3, optionalInt(row.Rank))
		set(4, row.LayoutCode)
		set(5, row.Banco)
		if row.Rank > 0 {
			set(6, row.Score)
			set(8, row.WasOCR)
		}
		set(7, row.Compatibility)
		set(9, row.PreviewURL)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return f.SaveAs(outputPath)
}

func optionalInt(v int) any {
	if v == 0 {
		return ""
	}
	return v
}
