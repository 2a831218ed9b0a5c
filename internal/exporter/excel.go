// Package exporter renders run results into files handed to users: an Excel
// workbook with summary, findings, profiles and recommendations sheets, and a
// JSON bundle of the same content.
package exporter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"

	"datapulse/internal/analytics"
	"datapulse/internal/quality"
)

// ReportBundle gathers everything the report stage renders
type ReportBundle struct {
	RunID           string                     `json:"run_id"`
	Dataset         string                     `json:"dataset"`
	GeneratedAt     time.Time                  `json:"generated_at"`
	Quality         *quality.Report            `json:"quality"`
	Profile         *analytics.DatasetProfile  `json:"profile"`
	Recommendations *analytics.Recommendations `json:"recommendations"`
}

const (
	sheetSummary         = "Summary"
	sheetFindings        = "Findings"
	sheetProfiles        = "Profiles"
	sheetRecommendations = "Recommendations"
)

// WriteWorkbook renders the bundle as an Excel workbook at path
func WriteWorkbook(bundle *ReportBundle, path string) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := writeSummary(f, bundle); err != nil {
		return err
	}
	if err := writeFindings(f, bundle.Quality); err != nil {
		return err
	}
	if err := writeProfiles(f, bundle.Profile); err != nil {
		return err
	}
	if err := writeRecommendations(f, bundle.Recommendations); err != nil {
		return err
	}

	// Drop the default sheet left over from NewFile
	if idx, err := f.GetSheetIndex("Sheet1"); err == nil && idx >= 0 {
		if err := f.DeleteSheet("Sheet1"); err != nil {
			return fmt.Errorf("exporter: failed to remove default sheet: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("exporter: failed to create export dir: %w", err)
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("exporter: failed to save workbook: %w", err)
	}
	return nil
}

// WriteJSON renders the bundle as indented JSON at path
func WriteJSON(bundle *ReportBundle, path string) error {
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("exporter: failed to marshal bundle: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("exporter: failed to create export dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("exporter: failed to write bundle: %w", err)
	}
	return nil
}

func writeSummary(f *excelize.File, bundle *ReportBundle) error {
	if _, err := f.NewSheet(sheetSummary); err != nil {
		return fmt.Errorf("exporter: failed to create sheet: %w", err)
	}

	rows := [][]any{
		{"Run ID", bundle.RunID},
		{"Dataset", bundle.Dataset},
		{"Generated", bundle.GeneratedAt.Format(time.RFC3339)},
	}
	if q := bundle.Quality; q != nil {
		rows = append(rows,
			[]any{"Rows", q.Rows},
			[]any{"Columns", q.Columns},
			[]any{"Quality score", q.Score},
			[]any{"Verdict", string(q.Verdict)},
			[]any{"Critical issues", q.IssueCount(quality.SeverityCritical)},
		)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheetSummary, cell, &row); err != nil {
			return fmt.Errorf("exporter: failed to write summary row: %w", err)
		}
	}
	return nil
}

func writeFindings(f *excelize.File, report *quality.Report) error {
	if _, err := f.NewSheet(sheetFindings); err != nil {
		return fmt.Errorf("exporter: failed to create sheet: %w", err)
	}
	header := []any{"Column", "Check", "Applicable", "Detected", "Confidence", "Issues", "Suggestion"}
	if err := f.SetSheetRow(sheetFindings, "A1", &header); err != nil {
		return err
	}
	if report == nil {
		return nil
	}
	for i, finding := range report.Findings {
		issues := ""
		for j, issue := range finding.Issues {
			if j > 0 {
				issues += "; "
			}
			issues += fmt.Sprintf("[%s] %s", issue.Severity, issue.Message)
		}
		row := []any{
			finding.Column,
			string(finding.Check),
			finding.Applicable,
			finding.Detected,
			finding.Confidence,
			issues,
			finding.Suggestion,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheetFindings, cell, &row); err != nil {
			return fmt.Errorf("exporter: failed to write finding row: %w", err)
		}
	}
	return nil
}

func writeProfiles(f *excelize.File, profile *analytics.DatasetProfile) error {
	if _, err := f.NewSheet(sheetProfiles); err != nil {
		return fmt.Errorf("exporter: failed to create sheet: %w", err)
	}
	header := []any{"Column", "Count", "Nulls", "Null rate", "Distinct", "Min", "Max", "Mean"}
	if err := f.SetSheetRow(sheetProfiles, "A1", &header); err != nil {
		return err
	}
	if profile == nil {
		return nil
	}
	for i, p := range profile.Profiles {
		row := []any{p.Name, p.Count, p.NullCount, p.NullRate, p.DistinctCount, nil, nil, nil}
		if p.Numeric != nil {
			row[5] = p.Numeric.Min
			row[6] = p.Numeric.Max
			row[7] = p.Numeric.Mean
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheetProfiles, cell, &row); err != nil {
			return fmt.Errorf("exporter: failed to write profile row: %w", err)
		}
	}
	return nil
}

func writeRecommendations(f *excelize.File, recs *analytics.Recommendations) error {
	if _, err := f.NewSheet(sheetRecommendations); err != nil {
		return fmt.Errorf("exporter: failed to create sheet: %w", err)
	}
	header := []any{"Priority", "Column", "Check", "Title", "Detail"}
	if err := f.SetSheetRow(sheetRecommendations, "A1", &header); err != nil {
		return err
	}
	if recs == nil {
		return nil
	}
	for i, rec := range recs.Items {
		row := []any{string(rec.Priority), rec.Column, string(rec.Check), rec.Title, rec.Detail}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheetRecommendations, cell, &row); err != nil {
			return fmt.Errorf("exporter: failed to write recommendation row: %w", err)
		}
	}
	return nil
}
