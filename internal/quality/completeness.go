package quality

import (
	"context"
	"fmt"
)

// CompletenessDetector measures the blank/null rate of a column against the
// configured ceiling. It applies to every column.
type CompletenessDetector struct {
	MaxNullRate float64
}

// NewCompletenessDetector returns a completeness detector with the given ceiling
func NewCompletenessDetector(maxNullRate float64) *CompletenessDetector {
	if maxNullRate <= 0 {
		maxNullRate = DefaultConfig().MaxNullRate
	}
	return &CompletenessDetector{MaxNullRate: maxNullRate}
}

// Check implements Detector
func (d *CompletenessDetector) Check() CheckType { return CheckCompleteness }

// Detect implements Detector
func (d *CompletenessDetector) Detect(ctx context.Context, col Column) Finding {
	total := len(col.Values)
	if total == 0 {
		return Finding{
			Check:      CheckCompleteness,
			Column:     col.Name,
			Applicable: true,
			Confidence: 0,
			Issues: []Issue{{
				Severity: SeverityCritical,
				Code:     "empty_column",
				Message:  "column has no values at all",
			}},
		}
	}

	filled := len(nonBlank(col.Values))
	nullRate := 1 - ratio(filled, total)

	var issues []Issue
	suggestion := ""
	switch {
	case filled == 0:
		issues = append(issues, Issue{
			Severity: SeverityCritical,
			Code:     "empty_column",
			Message:  "every value in the column is blank",
		})
		suggestion = "drop the column or fix the extraction that produces it"
	case nullRate > d.MaxNullRate:
		issues = append(issues, Issue{
			Severity: SeverityCritical,
			Code:     "null_rate_exceeded",
			Message:  fmt.Sprintf("%.1f%% of values are blank, ceiling is %.1f%%", nullRate*100, d.MaxNullRate*100),
		})
		suggestion = "backfill missing values or relax the completeness ceiling"
	case nullRate > 0:
		issues = append(issues, Issue{
			Severity: SeverityInfo,
			Code:     "missing_values",
			Message:  fmt.Sprintf("%.1f%% of values are blank", nullRate*100),
		})
	}

	return Finding{
		Check:      CheckCompleteness,
		Column:     col.Name,
		Applicable: true,
		Detected:   fmt.Sprintf("%.1f%% filled", (1-nullRate)*100),
		Confidence: 1 - nullRate,
		Issues:     issues,
		Suggestion: suggestion,
		Details: map[string]any{
			"null_rate": nullRate,
			"filled":    filled,
			"total":     total,
		},
	}
}
