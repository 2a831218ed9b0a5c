package quality

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// NumericDetector classifies columns holding plain numbers (integer or
// decimal, optional thousands separators, no currency markers).
type NumericDetector struct {
	MinMatchRatio float64
}

// NewNumericDetector returns a numeric detector with default thresholds
func NewNumericDetector() *NumericDetector {
	return &NumericDetector{MinMatchRatio: 0.6}
}

// Check implements Detector
func (d *NumericDetector) Check() CheckType { return CheckNumeric }

// Detect implements Detector
func (d *NumericDetector) Detect(ctx context.Context, col Column) Finding {
	values := nonBlank(col.Values)
	if len(values) == 0 {
		return notApplicable(CheckNumeric, col.Name)
	}

	var matched, integers, decimals, grouped int
	for _, raw := range values {
		v := strings.TrimSpace(raw)
		hasGrouping := strings.Contains(v, ",")
		clean := strings.ReplaceAll(v, ",", "")
		if _, err := strconv.ParseFloat(clean, 64); err != nil {
			continue
		}
		matched++
		if hasGrouping {
			grouped++
		}
		if strings.Contains(clean, ".") {
			decimals++
		} else {
			integers++
		}
	}

	matchRatio := ratio(matched, len(values))
	if matchRatio < d.MinMatchRatio {
		return notApplicable(CheckNumeric, col.Name)
	}

	detected := "integer"
	if decimals > integers {
		detected = "decimal"
	}

	var issues []Issue
	confidence := matchRatio
	if integers > 0 && decimals > 0 {
		minority := decimals
		if integers < decimals {
			minority = integers
		}
		if ratio(minority, matched) > 0.05 {
			issues = append(issues, Issue{
				Severity: SeverityInfo,
				Code:     "mixed_integer_decimal",
				Message:  "column mixes integer and decimal values",
			})
		}
	}
	if grouped > 0 && grouped < matched {
		confidence -= 0.05
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Code:     "inconsistent_grouping",
			Message:  "thousands separators appear on only part of the column",
		})
	}
	if matchRatio < 0.95 {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Code:     "unparsed_numbers",
			Message:  fmt.Sprintf("%.1f%% of values do not parse as numbers", (1-matchRatio)*100),
		})
	}
	if confidence < 0 {
		confidence = 0
	}

	return Finding{
		Check:      CheckNumeric,
		Column:     col.Name,
		Applicable: true,
		Detected:   detected,
		Confidence: confidence,
		Issues:     issues,
		Details: map[string]any{
			"match_ratio": matchRatio,
			"integers":    integers,
			"decimals":    decimals,
		},
	}
}
