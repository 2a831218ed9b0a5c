package quality

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var foldPattern = regexp.MustCompile(`[\s\p{P}]+`)

// DuplicationDetector measures exact and near-duplicate rates in a column.
// Near-duplicates are found on a normalized key: lowercased, whitespace and
// punctuation folded.
type DuplicationDetector struct {
	// HighDuplicateRate flags columns whose exact duplicate rate exceeds it
	HighDuplicateRate float64
}

// NewDuplicationDetector returns a duplication detector with default thresholds
func NewDuplicationDetector() *DuplicationDetector {
	return &DuplicationDetector{HighDuplicateRate: 0.2}
}

// Check implements Detector
func (d *DuplicationDetector) Check() CheckType { return CheckDuplication }

// Detect implements Detector
func (d *DuplicationDetector) Detect(ctx context.Context, col Column) Finding {
	values := nonBlank(col.Values)
	if len(values) < 2 {
		return notApplicable(CheckDuplication, col.Name)
	}

	exact := make(map[string]int, len(values))
	folded := make(map[string]int, len(values))
	for _, v := range values {
		exact[v]++
		folded[normalizeKey(v)]++
	}

	exactRate := 1 - ratio(len(exact), len(values))
	nearRate := 1 - ratio(len(folded), len(values))

	var issues []Issue
	if len(exact) == 1 {
		issues = append(issues, Issue{
			Severity: SeverityCritical,
			Code:     "constant_column",
			Message:  "every value in the column is identical",
		})
	} else if exactRate > d.HighDuplicateRate {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Code:     "high_duplicate_rate",
			Message:  fmt.Sprintf("%.1f%% of values are exact duplicates", exactRate*100),
		})
	}
	if nearRate-exactRate > 0.05 {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Code:     "near_duplicates",
			Message:  fmt.Sprintf("%.1f%% of values collide after case and punctuation folding", (nearRate-exactRate)*100),
		})
	}

	suggestion := ""
	if len(issues) > 0 {
		suggestion = "deduplicate on the normalized key before aggregation"
	}

	// Confidence expresses how certain the detector is about the measured
	// duplication level; counting is exact, so it only drops when the sample
	// is small.
	confidence := 1.0
	if len(values) < 50 {
		confidence = 0.8
	}

	return Finding{
		Check:      CheckDuplication,
		Column:     col.Name,
		Applicable: true,
		Detected:   fmt.Sprintf("%.1f%% duplicates", exactRate*100),
		Confidence: confidence,
		Issues:     issues,
		Suggestion: suggestion,
		Details: map[string]any{
			"exact_duplicate_rate": exactRate,
			"near_duplicate_rate":  nearRate,
			"distinct_values":      len(exact),
		},
	}
}

// normalizeKey folds a value for near-duplicate comparison
func normalizeKey(v string) string {
	k := strings.ToLower(strings.TrimSpace(v))
	k = foldPattern.ReplaceAllString(k, " ")
	return strings.TrimSpace(k)
}
