package quality

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

// BasicValidationDetector catches structural problems that break downstream
// parsing regardless of the column's type: padding whitespace, control
// characters and placeholder tokens standing in for nulls.
type BasicValidationDetector struct{}

// NewBasicValidationDetector returns the basic validation detector
func NewBasicValidationDetector() *BasicValidationDetector {
	return &BasicValidationDetector{}
}

// placeholderTokens are values that usually mean "missing" but defeat blank
// detection ("N/A", "null", "-")
var placeholderTokens = map[string]bool{
	"n/a": true, "na": true, "null": true, "none": true, "-": true, "--": true,
	"nil": true, "unknown": true, "#n/a": true,
}

// Check implements Detector
func (d *BasicValidationDetector) Check() CheckType { return CheckBasicValidation }

// Detect implements Detector
func (d *BasicValidationDetector) Detect(ctx context.Context, col Column) Finding {
	values := nonBlank(col.Values)
	if len(values) == 0 {
		return notApplicable(CheckBasicValidation, col.Name)
	}

	var padded, control, placeholders int
	for _, v := range values {
		if v != strings.TrimSpace(v) {
			padded++
		}
		if strings.ContainsFunc(v, func(r rune) bool {
			return unicode.IsControl(r) && r != '\t'
		}) {
			control++
		}
		if placeholderTokens[strings.ToLower(strings.TrimSpace(v))] {
			placeholders++
		}
	}

	var issues []Issue
	confidence := 1.0
	if padded > 0 {
		confidence -= 0.1
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Code:     "whitespace_padding",
			Message:  fmt.Sprintf("%d values carry leading or trailing whitespace", padded),
		})
	}
	if control > 0 {
		confidence -= 0.2
		issues = append(issues, Issue{
			Severity: SeverityCritical,
			Code:     "control_characters",
			Message:  fmt.Sprintf("%d values contain control characters", control),
		})
	}
	if placeholders > 0 {
		confidence -= 0.1
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Code:     "null_placeholders",
			Message:  fmt.Sprintf("%d values are placeholder tokens for missing data", placeholders),
		})
	}
	if confidence < 0 {
		confidence = 0
	}

	suggestion := ""
	if len(issues) > 0 {
		suggestion = "trim whitespace and map placeholder tokens to empty values during staging"
	}

	return Finding{
		Check:      CheckBasicValidation,
		Column:     col.Name,
		Applicable: true,
		Confidence: confidence,
		Issues:     issues,
		Suggestion: suggestion,
		Details: map[string]any{
			"padded_values":      padded,
			"control_characters": control,
			"placeholders":       placeholders,
		},
	}
}
