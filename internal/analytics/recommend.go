package analytics

import (
	"fmt"
	"sort"
	"time"

	"datapulse/internal/quality"
)

// Priority orders recommendations by urgency
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Recommendation is a concrete cleanup step derived from a quality finding
type Recommendation struct {
	Priority Priority          `json:"priority"`
	Column   string            `json:"column"`
	Check    quality.CheckType `json:"check"`
	Code     string            `json:"code"`
	Title    string            `json:"title"`
	Detail   string            `json:"detail"`
}

// Recommendations is the recommendation artifact stored per run
type Recommendations struct {
	RunID       string           `json:"run_id"`
	Dataset     string           `json:"dataset"`
	GeneratedAt time.Time        `json:"generated_at"`
	Items       []Recommendation `json:"items"`
}

// remediation maps issue codes to fixed-form advice
var remediation = map[string]string{
	"mixed_currency":                 "Split the column by currency or convert all amounts to a single currency before aggregating",
	"inconsistent_negative_format":   "Normalize negative amounts to a single convention, either a leading minus or parentheses",
	"inconsistent_decimal_separator": "Normalize the decimal separator to a dot across the column",
	"unparsed_amounts":               "Review the values that do not parse as amounts and correct or remove them",
	"ambiguous_day_month":            "Confirm whether dates are day-first or month-first and reformat to ISO 8601",
	"unparsed_datetimes":             "Review the values that do not parse with the detected layout",
	"constant_column":                "Drop the column or verify the source, every value is identical",
	"high_duplicate_rate":            "Deduplicate the column or confirm repeats are expected",
	"near_duplicates":                "Normalize case, whitespace and punctuation to merge near-duplicate values",
	"empty_column":                   "Remove the column or fix the extraction that left it empty",
	"null_rate_exceeded":             "Backfill missing values or relax the completeness requirement for this column",
	"missing_values":                 "Consider backfilling the missing values",
	"whitespace_padding":             "Trim leading and trailing whitespace",
	"control_characters":             "Strip control characters, they usually indicate an encoding problem upstream",
	"null_placeholders":              "Replace placeholder tokens such as N/A with real empty values",
	"mixed_integer_decimal":          "Decide on an integer or decimal representation for the column",
	"inconsistent_grouping":          "Normalize thousands separators across the column",
	"unparsed_numbers":               "Review the values that do not parse as numbers",
}

// Recommend turns a quality report into a prioritized cleanup list.
// Critical issues map to high priority, warnings to medium, info to low.
func Recommend(report *quality.Report) *Recommendations {
	out := &Recommendations{
		RunID:       report.RunID,
		Dataset:     report.Dataset,
		GeneratedAt: time.Now(),
	}

	seen := make(map[string]bool)
	for _, finding := range report.Findings {
		for _, issue := range finding.Issues {
			key := finding.Column + "/" + issue.Code
			if seen[key] {
				continue
			}
			seen[key] = true

			detail, ok := remediation[issue.Code]
			if !ok {
				detail = issue.Message
			}
			out.Items = append(out.Items, Recommendation{
				Priority: priorityFor(issue.Severity),
				Column:   finding.Column,
				Check:    finding.Check,
				Code:     issue.Code,
				Title:    fmt.Sprintf("%s: %s", finding.Column, issue.Message),
				Detail:   detail,
			})
		}
	}

	sort.SliceStable(out.Items, func(i, j int) bool {
		pi, pj := priorityRank(out.Items[i].Priority), priorityRank(out.Items[j].Priority)
		if pi != pj {
			return pi > pj
		}
		return out.Items[i].Column < out.Items[j].Column
	})
	return out
}

func priorityFor(s quality.Severity) Priority {
	switch s {
	case quality.SeverityCritical:
		return PriorityHigh
	case quality.SeverityWarning:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func priorityRank(p Priority) int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}
