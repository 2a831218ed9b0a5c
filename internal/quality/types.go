// Package quality implements the per-column heuristic detectors that score
// ingested datasets: format classification (currency, datetime, numeric),
// duplication analysis and completeness checks, each reporting a confidence
// value and concrete issues.
package quality

import (
	"time"
)

// CheckType identifies a heuristic validation category
type CheckType string

const (
	CheckBasicValidation CheckType = "basic_validation"
	CheckDatetime        CheckType = "datetime"
	CheckCurrency        CheckType = "currency"
	CheckNumeric         CheckType = "numeric"
	CheckDuplication     CheckType = "duplication"
	CheckCompleteness    CheckType = "completeness"
)

// Severity grades an issue found by a detector
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Issue is a single problem found in a column
type Issue struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
}

// Finding is the result of one detector applied to one column
type Finding struct {
	Check      CheckType      `json:"check"`
	Column     string         `json:"column"`
	Applicable bool           `json:"applicable"`
	Detected   string         `json:"detected,omitempty"`
	Confidence float64        `json:"confidence"`
	Issues     []Issue        `json:"issues,omitempty"`
	Suggestion string         `json:"suggestion,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// CriticalCount returns the number of critical issues in the finding
func (f Finding) CriticalCount() int {
	n := 0
	for _, issue := range f.Issues {
		if issue.Severity == SeverityCritical {
			n++
		}
	}
	return n
}

// Verdict is the overall outcome of a quality report
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictWarn Verdict = "warn"
	VerdictFail Verdict = "fail"
)

// Report aggregates all findings for a dataset
type Report struct {
	RunID       string    `json:"run_id"`
	Dataset     string    `json:"dataset"`
	GeneratedAt time.Time `json:"generated_at"`
	Rows        int       `json:"rows"`
	Columns     int       `json:"columns"`
	Findings    []Finding `json:"findings"`
	Score       float64   `json:"score"`
	Verdict     Verdict   `json:"verdict"`
}

// ColumnFindings returns the findings for a single column
func (r *Report) ColumnFindings(column string) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Column == column {
			out = append(out, f)
		}
	}
	return out
}

// IssueCount returns the total number of issues at or above the severity
func (r *Report) IssueCount(min Severity) int {
	rank := severityRank(min)
	n := 0
	for _, f := range r.Findings {
		for _, issue := range f.Issues {
			if severityRank(issue.Severity) >= rank {
				n++
			}
		}
	}
	return n
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Config controls detector sampling and report thresholds
type Config struct {
	SampleSize    int
	PassThreshold float64
	WarnThreshold float64
	MaxNullRate   float64
}

// DefaultConfig returns the default quality configuration
func DefaultConfig() Config {
	return Config{
		SampleSize:    1000,
		PassThreshold: 0.9,
		WarnThreshold: 0.7,
		MaxNullRate:   0.2,
	}
}
