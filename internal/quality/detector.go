package quality

import (
	"context"
	"strings"
)

// Column is the detector input: a column name and a value sample
type Column struct {
	Name   string
	Values []string
}

// Detector inspects one column and produces a finding. Implementations must
// be safe for concurrent use; the runner fans columns out across goroutines.
type Detector interface {
	Check() CheckType
	Detect(ctx context.Context, col Column) Finding
}

// nonBlank returns the non-blank values of the sample
func nonBlank(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

// ratio guards against division by zero
func ratio(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total)
}

func notApplicable(check CheckType, column string) Finding {
	return Finding{Check: check, Column: column, Applicable: false}
}
