package quality

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// candidateLayout pairs a Go time layout with a stable name used in reports
type candidateLayout struct {
	name   string
	layout string
}

// candidateLayouts is ordered by preference: when two layouts match equally
// well, the earlier one wins. ISO-8601 forms come first.
var candidateLayouts = []candidateLayout{
	{"rfc3339", time.RFC3339},
	{"iso_datetime", "2006-01-02 15:04:05"},
	{"iso_date", "2006-01-02"},
	{"day_first_slash", "02/01/2006"},
	{"month_first_slash", "01/02/2006"},
	{"year_first_slash", "2006/01/02"},
	{"day_month_name", "02-Jan-2006"},
	{"month_name_day", "Jan 2, 2006"},
	{"day_first_dot", "02.01.2006"},
	{"compact", "20060102"},
}

// DatetimeDetector classifies columns holding dates or timestamps by trying
// an ordered table of candidate layouts plus epoch second/millisecond forms.
type DatetimeDetector struct {
	// MinMatchRatio is the floor below which the column is not a datetime
	MinMatchRatio float64
}

// NewDatetimeDetector returns a datetime detector with default thresholds
func NewDatetimeDetector() *DatetimeDetector {
	return &DatetimeDetector{MinMatchRatio: 0.5}
}

// Check implements Detector
func (d *DatetimeDetector) Check() CheckType { return CheckDatetime }

// Detect implements Detector
func (d *DatetimeDetector) Detect(ctx context.Context, col Column) Finding {
	values := nonBlank(col.Values)
	if len(values) == 0 {
		return notApplicable(CheckDatetime, col.Name)
	}

	type layoutStat struct {
		matched int
		times   []time.Time
	}
	stats := make([]layoutStat, len(candidateLayouts))
	var epochSec, epochMilli int
	var epochTimes []time.Time
	dayOver12 := false

	for _, raw := range values {
		v := strings.TrimSpace(raw)
		for i, cand := range candidateLayouts {
			if ts, err := time.Parse(cand.layout, v); err == nil {
				stats[i].matched++
				stats[i].times = append(stats[i].times, ts)
				if ts.Day() > 12 {
					dayOver12 = true
				}
			}
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			switch {
			case len(v) == 10 && n > 0:
				epochSec++
				epochTimes = append(epochTimes, time.Unix(n, 0))
			case len(v) == 13 && n > 0:
				epochMilli++
				epochTimes = append(epochTimes, time.UnixMilli(n))
			}
		}
	}

	bestIdx, bestMatched := -1, 0
	for i, st := range stats {
		if st.matched > bestMatched {
			bestIdx, bestMatched = i, st.matched
		}
	}

	detected := ""
	matched := 0
	var parsed []time.Time
	switch {
	case epochSec > bestMatched:
		detected, matched, parsed = "epoch_seconds", epochSec, epochTimes
	case epochMilli > bestMatched:
		detected, matched, parsed = "epoch_millis", epochMilli, epochTimes
	case bestIdx >= 0:
		detected, matched, parsed = candidateLayouts[bestIdx].name, bestMatched, stats[bestIdx].times
	}

	matchRatio := ratio(matched, len(values))
	if detected == "" || matchRatio < d.MinMatchRatio {
		return notApplicable(CheckDatetime, col.Name)
	}

	confidence := matchRatio
	var issues []Issue

	// Day-first and month-first slash layouts are indistinguishable unless
	// some sample carries a day greater than 12.
	ambiguous := false
	if detected == "day_first_slash" || detected == "month_first_slash" {
		other := "month_first_slash"
		otherIdx := indexOfLayout(other)
		if detected == other {
			otherIdx = indexOfLayout("day_first_slash")
		}
		if otherIdx >= 0 && ratio(stats[otherIdx].matched, len(values)) >= d.MinMatchRatio && !dayOver12 {
			ambiguous = true
			confidence -= 0.15
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Code:     "ambiguous_day_month",
				Message:  "no sample value disambiguates day-first from month-first ordering",
			})
		}
	}

	if matchRatio < 0.95 {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Code:     "unparsed_datetimes",
			Message:  fmt.Sprintf("%.1f%% of values do not parse with layout %s", (1-matchRatio)*100, detected),
		})
	}
	if confidence < 0 {
		confidence = 0
	}

	return Finding{
		Check:      CheckDatetime,
		Column:     col.Name,
		Applicable: true,
		Detected:   detected,
		Confidence: confidence,
		Issues:     issues,
		Suggestion: fmt.Sprintf("parse column with layout %s and store as RFC 3339", detected),
		Details: map[string]any{
			"match_ratio": matchRatio,
			"ambiguous":   ambiguous,
			"monotonic":   isMonotonic(parsed),
		},
	}
}

func indexOfLayout(name string) int {
	for i, cand := range candidateLayouts {
		if cand.name == name {
			return i
		}
	}
	return -1
}

// isMonotonic reports whether the parsed times never decrease in row order.
// A monotonic column is a strong hint for an event-time column.
func isMonotonic(times []time.Time) bool {
	if len(times) < 2 {
		return false
	}
	for i := 1; i < len(times); i++ {
		if times[i].Before(times[i-1]) {
			return false
		}
	}
	return true
}
