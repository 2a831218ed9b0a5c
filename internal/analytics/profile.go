// Package analytics derives column profiles and actionable recommendations
// from ingested datasets and their quality reports.
package analytics

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"datapulse/internal/dataset"
)

// ValueCount pairs a column value with its occurrence count
type ValueCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// NumericStats summarizes the parseable numeric values of a column
type NumericStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
}

// ColumnProfile summarizes one column
type ColumnProfile struct {
	Name          string        `json:"name"`
	Count         int           `json:"count"`
	NullCount     int           `json:"null_count"`
	NullRate      float64       `json:"null_rate"`
	DistinctCount int           `json:"distinct_count"`
	MinLength     int           `json:"min_length"`
	MaxLength     int           `json:"max_length"`
	TopValues     []ValueCount  `json:"top_values,omitempty"`
	Numeric       *NumericStats `json:"numeric,omitempty"`
}

// DatasetProfile summarizes a whole dataset
type DatasetProfile struct {
	Dataset     string          `json:"dataset"`
	Rows        int             `json:"rows"`
	Columns     int             `json:"columns"`
	Profiles    []ColumnProfile `json:"profiles"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// topValueLimit bounds the most-frequent-values list per column
const topValueLimit = 5

// Profile computes per-column summaries for the dataset
func Profile(ds *dataset.Dataset) *DatasetProfile {
	out := &DatasetProfile{
		Dataset:     ds.Name,
		Rows:        ds.RowCount(),
		Columns:     ds.ColumnCount(),
		Profiles:    make([]ColumnProfile, 0, ds.ColumnCount()),
		GeneratedAt: time.Now(),
	}
	for _, name := range ds.Columns {
		values, err := ds.Column(name)
		if err != nil {
			continue
		}
		out.Profiles = append(out.Profiles, profileColumn(name, values))
	}
	return out
}

func profileColumn(name string, values []string) ColumnProfile {
	p := ColumnProfile{Name: name, Count: len(values), MinLength: -1}

	counts := make(map[string]int)
	var numbers []float64
	for _, raw := range values {
		v := strings.TrimSpace(raw)
		if v == "" {
			p.NullCount++
			continue
		}
		counts[v]++
		if n := len(v); p.MinLength < 0 || n < p.MinLength {
			p.MinLength = n
		}
		if n := len(v); n > p.MaxLength {
			p.MaxLength = n
		}
		if f, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", ""), 64); err == nil {
			numbers = append(numbers, f)
		}
	}
	if p.MinLength < 0 {
		p.MinLength = 0
	}
	if p.Count > 0 {
		p.NullRate = float64(p.NullCount) / float64(p.Count)
	}
	p.DistinctCount = len(counts)
	p.TopValues = topValues(counts, topValueLimit)

	// Numeric stats only when most non-blank values parse as numbers
	nonBlank := p.Count - p.NullCount
	if nonBlank > 0 && float64(len(numbers)) >= 0.6*float64(nonBlank) {
		p.Numeric = numericStats(numbers)
	}
	return p
}

func topValues(counts map[string]int, limit int) []ValueCount {
	out := make([]ValueCount, 0, len(counts))
	for v, n := range counts {
		out = append(out, ValueCount{Value: v, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func numericStats(numbers []float64) *NumericStats {
	stats := &NumericStats{
		Count: len(numbers),
		Min:   numbers[0],
		Max:   numbers[0],
	}
	sum := 0.0
	for _, f := range numbers {
		if f < stats.Min {
			stats.Min = f
		}
		if f > stats.Max {
			stats.Max = f
		}
		sum += f
	}
	stats.Mean = sum / float64(len(numbers))

	variance := 0.0
	for _, f := range numbers {
		d := f - stats.Mean
		variance += d * d
	}
	stats.StdDev = math.Sqrt(variance / float64(len(numbers)))
	return stats
}
